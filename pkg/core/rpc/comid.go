// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// HandleComID sideband requests ("3.3.4.3 ComID Management").

package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

type ComIDRequest [4]byte

var (
	ComIDRequestVerifyComIDValid = ComIDRequest{0x00, 0x00, 0x00, 0x01}
	ComIDRequestStackReset       = ComIDRequest{0x00, 0x00, 0x00, 0x02}

	ErrStackResetPending = errors.New("stack reset is pending, which is not supported")
	ErrStackResetFailed  = errors.New("stack reset reported failure")
)

// ComIDState is reported by the VERIFY_COMID_VALID response.
type ComIDState uint32

const (
	ComIDStateInvalid    ComIDState = 0x00
	ComIDStateInactive   ComIDState = 0x01
	ComIDStateIssued     ComIDState = 0x02
	ComIDStateAssociated ComIDState = 0x03
)

type comIDResult struct {
	payload []byte
	err     error
}

// HandleComIDRequest performs one sideband request/response pair on
// protocol 0x02. Use the Engine variant while a worker owns the
// transport.
func HandleComIDRequest(d drive.SendReceive, comID uint32, req ComIDRequest) ([]byte, error) {
	var buf [512]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(comID&0xffff))
	binary.BigEndian.PutUint16(buf[2:4], uint16(comID>>16))
	copy(buf[4:8], req[:])

	if err := d.IFSend(drive.SecurityProtocolTCGTPer, uint16(comID&0xffff), buf[:]); err != nil {
		return nil, err
	}

	buf = [512]byte{}
	bufs := buf[:]
	if err := d.IFRecv(drive.SecurityProtocolTCGTPer, uint16(comID&0xffff), &bufs); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint16(buf[10:12])
	if int(size) > len(buf)-12 {
		return nil, fmt.Errorf("HandleComID response length %d exceeds the buffer", size)
	}
	return buf[12 : 12+size], nil
}

// HandleComID routes a sideband request through the protocol worker.
func (e *Engine) HandleComID(req ComIDRequest) ([]byte, error) {
	resp := make(chan comIDResult, 1)
	select {
	case e.msgs <- msgHandleComID{req: req, resp: resp}:
	case <-e.done:
		return nil, ErrEngineShutDown
	}
	select {
	case r := <-resp:
		return r.payload, r.err
	case <-e.done:
		return nil, ErrEngineShutDown
	}
}

func (e *Engine) handleComID(req ComIDRequest) comIDResult {
	payload, err := HandleComIDRequest(e.d, uint32(e.comID)|uint32(e.comIDExt)<<16, req)
	return comIDResult{payload: payload, err: err}
}

// VerifyComID checks that the engine's ComID is usable.
func (e *Engine) VerifyComID() (ComIDState, error) {
	res, err := e.HandleComID(ComIDRequestVerifyComIDValid)
	if err != nil {
		return ComIDStateInvalid, err
	}
	if len(res) < 4 {
		return ComIDStateInvalid, fmt.Errorf("short VERIFY_COMID_VALID response")
	}
	return ComIDState(binary.BigEndian.Uint32(res[0:4])), nil
}
