// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Device transport for TCG Storage commands.
//
// The library talks to a drive exclusively through the IF-SEND / IF-RECV
// primitives defined by the transport standards (TRUSTED SEND/RECEIVE on
// ATA, SECURITY PROTOCOL IN/OUT on SCSI, Security Send/Receive on NVMe).
// Platform command submission is left to implementations of this interface;
// the in-tree reference implementation is pkg/fakedevice.

package drive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotSupported       = errors.New("operation is not supported")
	ErrDeviceNotSupported = errors.New("device is not supported")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrPermissionDenied   = errors.New("permission denied opening device")
	ErrSendFailed         = errors.New("IF-SEND command failed")
	ErrReceiveFailed      = errors.New("IF-RECV command failed")
)

type SecurityProtocol int

const (
	SecurityProtocolInformation   SecurityProtocol = 0x00
	SecurityProtocolTCGManagement SecurityProtocol = 0x01
	SecurityProtocolTCGTPer       SecurityProtocol = 0x02
	SecurityProtocolATASecurity   SecurityProtocol = 0xEF
)

type Identity struct {
	Protocol     string
	SerialNumber string
	Model        string
	Firmware     string
}

func (i *Identity) String() string {
	return fmt.Sprintf("Protocol=%s, Model=%s, Serial=%s, Firmware=%s",
		i.Protocol, i.Model, i.SerialNumber, i.Firmware)
}

type DriveIntf interface {
	SendReceive
	Identify
	Closer
}

type SendReceive interface {
	IFRecv(proto SecurityProtocol, sps uint16, data *[]byte) error
	IFSend(proto SecurityProtocol, sps uint16, data []byte) error
}

type Identify interface {
	Identify() (*Identity, error)
	SerialNumber() ([]byte, error)
}

type Closer interface {
	Close() error
}

// Returns a list of supported security protocols.
func SecurityProtocols(d SendReceive) ([]SecurityProtocol, error) {
	raw := make([]byte, 2048)
	if err := d.IFRecv(SecurityProtocolInformation, 0, &raw); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(raw)
	hdr := struct {
		_      [6]byte
		Length uint16
	}{}
	if err := binary.Read(buf, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse security protocol list header: %v", err)
	}
	list := make([]uint8, hdr.Length)
	if err := binary.Read(buf, binary.BigEndian, list); err != nil {
		return nil, fmt.Errorf("failed to read security protocol list: %v", err)
	}
	res := []SecurityProtocol{}
	for _, p := range list {
		res = append(res, SecurityProtocol(p))
	}
	return res, nil
}
