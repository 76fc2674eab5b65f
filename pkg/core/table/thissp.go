// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Table operations

package table

import (
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
)

func ThisSP_Random(s *core.Session, count uint) ([]byte, error) {
	mc := method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalRandom, s.MethodFlags)
	mc.UInt(count)
	resp, err := s.ExecuteMethod(mc)
	if err != nil {
		return nil, err
	}
	res, ok := resp[0].(stream.List)
	if !ok || len(res) == 0 {
		return nil, method.ErrMalformedMethodResponse
	}
	rnd, ok := res[0].([]byte)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	return rnd, nil
}

func ThisSP_Authenticate(s *core.Session, authority uid.AuthorityObjectUID, proof []byte) error {
	authUID := uid.OpalAuthenticate
	if s.ProtocolLevel == core.ProtocolLevelEnterprise {
		authUID = uid.OpalEnterpriseAuthenticate
	}
	mc := method.NewMethodCall(uid.InvokeIDThisSP, authUID, s.MethodFlags)
	mc.Bytes(authority[:])
	mc.StartOptionalParameter(0, "Challenge")
	mc.Bytes(proof)
	mc.EndOptionalParameter()
	resp, err := s.ExecuteMethod(mc)
	if err != nil {
		return err
	}
	res, ok := resp[0].(stream.List)
	if !ok || len(res) == 0 {
		return method.ErrMalformedMethodResponse
	}
	success, okUint := res[0].(uint)
	_, okByte := res[0].([]byte)
	if okByte {
		return fmt.Errorf("got a challenge back, not implemented")
	}
	if !okUint {
		return method.ErrMalformedMethodResponse
	}
	if success == 0 {
		return ErrAuthenticationFailed
	}
	return nil
}
