// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Table operations on C_PIN rows

package table

import (
	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

// ref: 5.3.2.12 Credential Table Group - C_PIN (Object Table)
type CPINInfoRow struct {
	UID         uid.RowUID
	Name        *string
	CommonName  *string
	PIN         []byte
	CharSet     []byte
	TryLimit    *uint32
	Tries       *uint32
	Persistence *bool
}

func CPINInfo(s *core.Session, row uid.RowUID) (*CPINInfoRow, error) {
	val, err := GetFullRow(s, row)
	if err != nil {
		return nil, err
	}
	res := CPINInfoRow{}
	for col, v := range val {
		switch col {
		case "0", "UID":
			b, ok := v.([]byte)
			if !ok || len(b) != 8 {
				return nil, method.ErrMalformedMethodResponse
			}
			copy(res.UID[:], b)
		case "1", "Name":
			b, ok := v.([]byte)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := string(b)
			res.Name = &vv
		case "2", "CommonName":
			b, ok := v.([]byte)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := string(b)
			res.CommonName = &vv
		case "3", "PIN":
			b, ok := v.([]byte)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			res.PIN = b
		case "4", "CharSet":
			b, ok := v.([]byte)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			res.CharSet = b
		case "5", "TryLimit":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uint32(n)
			res.TryLimit = &vv
		case "6", "Tries":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uint32(n)
			res.Tries = &vv
		case "7", "Persistence":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := n > 0
			res.Persistence = &vv
		}
	}
	return &res, nil
}
