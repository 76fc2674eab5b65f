// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Table operations on Locking SP tables

package table

import (
	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

type ResetType uint

const (
	ResetPowerOff ResetType = 0
	ResetHardware ResetType = 1
	ResetHotPlug  ResetType = 2
)

type LockingInfoRow struct {
	UID            uid.RowUID
	Name           *string
	Version        *uint32
	EncryptSupport *uint32
	MaxRanges      *uint32
}

func LockingInfo(s *core.Session) (*LockingInfoRow, error) {
	rowUID := uid.LockingInfoObj
	if s.ProtocolLevel == core.ProtocolLevelEnterprise {
		rowUID = uid.EnterpriseLockingInfoObj
	}
	val, err := GetFullRow(s, rowUID)
	if err != nil {
		return nil, err
	}
	row := LockingInfoRow{}
	for col, v := range val {
		switch col {
		case "0", "UID":
			b, ok := v.([]byte)
			if !ok || len(b) != 8 {
				return nil, method.ErrMalformedMethodResponse
			}
			copy(row.UID[:], b)
		case "1", "Name":
			b, ok := v.([]byte)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := string(b)
			row.Name = &vv
		case "2", "Version":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uint32(n)
			row.Version = &vv
		case "3", "EncryptSupport":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uint32(n)
			row.EncryptSupport = &vv
		case "4", "MaxRanges":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uint32(n)
			row.MaxRanges = &vv
		}
	}
	return &row, nil
}

func Locking_Enumerate(s *core.Session) ([]uid.RowUID, error) {
	return Enumerate(s, uid.Locking_LockingTable)
}

type LockingRow struct {
	UID              uid.RowUID
	Name             *string
	RangeStart       *uint64
	RangeLength      *uint64
	ReadLockEnabled  *bool
	WriteLockEnabled *bool
	ReadLocked       *bool
	WriteLocked      *bool
	LockOnReset      []ResetType
	ActiveKey        *uid.RowUID
	// NOTE: There are more columns in the standards that have been omitted
}

func Locking_Get(s *core.Session, row uid.RowUID) (*LockingRow, error) {
	val, err := GetFullRow(s, row)
	if err != nil {
		return nil, err
	}
	lr := LockingRow{}
	for col, v := range val {
		switch col {
		case "0", "UID":
			b, ok := v.([]byte)
			if !ok || len(b) != 8 {
				return nil, method.ErrMalformedMethodResponse
			}
			copy(lr.UID[:], b)
		case "1", "Name":
			b, ok := v.([]byte)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := string(b)
			lr.Name = &vv
		case "3", "RangeStart":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uint64(n)
			lr.RangeStart = &vv
		case "4", "RangeLength":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uint64(n)
			lr.RangeLength = &vv
		case "5", "ReadLockEnabled":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := n > 0
			lr.ReadLockEnabled = &vv
		case "6", "WriteLockEnabled":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := n > 0
			lr.WriteLockEnabled = &vv
		case "7", "ReadLocked":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := n > 0
			lr.ReadLocked = &vv
		case "8", "WriteLocked":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := n > 0
			lr.WriteLocked = &vv
		case "9", "LockOnReset":
			vl, ok := v.(stream.List)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			for _, e := range vl {
				n, ok := e.(uint)
				if !ok {
					return nil, method.ErrMalformedMethodResponse
				}
				lr.LockOnReset = append(lr.LockOnReset, ResetType(n))
			}
		case "10", "ActiveKey":
			b, ok := v.([]byte)
			if !ok || len(b) != 8 {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := uid.RowUID{}
			copy(vv[:], b)
			lr.ActiveKey = &vv
		}
	}
	return &lr, nil
}

func Locking_Set(s *core.Session, row *LockingRow) error {
	mc := NewSetCall(s, row.UID)

	add := func(id uint, name string, v interface{}) error {
		b, err := stream.Encode(stream.List{stream.Named{Name: id, Value: v}})
		if err != nil {
			return err
		}
		mc.RawByte(b)
		return nil
	}
	boolVal := func(b bool) uint {
		if b {
			return 1
		}
		return 0
	}

	if row.Name != nil {
		if err := add(1, "Name", []byte(*row.Name)); err != nil {
			return err
		}
	}
	if row.RangeStart != nil {
		if err := add(3, "RangeStart", uint(*row.RangeStart)); err != nil {
			return err
		}
	}
	if row.RangeLength != nil {
		if err := add(4, "RangeLength", uint(*row.RangeLength)); err != nil {
			return err
		}
	}
	if row.ReadLockEnabled != nil {
		if err := add(5, "ReadLockEnabled", boolVal(*row.ReadLockEnabled)); err != nil {
			return err
		}
	}
	if row.WriteLockEnabled != nil {
		if err := add(6, "WriteLockEnabled", boolVal(*row.WriteLockEnabled)); err != nil {
			return err
		}
	}
	if row.ReadLocked != nil {
		if err := add(7, "ReadLocked", boolVal(*row.ReadLocked)); err != nil {
			return err
		}
	}
	if row.WriteLocked != nil {
		if err := add(8, "WriteLocked", boolVal(*row.WriteLocked)); err != nil {
			return err
		}
	}

	FinishSetCall(s, mc)
	_, err := s.ExecuteMethod(mc)
	return err
}

// Locking_GenKey regenerates the media encryption key of a range,
// cryptographically erasing it.
func Locking_GenKey(s *core.Session, key uid.RowUID) error {
	mc := method.NewMethodCall(uid.InvokingID(key), uid.OpalGenKey, s.MethodFlags)
	_, err := s.ExecuteMethod(mc)
	return err
}

type MBRControlRow struct {
	Enable         *bool
	Done           *bool
	MBRDoneOnReset []ResetType
}

func MBRControl_Get(s *core.Session) (*MBRControlRow, error) {
	val, err := GetFullRow(s, uid.MBRControlObj)
	if err != nil {
		return nil, err
	}
	row := MBRControlRow{}
	for col, v := range val {
		switch col {
		case "1", "Enable":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := n > 0
			row.Enable = &vv
		case "2", "Done":
			n, ok := v.(uint)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			vv := n > 0
			row.Done = &vv
		case "3", "MBRDoneOnReset":
			vl, ok := v.(stream.List)
			if !ok {
				return nil, method.ErrMalformedMethodResponse
			}
			for _, e := range vl {
				n, ok := e.(uint)
				if !ok {
					return nil, method.ErrMalformedMethodResponse
				}
				row.MBRDoneOnReset = append(row.MBRDoneOnReset, ResetType(n))
			}
		}
	}
	return &row, nil
}

func MBRControl_Set(s *core.Session, row *MBRControlRow) error {
	mc := NewSetCall(s, uid.MBRControlObj)
	boolVal := func(b bool) uint {
		if b {
			return 1
		}
		return 0
	}
	if row.Enable != nil {
		b, err := stream.Encode(stream.List{stream.Named{Name: uint(1), Value: boolVal(*row.Enable)}})
		if err != nil {
			return err
		}
		mc.RawByte(b)
	}
	if row.Done != nil {
		b, err := stream.Encode(stream.List{stream.Named{Name: uint(2), Value: boolVal(*row.Done)}})
		if err != nil {
			return err
		}
		mc.RawByte(b)
	}
	FinishSetCall(s, mc)
	_, err := s.ExecuteMethod(mc)
	return err
}

// MBR_Read reads a chunk of the shadow MBR byte table.
func MBR_Read(s *core.Session, offset, length uint) ([]byte, error) {
	mc := method.NewMethodCall(uid.InvokingID(uid.Locking_MBRTable), getMethodUID(s), s.MethodFlags)
	mc.StartList()
	mc.StartOptionalParameter(CellBlock_StartRow, "startRow")
	mc.UInt(offset)
	mc.EndOptionalParameter()
	mc.StartOptionalParameter(CellBlock_EndRow, "endRow")
	mc.UInt(offset + length - 1)
	mc.EndOptionalParameter()
	mc.EndList()
	resp, err := s.ExecuteMethod(mc)
	if err != nil {
		return nil, err
	}
	result, ok := resp[0].(stream.List)
	if !ok || len(result) == 0 {
		return nil, method.ErrMalformedMethodResponse
	}
	data, ok := result[0].([]byte)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	return data, nil
}

// MBR_Write writes a chunk of the shadow MBR byte table.
func MBR_Write(s *core.Session, offset uint, data []byte) error {
	mc := method.NewMethodCall(uid.InvokingID(uid.Locking_MBRTable), setMethodUID(s), s.MethodFlags)
	mc.StartOptionalParameter(0, "Where")
	mc.UInt(offset)
	mc.EndOptionalParameter()
	mc.StartOptionalParameter(1, "Values")
	mc.Bytes(data)
	mc.EndOptionalParameter()
	_, err := s.ExecuteMethod(mc)
	return err
}
