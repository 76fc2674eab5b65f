// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Device-side encoding of Level 0 feature descriptors. The readers in
// feature.go parse exactly what these produce.

package feature

import (
	"bytes"
	"encoding/binary"
)

// descriptor frames a feature payload with the code / version / length
// header.
func descriptor(code FeatureCode, version uint8, payload []byte) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(code)) //nolint:errcheck // bytes.Buffer
	buf.WriteByte(version << 4)
	buf.WriteByte(uint8(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// marshalStruct encodes a fixed-size struct and pads it to the given
// descriptor size.
func marshalStruct(code FeatureCode, version uint8, size int, v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, v); err != nil {
		return nil, err
	}
	if buf.Len() < size {
		buf.Write(make([]byte, size-buf.Len()))
	}
	return descriptor(code, version, buf.Bytes()), nil
}

// MarshalDiscovery0 assembles a Level 0 discovery response: the 48-byte
// header followed by the given feature descriptors.
func MarshalDiscovery0(major, minor uint16, vendor [32]byte, descs [][]byte) []byte {
	// The length field counts everything after itself
	size := 44
	for _, d := range descs {
		size += len(d)
	}
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint32(size)) //nolint:errcheck // bytes.Buffer
	binary.Write(buf, binary.BigEndian, major)        //nolint:errcheck // bytes.Buffer
	binary.Write(buf, binary.BigEndian, minor)        //nolint:errcheck // bytes.Buffer
	buf.Write(make([]byte, 8))
	buf.Write(vendor[:])
	for _, d := range descs {
		buf.Write(d)
	}
	return buf.Bytes()
}

func (f *TPer) MarshalBinary() ([]byte, error) {
	var flags uint8
	if f.SyncSupported {
		flags |= 0x01
	}
	if f.AsyncSupported {
		flags |= 0x02
	}
	if f.AckNakSupported {
		flags |= 0x04
	}
	if f.BufferMgmtSupported {
		flags |= 0x08
	}
	if f.StreamingSupported {
		flags |= 0x10
	}
	if f.ComIDMgmtSupported {
		flags |= 0x40
	}
	payload := make([]byte, 12)
	payload[0] = flags
	return descriptor(CodeTPer, 1, payload), nil
}

func (f *Locking) MarshalBinary() ([]byte, error) {
	var flags uint8
	if f.LockingSupported {
		flags |= 0x01
	}
	if f.LockingEnabled {
		flags |= 0x02
	}
	if f.Locked {
		flags |= 0x04
	}
	if f.MediaEncryption {
		flags |= 0x08
	}
	if f.MBREnabled {
		flags |= 0x10
	}
	if f.MBRDone {
		flags |= 0x20
	}
	if !f.MBRShadowing {
		flags |= 0x40
	}
	payload := make([]byte, 12)
	payload[0] = flags
	return descriptor(CodeLocking, 1, payload), nil
}

func (f *Geometry) MarshalBinary() ([]byte, error) {
	var align uint8
	if f.Align {
		align = 0x01
	}
	d := struct {
		Align                uint8
		_                    [7]byte
		LogicalBlockSize     uint32
		AlignmentGranularity uint64
		LowestAlignedLBA     uint64
	}{
		Align:                align,
		LogicalBlockSize:     f.LogicalBlockSize,
		AlignmentGranularity: f.AlignmentGranularity,
		LowestAlignedLBA:     f.LowestAlignedLBA,
	}
	return marshalStruct(CodeGeometry, 1, 28, &d)
}

func (f *Enterprise) MarshalBinary() ([]byte, error) {
	return marshalStruct(CodeEnterprise, 1, 16, f)
}

func (f *DataStore) MarshalBinary() ([]byte, error) {
	d := struct {
		_                  uint16
		MaxTables          uint16
		MaxTotalSize       uint32
		TableSizeAlignment uint32
	}{
		MaxTables:          f.MaxTables,
		MaxTotalSize:       f.MaxTotalSize,
		TableSizeAlignment: f.TableSizeAlignment,
	}
	return marshalStruct(CodeDataStore, 1, 12, &d)
}

func (f *OpalV2) MarshalBinary() ([]byte, error) {
	return marshalStruct(CodeOpalV2, 2, 16, f)
}

func (f *PyriteV1) MarshalBinary() ([]byte, error) {
	return marshalStruct(CodePyriteV1, 1, 16, f)
}

func (f *PyriteV2) MarshalBinary() ([]byte, error) {
	return marshalStruct(CodePyriteV2, 1, 16, f)
}

func (f *RubyV1) MarshalBinary() ([]byte, error) {
	return marshalStruct(CodeRubyV1, 1, 16, f)
}

func (f *BlockSID) MarshalBinary() ([]byte, error) {
	var states, support uint8
	if f.SIDValueState {
		states |= 0x01
	}
	if f.SIDAuthenticationBlockedState {
		states |= 0x02
	}
	if f.LockingSPFreezeLockSupported {
		states |= 0x04
	}
	if f.LockingSPFreezeLockState {
		states |= 0x08
	}
	if f.HardwareReset {
		support |= 0x01
	}
	payload := make([]byte, 12)
	payload[0] = states
	payload[1] = support
	return descriptor(CodeBlockSID, 1, payload), nil
}
