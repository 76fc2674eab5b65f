// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Level 0 discovery "Feature" descriptors. This file holds the host
// side parsers; marshal.go holds the device side writers that produce
// the same bytes. Codes without a parser here surface through
// Level0Discovery.UnknownFeatures.

package feature

import (
	"encoding/binary"
	"io"
)

type FeatureCode uint16

const (
	CodeTPer                           FeatureCode = 0x0001
	CodeLocking                        FeatureCode = 0x0002
	CodeGeometry                       FeatureCode = 0x0003
	CodeSecureMsg                      FeatureCode = 0x0004
	CodeEnterprise                     FeatureCode = 0x0100
	CodeOpalV1                         FeatureCode = 0x0200
	CodeSingleUser                     FeatureCode = 0x0201
	CodeDataStore                      FeatureCode = 0x0202
	CodeOpalV2                         FeatureCode = 0x0203
	CodeOpalite                        FeatureCode = 0x0301
	CodePyriteV1                       FeatureCode = 0x0302
	CodePyriteV2                       FeatureCode = 0x0303
	CodeRubyV1                         FeatureCode = 0x0304
	CodeKeyPerIO                       FeatureCode = 0x0305
	CodeLockingLBA                     FeatureCode = 0x0401
	CodeBlockSID                       FeatureCode = 0x0402
	CodeNamespaceLocking               FeatureCode = 0x0403
	CodeDataRemoval                    FeatureCode = 0x0404
	CodeNamespaceGeometry              FeatureCode = 0x0405
	CodeShadowMBRForMultipleNamespaces FeatureCode = 0x0407
)

// TPer feature (Feature Code = 0x0001)
type TPer struct {
	SyncSupported       bool
	AsyncSupported      bool
	AckNakSupported     bool
	BufferMgmtSupported bool
	StreamingSupported  bool
	ComIDMgmtSupported  bool
}

// Locking feature (Feature Code = 0x0002)
type Locking struct {
	LockingSupported bool
	LockingEnabled   bool
	Locked           bool
	MediaEncryption  bool
	MBREnabled       bool
	MBRDone          bool
	MBRShadowing     bool
}

// CommonSSC is the leading ComID block every SSC descriptor carries.
type CommonSSC struct {
	BaseComID uint16
	NumComID  uint16
}

// Geometry reporting feature (Feature Code = 0x0003)
type Geometry struct {
	Align                bool
	LogicalBlockSize     uint32
	AlignmentGranularity uint64
	LowestAlignedLBA     uint64
}

// Enterprise SSC feature (Feature Code = 0x0100)
type Enterprise struct {
	CommonSSC
	RangeCrossingBehavior bool
}

// Additional DataStore tables feature (Feature Code = 0x0202)
type DataStore struct {
	MaxTables          uint16
	MaxTotalSize       uint32
	TableSizeAlignment uint32
}

// Opal SSC V2 feature (Feature Code = 0x0203)
type OpalV2 struct {
	CommonSSC
	RangeCrossingBehavior         bool
	NumLockingSPAdminSupported    uint16
	NumLockingSPUserSupported     uint16
	InitialCPINSIDIndicator       uint8
	BehaviorCPINSIDuponTPerRevert uint8
}

// Pyrite SSC V1 feature (Feature Code = 0x0302)
type PyriteV1 struct {
	CommonSSC
	_                             [4]byte
	InitialCPINSIDIndicator       uint8
	BehaviorCPINSIDuponTPerRevert uint8
}

// Pyrite SSC V2 feature (Feature Code = 0x0303)
type PyriteV2 struct {
	CommonSSC
	_                             [4]byte
	InitialCPINSIDIndicator       uint8
	BehaviorCPINSIDuponTPerRevert uint8
}

// Ruby SSC V1 feature (Feature Code = 0x0304)
type RubyV1 struct {
	CommonSSC
	RangeCrossingBehavior         bool
	NumLockingSPAdminSupported    uint16
	NumLockingSPUserSupported     uint16
	InitialCPINSIDIndicator       uint8
	BehaviorCPINSIDuponTPerRevert uint8
}

// Block SID authentication feature (Feature Code = 0x0402)
type BlockSID struct {
	LockingSPFreezeLockState      bool
	LockingSPFreezeLockSupported  bool
	SIDAuthenticationBlockedState bool
	SIDValueState                 bool
	HardwareReset                 bool
}

func readByte(rdr io.Reader) (uint8, error) {
	var raw uint8
	err := binary.Read(rdr, binary.BigEndian, &raw)
	return raw, err
}

func ReadTPerFeature(rdr io.Reader) (*TPer, error) {
	raw, err := readByte(rdr)
	if err != nil {
		return nil, err
	}
	return &TPer{
		SyncSupported:       raw&0x01 > 0,
		AsyncSupported:      raw&0x02 > 0,
		AckNakSupported:     raw&0x04 > 0,
		BufferMgmtSupported: raw&0x08 > 0,
		StreamingSupported:  raw&0x10 > 0,
		ComIDMgmtSupported:  raw&0x40 > 0,
	}, nil
}

func ReadLockingFeature(rdr io.Reader) (*Locking, error) {
	raw, err := readByte(rdr)
	if err != nil {
		return nil, err
	}
	return &Locking{
		LockingSupported: raw&0x01 > 0,
		LockingEnabled:   raw&0x02 > 0,
		Locked:           raw&0x04 > 0,
		MediaEncryption:  raw&0x08 > 0,
		MBREnabled:       raw&0x10 > 0,
		MBRDone:          raw&0x20 > 0,
		// If the MBR Shadowing Not Supported bit is set, there is no
		// shadow MBR to speak of.
		MBRShadowing: raw&0x40 == 0,
	}, nil
}

func ReadGeometryFeature(rdr io.Reader) (*Geometry, error) {
	d := struct {
		Align                uint8
		_                    [7]byte
		LogicalBlockSize     uint32
		AlignmentGranularity uint64
		LowestAlignedLBA     uint64
	}{}
	if err := binary.Read(rdr, binary.BigEndian, &d); err != nil {
		return nil, err
	}
	return &Geometry{
		Align:                d.Align&0x01 > 0,
		LogicalBlockSize:     d.LogicalBlockSize,
		AlignmentGranularity: d.AlignmentGranularity,
		LowestAlignedLBA:     d.LowestAlignedLBA,
	}, nil
}

func ReadEnterpriseFeature(rdr io.Reader) (*Enterprise, error) {
	f := &Enterprise{}
	if err := binary.Read(rdr, binary.BigEndian, f); err != nil {
		return nil, err
	}
	return f, nil
}

func ReadDataStoreFeature(rdr io.Reader) (*DataStore, error) {
	d := struct {
		_                  uint16
		MaxTables          uint16
		MaxTotalSize       uint32
		TableSizeAlignment uint32
	}{}
	if err := binary.Read(rdr, binary.BigEndian, &d); err != nil {
		return nil, err
	}
	return &DataStore{
		MaxTables:          d.MaxTables,
		MaxTotalSize:       d.MaxTotalSize,
		TableSizeAlignment: d.TableSizeAlignment,
	}, nil
}

func ReadOpalV2Feature(rdr io.Reader) (*OpalV2, error) {
	f := &OpalV2{}
	if err := binary.Read(rdr, binary.BigEndian, f); err != nil {
		return nil, err
	}
	return f, nil
}

func ReadPyriteV1Feature(rdr io.Reader) (*PyriteV1, error) {
	f := &PyriteV1{}
	if err := binary.Read(rdr, binary.BigEndian, f); err != nil {
		return nil, err
	}
	return f, nil
}

func ReadPyriteV2Feature(rdr io.Reader) (*PyriteV2, error) {
	f := &PyriteV2{}
	if err := binary.Read(rdr, binary.BigEndian, f); err != nil {
		return nil, err
	}
	return f, nil
}

func ReadRubyV1Feature(rdr io.Reader) (*RubyV1, error) {
	f := &RubyV1{}
	if err := binary.Read(rdr, binary.BigEndian, f); err != nil {
		return nil, err
	}
	return f, nil
}

func ReadBlockSIDFeature(rdr io.Reader) (*BlockSID, error) {
	states, err := readByte(rdr)
	if err != nil {
		return nil, err
	}
	support, err := readByte(rdr)
	if err != nil {
		return nil, err
	}
	return &BlockSID{
		SIDValueState:                 states&0x01 > 0,
		SIDAuthenticationBlockedState: states&0x02 > 0,
		LockingSPFreezeLockSupported:  states&0x04 > 0,
		LockingSPFreezeLockState:      states&0x08 > 0,
		HardwareReset:                 support&0x01 > 0,
	}, nil
}
