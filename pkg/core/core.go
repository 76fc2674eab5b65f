// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Architecture Core Specification TCG Specification Version 2.01

package core

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/feature"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/rpc"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

type ComID int
type ComIDRequest = rpc.ComIDRequest

const (
	ComIDInvalid     ComID = -1
	ComIDDiscoveryL0 ComID = 1
)

var (
	ComIDRequestVerifyComIDValid = rpc.ComIDRequestVerifyComIDValid
	ComIDRequestStackReset       = rpc.ComIDRequestStackReset

	ErrNotSupported   = errors.New("device does not support TCG Storage Core")
	ErrNoSupportedSSC = errors.New("no supported SSC feature found in Level 0 discovery")
)

type Level0Discovery struct {
	MajorVersion    int
	MinorVersion    int
	Vendor          [32]byte
	TPer            *feature.TPer
	Locking         *feature.Locking
	Geometry        *feature.Geometry
	Enterprise      *feature.Enterprise
	DataStore       *feature.DataStore
	OpalV2          *feature.OpalV2
	PyriteV1        *feature.PyriteV1
	PyriteV2        *feature.PyriteV2
	RubyV1          *feature.RubyV1
	BlockSID        *feature.BlockSID
	UnknownFeatures []uint16
}

// Request an (extended) ComID.
func GetComID(d drive.SendReceive) (ComID, error) {
	var comID [512]byte
	comIDs := comID[:]
	if err := d.IFRecv(drive.SecurityProtocolTCGTPer, 0, &comIDs); err != nil {
		return ComIDInvalid, err
	}

	c := binary.BigEndian.Uint16(comID[0:2])
	ce := binary.BigEndian.Uint16(comID[2:4])

	return ComID(uint32(c) + uint32(ce)<<16), nil
}

func HandleComIDRequest(d drive.SendReceive, comID ComID, req ComIDRequest) ([]byte, error) {
	return rpc.HandleComIDRequest(d, uint32(comID), req)
}

// Validate a ComID.
func IsComIDValid(d drive.SendReceive, comID ComID) (bool, error) {
	res, err := HandleComIDRequest(d, comID, ComIDRequestVerifyComIDValid)
	if err != nil {
		return false, err
	}
	if len(res) < 4 {
		return false, fmt.Errorf("short VERIFY_COMID_VALID response")
	}
	state := rpc.ComIDState(binary.BigEndian.Uint32(res[0:4]))
	return state == rpc.ComIDStateIssued || state == rpc.ComIDStateAssociated, nil
}

// Reset the state of the synchronous protocol stack.
func StackReset(d drive.SendReceive, comID ComID) error {
	res, err := HandleComIDRequest(d, comID, ComIDRequestStackReset)
	if err != nil {
		return err
	}
	if len(res) < 4 {
		return rpc.ErrStackResetPending
	}
	success := binary.BigEndian.Uint32(res[0:4])
	if success != 0 {
		return rpc.ErrStackResetFailed
	}
	return nil
}

// FindComID selects the ComID to use for a control session: a
// dynamically allocated one when the TPer hands one out, otherwise the
// base ComID of the preferred SSC feature.
func FindComID(d drive.SendReceive, d0 *Level0Discovery) (ComID, ProtocolLevel, error) {
	comID := ComIDInvalid
	proto := ProtocolLevelCore
	if c, err := GetComID(d); err == nil && c > 0 {
		comID = c
	}
	var base uint16
	switch {
	case d0.OpalV2 != nil:
		base = d0.OpalV2.BaseComID
	case d0.PyriteV1 != nil:
		base = d0.PyriteV1.BaseComID
	case d0.PyriteV2 != nil:
		base = d0.PyriteV2.BaseComID
	case d0.RubyV1 != nil:
		base = d0.RubyV1.BaseComID
	case d0.Enterprise != nil:
		base = d0.Enterprise.BaseComID
		proto = ProtocolLevelEnterprise
	default:
		return ComIDInvalid, ProtocolLevelUnknown, ErrNoSupportedSSC
	}
	if comID == ComIDInvalid {
		comID = ComID(base)
	}
	return comID, proto, nil
}

// Perform a Level 0 SSC Discovery.
func Discovery0(d drive.SendReceive) (*Level0Discovery, error) {
	d0raw := make([]byte, 2048)
	if err := d.IFRecv(drive.SecurityProtocolTCGManagement, uint16(ComIDDiscoveryL0), &d0raw); err != nil {
		if err == drive.ErrNotSupported {
			return nil, ErrNotSupported
		}
		return nil, err
	}
	d0 := &Level0Discovery{}
	d0buf := bytes.NewBuffer(d0raw)
	d0hdr := struct {
		Size   uint32
		Major  uint16
		Minor  uint16
		_      [8]byte
		Vendor [32]byte
	}{}
	if err := binary.Read(d0buf, binary.BigEndian, &d0hdr); err != nil {
		return nil, fmt.Errorf("failed to parse Level 0 discovery: %v", err)
	}
	if d0hdr.Size == 0 {
		return nil, ErrNotSupported
	}
	d0.MajorVersion = int(d0hdr.Major)
	d0.MinorVersion = int(d0hdr.Minor)
	copy(d0.Vendor[:], d0hdr.Vendor[:])

	fsize := int(d0hdr.Size) - binary.Size(d0hdr) + 4
	for fsize > 0 {
		fhdr := struct {
			Code    feature.FeatureCode
			Version uint8
			Size    uint8
		}{}
		if err := binary.Read(d0buf, binary.BigEndian, &fhdr); err != nil {
			return nil, fmt.Errorf("failed to parse feature header: %v", err)
		}
		frdr := io.LimitReader(d0buf, int64(fhdr.Size))
		var err error
		switch fhdr.Code {
		case feature.CodeTPer:
			d0.TPer, err = feature.ReadTPerFeature(frdr)
		case feature.CodeLocking:
			d0.Locking, err = feature.ReadLockingFeature(frdr)
		case feature.CodeGeometry:
			d0.Geometry, err = feature.ReadGeometryFeature(frdr)
		case feature.CodeEnterprise:
			d0.Enterprise, err = feature.ReadEnterpriseFeature(frdr)
		case feature.CodeDataStore:
			d0.DataStore, err = feature.ReadDataStoreFeature(frdr)
		case feature.CodeOpalV2:
			d0.OpalV2, err = feature.ReadOpalV2Feature(frdr)
		case feature.CodePyriteV1:
			d0.PyriteV1, err = feature.ReadPyriteV1Feature(frdr)
		case feature.CodePyriteV2:
			d0.PyriteV2, err = feature.ReadPyriteV2Feature(frdr)
		case feature.CodeRubyV1:
			d0.RubyV1, err = feature.ReadRubyV1Feature(frdr)
		case feature.CodeBlockSID:
			d0.BlockSID, err = feature.ReadBlockSIDFeature(frdr)
		default:
			// Unsupported feature
			d0.UnknownFeatures = append(d0.UnknownFeatures, uint16(fhdr.Code))
		}
		if err != nil {
			return nil, err
		}
		io.CopyN(io.Discard, frdr, int64(fhdr.Size)) //nolint:errcheck // best-effort skip
		fsize -= binary.Size(fhdr) + int(fhdr.Size)
	}
	return d0, nil
}
