// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package feature

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"
	"testing"
)

// splitDescriptor peels the header off a marshaled descriptor and
// returns a reader limited to the payload, like the discovery parser.
func splitDescriptor(t *testing.T, b []byte) (FeatureCode, io.Reader) {
	t.Helper()
	if len(b) < 4 {
		t.Fatalf("descriptor too short: %d bytes", len(b))
	}
	code := FeatureCode(binary.BigEndian.Uint16(b[0:2]))
	size := int(b[3])
	if len(b) != 4+size {
		t.Fatalf("descriptor length field %d does not match body %d", size, len(b)-4)
	}
	return code, bytes.NewReader(b[4:])
}

func TestTPerRoundTrip(t *testing.T) {
	want := &TPer{
		SyncSupported:      true,
		AsyncSupported:     true,
		StreamingSupported: true,
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	code, rdr := splitDescriptor(t, b)
	if code != CodeTPer {
		t.Fatalf("code = %v; want CodeTPer", code)
	}
	got, err := ReadTPerFeature(rdr)
	if err != nil {
		t.Fatalf("ReadTPerFeature: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v; want %+v", got, want)
	}
}

func TestLockingRoundTrip(t *testing.T) {
	want := &Locking{
		LockingSupported: true,
		MediaEncryption:  true,
		MBRShadowing:     true,
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	code, rdr := splitDescriptor(t, b)
	if code != CodeLocking {
		t.Fatalf("code = %v; want CodeLocking", code)
	}
	got, err := ReadLockingFeature(rdr)
	if err != nil {
		t.Fatalf("ReadLockingFeature: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v; want %+v", got, want)
	}
}

func TestGeometryRoundTrip(t *testing.T) {
	want := &Geometry{
		Align:                true,
		LogicalBlockSize:     512,
		AlignmentGranularity: 8,
		LowestAlignedLBA:     0,
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	code, rdr := splitDescriptor(t, b)
	if code != CodeGeometry {
		t.Fatalf("code = %v; want CodeGeometry", code)
	}
	got, err := ReadGeometryFeature(rdr)
	if err != nil {
		t.Fatalf("ReadGeometryFeature: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v; want %+v", got, want)
	}
}

func TestDataStoreRoundTrip(t *testing.T) {
	want := &DataStore{
		MaxTables:          1,
		MaxTotalSize:       10 * 1024,
		TableSizeAlignment: 1,
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	code, rdr := splitDescriptor(t, b)
	if code != CodeDataStore {
		t.Fatalf("code = %v; want CodeDataStore", code)
	}
	got, err := ReadDataStoreFeature(rdr)
	if err != nil {
		t.Fatalf("ReadDataStoreFeature: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v; want %+v", got, want)
	}
}

func TestBlockSIDRoundTrip(t *testing.T) {
	want := &BlockSID{
		SIDValueState: true,
		HardwareReset: true,
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	code, rdr := splitDescriptor(t, b)
	if code != CodeBlockSID {
		t.Fatalf("code = %v; want CodeBlockSID", code)
	}
	got, err := ReadBlockSIDFeature(rdr)
	if err != nil {
		t.Fatalf("ReadBlockSIDFeature: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v; want %+v", got, want)
	}
}

func TestSSCDescriptorRoundTrips(t *testing.T) {
	common := CommonSSC{BaseComID: 2048, NumComID: 1}
	testCases := []struct {
		name string
		code FeatureCode
		enc  func() ([]byte, error)
		dec  func(rdr io.Reader) (interface{}, error)
		want interface{}
	}{
		{
			"Enterprise", CodeEnterprise,
			(&Enterprise{CommonSSC: common, RangeCrossingBehavior: true}).MarshalBinary,
			func(rdr io.Reader) (interface{}, error) { return ReadEnterpriseFeature(rdr) },
			&Enterprise{CommonSSC: common, RangeCrossingBehavior: true},
		},
		{
			"PyriteV1", CodePyriteV1,
			(&PyriteV1{CommonSSC: common}).MarshalBinary,
			func(rdr io.Reader) (interface{}, error) { return ReadPyriteV1Feature(rdr) },
			&PyriteV1{CommonSSC: common},
		},
		{
			"PyriteV2", CodePyriteV2,
			(&PyriteV2{CommonSSC: common, InitialCPINSIDIndicator: 0xFF}).MarshalBinary,
			func(rdr io.Reader) (interface{}, error) { return ReadPyriteV2Feature(rdr) },
			&PyriteV2{CommonSSC: common, InitialCPINSIDIndicator: 0xFF},
		},
		{
			"RubyV1", CodeRubyV1,
			(&RubyV1{CommonSSC: common, NumLockingSPAdminSupported: 4, NumLockingSPUserSupported: 8}).MarshalBinary,
			func(rdr io.Reader) (interface{}, error) { return ReadRubyV1Feature(rdr) },
			&RubyV1{CommonSSC: common, NumLockingSPAdminSupported: 4, NumLockingSPUserSupported: 8},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.enc()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			code, rdr := splitDescriptor(t, b)
			if code != tc.code {
				t.Fatalf("code = %v; want %v", code, tc.code)
			}
			got, err := tc.dec(rdr)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("round trip = %+v; want %+v", got, tc.want)
			}
		})
	}
}

func TestOpalV2RoundTrip(t *testing.T) {
	want := &OpalV2{
		CommonSSC:                  CommonSSC{BaseComID: 4100, NumComID: 1},
		NumLockingSPAdminSupported: 4,
		NumLockingSPUserSupported:  8,
	}
	b, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	code, rdr := splitDescriptor(t, b)
	if code != CodeOpalV2 {
		t.Fatalf("code = %v; want CodeOpalV2", code)
	}
	got, err := ReadOpalV2Feature(rdr)
	if err != nil {
		t.Fatalf("ReadOpalV2Feature: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v; want %+v", got, want)
	}
}
