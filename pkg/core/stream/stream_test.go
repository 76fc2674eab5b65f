// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Tests implementation of TCG Storage Core Data Stream

package stream

import (
	"bytes"
	"encoding/hex"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestTokenType_String(t *testing.T) {
	testCases := []struct {
		name string
		t    TokenType
		want string
	}{
		{"StartList", StartList, "StartList"},
		{"EndList", EndList, "EndList"},
		{"StartName", StartName, "StartName"},
		{"EndName", EndName, "EndName"},
		{"Call", Call, "Call"},
		{"EndOfData", EndOfData, "EndOfData"},
		{"EndOfSession", EndOfSession, "EndOfSession"},
		{"StartTransaction", StartTransaction, "StartTransaction"},
		{"EndTransaction", EndTransaction, "EndTransaction"},
		{"EmptyAtom", EmptyAtom, "EmptyAtom"},
		{"Unknown", 0, "<Unknown>"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.t.String(); got != tc.want {
				t.Errorf("String() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUInt(t *testing.T) {
	testCases := []struct {
		name string
		data uint
		want []byte
	}{
		{"0", 0, []byte{0x00}},
		{"32", 32, []byte{0x20}},
		{"64", 64, []byte{0x81, 0x40}},
		{"255", 255, []byte{0x81, 0xFF}},
		{"32768", 32768, []byte{0x82, 0x80, 0x00}},
		{"131072", 131072, []byte{0x83, 0x02, 0x00, 0x00}},
		{"4100", 4100, []byte{0x82, 0x10, 0x04}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := UInt(tc.data)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("UInt(%v) = %v; want %v", tc.data, got, tc.want)
			}
		})
	}
}

func TestInt(t *testing.T) {
	testCases := []struct {
		name string
		data int
		want []byte
	}{
		{"0", 0, []byte{0x40}},
		{"31", 31, []byte{0x5F}},
		{"-1", -1, []byte{0x7F}},
		{"-32", -32, []byte{0x60}},
		{"32", 32, []byte{0x91, 0x20}},
		{"-33", -33, []byte{0x91, 0xDF}},
		{"127", 127, []byte{0x91, 0x7F}},
		{"128", 128, []byte{0x92, 0x00, 0x80}},
		{"-129", -129, []byte{0x92, 0xFF, 0x7F}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Int(tc.data)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Int(%v) = %x; want %x", tc.data, got, tc.want)
			}
		})
	}
}

func TestBytes(t *testing.T) {
	long := strings.Repeat("ab", 2048)
	testCases := []struct {
		name string
		data string
		want string
	}{
		{"Null", "", "A0"},
		{"Tiny byte", "2F", "A1 2F"}, // 3.2.2.3.1 Simple Tokens - Atoms Overview ("Tiny atoms only represent integers")
		{"Short byte", "8F", "A1 8F"},
		{"8 bytes", "01 02 03 04 05 06 07 08", "A8 01 02 03 04 05 06 07 08"},
		{"Medium", strings.Repeat("5A", 60), "D03C" + strings.Repeat("5A", 60)},
		{"Long", long, "E2000800" + long},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in, _ := hex.DecodeString(strings.ReplaceAll(tc.data, " ", ""))
			want, _ := hex.DecodeString(strings.ReplaceAll(tc.want, " ", ""))
			if got := Bytes(in); !bytes.Equal(got, want) {
				t.Errorf("Bytes(%d bytes) mismatch", len(in))
			}
		})
	}
}

func TestDecode(t *testing.T) {
	testCases := []struct {
		name string
		data string
		want List
		err  error
	}{
		{"Null", "A0", List{[]byte{}}, nil},
		{"Call", "F8", List{Call}, nil},
		{"Tiny byte", "A1 2F", List{[]byte{0x2f}}, nil},
		{"Tiny uint", "2F", List{uint(0x2f)}, nil},
		{"Tiny int", "7F", List{int(-1)}, nil},
		{"Short byte", "A1 8F", List{[]byte{0x8f}}, nil},
		{"Short uint", "81 8F", List{uint(0x8f)}, nil},
		{"Short int", "91 DF", List{int(-33)}, nil},
		{"Medium uint", "C0 02 10 04", List{uint(4100)}, nil},
		{"Long uint", "E0 00 00 02 10 04", List{uint(4100)}, nil},
		{"8 bytes", "A8 01 02 03 04 05 06 07 08", List{[]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}}, nil},
		{"16 bytes", "D0 10 01 02 03 04 05 06 07 08 01 02 03 04 05 06 07 08",
			List{[]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}}, nil},
		{"Long byte", "E2 00 00 04 01 02 03 04", List{[]byte{0x01, 0x02, 0x03, 0x04}}, nil},
		{"EmptyAtom", "FF", List{}, nil},
		{"Named uint", "F2 01 02 F3", List{Named{Name: uint(1), Value: uint(2)}}, nil},
		{"Named bytes", "F2 A1 41 05 F3", List{Named{Name: []byte{0x41}, Value: uint(5)}}, nil},
		{"Truncated short atom", "A4 01 02", nil, ErrEndOfStream},
		{"Truncated medium header", "D0", nil, ErrEndOfStream},
		{"Reserved token", "F4", nil, ErrInvalidTokenStream},
		{"Unterminated name", "F2 01 02", nil, ErrUnbalancedName},
		{"Name without value", "F2 01 F3", nil, ErrUnbalancedName},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in, _ := hex.DecodeString(strings.ReplaceAll(tc.data, " ", ""))
			if got, err := Decode(in); !reflect.DeepEqual(got, tc.want) || !errors.Is(err, tc.err) {
				t.Errorf("Decode(%+v) = %+v, %+v; want %+v, %+v", in, got, err, tc.want, tc.err)
			}
		})
	}
}

func TestDecodeLists(t *testing.T) {
	testCases := []struct {
		name string
		data string
		want List
		err  error
	}{
		{"Bad list", "F1", nil, ErrUnbalancedList},
		{"Empty list", "F0 F1", List{List{}}, nil},
		{"One element", "F0 F8 F1", List{List{Call}}, nil},
		{"Two nested element", "F0 F0 F8 F8 F1 F1", List{List{List{Call, Call}}}, nil},
		{"Unterminated list", "F0 F8", nil, ErrUnbalancedList},
		{"Named in list", "F0 F2 00 01 F3 F1", List{List{Named{Name: uint(0), Value: uint(1)}}}, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in, _ := hex.DecodeString(strings.ReplaceAll(tc.data, " ", ""))
			if got, err := Decode(in); !reflect.DeepEqual(got, tc.want) || !errors.Is(err, tc.err) {
				t.Errorf("Decode(%+v) = %+v, %+v; want %+v, %+v", in, got, err, tc.want, tc.err)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data List
	}{
		{"Scalars", List{uint(0), uint(63), uint(64), uint(0xFFFFFFFF), int(-1), int(-100000)}},
		{"Bytes", List{[]byte{}, []byte{1, 2, 3}, bytes.Repeat([]byte{0xAA}, 100), bytes.Repeat([]byte{0x55}, 3000)}},
		{"Method shape", List{Call, []byte{0, 0, 0, 0, 0, 0, 0, 0xFF}, []byte{0, 0, 0, 0, 0, 0, 0xFF, 0x02},
			List{uint(4100), Named{Name: uint(0), Value: List{Named{Name: []byte("MaxMethods"), Value: uint(1)}}}},
			EndOfData, List{uint(0), uint(0), uint(0)}}},
		{"Deep nesting", List{List{List{List{uint(1)}}, Named{Name: uint(2), Value: List{int(-3)}}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.data)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.data) {
				t.Errorf("round trip = %+v; want %+v", got, tc.data)
			}
		})
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	// Byte streams already in shortest form must reproduce themselves.
	testCases := []string{
		"F8 A8 0000000000000000 A8 00000000000000FF F0 20 F1 F9 F0 00 00 00 F1",
		"F0 F2 00 81 FF F3 F1",
		"D0 10 0102030405060708 0102030405060708",
	}
	for _, tc := range testCases {
		in, _ := hex.DecodeString(strings.ReplaceAll(tc, " ", ""))
		l, err := Decode(in)
		if err != nil {
			t.Fatalf("Decode(%s): %v", tc, err)
		}
		out, err := Encode(l)
		if err != nil {
			t.Fatalf("Encode(%s): %v", tc, err)
		}
		if !bytes.Equal(in, out) {
			t.Errorf("Decode/Encode(%s) = %x", tc, out)
		}
	}
}

func TestEqualBytes(t *testing.T) {
	testCases := []struct {
		name string
		data interface{}
		comp []byte
		want bool
	}{
		{"Equal byte slices", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"Different byte slices", []byte{1, 2, 3}, []byte{4, 5, 6}, false},
		{"Special nil case", []byte{}, []byte{}, true},
		{"Unrelated type", "not bytes", []byte{1, 2, 3}, false},
		{"Nil input", nil, []byte{1, 2, 3}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EqualBytes(tc.data, tc.comp); got != tc.want {
				t.Errorf("EqualBytes(%v, %v) = %v; want %v", tc.data, tc.comp, got, tc.want)
			}
		})
	}
}

func TestEqualToken(t *testing.T) {
	testCases := []struct {
		name string
		data interface{}
		comp TokenType
		want bool
	}{
		{"Equal TokenType values", StartList, StartList, true},
		{"Different TokenType values", StartList, EndList, false},
		{"Equal byte slice representation", Token(StartList), StartList, true},
		{"Mismatched byte slice", []byte{0}, StartList, false},
		{"Invalid byte slice length", []byte{0xF0, 0}, StartList, false},
		{"Unrelated type", "StartList", StartList, false},
		{"Nil input", nil, StartList, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EqualToken(tc.data, tc.comp); got != tc.want {
				t.Errorf("EqualToken(%v, %v) = %v; want %v", tc.data, tc.comp, got, tc.want)
			}
		})
	}
}

func TestEqualUInt(t *testing.T) {
	testCases := []struct {
		name string
		data interface{}
		comp uint
		want bool
	}{
		{"Equal uint values", uint(42), 42, true},
		{"Different uint values", uint(42), 0, false},
		{"Not a uint (int type)", int(42), 42, false},
		{"Input is nil", nil, 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EqualUInt(tc.data, tc.comp); got != tc.want {
				t.Errorf("EqualUInt(%v, %v) = %v; want %v", tc.data, tc.comp, got, tc.want)
			}
		})
	}
}
