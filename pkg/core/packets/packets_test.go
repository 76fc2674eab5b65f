// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package packets

import (
	"bytes"
	"reflect"
	"testing"
)

func TestSubPacketWireLength(t *testing.T) {
	testCases := []struct {
		name    string
		payload int
		want    int
	}{
		{"Empty", 0, SubPacketHeaderLen},
		{"Aligned", 4, SubPacketHeaderLen + 4},
		{"Pad 3", 1, SubPacketHeaderLen + 4},
		{"Pad 1", 7, SubPacketHeaderLen + 8},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := SubPacket{Kind: SubPacketData, Payload: make([]byte, tc.payload)}
			if got := s.WireLength(); got != tc.want {
				t.Errorf("WireLength() = %d; want %d", got, tc.want)
			}
		})
	}
}

func TestComPacketRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  ComPacket
	}{
		{"Empty", ComPacket{ComID: 4100}},
		{"Single data", ComPacket{
			ComID: 4100,
			Payload: []Packet{{
				TSN: 0x1000, HSN: 0x2000, SeqNumber: 1,
				Payload: []SubPacket{{Kind: SubPacketData, Payload: []byte{0xF8, 0xA0, 0xA0, 0xF0, 0xF1}}},
			}},
		}},
		{"Credit control", ComPacket{
			ComID: 2047,
			Payload: []Packet{{
				Payload: []SubPacket{NewCreditControl(8192)},
			}},
		}},
		{"Two sessions", ComPacket{
			ComID: 4100,
			Payload: []Packet{
				{TSN: 1, HSN: 2, Payload: []SubPacket{{Kind: SubPacketData, Payload: []byte{0x01, 0x02, 0x03, 0x04}}}},
				{TSN: 3, HSN: 4, Payload: []SubPacket{{Kind: SubPacketData, Payload: []byte{0xFA}}}},
			},
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.pkt.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary: %v", err)
			}
			if len(b) != tc.pkt.WireLength() {
				t.Errorf("len = %d; WireLength() = %d", len(b), tc.pkt.WireLength())
			}
			got, err := UnmarshalComPacket(b)
			if err != nil {
				t.Fatalf("UnmarshalComPacket: %v", err)
			}
			if !reflect.DeepEqual(*got, tc.pkt) {
				t.Errorf("round trip = %+v; want %+v", got, tc.pkt)
			}
		})
	}
}

func TestUnmarshalTrailingSlack(t *testing.T) {
	pkt := ComPacket{
		ComID: 4100,
		Payload: []Packet{{
			Payload: []SubPacket{{Kind: SubPacketData, Payload: []byte{0xF9}}},
		}},
	}
	b, err := pkt.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	// IF-RECV returns the full transfer buffer; the tail is zero filled.
	b = append(b, make([]byte, 512)...)
	got, err := UnmarshalComPacket(b)
	if err != nil {
		t.Fatalf("UnmarshalComPacket: %v", err)
	}
	if !reflect.DeepEqual(*got, pkt) {
		t.Errorf("round trip with slack = %+v; want %+v", got, pkt)
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	pkt := ComPacket{
		ComID: 4100,
		Payload: []Packet{{
			Payload: []SubPacket{{Kind: SubPacketData, Payload: bytes.Repeat([]byte{0xAA}, 32)}},
		}},
	}
	b, err := pkt.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	for _, n := range []int{1, ComPacketHeaderLen - 1, ComPacketHeaderLen + 4, len(b) - 1} {
		if _, err := UnmarshalComPacket(b[:n]); err == nil {
			t.Errorf("UnmarshalComPacket(%d bytes) did not fail", n)
		}
	}
}

func TestCreditControl(t *testing.T) {
	cc := NewCreditControl(0x12345678)
	credit, err := cc.Credit()
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if credit != 0x12345678 {
		t.Errorf("Credit() = %x", credit)
	}
	bad := SubPacket{Kind: SubPacketCreditControl, Payload: []byte{1, 2}}
	if _, err := bad.Credit(); err != ErrInvalidCreditControl {
		t.Errorf("short credit control accepted")
	}
	data := SubPacket{Kind: SubPacketData, Payload: []byte{1, 2, 3, 4}}
	if _, err := data.Credit(); err != ErrInvalidCreditControl {
		t.Errorf("data sub-packet accepted as credit control")
	}
}
