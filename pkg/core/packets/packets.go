// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the TCG Storage Core ComPacket / Packet / SubPacket format
// ("3.2.3 Communication Layer").

package packets

import (
	"bytes"
	"encoding/binary"
	"errors"
)

type SubPacketKind uint16

const (
	SubPacketData          SubPacketKind = 0x0000
	SubPacketCreditControl SubPacketKind = 0x8001
)

const (
	ComPacketHeaderLen = 20
	PacketHeaderLen    = 24
	SubPacketHeaderLen = 12
)

var (
	ErrTooLargeComPacket    = errors.New("encountered a too large ComPacket")
	ErrTooLargePacket       = errors.New("encountered a too large Packet")
	ErrMissingPacket        = errors.New("truncated packet stream")
	ErrInvalidCreditControl = errors.New("invalid credit control sub-packet")
)

// SubPacket carries either method payload (Data) or a single 32-bit
// credit grant (CreditControl). The wire form is padded to 4 bytes;
// the length field excludes the padding.
type SubPacket struct {
	Kind    SubPacketKind
	Payload []byte
}

// NewCreditControl builds a credit grant sub-packet.
func NewCreditControl(credit uint32) SubPacket {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, credit)
	return SubPacket{Kind: SubPacketCreditControl, Payload: p}
}

// Credit returns the grant of a CreditControl sub-packet.
func (s *SubPacket) Credit() (uint32, error) {
	if s.Kind != SubPacketCreditControl || len(s.Payload) != 4 {
		return 0, ErrInvalidCreditControl
	}
	return binary.BigEndian.Uint32(s.Payload), nil
}

// WireLength is the serialized size including padding.
func (s *SubPacket) WireLength() int {
	n := SubPacketHeaderLen + len(s.Payload)
	if len(s.Payload)%4 > 0 {
		n += 4 - len(s.Payload)%4
	}
	return n
}

// Packet groups sub-packets under one session ("3.2.3.3 Packets").
type Packet struct {
	TSN             uint32
	HSN             uint32
	SeqNumber       uint32
	AckType         uint16
	Acknowledgement uint32
	Payload         []SubPacket
}

func (p *Packet) WireLength() int {
	n := PacketHeaderLen
	for i := range p.Payload {
		n += p.Payload[i].WireLength()
	}
	return n
}

// ComPacket is the outermost envelope, stamped with the ComID
// ("3.2.3.2 ComPackets").
type ComPacket struct {
	ComID           uint16
	ComIDExt        uint16
	OutstandingData uint32
	MinTransfer     uint32
	Payload         []Packet
}

func (c *ComPacket) WireLength() int {
	n := ComPacketHeaderLen
	for i := range c.Payload {
		n += c.Payload[i].WireLength()
	}
	return n
}

type comPacketHeader struct {
	_               uint32
	ComID           uint16
	ComIDExt        uint16
	OutstandingData uint32
	MinTransfer     uint32
	Length          uint32
}

type packetHeader struct {
	TSN             uint32
	HSN             uint32
	SeqNumber       uint32
	_               uint16
	AckType         uint16
	Acknowledgement uint32
	Length          uint32
}

type subPacketHeader struct {
	_      [6]byte
	Kind   uint16
	Length uint32
}

func (s *SubPacket) marshal(buf *bytes.Buffer) error {
	hdr := subPacketHeader{
		Kind:   uint16(s.Kind),
		Length: uint32(len(s.Payload)),
	}
	if err := binary.Write(buf, binary.BigEndian, &hdr); err != nil {
		return err
	}
	buf.Write(s.Payload)
	if len(s.Payload)%4 > 0 {
		buf.Write(make([]byte, 4-len(s.Payload)%4))
	}
	return nil
}

func (p *Packet) marshal(buf *bytes.Buffer) error {
	hdr := packetHeader{
		TSN:             p.TSN,
		HSN:             p.HSN,
		SeqNumber:       p.SeqNumber,
		AckType:         p.AckType,
		Acknowledgement: p.Acknowledgement,
		Length:          uint32(p.WireLength() - PacketHeaderLen),
	}
	if err := binary.Write(buf, binary.BigEndian, &hdr); err != nil {
		return err
	}
	for i := range p.Payload {
		if err := p.Payload[i].marshal(buf); err != nil {
			return err
		}
	}
	return nil
}

func (c *ComPacket) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	hdr := comPacketHeader{
		ComID:           c.ComID,
		ComIDExt:        c.ComIDExt,
		OutstandingData: c.OutstandingData,
		MinTransfer:     c.MinTransfer,
		Length:          uint32(c.WireLength() - ComPacketHeaderLen),
	}
	if err := binary.Write(buf, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	for i := range c.Payload {
		if err := c.Payload[i].marshal(buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalComPacket parses a received IF-RECV buffer. Trailing bytes
// beyond the ComPacket length (transfer buffer slack) are ignored.
func UnmarshalComPacket(b []byte) (*ComPacket, error) {
	rdr := bytes.NewBuffer(b)
	hdr := comPacketHeader{}
	if err := binary.Read(rdr, binary.BigEndian, &hdr); err != nil {
		return nil, ErrMissingPacket
	}
	c := &ComPacket{
		ComID:           hdr.ComID,
		ComIDExt:        hdr.ComIDExt,
		OutstandingData: hdr.OutstandingData,
		MinTransfer:     hdr.MinTransfer,
	}
	if int(hdr.Length) > rdr.Len() {
		return nil, ErrMissingPacket
	}
	payload := rdr.Bytes()[:hdr.Length]
	for len(payload) > 0 {
		p, rest, err := unmarshalPacket(payload)
		if err != nil {
			return nil, err
		}
		c.Payload = append(c.Payload, *p)
		payload = rest
	}
	return c, nil
}

func unmarshalPacket(b []byte) (*Packet, []byte, error) {
	rdr := bytes.NewBuffer(b)
	hdr := packetHeader{}
	if err := binary.Read(rdr, binary.BigEndian, &hdr); err != nil {
		return nil, nil, ErrMissingPacket
	}
	if int(hdr.Length) > rdr.Len() {
		return nil, nil, ErrMissingPacket
	}
	p := &Packet{
		TSN:             hdr.TSN,
		HSN:             hdr.HSN,
		SeqNumber:       hdr.SeqNumber,
		AckType:         hdr.AckType,
		Acknowledgement: hdr.Acknowledgement,
	}
	payload := rdr.Bytes()[:hdr.Length]
	rest := rdr.Bytes()[hdr.Length:]
	for len(payload) > 0 {
		s, remaining, err := unmarshalSubPacket(payload)
		if err != nil {
			return nil, nil, err
		}
		p.Payload = append(p.Payload, *s)
		payload = remaining
	}
	return p, rest, nil
}

func unmarshalSubPacket(b []byte) (*SubPacket, []byte, error) {
	rdr := bytes.NewBuffer(b)
	hdr := subPacketHeader{}
	if err := binary.Read(rdr, binary.BigEndian, &hdr); err != nil {
		return nil, nil, ErrMissingPacket
	}
	if int(hdr.Length) > rdr.Len() {
		return nil, nil, ErrMissingPacket
	}
	s := &SubPacket{
		Kind:    SubPacketKind(hdr.Kind),
		Payload: append([]byte{}, rdr.Bytes()[:hdr.Length]...),
	}
	rest := rdr.Bytes()[hdr.Length:]
	// Swallow the padding
	if pad := int(hdr.Length) % 4; pad > 0 {
		pad = 4 - pad
		if len(rest) < pad {
			return nil, nil, ErrMissingPacket
		}
		rest = rest[pad:]
	}
	return s, rest, nil
}
