// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Data Stream

package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
)

type TokenType uint8

// List is a decoded token sequence. Elements are uint, int, []byte,
// List, Named or TokenType (control tokens that are not list or name
// delimiters, which decode structurally).
type List []interface{}

// Named is a Named value pair ("3.2.2.3.2 Named Value Tokens").
// The name is an atom, never itself a Named value.
type Named struct {
	Name  interface{}
	Value interface{}
}

const (
	StartList        TokenType = 0xF0
	EndList          TokenType = 0xF1
	StartName        TokenType = 0xF2
	EndName          TokenType = 0xF3
	Call             TokenType = 0xF8
	EndOfData        TokenType = 0xF9
	EndOfSession     TokenType = 0xFA
	StartTransaction TokenType = 0xFB
	EndTransaction   TokenType = 0xFC
	EmptyAtom        TokenType = 0xFF
)

var (
	ErrUnbalancedList      = errors.New("message contained unbalanced list structures")
	ErrUnbalancedName      = errors.New("message contained unbalanced name structures")
	ErrEndOfStream         = errors.New("token stream ended unexpectedly")
	ErrInvalidTokenStream  = errors.New("invalid token stream")
	ErrTooLargeAtom        = errors.New("atom payload exceeds the maximum atom size")
	ErrSerializationFailed = errors.New("value cannot be represented in the data stream")
)

func (t TokenType) String() string {
	switch t {
	case StartList:
		return "StartList"
	case EndList:
		return "EndList"
	case StartName:
		return "StartName"
	case EndName:
		return "EndName"
	case Call:
		return "Call"
	case EndOfData:
		return "EndOfData"
	case EndOfSession:
		return "EndOfSession"
	case StartTransaction:
		return "StartTransaction"
	case EndTransaction:
		return "EndTransaction"
	case EmptyAtom:
		return "EmptyAtom"
	}
	return "<Unknown>"
}

func Token(tok TokenType) []byte {
	return []byte{byte(tok)}
}

// UInt encodes an unsigned integer atom using the shortest form that fits.
func UInt(val uint) []byte {
	if val < 64 {
		// Tiny atom
		return []byte{uint8(val)}
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(val))
	i := 0
	for i < 7 && scratch[i] == 0 {
		i++
	}
	return append([]byte{0x80 | uint8(8-i)}, scratch[i:]...)
}

// Int encodes a signed integer atom using the shortest form that fits.
func Int(val int) []byte {
	if val >= -32 && val < 32 {
		// Tiny atom with the sign bit set
		return []byte{0x40 | uint8(val&0x3F)}
	}
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(val))
	// Strip redundant leading bytes, keeping the sign bit intact.
	i := 0
	for i < 7 {
		if scratch[i] == 0x00 && scratch[i+1]&0x80 == 0 {
			i++
		} else if scratch[i] == 0xFF && scratch[i+1]&0x80 != 0 {
			i++
		} else {
			break
		}
	}
	return append([]byte{0x90 | uint8(8-i)}, scratch[i:]...)
}

// Bytes encodes a byte sequence atom using the shortest form that fits.
func Bytes(b []byte) []byte {
	// Tiny atoms are not used for binary ("3.2.2.3.1 Simple Tokens - Atoms Overview")
	if len(b) < 16 {
		// Short atom and 0-length atom
		return append([]byte{0xA0 | uint8(len(b))}, b...)
	} else if len(b) < 2048 {
		// Medium atom
		return append([]byte{0xD0 | uint8((len(b)>>8)&0x7), uint8(len(b) & 0xFF)}, b...)
	}
	// Long atom
	return append([]byte{0xE2, uint8((len(b) >> 16) & 0xFF), uint8((len(b) >> 8) & 0xFF), uint8(len(b) & 0xFF)}, b...)
}

// Encode serializes a decoded token sequence back to the data stream.
// Encode(Decode(b)) == b modulo shortest-form normalization of atoms.
func Encode(l List) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeSequence(buf, l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeSequence(buf *bytes.Buffer, l List) error {
	for _, v := range l {
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case uint:
		buf.Write(UInt(x))
	case int:
		buf.Write(Int(x))
	case []byte:
		if len(x) > 0xFFFFFF {
			return ErrTooLargeAtom
		}
		buf.Write(Bytes(x))
	case TokenType:
		buf.Write(Token(x))
	case List:
		buf.Write(Token(StartList))
		if err := encodeSequence(buf, x); err != nil {
			return err
		}
		buf.Write(Token(EndList))
	case Named:
		if _, nested := x.Name.(Named); nested {
			return ErrSerializationFailed
		}
		buf.Write(Token(StartName))
		if err := encodeValue(buf, x.Name); err != nil {
			return err
		}
		if err := encodeValue(buf, x.Value); err != nil {
			return err
		}
		buf.Write(Token(EndName))
	default:
		return ErrSerializationFailed
	}
	return nil
}

type decoder struct {
	b []byte
}

// Decode parses a data stream into its token sequence. List and name
// delimiters decode structurally into List and Named elements; empty
// atoms are dropped ("3.2.2.3.1.5 Empty Atom ... SHALL be ignored").
func Decode(b []byte) (List, error) {
	d := &decoder{b}
	res := List{}
	for len(d.b) > 0 {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		if v != nil {
			res = append(res, v)
		}
	}
	return res, nil
}

func (d *decoder) peek() (byte, error) {
	if len(d.b) == 0 {
		return 0, ErrEndOfStream
	}
	return d.b[0], nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.b) < n {
		return nil, ErrEndOfStream
	}
	res := d.b[:n]
	d.b = d.b[n:]
	return res, nil
}

// value decodes a single element, or nil for an empty atom.
func (d *decoder) value() (interface{}, error) {
	t, err := d.peek()
	if err != nil {
		return nil, err
	}
	switch {
	case t&0x80 == 0:
		// Tiny atom: bit 6 selects two's complement data
		d.b = d.b[1:]
		if t&0x40 != 0 {
			v := int(t & 0x3F)
			if v >= 32 {
				v -= 64
			}
			return v, nil
		}
		return uint(t), nil
	case t&0xC0 == 0x80:
		// Short atom
		d.b = d.b[1:]
		return d.atomPayload(int(t&0xF), t&0x20 != 0, t&0x10 != 0)
	case t&0xE0 == 0xC0:
		// Medium atom
		hdr, err := d.take(2)
		if err != nil {
			return nil, err
		}
		return d.atomPayload(int(hdr[0]&0x7)<<8|int(hdr[1]), t&0x10 != 0, t&0x08 != 0)
	case t&0xF8 == 0xE0:
		// Long atom
		hdr, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return d.atomPayload(int(hdr[1])<<16|int(hdr[2])<<8|int(hdr[3]), t&0x02 != 0, t&0x01 != 0)
	case t == byte(StartList):
		d.b = d.b[1:]
		return d.list()
	case t == byte(StartName):
		d.b = d.b[1:]
		return d.named()
	case t == byte(EndList):
		return nil, ErrUnbalancedList
	case t == byte(EndName):
		return nil, ErrUnbalancedName
	case t == byte(EmptyAtom):
		d.b = d.b[1:]
		return nil, nil
	case TokenType(t) == Call || TokenType(t) == EndOfData ||
		TokenType(t) == EndOfSession || TokenType(t) == StartTransaction ||
		TokenType(t) == EndTransaction:
		d.b = d.b[1:]
		return TokenType(t), nil
	}
	return nil, ErrInvalidTokenStream
}

func (d *decoder) atomPayload(n int, isByte bool, signed bool) (interface{}, error) {
	data, err := d.take(n)
	if err != nil {
		return nil, err
	}
	if isByte {
		bc := make([]byte, n)
		copy(bc, data)
		return bc, nil
	}
	if n > 8 {
		return nil, ErrTooLargeAtom
	}
	if signed {
		var v int64
		if n > 0 && data[0]&0x80 != 0 {
			v = -1
		}
		for _, c := range data {
			v = v<<8 | int64(c&0xFF)
		}
		return int(v), nil
	}
	var v uint64
	for _, c := range data {
		v = v<<8 | uint64(c)
	}
	return uint(v), nil
}

func (d *decoder) list() (List, error) {
	res := List{}
	for {
		t, err := d.peek()
		if err != nil {
			// Missing EndList
			return nil, ErrUnbalancedList
		}
		if t == byte(EndList) {
			d.b = d.b[1:]
			return res, nil
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		if v != nil {
			res = append(res, v)
		}
	}
}

func (d *decoder) named() (Named, error) {
	name, err := d.namedMember()
	if err != nil {
		return Named{}, err
	}
	if _, nested := name.(Named); nested {
		return Named{}, ErrInvalidTokenStream
	}
	value, err := d.namedMember()
	if err != nil {
		return Named{}, err
	}
	t, err := d.peek()
	if err != nil || t != byte(EndName) {
		return Named{}, ErrUnbalancedName
	}
	d.b = d.b[1:]
	return Named{Name: name, Value: value}, nil
}

// namedMember decodes exactly one non-empty element of a name pair.
func (d *decoder) namedMember() (interface{}, error) {
	for {
		t, err := d.peek()
		if err != nil {
			return nil, ErrUnbalancedName
		}
		if t == byte(EndName) {
			return nil, ErrUnbalancedName
		}
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
}

func EqualBytes(obj interface{}, b []byte) bool {
	bd, ok := obj.([]byte)
	if !ok {
		return false
	}
	// Special nil case
	if len(b) == 0 && len(bd) == 0 {
		return true
	}
	return bytes.Equal(b, bd)
}

func EqualToken(obj interface{}, b TokenType) bool {
	byt, ok := obj.([]byte)
	if ok {
		return bytes.Equal(byt, []byte{uint8(b)})
	}
	bd, ok := obj.(TokenType)
	if !ok {
		return false
	}
	return bd == b
}

func EqualUInt(obj interface{}, b uint) bool {
	bd, ok := obj.(uint)
	if !ok {
		return false
	}
	return bd == b
}
