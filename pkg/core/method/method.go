// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Method calling

package method

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

type MethodFlag int

const (
	MethodFlagOptionalAsName MethodFlag = 1
)

// MethodStatus is the first element of the status code list trailing
// a method response ("3.2.4.2 Status Codes").
type MethodStatus uint

const (
	MethodStatusSuccess             MethodStatus = 0x00
	MethodStatusNotAuthorized       MethodStatus = 0x01
	MethodStatusObsolete            MethodStatus = 0x02
	MethodStatusSPBusy              MethodStatus = 0x03
	MethodStatusSPFailed            MethodStatus = 0x04
	MethodStatusSPDisabled          MethodStatus = 0x05
	MethodStatusSPFrozen            MethodStatus = 0x06
	MethodStatusNoSessionsAvailable MethodStatus = 0x07
	MethodStatusUniquenessConflict  MethodStatus = 0x08
	MethodStatusInsufficientSpace   MethodStatus = 0x09
	MethodStatusInsufficientRows    MethodStatus = 0x0A
	MethodStatusInvalidCommand      MethodStatus = 0x0B /* from Core Revision 0.9 Draft */
	MethodStatusInvalidParameter    MethodStatus = 0x0C
	MethodStatusInvalidReference    MethodStatus = 0x0D /* from Core Revision 0.9 Draft */
	MethodStatusInvalidSecMsg       MethodStatus = 0x0E /* from Core Revision 0.9 Draft */
	MethodStatusTPerMalfunction     MethodStatus = 0x0F
	MethodStatusTransactionFailure  MethodStatus = 0x10
	MethodStatusResponseOverflow    MethodStatus = 0x11
	MethodStatusAuthorityLockedOut  MethodStatus = 0x12
	MethodStatusFail                MethodStatus = 0x3F
)

var (
	ErrMalformedMethodResponse    = errors.New("method response was malformed")
	ErrEmptyMethodResponse        = errors.New("method response was empty")
	ErrMethodListUnbalanced       = errors.New("method argument list is unbalanced")
	ErrTPerClosedSession          = errors.New("TPer forcefully closed our session")
	ErrReceivedUnexpectedResponse = errors.New("method response was unexpected")
	ErrMethodTimeout              = errors.New("method call timed out waiting for a response")

	MethodStatusCodeMap = map[MethodStatus]error{
		MethodStatusSuccess:             errors.New("method returned status SUCCESS"),
		MethodStatusNotAuthorized:       errors.New("method returned status NOT_AUTHORIZED"),
		MethodStatusObsolete:            errors.New("method returned status OBSOLETE"),
		MethodStatusSPBusy:              errors.New("method returned status SP_BUSY"),
		MethodStatusSPFailed:            errors.New("method returned status SP_FAILED"),
		MethodStatusSPDisabled:          errors.New("method returned status SP_DISABLED"),
		MethodStatusSPFrozen:            errors.New("method returned status SP_FROZEN"),
		MethodStatusNoSessionsAvailable: errors.New("method returned status NO_SESSIONS_AVAILABLE"),
		MethodStatusUniquenessConflict:  errors.New("method returned status UNIQUENESS_CONFLICT"),
		MethodStatusInsufficientSpace:   errors.New("method returned status INSUFFICIENT_SPACE"),
		MethodStatusInsufficientRows:    errors.New("method returned status INSUFFICIENT_ROWS"),
		MethodStatusInvalidCommand:      errors.New("method returned status INVALID_COMMAND"),
		MethodStatusInvalidParameter:    errors.New("method returned status INVALID_PARAMETER"),
		MethodStatusInvalidReference:    errors.New("method returned status INVALID_REFERENCE"),
		MethodStatusInvalidSecMsg:       errors.New("method returned status INVALID_SECMSG_PROPERTIES"),
		MethodStatusTPerMalfunction:     errors.New("method returned status TPER_MALFUNCTION"),
		MethodStatusTransactionFailure:  errors.New("method returned status TRANSACTION_FAILURE"),
		MethodStatusResponseOverflow:    errors.New("method returned status RESPONSE_OVERFLOW"),
		MethodStatusAuthorityLockedOut:  errors.New("method returned status AUTHORITY_LOCKED_OUT"),
		MethodStatusFail:                errors.New("method returned status FAIL"),
	}

	ErrMethodStatusNotAuthorized       = MethodStatusCodeMap[MethodStatusNotAuthorized]
	ErrMethodStatusSPBusy              = MethodStatusCodeMap[MethodStatusSPBusy]
	ErrMethodStatusNoSessionsAvailable = MethodStatusCodeMap[MethodStatusNoSessionsAvailable]
	ErrMethodStatusInvalidParameter    = MethodStatusCodeMap[MethodStatusInvalidParameter]
	ErrMethodStatusAuthorityLockedOut  = MethodStatusCodeMap[MethodStatusAuthorityLockedOut]
)

// StatusToError maps a method status to its exported error value.
func StatusToError(sc MethodStatus) error {
	if err, ok := MethodStatusCodeMap[sc]; ok {
		return err
	}
	return fmt.Errorf("method returned unknown status code 0x%02x", uint(sc))
}

type Call interface {
	MarshalBinary() ([]byte, error)
	IsEOS() bool
}

type MethodCall struct {
	buf bytes.Buffer
	// Used to detect programming errors
	depth int
	flags MethodFlag
}

// Prepare a new method call
func NewMethodCall(iid uid.InvokingID, mid uid.MethodID, flags MethodFlag) *MethodCall {
	m := &MethodCall{bytes.Buffer{}, 0, flags}
	m.buf.Write(stream.Token(stream.Call))
	m.Bytes(iid[:])
	m.Bytes(mid[:])
	// Start argument list
	m.StartList()
	return m
}

// Copy the current state of a method call into a new independent copy
func (m *MethodCall) Clone() *MethodCall {
	mn := &MethodCall{bytes.Buffer{}, m.depth, m.flags}
	mn.buf.Write(m.buf.Bytes())
	return mn
}

func (m *MethodCall) IsEOS() bool {
	return false
}

func (m *MethodCall) StartList() {
	m.depth++
	m.buf.Write(stream.Token(stream.StartList))
}

func (m *MethodCall) EndList() {
	m.depth--
	m.buf.Write(stream.Token(stream.EndList))
}

// Start an optional parameters group
//
// From "3.2.1.2 Method Signature Pseudo-code"
// > Optional parameters are submitted to the method invocation as Named value pairs.
// > The Name portion of the Named value pair SHALL be a uinteger. Starting at zero,
// > these uinteger values are assigned based on the ordering of the optional parameters
// > as defined in this document.
// The above is true for Core 2.0 things like OpalV2 but not for e.g. Enterprise.
// Thus, we provide a way for the code to switch between using uint or string.
func (m *MethodCall) StartOptionalParameter(id uint, name string) {
	m.depth++
	m.buf.Write(stream.Token(stream.StartName))
	if m.flags&MethodFlagOptionalAsName > 0 {
		m.buf.Write(stream.Bytes([]byte(name)))
	} else {
		m.buf.Write(stream.UInt(id))
	}
}

// EndOptionalParameter ends the current optional parameter group
func (m *MethodCall) EndOptionalParameter() {
	m.depth--
	m.buf.Write(stream.Token(stream.EndName))
}

// Add a named value (uint) pair
func (m *MethodCall) NamedUInt(name string, val uint) {
	m.buf.Write(stream.Token(stream.StartName))
	m.buf.Write(stream.Bytes([]byte(name)))
	m.buf.Write(stream.UInt(val))
	m.buf.Write(stream.Token(stream.EndName))
}

// Add a named value (bool) pair
func (m *MethodCall) NamedBool(name string, val bool) {
	if val {
		m.NamedUInt(name, 1)
	} else {
		m.NamedUInt(name, 0)
	}
}

// Token adds a specific token to the MethodCall buffer.
func (m *MethodCall) Token(t stream.TokenType) {
	m.buf.Write(stream.Token(t))
}

// Bytes adds a bytes atom
func (m *MethodCall) Bytes(b []byte) {
	m.buf.Write(stream.Bytes(b))
}

// UInt adds an uint atom
func (m *MethodCall) UInt(v uint) {
	m.buf.Write(stream.UInt(v))
}

// Bool adds a bool atom (as uint)
func (m *MethodCall) Bool(v bool) {
	if v {
		m.UInt(1)
	} else {
		m.UInt(0)
	}
}

func (m *MethodCall) RawByte(b []byte) {
	m.buf.Write(b)
}

// Marshal the complete method call to the data stream representation
func (m *MethodCall) MarshalBinary() ([]byte, error) {
	mn := *m
	mn.EndList() // End argument list
	// Finish method call
	mn.buf.Write(stream.Token(stream.EndOfData))
	mn.StartList() // Status code list
	mn.buf.Write(stream.UInt(uint(MethodStatusSuccess)))
	mn.buf.Write(stream.UInt(0)) // Reserved
	mn.buf.Write(stream.UInt(0)) // Reserved
	mn.EndList()
	if mn.depth != 0 {
		return nil, ErrMethodListUnbalanced
	}
	return mn.buf.Bytes(), nil
}

type EOSMethodCall struct {
}

func (m *EOSMethodCall) MarshalBinary() ([]byte, error) {
	return stream.Token(stream.EndOfSession), nil
}

func (m *EOSMethodCall) IsEOS() bool {
	return true
}
