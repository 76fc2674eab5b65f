// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core Table operations on Admin SP tables

package table

import (
	"fmt"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

var (
	Admin_C_PIN_ColumnPIN         uint = 3
	Admin_SP_ColumnLifeCycleState uint = 6
)

func Admin_C_PIN_MSID_GetPIN(s *core.Session) ([]byte, error) {
	val, err := GetCell(s, uid.Admin_C_PIN_MSIDRow, Admin_C_PIN_ColumnPIN, "PIN")
	if err != nil {
		return nil, err
	}
	pin, ok := val.([]byte)
	if !ok {
		return nil, fmt.Errorf("malformed PIN column")
	}
	return pin, nil
}

// Admin_C_PIN_SID_SetPIN sets the SID PIN in the Admin SP C_PIN table.
func Admin_C_PIN_SID_SetPIN(s *core.Session, password []byte) error {
	return SetCell(s, uid.Admin_C_PIN_SIDRow, Admin_C_PIN_ColumnPIN, "PIN", password)
}

// Admin_C_PIN_SetPIN sets the PIN of an arbitrary C_PIN row, e.g. a
// Locking SP admin or user credential.
func Admin_C_PIN_SetPIN(s *core.Session, row uid.RowUID, password []byte) error {
	return SetCell(s, row, Admin_C_PIN_ColumnPIN, "PIN", password)
}

type LifeCycleState int

const (
	Issued LifeCycleState = 0 + iota
	IssuedDisabled
	IssuedFrozen
	IssuedDisabledFrozen
	IssuedFailed
	_
	_
	_
	ManufacturedInactive
	Manufactured
	ManufacturedDisabled
	ManufacturedFrozen
	ManufacturedDisabledFrozen
	ManufacturedFailed
)

func (l LifeCycleState) String() string {
	switch l {
	case Issued:
		return "Issued"
	case IssuedDisabled:
		return "Issued-Disabled"
	case IssuedFrozen:
		return "Issued-Frozen"
	case IssuedDisabledFrozen:
		return "Issued-DisabledFrozen"
	case IssuedFailed:
		return "Issued-Failed"
	case ManufacturedInactive:
		return "Manufactured-Inactive"
	case Manufactured:
		return "Manufactured"
	case ManufacturedDisabled:
		return "Manufactured-Disabled"
	case ManufacturedFrozen:
		return "Manufactured-Frozen"
	case ManufacturedDisabledFrozen:
		return "Manufactured-DisabledFrozen"
	case ManufacturedFailed:
		return "Manufactured-Failed"
	}
	return "<Unknown>"
}

func Admin_SP_GetLifeCycleState(s *core.Session, spid uid.SPID) (LifeCycleState, error) {
	val, err := GetCell(s, uid.RowUID(spid), Admin_SP_ColumnLifeCycleState, "LifeCycleState")
	if err != nil {
		return -1, err
	}
	v, ok := val.(uint)
	if !ok {
		return -1, fmt.Errorf("malformed LifeCycleState column")
	}
	return LifeCycleState(v), nil
}

// Admin_Activate activates an SP in Manufactured-Inactive state
// ("5.2.3 Activate" of the Opal Feature Set).
func Admin_Activate(s *core.Session, spid uid.SPID) error {
	mc := method.NewMethodCall(uid.InvokingID(spid), uid.OpalActivate, s.MethodFlags)
	_, err := s.ExecuteMethod(mc)
	return err
}

// Admin_Revert returns the SP, and everything it controls, to factory
// state. Reverting the Admin SP reverts the whole TPer.
func Admin_Revert(s *core.Session, spid uid.SPID) error {
	mc := method.NewMethodCall(uid.InvokingID(spid), uid.OpalRevert, s.MethodFlags)
	_, err := s.ExecuteMethod(mc)
	return err
}

// ThisSP_RevertSP reverts the SP this session is open on. The session
// is closed by the TPer as a side effect.
func ThisSP_RevertSP(s *core.Session) error {
	mc := method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalRevertSP, s.MethodFlags)
	_, err := s.ExecuteMethod(mc)
	return err
}
