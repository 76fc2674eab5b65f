// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// High-level locking API for TCG Storage devices

package locking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/table"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

var (
	ErrNoAvailableSSC  = errors.New("no supported security subsystem class advertised by the device")
	ErrIncompatibleSSC = errors.New("the device's security subsystem class is not supported")
	ErrAlreadyOwned    = errors.New("the device is already owned, the factory credential no longer works")
	ErrInvalidUser     = errors.New("user is not known for this device")
)

type LockingSP struct {
	Session *core.Session
	// Authorities of the SP by name. NewSession does not fill this in;
	// it stays nil unless the caller sets it.
	Authorities map[string]uid.AuthorityObjectUID
	// The full range of Ranges that the current session has access to
	// see and possibly modify
	GlobalRange *Range
	Ranges      []*Range // Ranges[0] == GlobalRange

	// These are always false on SSC Enterprise
	MBREnabled     bool
	MBRDone        bool
	MBRDoneOnReset []table.ResetType
}

func (l *LockingSP) Close() error {
	return l.Session.Close()
}

type AdminSPAuthenticator interface {
	AuthenticateAdminSP(s *core.Session) error
}
type LockingSPAuthenticator interface {
	AuthenticateLockingSP(s *core.Session, lmeta *LockingSPMeta) error
}

var DefaultAuthorityWithMSID = &authority{}

type authority struct {
	auth  []byte
	proof []byte
}

func (a *authority) AuthenticateAdminSP(s *core.Session) error {
	var auth uid.AuthorityObjectUID
	if len(a.auth) == 0 {
		copy(auth[:], uid.AuthoritySID[:])
	} else {
		copy(auth[:], a.auth)
	}
	if len(a.proof) == 0 {
		msidPin, err := table.Admin_C_PIN_MSID_GetPIN(s)
		if err != nil {
			return err
		}
		return table.ThisSP_Authenticate(s, auth, msidPin)
	}
	return table.ThisSP_Authenticate(s, auth, a.proof)
}

func (a *authority) AuthenticateLockingSP(s *core.Session, lmeta *LockingSPMeta) error {
	var auth uid.AuthorityObjectUID
	if len(a.auth) == 0 {
		if s.ProtocolLevel == core.ProtocolLevelEnterprise {
			copy(auth[:], uid.LockingAuthorityBandMaster0[:])
		} else {
			copy(auth[:], uid.LockingAuthorityAdmin1[:])
		}
	} else {
		copy(auth[:], a.auth)
	}
	if len(a.proof) == 0 {
		if len(lmeta.MSID) == 0 {
			return fmt.Errorf("authentication via MSID disabled")
		}
		return table.ThisSP_Authenticate(s, auth, lmeta.MSID)
	}
	return table.ThisSP_Authenticate(s, auth, a.proof)
}

func DefaultAuthority(proof []byte) *authority {
	return &authority{proof: proof}
}

func DefaultAdminAuthority(proof []byte) *authority {
	return &authority{proof: proof}
}

func AuthorityFromUID(auth uid.AuthorityObjectUID, proof []byte) *authority {
	return &authority{auth: auth[:], proof: proof}
}

// AuthorityFromName resolves the well-known Locking SP authority names:
// admin1..admin4, user1..user8 and bandmaster0 (Enterprise).
func AuthorityFromName(user string, proof []byte) (*authority, bool) {
	var n uint32
	switch {
	case strings.EqualFold(user, "bandmaster0"):
		return AuthorityFromUID(uid.LockingAuthorityBandMaster0, proof), true
	case len(user) == 6 && strings.EqualFold(user[:5], "admin"):
		n = uint32(user[5] - '0')
		if n < 1 || n > 4 {
			return nil, false
		}
		return AuthorityFromUID(uid.LockingAuthorityAdmin(n), proof), true
	case len(user) == 5 && strings.EqualFold(user[:4], "user"):
		n = uint32(user[4] - '0')
		if n < 1 || n > 8 {
			return nil, false
		}
		return AuthorityFromUID(uid.LockingAuthorityUser(n), proof), true
	}
	return nil, false
}

// NewSession opens and authenticates a session against the Locking SP.
func NewSession(cs *core.ControlSession, lmeta *LockingSPMeta, auth LockingSPAuthenticator, opts ...core.SessionOpt) (*LockingSP, error) {
	if lmeta.D0.Locking == nil {
		return nil, fmt.Errorf("device does not have the Locking feature")
	}
	s, err := cs.NewSession(lmeta.SPID, opts...)
	if err != nil {
		return nil, fmt.Errorf("session creation failed: %v", err)
	}

	if err := auth.AuthenticateLockingSP(s, lmeta); err != nil {
		s.Close() //nolint:errcheck
		return nil, fmt.Errorf("authentication failed: %v", err)
	}

	l := &LockingSP{Session: s}

	l.MBRDone = lmeta.D0.Locking.MBRDone
	l.MBREnabled = lmeta.D0.Locking.MBREnabled
	l.MBRDoneOnReset = []table.ResetType{table.ResetPowerOff}

	if err := fillRanges(s, l); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return l, nil
}

type initializeConfig struct {
	auths                    []AdminSPAuthenticator
	activate                 bool
	MaxComPacketSizeOverride uint
	TransTimeout             time.Duration
}

type InitializeOpt func(ic *initializeConfig)

func WithAuth(auth AdminSPAuthenticator) InitializeOpt {
	return func(ic *initializeConfig) {
		ic.auths = append(ic.auths, auth)
	}
}

// WithActivation allows Initialize to activate a Locking SP still in
// Manufactured-Inactive state.
func WithActivation() InitializeOpt {
	return func(ic *initializeConfig) {
		ic.activate = true
	}
}

func WithMaxComPacketSize(size uint) InitializeOpt {
	return func(ic *initializeConfig) {
		ic.MaxComPacketSizeOverride = size
	}
}

func WithTransTimeout(d time.Duration) InitializeOpt {
	return func(ic *initializeConfig) {
		ic.TransTimeout = d
	}
}

type LockingSPMeta struct {
	SPID uid.SPID
	MSID []byte
	D0   *core.Level0Discovery
}

// Initialize prepares a device for locking operations: it selects the
// SSC, opens the control session, reads the MSID and, if requested,
// activates the Locking SP.
func Initialize(d drive.SendReceive, d0 *core.Level0Discovery, opts ...InitializeOpt) (*core.ControlSession, *LockingSPMeta, error) {
	ic := initializeConfig{
		MaxComPacketSizeOverride: core.DefaultMaxComPacketSize,
		TransTimeout:             core.DefaultTransTimeout,
	}
	for _, o := range opts {
		o(&ic)
	}

	lmeta := &LockingSPMeta{D0: d0}

	comID, proto, err := core.FindComID(d, d0)
	if err != nil {
		if errors.Is(err, core.ErrNoSupportedSSC) {
			return nil, nil, ErrNoAvailableSSC
		}
		return nil, nil, err
	}
	cs, err := core.NewControlSession(d, d0,
		core.WithComID(comID),
		core.WithMaxComPacketSize(ic.MaxComPacketSizeOverride),
		core.WithTransTimeout(ic.TransTimeout),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create control session (comID 0x%04x): %v", comID, err)
	}

	as, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		cs.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("admin session creation failed: %v", err)
	}
	defer as.Close() //nolint:errcheck

	err = nil
	msidOnly := true
	for _, x := range ic.auths {
		if x != DefaultAuthorityWithMSID {
			msidOnly = false
		}
		if err = x.AuthenticateAdminSP(as); errors.Is(err, table.ErrAuthenticationFailed) ||
			errors.Is(err, method.ErrMethodStatusNotAuthorized) {
			continue
		}
		if err != nil {
			cs.Close() //nolint:errcheck
			return nil, nil, err
		}
		break
	}
	if err != nil {
		cs.Close() //nolint:errcheck
		if msidOnly {
			// The factory credential was the only thing we tried.
			return nil, nil, ErrAlreadyOwned
		}
		return nil, nil, fmt.Errorf("all authentications failed")
	}

	if proto == core.ProtocolLevelEnterprise {
		copy(lmeta.SPID[:], uid.EnterpriseLockingSP[:])
		if err := initializeEnterprise(as, lmeta); err != nil {
			cs.Close() //nolint:errcheck
			return nil, nil, err
		}
	} else {
		copy(lmeta.SPID[:], uid.LockingSP[:])
		if err := initializeOpalFamily(as, &ic, lmeta); err != nil {
			cs.Close() //nolint:errcheck
			return nil, nil, err
		}
	}
	return cs, lmeta, nil
}

func initializeEnterprise(s *core.Session, lmeta *LockingSPMeta) error {
	msidPin, err := table.Admin_C_PIN_MSID_GetPIN(s)
	if err == nil {
		lmeta.MSID = msidPin
	}
	return nil
}

func initializeOpalFamily(s *core.Session, ic *initializeConfig, lmeta *LockingSPMeta) error {
	msidPin, err := table.Admin_C_PIN_MSID_GetPIN(s)
	if err == nil {
		lmeta.MSID = msidPin
	}
	lcs, err := table.Admin_SP_GetLifeCycleState(s, uid.LockingSP)
	if err != nil {
		return err
	}
	switch lcs {
	case table.Manufactured:
		// The Locking SP is already activated
		return nil
	case table.ManufacturedInactive:
		if !ic.activate {
			return fmt.Errorf("locking SP not active, but activation not requested")
		}
		return table.Admin_Activate(s, uid.LockingSP)
	default:
		return fmt.Errorf("unsupported life cycle state on locking SP: %v", lcs)
	}
}

// TakeOwnership replaces the SID PIN on an authenticated Admin SP
// session. Do this before Activate so the new PIN is the one copied to
// the Locking SP admins.
func TakeOwnership(s *core.Session, newSIDPIN []byte) error {
	return table.Admin_C_PIN_SID_SetPIN(s, newSIDPIN)
}

// SetPassword replaces the PIN of a C_PIN credential row on the
// Locking SP, e.g. Admin1 or User1.
func (l *LockingSP) SetPassword(row uid.RowUID, pin []byte) error {
	return table.Admin_C_PIN_SetPIN(l.Session, row, pin)
}

// EnableUser switches a Locking SP user authority on. The user still
// needs a password (SetPassword) and ACE grants to do anything useful.
func (l *LockingSP) EnableUser(n uint32) error {
	auth := uid.LockingAuthorityUser(n)
	return table.SetCell(l.Session, uid.RowUID(auth), 5, "Enabled", uint(1))
}

func (l *LockingSP) SetMBRDone(v bool) error {
	mbr := &table.MBRControlRow{Done: &v}
	return table.MBRControl_Set(l.Session, mbr)
}

func (l *LockingSP) SetMBREnable(v bool) error {
	mbr := &table.MBRControlRow{Enable: &v}
	return table.MBRControl_Set(l.Session, mbr)
}

// Revert returns the Locking SP to factory state. The TPer ends the
// session as a side effect, so the LockingSP is unusable afterwards.
func (l *LockingSP) Revert() error {
	return table.ThisSP_RevertSP(l.Session)
}
