// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Factory-reset Opal 2.00 preconfiguration: the two SPs, their
// predefined authorities, credentials, ranges and access control.

package fakedevice

import (
	"crypto/rand"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

const (
	MSIDPassword = "default_password"
	PSIDPassword = "psid_password"

	BaseComID uint16 = 4100
	NumComIDs uint16 = 1

	NumLockingAdmins uint32 = 4
	NumLockingUsers  uint32 = 8

	mbrTableSize       = 128 * 1024
	dataStoreTableSize = 10 * 1024
)

// ACE rows used by the preconfiguration.
func aceRow(n uint32) uid.RowUID {
	return uid.Base_ACETable.Row(n)
}

var (
	aceAnybody      = aceRow(0x0001)
	aceMSIDGet      = aceRow(0x0002)
	aceSIDGetCPIN   = aceRow(0x0003)
	aceSIDSetPIN    = aceRow(0x0004)
	aceSID          = aceRow(0x0005)
	aceSIDOrPSID    = aceRow(0x0006)
	aceAdmins       = aceRow(0x0010)
	aceAdminsPIN    = aceRow(0x0011)
	aceUsersLocking = aceRow(0x0012)
)

// controller is the device-side data model: the Admin SP and the
// Locking SP with their factory state.
type controller struct {
	adminSP   *securityProvider
	lockingSP *securityProvider
	msid      []byte
}

func newController() *controller {
	c := &controller{msid: []byte(MSIDPassword)}
	c.adminSP = preconfigAdminSP(c.msid)
	c.lockingSP = preconfigLockingSP(c.msid)
	return c
}

// getSP resolves an SP UID, nil for SPs this SSC does not issue.
func (c *controller) getSP(spid uid.SPID) *securityProvider {
	switch spid {
	case uid.AdminSP:
		return c.adminSP
	case uid.LockingSP:
		return c.lockingSP
	}
	return nil
}

// sidIsMSID reports whether the SID PIN still is the factory MSID,
// which the Block SID descriptor advertises as the SID value state.
func (c *controller) sidIsMSID() bool {
	r := c.adminSP.tables[uid.Base_C_PINTable].row(uid.Admin_C_PIN_SIDRow)
	if r == nil {
		return false
	}
	v, ok := r.get(cpinColPIN)
	if !ok {
		return false
	}
	pin, ok := v.([]byte)
	return ok && string(pin) == string(c.msid)
}

func (c *controller) lockingSPLifeCycle() uint {
	r := c.adminSP.tables[uid.Admin_SPTable].row(uid.RowUID(uid.LockingSP))
	if r == nil {
		return lifeCycleIssued
	}
	if v, ok := r.get(spColLifeCycle); ok {
		if n, isUint := v.(uint); isUint {
			return n
		}
	}
	return lifeCycleIssued
}

// activateLocking moves the Locking SP to Manufactured and copies the
// SID PIN into the Locking SP admin credentials, as Opal activation
// prescribes.
func (c *controller) activateLocking() {
	spRow := c.adminSP.tables[uid.Admin_SPTable].row(uid.RowUID(uid.LockingSP))
	spRow.set(spColLifeCycle, lifeCycleManufactured)
	sidPIN := []byte{}
	if r := c.adminSP.tables[uid.Base_C_PINTable].row(uid.Admin_C_PIN_SIDRow); r != nil {
		if v, ok := r.get(cpinColPIN); ok {
			if b, isBytes := v.([]byte); isBytes {
				sidPIN = b
			}
		}
	}
	cpin := c.lockingSP.tables[uid.Base_C_PINTable]
	for n := uint32(1); n <= NumLockingAdmins; n++ {
		if r := cpin.row(uid.Admin_C_PIN_Admin(n)); r != nil {
			r.set(cpinColPIN, append([]byte{}, sidPIN...))
		}
	}
}

// revert restores the whole TPer to factory state.
func (c *controller) revert() {
	c.msid = []byte(MSIDPassword)
	c.adminSP = preconfigAdminSP(c.msid)
	c.lockingSP = preconfigLockingSP(c.msid)
}

// revertLocking restores only the Locking SP and deactivates it.
func (c *controller) revertLocking() {
	c.lockingSP = preconfigLockingSP(c.msid)
	spRow := c.adminSP.tables[uid.Admin_SPTable].row(uid.RowUID(uid.LockingSP))
	spRow.set(spColLifeCycle, lifeCycleManufacturedInactive)
}

func randomKey(bits int) []byte {
	b := make([]byte, bits/8)
	rand.Read(b) //nolint:errcheck // crypto/rand does not fail
	return b
}

func preconfigAdminSP(msid []byte) *securityProvider {
	sp := newSecurityProvider(uid.AdminSP)

	tables := sp.addTable(newObjectTable(uid.Base_TableTable, "Table"))
	spTable := sp.addTable(newObjectTable(uid.Admin_SPTable, "SP"))
	authority := sp.addTable(newObjectTable(uid.Base_AuthorityTable, "Authority"))
	cpin := sp.addTable(newObjectTable(uid.Base_C_PINTable, "C_PIN"))

	for _, t := range []struct {
		uid  uid.TableUID
		name string
	}{
		{uid.Base_TableTable, "Table"},
		{uid.Admin_SPTable, "SP"},
		{uid.Base_AuthorityTable, "Authority"},
		{uid.Base_C_PINTable, "C_PIN"},
	} {
		tables.addRow(uid.Base_TableRowForTable(t.uid), map[uint]interface{}{
			1: []byte(t.name),
		})
	}

	spTable.addRow(uid.RowUID(uid.AdminSP), map[uint]interface{}{
		spColName:      []byte("Admin"),
		spColLifeCycle: lifeCycleManufactured,
	})
	spTable.addRow(uid.RowUID(uid.LockingSP), map[uint]interface{}{
		spColName:      []byte("Locking"),
		spColLifeCycle: lifeCycleManufacturedInactive,
	})

	authority.addRow(uid.RowUID(uid.AuthorityAnybody), map[uint]interface{}{
		authorityColName:    []byte("Anybody"),
		authorityColEnabled: uint(1),
	})
	authority.addRow(uid.RowUID(uid.AuthoritySID), map[uint]interface{}{
		authorityColName:       []byte("SID"),
		authorityColEnabled:    uint(1),
		authorityColCredential: uidBytes(uid.UID(uid.Admin_C_PIN_SIDRow)),
	})
	authority.addRow(uid.RowUID(uid.AuthorityPSID), map[uint]interface{}{
		authorityColName:       []byte("PSID"),
		authorityColEnabled:    uint(1),
		authorityColCredential: uidBytes(uid.UID(uid.Admin_C_PIN_PSIDRow)),
	})

	cpin.addRow(uid.Admin_C_PIN_SIDRow, map[uint]interface{}{
		cpinColName:     []byte("C_PIN_SID"),
		cpinColPIN:      append([]byte{}, msid...),
		cpinColTryLimit: uint(0),
		cpinColTries:    uint(0),
	})
	cpin.addRow(uid.Admin_C_PIN_MSIDRow, map[uint]interface{}{
		cpinColName: []byte("C_PIN_MSID"),
		cpinColPIN:  append([]byte{}, msid...),
	})
	cpin.addRow(uid.Admin_C_PIN_PSIDRow, map[uint]interface{}{
		cpinColName: []byte("C_PIN_PSID"),
		cpinColPIN:  []byte(PSIDPassword),
	})

	sp.addACE(aceAnybody, nil, uid.AuthorityAnybody)
	sp.addACE(aceMSIDGet, nil, uid.AuthorityAnybody)
	sp.addACE(aceSIDGetCPIN, map[uint]bool{0: true, 1: true, 2: true, 4: true, 5: true, 6: true, 7: true},
		uid.AuthoritySID)
	sp.addACE(aceSIDSetPIN, map[uint]bool{cpinColPIN: true}, uid.AuthoritySID)
	sp.addACE(aceSID, nil, uid.AuthoritySID)
	sp.addACE(aceSIDOrPSID, nil, uid.AuthoritySID, uid.AuthorityPSID)

	// Reads open to anybody
	sp.grant(uid.UID(uid.Base_TableTable), uid.OpalGet, aceAnybody)
	sp.grant(uid.UID(uid.Base_TableTable), uid.OpalNext, aceAnybody)
	sp.grant(uid.UID(uid.Admin_SPTable), uid.OpalGet, aceAnybody)
	sp.grant(uid.UID(uid.Admin_SPTable), uid.OpalNext, aceAnybody)
	sp.grant(uid.UID(uid.Base_AuthorityTable), uid.OpalGet, aceAnybody)
	sp.grant(uid.UID(uid.Base_AuthorityTable), uid.OpalNext, aceAnybody)
	// C_PIN is locked down: MSID readable by anybody, the rest only by
	// the owner and never the PIN column.
	sp.grant(uid.UID(uid.Admin_C_PIN_MSIDRow), uid.OpalGet, aceMSIDGet)
	sp.grant(uid.UID(uid.Base_C_PINTable), uid.OpalGet, aceSIDGetCPIN)
	sp.grant(uid.UID(uid.Admin_C_PIN_SIDRow), uid.OpalSet, aceSIDSetPIN)
	// Random needs no privileges
	sp.grant(uid.UID(uid.InvokeIDThisSP), uid.OpalRandom, aceAnybody)
	// Life cycle management
	sp.grant(uid.UID(uid.LockingSP), uid.OpalActivate, aceSID)
	sp.grant(uid.UID(uid.LockingSP), uid.OpalRevert, aceSIDOrPSID)
	sp.grant(uid.UID(uid.AdminSP), uid.OpalRevert, aceSIDOrPSID)

	return sp
}

func preconfigLockingSP(msid []byte) *securityProvider {
	sp := newSecurityProvider(uid.LockingSP)

	tables := sp.addTable(newObjectTable(uid.Base_TableTable, "Table"))
	authority := sp.addTable(newObjectTable(uid.Base_AuthorityTable, "Authority"))
	cpin := sp.addTable(newObjectTable(uid.Base_C_PINTable, "C_PIN"))
	lockingInfo := sp.addTable(newObjectTable(uid.Locking_LockingInfo, "LockingInfo"))
	locking := sp.addTable(newObjectTable(uid.Locking_LockingTable, "Locking"))
	mbrControl := sp.addTable(newObjectTable(uid.Locking_MBRControl, "MBRControl"))
	kaes := sp.addTable(newObjectTable(uid.Locking_K_AES_256, "K_AES_256"))
	sp.addByteTable(newByteTable(uid.Locking_MBRTable, "MBR", mbrTableSize))
	sp.addByteTable(newByteTable(uid.Locking_DataStore, "DataStore", dataStoreTableSize))

	for _, t := range []struct {
		uid  uid.TableUID
		name string
	}{
		{uid.Base_TableTable, "Table"},
		{uid.Base_AuthorityTable, "Authority"},
		{uid.Base_C_PINTable, "C_PIN"},
		{uid.Locking_LockingInfo, "LockingInfo"},
		{uid.Locking_LockingTable, "Locking"},
		{uid.Locking_MBRControl, "MBRControl"},
		{uid.Locking_K_AES_256, "K_AES_256"},
		{uid.Locking_MBRTable, "MBR"},
		{uid.Locking_DataStore, "DataStore"},
	} {
		tables.addRow(uid.Base_TableRowForTable(t.uid), map[uint]interface{}{
			1: []byte(t.name),
		})
	}

	authority.addRow(uid.RowUID(uid.AuthorityAnybody), map[uint]interface{}{
		authorityColName:    []byte("Anybody"),
		authorityColEnabled: uint(1),
	})
	authority.addRow(uid.RowUID(uid.AuthorityAdmins), map[uint]interface{}{
		authorityColName:    []byte("Admins"),
		authorityColEnabled: uint(1),
	})
	admins := []uid.AuthorityObjectUID{uid.AuthorityAdmins}
	for n := uint32(1); n <= NumLockingAdmins; n++ {
		auth := uid.LockingAuthorityAdmin(n)
		admins = append(admins, auth)
		authority.addRow(uid.RowUID(auth), map[uint]interface{}{
			authorityColName:       []byte("Admin"),
			authorityColEnabled:    uint(1),
			authorityColCredential: uidBytes(uid.UID(uid.Admin_C_PIN_Admin(n))),
		})
		cpin.addRow(uid.Admin_C_PIN_Admin(n), map[uint]interface{}{
			cpinColName: []byte("C_PIN_Admin"),
			cpinColPIN:  append([]byte{}, msid...),
		})
	}
	users := []uid.AuthorityObjectUID{}
	for n := uint32(1); n <= NumLockingUsers; n++ {
		auth := uid.LockingAuthorityUser(n)
		users = append(users, auth)
		authority.addRow(uid.RowUID(auth), map[uint]interface{}{
			authorityColName:       []byte("User"),
			authorityColEnabled:    uint(0),
			authorityColCredential: uidBytes(uid.UID(uid.Locking_C_PIN_User(n))),
		})
		cpin.addRow(uid.Locking_C_PIN_User(n), map[uint]interface{}{
			cpinColName: []byte("C_PIN_User"),
			cpinColPIN:  []byte{},
		})
	}

	lockingInfo.addRow(uid.LockingInfoObj, map[uint]interface{}{
		1:                            []byte("LockingInfo"),
		lockingInfoColVersion:        uint(1),
		lockingInfoColEncryptSupport: uint(1),
		lockingInfoColMaxRanges:      uint(8),
	})

	locking.addRow(uid.LockingGlobalRange, map[uint]interface{}{
		lockingColName:             []byte("GlobalRange"),
		lockingColRangeStart:       uint(0),
		lockingColRangeLength:      uint(0),
		lockingColReadLockEnabled:  uint(0),
		lockingColWriteLockEnabled: uint(0),
		lockingColReadLocked:       uint(0),
		lockingColWriteLocked:      uint(0),
		lockingColLockOnReset:      stream.List{uint(0)},
		lockingColActiveKey:        uidBytes(uid.UID(uid.K_AES_256_GlobalRange)),
	})

	kaes.addRow(uid.K_AES_256_GlobalRange, map[uint]interface{}{
		kaesColName: []byte("K_AES_256_GlobalRange_Key"),
		kaesColKey:  randomKey(256),
	})

	mbrControl.addRow(uid.MBRControlObj, map[uint]interface{}{
		mbrControlColEnable:      uint(0),
		mbrControlColDone:        uint(0),
		mbrControlColDoneOnReset: stream.List{uint(0)},
	})

	sp.addACE(aceAnybody, nil, uid.AuthorityAnybody)
	sp.addACE(aceAdmins, nil, admins...)
	sp.addACE(aceAdminsPIN, map[uint]bool{cpinColPIN: true}, admins...)
	lockCols := map[uint]bool{lockingColReadLocked: true, lockingColWriteLocked: true}
	sp.addACE(aceUsersLocking, lockCols, users...)

	for _, t := range []uid.TableUID{
		uid.Base_TableTable, uid.Base_AuthorityTable, uid.Locking_LockingInfo,
		uid.Locking_LockingTable, uid.Locking_MBRControl,
	} {
		sp.grant(uid.UID(t), uid.OpalGet, aceAnybody)
		sp.grant(uid.UID(t), uid.OpalNext, aceAnybody)
	}
	// The key material itself is never readable
	sp.addACE(aceSIDGetCPIN, map[uint]bool{0: true, 1: true, 2: true, 4: true, 5: true, 6: true, 7: true},
		admins...)
	sp.grant(uid.UID(uid.Base_C_PINTable), uid.OpalGet, aceSIDGetCPIN)
	sp.grant(uid.UID(uid.Locking_K_AES_256), uid.OpalNext, aceAnybody)

	sp.grant(uid.UID(uid.Locking_LockingTable), uid.OpalSet, aceAdmins, aceUsersLocking)
	sp.grant(uid.UID(uid.Locking_MBRControl), uid.OpalSet, aceAdmins)
	sp.grant(uid.UID(uid.Locking_MBRTable), uid.OpalSet, aceAdmins)
	sp.grant(uid.UID(uid.Locking_MBRTable), uid.OpalGet, aceAdmins)
	sp.grant(uid.UID(uid.Locking_DataStore), uid.OpalSet, aceAdmins)
	sp.grant(uid.UID(uid.Locking_DataStore), uid.OpalGet, aceAnybody)
	sp.grant(uid.UID(uid.Base_C_PINTable), uid.OpalSet, aceAdminsPIN)
	sp.grant(uid.UID(uid.Base_AuthorityTable), uid.OpalSet, aceAdmins)
	sp.grant(uid.UID(uid.Locking_K_AES_256), uid.OpalGenKey, aceAdmins)
	sp.grant(uid.UID(uid.InvokeIDThisSP), uid.OpalRandom, aceAnybody)
	sp.grant(uid.UID(uid.InvokeIDThisSP), uid.OpalRevertSP, aceAdmins)

	return sp
}

func uidBytes(u uid.UID) []byte {
	return append([]byte{}, u[:]...)
}
