// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package uid

import "encoding/binary"

// UID is a general type which all UID shall be based upon.
// Specified in TCG Storage Architecture Core Specification Version 2.01 - Rev 1.0
type UID [8]byte

// RowUID identifies a row (object) within an object table.
type RowUID UID

// InvokingID is the UID a method is invoked on.
type InvokingID UID

// SPID identifies a Security Provider.
type SPID UID

// AuthorityObjectUID identifies a row of the Authority table.
type AuthorityObjectUID UID

// MethodID identifies a method of the MethodID table.
type MethodID UID

// TableUID identifies a table. The low 32 bits of a table UID are zero;
// the rows of the table carry the table's high half in their high 32 bits.
type TableUID UID

func FromUint64(v uint64) UID {
	var u UID
	binary.BigEndian.PutUint64(u[:], v)
	return u
}

func (u UID) Uint64() uint64 {
	return binary.BigEndian.Uint64(u[:])
}

// IsTable reports whether the UID names a table rather than an object.
func (u UID) IsTable() bool {
	return u[4] == 0 && u[5] == 0 && u[6] == 0 && u[7] == 0
}

// ContainingTable returns the table a row UID belongs to.
func ContainingTable(r RowUID) TableUID {
	return TableUID{r[0], r[1], r[2], r[3], 0, 0, 0, 0}
}

// ContainsRow reports whether the row's high half matches the table's.
func (t TableUID) ContainsRow(r RowUID) bool {
	return t[0] == r[0] && t[1] == r[1] && t[2] == r[2] && t[3] == r[3]
}

// Row forms an object UID in the table from the given low half.
func (t TableUID) Row(n uint32) RowUID {
	r := RowUID{t[0], t[1], t[2], t[3]}
	binary.BigEndian.PutUint32(r[4:], n)
	return r
}

var (
	InvokeIDNull   = InvokingID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	InvokeIDThisSP = InvokingID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	InvokeIDSMU    = InvokingID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF}
)

// Session Manager layer methods ("5.2.3 Session Manager Protocol Layer Methods")
var (
	MethodIDSMProperties   = MethodID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x01}
	MethodIDSMStartSession = MethodID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x02}
	MethodIDSMSyncSession  = MethodID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x03}
	MethodIDSMCloseSession = MethodID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x06}
)

// SP layer methods
var (
	OpalNext                   = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x08}
	OpalGetACL                 = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x0D}
	OpalGenKey                 = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x10}
	OpalRevertSP               = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x11}
	OpalGet                    = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x16}
	OpalSet                    = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x17}
	OpalAuthenticate           = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x1C}
	OpalRandom                 = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x06, 0x01}
	OpalEnterpriseGet          = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x06}
	OpalEnterpriseSet          = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x07}
	OpalEnterpriseAuthenticate = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x0C}
	// Admin SP SP-object methods (Opal Feature Set)
	OpalRevert   = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x02, 0x02}
	OpalActivate = MethodID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x02, 0x03}
)

// Security Providers
var (
	AdminSP             = SPID{0x00, 0x00, 0x02, 0x05, 0x00, 0x00, 0x00, 0x01}
	LockingSP           = SPID{0x00, 0x00, 0x02, 0x05, 0x00, 0x00, 0x00, 0x02}
	EnterpriseLockingSP = SPID{0x00, 0x00, 0x02, 0x05, 0x00, 0x01, 0x00, 0x01} // Enterprise SSC
)

// Authorities
var (
	AuthorityAnybody            = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x01}
	AuthorityAdmins             = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x02}
	AuthorityMakers             = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x03}
	AuthoritySID                = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x06}
	AuthorityPSID               = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x01, 0xFF, 0x01} // Opal Feature Set: PSID
	LockingAuthorityBandMaster0 = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x80, 0x01}
	LockingAuthorityAdmin1      = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x01, 0x00, 0x01}
	LockingAuthorityUser1       = AuthorityObjectUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x03, 0x00, 0x01}
)

// LockingAuthorityAdmin returns the UID of Locking SP Admin<n> (1-based).
func LockingAuthorityAdmin(n uint32) AuthorityObjectUID {
	a := LockingAuthorityAdmin1
	binary.BigEndian.PutUint32(a[4:], 0x00010000+n)
	return a
}

// LockingAuthorityUser returns the UID of Locking SP User<n> (1-based).
func LockingAuthorityUser(n uint32) AuthorityObjectUID {
	a := LockingAuthorityUser1
	binary.BigEndian.PutUint32(a[4:], 0x00030000+n)
	return a
}

// C_PIN rows
var (
	Admin_C_PIN_SIDRow   = RowUID{0x00, 0x00, 0x00, 0x0B, 0x00, 0x00, 0x00, 0x01}
	Admin_C_PIN_MSIDRow  = RowUID{0x00, 0x00, 0x00, 0x0B, 0x00, 0x00, 0x84, 0x02}
	Admin_C_PIN_PSIDRow  = RowUID{0x00, 0x00, 0x00, 0x0B, 0x00, 0x01, 0xFF, 0x01}
	Locking_C_PIN_Admin1 = RowUID{0x00, 0x00, 0x00, 0x0B, 0x00, 0x01, 0x00, 0x01}
	Locking_C_PIN_User1  = RowUID{0x00, 0x00, 0x00, 0x0B, 0x00, 0x03, 0x00, 0x01}
)

// Admin_C_PIN_Admin returns the C_PIN row of Locking SP Admin<n> (1-based).
func Admin_C_PIN_Admin(n uint32) RowUID {
	r := Locking_C_PIN_Admin1
	binary.BigEndian.PutUint32(r[4:], 0x00010000+n)
	return r
}

// Locking_C_PIN_User returns the C_PIN row of Locking SP User<n> (1-based).
func Locking_C_PIN_User(n uint32) RowUID {
	r := Locking_C_PIN_User1
	binary.BigEndian.PutUint32(r[4:], 0x00030000+n)
	return r
}

// Tables
var (
	Base_TableTable      = TableUID{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	Base_SPInfoTable     = TableUID{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00}
	Base_MethodIDTable   = TableUID{0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00}
	Base_AccessControl   = TableUID{0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00}
	Base_ACETable        = TableUID{0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00}
	Base_AuthorityTable  = TableUID{0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
	Base_C_PINTable      = TableUID{0x00, 0x00, 0x00, 0x0B, 0x00, 0x00, 0x00, 0x00}
	Admin_SPTable        = TableUID{0x00, 0x00, 0x02, 0x05, 0x00, 0x00, 0x00, 0x00}
	Admin_TPerInfoTable  = TableUID{0x00, 0x00, 0x02, 0x01, 0x00, 0x00, 0x00, 0x00}
	Locking_LockingInfo  = TableUID{0x00, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00}
	Locking_LockingTable = TableUID{0x00, 0x00, 0x08, 0x02, 0x00, 0x00, 0x00, 0x00}
	Locking_MBRControl   = TableUID{0x00, 0x00, 0x08, 0x03, 0x00, 0x00, 0x00, 0x00}
	Locking_MBRTable     = TableUID{0x00, 0x00, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00}
	Locking_K_AES_128    = TableUID{0x00, 0x00, 0x08, 0x05, 0x00, 0x00, 0x00, 0x00}
	Locking_K_AES_256    = TableUID{0x00, 0x00, 0x08, 0x06, 0x00, 0x00, 0x00, 0x00}
	Locking_DataStore    = TableUID{0x00, 0x00, 0x10, 0x01, 0x00, 0x00, 0x00, 0x00}
)

// Well-known rows
var (
	Admin_TPerInfoObj        = RowUID{0x00, 0x00, 0x02, 0x01, 0x00, 0x00, 0x00, 0x01}
	LockingInfoObj           = RowUID{0x00, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00, 0x01}
	EnterpriseLockingInfoObj = RowUID{0x00, 0x00, 0x08, 0x01, 0x00, 0x00, 0x00, 0x00}
	LockingGlobalRange       = RowUID{0x00, 0x00, 0x08, 0x02, 0x00, 0x00, 0x00, 0x01}
	LockingRange1            = RowUID{0x00, 0x00, 0x08, 0x02, 0x00, 0x03, 0x00, 0x01}
	MBRControlObj            = RowUID{0x00, 0x00, 0x08, 0x03, 0x00, 0x00, 0x00, 0x01}
	K_AES_256_GlobalRange    = RowUID{0x00, 0x00, 0x08, 0x06, 0x00, 0x00, 0x00, 0x01}
)

// Base_TableRowForTable returns the Table-table row describing a table.
// The row's low half is the table's high half.
func Base_TableRowForTable(t TableUID) RowUID {
	return RowUID{0x00, 0x00, 0x00, 0x01, t[0], t[1], t[2], t[3]}
}

// LockingRange returns the Locking table row of range <n> (1-based);
// range 0 is the GlobalRange.
func LockingRange(n uint32) RowUID {
	if n == 0 {
		return LockingGlobalRange
	}
	r := LockingRange1
	binary.BigEndian.PutUint32(r[4:], 0x00030000+n)
	return r
}
