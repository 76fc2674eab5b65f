// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Object and table model of the emulated TPer.

package fakedevice

import (
	"bytes"
	"sort"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

// Life cycle states ("5.1.2.1.1 SP Life Cycle States")
const (
	lifeCycleIssued               uint = 0
	lifeCycleManufacturedInactive uint = 8
	lifeCycleManufactured         uint = 9
)

// row is a fixed set of typed cells keyed by column number. Cell
// values use the data stream vocabulary: uint, []byte, stream.List.
type row struct {
	cells map[uint]interface{}
}

func newRow(cells map[uint]interface{}) *row {
	if cells == nil {
		cells = map[uint]interface{}{}
	}
	return &row{cells: cells}
}

func (r *row) get(col uint) (interface{}, bool) {
	v, ok := r.cells[col]
	return v, ok
}

func (r *row) set(col uint, v interface{}) {
	r.cells[col] = v
}

// objectTable is a row-oriented table keyed by object UID.
type objectTable struct {
	uid  uid.TableUID
	name string
	rows map[uid.RowUID]*row
}

func newObjectTable(tuid uid.TableUID, name string) *objectTable {
	return &objectTable{uid: tuid, name: name, rows: map[uid.RowUID]*row{}}
}

func (t *objectTable) row(id uid.RowUID) *row {
	return t.rows[id]
}

// addRow inserts a row, stamping the UID column.
func (t *objectTable) addRow(id uid.RowUID, cells map[uint]interface{}) *row {
	r := newRow(cells)
	r.set(0, append([]byte{}, id[:]...))
	t.rows[id] = r
	return r
}

// sortedRows returns the row UIDs in ascending order, the order Next
// enumerates them in.
func (t *objectTable) sortedRows() []uid.RowUID {
	res := make([]uid.RowUID, 0, len(t.rows))
	for id := range t.rows {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool {
		return bytes.Compare(res[i][:], res[j][:]) < 0
	})
	return res
}

// next returns up to count rows following `after` (nil for the start).
func (t *objectTable) next(after *uid.RowUID, count int) []uid.RowUID {
	rows := t.sortedRows()
	if after != nil {
		idx := 0
		for i, id := range rows {
			if bytes.Compare(id[:], after[:]) > 0 {
				idx = i
				break
			}
			idx = i + 1
		}
		rows = rows[idx:]
	}
	if count >= 0 && count < len(rows) {
		rows = rows[:count]
	}
	return rows
}

// byteTable is a flat byte array table, e.g. the shadow MBR.
type byteTable struct {
	uid  uid.TableUID
	name string
	data []byte
}

func newByteTable(tuid uid.TableUID, name string, size int) *byteTable {
	return &byteTable{uid: tuid, name: name, data: make([]byte, size)}
}

func (t *byteTable) read(start, end int) ([]byte, bool) {
	if start < 0 || end < start || end >= len(t.data) {
		return nil, false
	}
	return append([]byte{}, t.data[start:end+1]...), true
}

func (t *byteTable) write(start int, b []byte) bool {
	if start < 0 || start+len(b) > len(t.data) {
		return false
	}
	copy(t.data[start:], b)
	return true
}

// ace is one Access Control Element: an OR expression over
// authorities, optionally restricted to a set of columns.
type ace struct {
	uid         uid.RowUID
	authorities []uid.AuthorityObjectUID
	// nil means all columns
	columns map[uint]bool
}

func (a *ace) satisfied(authenticated map[uid.AuthorityObjectUID]bool) bool {
	for _, auth := range a.authorities {
		if authenticated[auth] {
			return true
		}
	}
	return false
}

// aclKey addresses the AccessControl table: what may call a method on
// an object or table.
type aclKey struct {
	invoking uid.UID
	method   uid.MethodID
}

// securityProvider owns its tables and access control state.
type securityProvider struct {
	uid        uid.SPID
	tables     map[uid.TableUID]*objectTable
	byteTables map[uid.TableUID]*byteTable
	aces       map[uid.RowUID]*ace
	acl        map[aclKey][]uid.RowUID
}

func newSecurityProvider(spid uid.SPID) *securityProvider {
	return &securityProvider{
		uid:        spid,
		tables:     map[uid.TableUID]*objectTable{},
		byteTables: map[uid.TableUID]*byteTable{},
		aces:       map[uid.RowUID]*ace{},
		acl:        map[aclKey][]uid.RowUID{},
	}
}

func (sp *securityProvider) addTable(t *objectTable) *objectTable {
	sp.tables[t.uid] = t
	return t
}

func (sp *securityProvider) addByteTable(t *byteTable) *byteTable {
	sp.byteTables[t.uid] = t
	return t
}

func (sp *securityProvider) addACE(id uid.RowUID, columns map[uint]bool, auths ...uid.AuthorityObjectUID) {
	sp.aces[id] = &ace{uid: id, authorities: auths, columns: columns}
}

func (sp *securityProvider) grant(invoking uid.UID, m uid.MethodID, aces ...uid.RowUID) {
	k := aclKey{invoking: invoking, method: m}
	sp.acl[k] = append(sp.acl[k], aces...)
}

// permittedColumns evaluates the ACL for (invoking, method) with the
// given authenticated set. It returns whether access is granted at all
// and which columns it extends to (nil = all).
func (sp *securityProvider) permittedColumns(invoking uid.UID, m uid.MethodID, authenticated map[uid.AuthorityObjectUID]bool) (bool, map[uint]bool) {
	keys := []aclKey{{invoking: invoking, method: m}}
	if !invoking.IsTable() {
		// Fall back to the containing table's ACL
		keys = append(keys, aclKey{invoking: uid.UID(uid.ContainingTable(uid.RowUID(invoking))), method: m})
	}
	granted := false
	columns := map[uint]bool{}
	all := false
	for _, k := range keys {
		for _, aceUID := range sp.acl[k] {
			a, ok := sp.aces[aceUID]
			if !ok || !a.satisfied(authenticated) {
				continue
			}
			granted = true
			if a.columns == nil {
				all = true
				continue
			}
			for c := range a.columns {
				columns[c] = true
			}
		}
	}
	if !granted {
		return false, nil
	}
	if all {
		return true, nil
	}
	return true, columns
}

// findAuthority resolves an authority row and reports whether it is
// enabled, along with its credential C_PIN row.
func (sp *securityProvider) findAuthority(auth uid.AuthorityObjectUID) (enabled bool, credential *uid.RowUID, ok bool) {
	t, found := sp.tables[uid.Base_AuthorityTable]
	if !found {
		return false, nil, false
	}
	r := t.row(uid.RowUID(auth))
	if r == nil {
		return false, nil, false
	}
	if v, present := r.get(authorityColEnabled); present {
		if n, isUint := v.(uint); isUint {
			enabled = n > 0
		}
	}
	if v, present := r.get(authorityColCredential); present {
		if b, isBytes := v.([]byte); isBytes && len(b) == 8 {
			c := uid.RowUID{}
			copy(c[:], b)
			credential = &c
		}
	}
	return enabled, credential, true
}

// Column numbers of the predefined tables.
const (
	authorityColName       uint = 1
	authorityColEnabled    uint = 5
	authorityColCredential uint = 10

	cpinColName     uint = 1
	cpinColPIN      uint = 3
	cpinColTryLimit uint = 5
	cpinColTries    uint = 6

	spColName      uint = 1
	spColLifeCycle uint = 6

	lockingColName             uint = 1
	lockingColRangeStart       uint = 3
	lockingColRangeLength      uint = 4
	lockingColReadLockEnabled  uint = 5
	lockingColWriteLockEnabled uint = 6
	lockingColReadLocked       uint = 7
	lockingColWriteLocked      uint = 8
	lockingColLockOnReset      uint = 9
	lockingColActiveKey        uint = 10

	kaesColName uint = 1
	kaesColKey  uint = 3

	mbrControlColEnable      uint = 1
	mbrControlColDone        uint = 2
	mbrControlColDoneOnReset uint = 3

	lockingInfoColVersion        uint = 2
	lockingInfoColEncryptSupport uint = 3
	lockingInfoColMaxRanges      uint = 4
)

// columnList renders a row for a Get result, filtered to the permitted
// columns (nil = all) and the requested cell block.
func (r *row) columnList(permitted map[uint]bool, startCol, endCol *uint) stream.List {
	cols := make([]uint, 0, len(r.cells))
	for c := range r.cells {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i] < cols[j] })
	res := stream.List{}
	for _, c := range cols {
		if permitted != nil && !permitted[c] {
			continue
		}
		if startCol != nil && c < *startCol {
			continue
		}
		if endCol != nil && c > *endCol {
			continue
		}
		res = append(res, stream.Named{Name: c, Value: r.cells[c]})
	}
	return res
}
