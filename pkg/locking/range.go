// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Functions and structures for dealing with lock ranges

package locking

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/table"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
)

type LockRange int

var LockRangeUnspecified LockRange = -1

type Range struct {
	l        *LockingSP
	isGlobal bool

	UID  uid.RowUID
	Name *string
	// Authorities with lock/unlock access to this range, by name.
	// fillRanges does not fill this in; it stays nil unless the caller
	// sets it.
	Users map[string]uid.AuthorityObjectUID

	Start LockRange
	End   LockRange

	ReadLockEnabled  bool
	WriteLockEnabled bool

	ReadLocked  bool
	WriteLocked bool

	activeKey *uid.RowUID
}

func fillRanges(s *core.Session, l *LockingSP) error {
	lockList, err := table.Locking_Enumerate(s)
	if err != nil {
		return fmt.Errorf("enumerate ranges failed: %v", err)
	}

	sort.Slice(lockList, func(i, j int) bool {
		return bytes.Compare(lockList[i][:], lockList[j][:]) < 0
	})

	for _, luid := range lockList {
		lr, err := table.Locking_Get(s, luid)
		if err != nil {
			continue
		}
		r := &Range{
			l: l,
		}
		copy(r.UID[:], lr.UID[:])
		if bytes.Equal(r.UID[:], uid.LockingGlobalRange[:]) {
			l.GlobalRange = r
			r.isGlobal = true
		}
		if lr.Name != nil && len(*lr.Name) > 0 {
			r.Name = lr.Name
		}
		if lr.RangeStart != nil && lr.RangeLength != nil {
			r.Start = LockRange(*lr.RangeStart)
			r.End = r.Start + LockRange(*lr.RangeLength)
		}
		if lr.ReadLockEnabled != nil && lr.WriteLockEnabled != nil {
			r.ReadLockEnabled = *lr.ReadLockEnabled
			r.WriteLockEnabled = *lr.WriteLockEnabled
		}
		if lr.ReadLocked != nil && lr.WriteLocked != nil {
			r.ReadLocked = *lr.ReadLocked
			r.WriteLocked = *lr.WriteLocked
		}
		r.activeKey = lr.ActiveKey
		l.Ranges = append(l.Ranges, r)
	}
	return nil
}

func (r *Range) set(apply func(lr *table.LockingRow)) error {
	lr := &table.LockingRow{}
	copy(lr.UID[:], r.UID[:])
	apply(lr)
	return table.Locking_Set(r.l.Session, lr)
}

func (r *Range) UnlockRead() error {
	v := false
	if err := r.set(func(lr *table.LockingRow) { lr.ReadLocked = &v }); err != nil {
		return err
	}
	r.ReadLocked = v
	return nil
}

func (r *Range) LockRead() error {
	v := true
	if err := r.set(func(lr *table.LockingRow) { lr.ReadLocked = &v }); err != nil {
		return err
	}
	r.ReadLocked = v
	return nil
}

func (r *Range) UnlockWrite() error {
	v := false
	if err := r.set(func(lr *table.LockingRow) { lr.WriteLocked = &v }); err != nil {
		return err
	}
	r.WriteLocked = v
	return nil
}

func (r *Range) LockWrite() error {
	v := true
	if err := r.set(func(lr *table.LockingRow) { lr.WriteLocked = &v }); err != nil {
		return err
	}
	r.WriteLocked = v
	return nil
}

func (r *Range) SetReadLockEnabled(v bool) error {
	if err := r.set(func(lr *table.LockingRow) { lr.ReadLockEnabled = &v }); err != nil {
		return err
	}
	r.ReadLockEnabled = v
	return nil
}

func (r *Range) SetWriteLockEnabled(v bool) error {
	if err := r.set(func(lr *table.LockingRow) { lr.WriteLockEnabled = &v }); err != nil {
		return err
	}
	r.WriteLockEnabled = v
	return nil
}

func (r *Range) SetRange(from LockRange, to LockRange) error {
	if r.isGlobal {
		return fmt.Errorf("cannot modify the global range")
	}
	from64 := uint64(from)
	length64 := uint64(to - from)
	if err := r.set(func(lr *table.LockingRow) {
		lr.RangeStart = &from64
		lr.RangeLength = &length64
	}); err != nil {
		return err
	}
	r.Start = from
	r.End = to
	return nil
}

// Erase regenerates the range's media encryption key, which
// cryptographically erases the user data in the range.
func (r *Range) Erase() error {
	if r.activeKey == nil {
		return fmt.Errorf("active key of the range is not known")
	}
	return table.Locking_GenKey(r.l.Session, *r.activeKey)
}
