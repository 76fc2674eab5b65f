// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import "testing"

func TestBufferAllocate(t *testing.T) {
	b := NewBuffer(100)
	if !b.Allocate(35) {
		t.Fatalf("Allocate(35) failed")
	}
	if b.Used() != 35 {
		t.Errorf("Used() = %d; want 35", b.Used())
	}
	if b.Allocate(110 - 35) {
		t.Errorf("over-capacity Allocate succeeded")
	}
	if b.Used() != 35 {
		t.Errorf("failed Allocate changed Used() to %d", b.Used())
	}
	if !b.Allocate(65) {
		t.Errorf("Allocate up to capacity failed")
	}
}

func TestBufferDeallocate(t *testing.T) {
	b := NewBuffer(100)
	b.Allocate(70)
	if err := b.Deallocate(30); err != nil {
		t.Fatalf("Deallocate(30): %v", err)
	}
	if b.Used() != 40 {
		t.Errorf("Used() = %d; want 40", b.Used())
	}
	if err := b.Deallocate(80); err != ErrBufferUnderflow {
		t.Errorf("Deallocate(80) = %v; want ErrBufferUnderflow", err)
	}
	if b.Used() != 40 {
		t.Errorf("failed Deallocate changed Used() to %d", b.Used())
	}
}

func TestBufferDeallocateAll(t *testing.T) {
	b := NewBuffer(100)
	b.Allocate(70)
	if got := b.DeallocateAll(); got != 70 {
		t.Errorf("DeallocateAll() = %d; want 70", got)
	}
	if b.Used() != 0 {
		t.Errorf("Used() = %d after DeallocateAll", b.Used())
	}
	if got := b.DeallocateAll(); got != 0 {
		t.Errorf("second DeallocateAll() = %d; want 0", got)
	}
}
