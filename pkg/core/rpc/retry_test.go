// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"errors"
	"testing"
	"time"
)

func TestRetryWindowBound(t *testing.T) {
	timeout := 50 * time.Millisecond
	r := NewRetry(timeout)
	start := time.Now()
	var err error
	for err == nil {
		err = r.Sleep()
	}
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Sleep() = %v; want ErrTimedOut", err)
	}
	if elapsed > 3*timeout {
		t.Errorf("retry window took %v; want <= ~%v", elapsed, 2*timeout)
	}
}

func TestRetryFirstPollsAreFast(t *testing.T) {
	r := NewRetry(10 * time.Second)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := r.Sleep(); err != nil {
			t.Fatalf("Sleep() = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first three polls took %v; the early polls must be fast", elapsed)
	}
}
