// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// End-to-end tests of the session layer against the fake device.

package core_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/packets"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/rpc"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/table"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
	"github.com/open-source-firmware/go-sed-manager/pkg/fakedevice"
)

func newControlSession(t *testing.T, d drive.SendReceive, opts ...core.ControlSessionOpt) (*core.ControlSession, *core.Level0Discovery) {
	t.Helper()
	d0, err := core.Discovery0(d)
	if err != nil {
		t.Fatalf("Discovery0: %v", err)
	}
	opts = append([]core.ControlSessionOpt{core.WithComID(core.ComID(fakedevice.BaseComID))}, opts...)
	cs, err := core.NewControlSession(d, d0, opts...)
	if err != nil {
		t.Fatalf("NewControlSession: %v", err)
	}
	t.Cleanup(func() { cs.Close() }) //nolint:errcheck
	return cs, d0
}

func authenticateSID(t *testing.T, s *core.Session, pin []byte) {
	t.Helper()
	if err := table.ThisSP_Authenticate(s, uid.AuthoritySID, pin); err != nil {
		t.Fatalf("ThisSP_Authenticate(SID): %v", err)
	}
}

func takeOwnership(t *testing.T, cs *core.ControlSession, newPIN []byte) {
	t.Helper()
	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession(Admin SP): %v", err)
	}
	defer s.Close() //nolint:errcheck
	msid, err := table.Admin_C_PIN_MSID_GetPIN(s)
	if err != nil {
		t.Fatalf("Admin_C_PIN_MSID_GetPIN: %v", err)
	}
	authenticateSID(t, s, msid)
	if err := table.Admin_C_PIN_SID_SetPIN(s, newPIN); err != nil {
		t.Fatalf("Admin_C_PIN_SID_SetPIN: %v", err)
	}
}

func TestTakeOwnership(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)

	takeOwnership(t, cs, []byte("new_sid"))

	// Reopen with the new credential
	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession after ownership: %v", err)
	}
	authenticateSID(t, s, []byte("new_sid"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The factory credential no longer authenticates
	s, err = cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close() //nolint:errcheck
	err = table.ThisSP_Authenticate(s, uid.AuthoritySID, []byte(fakedevice.MSIDPassword))
	if !errors.Is(err, method.ErrMethodStatusNotAuthorized) {
		t.Fatalf("authenticate with factory MSID = %v; want NOT_AUTHORIZED", err)
	}

	// Discovery reflects that the SID PIN left its factory value
	d0, err := core.Discovery0(dev)
	if err != nil {
		t.Fatalf("Discovery0: %v", err)
	}
	if d0.BlockSID == nil || d0.BlockSID.SIDValueState {
		t.Errorf("Block SID feature = %+v; want SID value state cleared after ownership", d0.BlockSID)
	}
}

func TestActivateLocking(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)
	takeOwnership(t, cs, []byte("new_sid"))

	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession(Admin SP): %v", err)
	}
	authenticateSID(t, s, []byte("new_sid"))

	lcs, err := table.Admin_SP_GetLifeCycleState(s, uid.LockingSP)
	if err != nil {
		t.Fatalf("GetLifeCycleState: %v", err)
	}
	if lcs != table.ManufacturedInactive {
		t.Fatalf("factory Locking SP state = %v; want Manufactured-Inactive", lcs)
	}

	if err := table.Admin_Activate(s, uid.LockingSP); err != nil {
		t.Fatalf("Admin_Activate: %v", err)
	}
	lcs, err = table.Admin_SP_GetLifeCycleState(s, uid.LockingSP)
	if err != nil {
		t.Fatalf("GetLifeCycleState after activate: %v", err)
	}
	if lcs != table.Manufactured {
		t.Fatalf("Locking SP state = %v; want Manufactured", lcs)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Activation copied the SID PIN to the Locking SP admins
	ls, err := cs.NewSession(uid.LockingSP)
	if err != nil {
		t.Fatalf("NewSession(Locking SP): %v", err)
	}
	defer ls.Close() //nolint:errcheck
	if err := table.ThisSP_Authenticate(ls, uid.LockingAuthorityAdmin1, []byte("new_sid")); err != nil {
		t.Fatalf("Authenticate(Admin1): %v", err)
	}
}

func TestStartSessionUnknownSP(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)

	bogus := uid.SPID{0x00, 0x00, 0x02, 0x05, 0x00, 0x00, 0x00, 0x42}
	_, err := cs.NewSession(bogus)
	if !errors.Is(err, method.ErrMethodStatusInvalidParameter) {
		t.Fatalf("NewSession(bogus SP) = %v; want INVALID_PARAMETER", err)
	}

	// The Locking SP is known but not active yet
	_, err = cs.NewSession(uid.LockingSP)
	if !errors.Is(err, method.ErrMethodStatusInvalidParameter) {
		t.Fatalf("NewSession(inactive Locking SP) = %v; want INVALID_PARAMETER", err)
	}
}

func TestPropertiesNegotiation(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)

	if cs.TPerProperties.MaxComPacketSize != 1024*1024 {
		t.Errorf("device MaxComPacketSize = %d; want 1 MiB", cs.TPerProperties.MaxComPacketSize)
	}
	want := cs.HostProperties.MaxComPacketSize
	if cs.TPerProperties.MaxComPacketSize < want {
		want = cs.TPerProperties.MaxComPacketSize
	}
	if cs.EffectiveProps.MaxComPacketSize != want {
		t.Errorf("effective MaxComPacketSize = %d; want component-wise minimum %d",
			cs.EffectiveProps.MaxComPacketSize, want)
	}

	// A method beyond the negotiated sizes must be rejected before it
	// reaches the transport.
	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close() //nolint:errcheck
	mc := method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalSet, s.MethodFlags)
	mc.Bytes(make([]byte, 2*1024*1024))
	if _, err := s.ExecuteMethod(mc); !errors.Is(err, rpc.ErrMethodTooLarge) {
		t.Fatalf("oversized method = %v; want ErrMethodTooLarge", err)
	}
}

// flakyDevice wraps the fake device and can swallow session responses
// to emulate a TPer that never answers.
type flakyDevice struct {
	*fakedevice.Device
	mu        sync.Mutex
	blackhole bool
}

func (f *flakyDevice) setBlackhole(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blackhole = v
}

func (f *flakyDevice) IFRecv(proto drive.SecurityProtocol, sps uint16, data *[]byte) error {
	f.mu.Lock()
	blackhole := f.blackhole
	f.mu.Unlock()
	if blackhole && proto == drive.SecurityProtocolTCGManagement && sps == fakedevice.BaseComID {
		empty := packets.ComPacket{ComID: fakedevice.BaseComID}
		b, err := empty.MarshalBinary()
		if err != nil {
			return err
		}
		copy(*data, b)
		return nil
	}
	return f.Device.IFRecv(proto, sps, data)
}

func TestTimeoutAndRecovery(t *testing.T) {
	dev := &flakyDevice{Device: fakedevice.New()}
	transTimeout := 150 * time.Millisecond
	cs, _ := newControlSession(t, dev, core.WithTransTimeout(transTimeout))

	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	dev.setBlackhole(true)
	start := time.Now()
	_, err = table.GetFullRow(s, uid.RowUID(uid.AdminSP))
	elapsed := time.Since(start)
	if !errors.Is(err, method.ErrMethodTimeout) {
		t.Fatalf("Get on dead transport = %v; want timeout", err)
	}
	if elapsed > 4*transTimeout {
		t.Errorf("timeout after %v; want about %v", elapsed, 2*transTimeout)
	}

	// With the transport back, a fresh session works right away.
	dev.setBlackhole(false)
	s2, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession after timeout = %v; want success", err)
	}
	defer s2.Close() //nolint:errcheck
	if _, err := table.GetFullRow(s2, uid.RowUID(uid.AdminSP)); err != nil {
		t.Fatalf("Get on fresh session: %v", err)
	}
}

func TestConcurrentSessionsNoCrossTalk(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)
	takeOwnership(t, cs, []byte("new_sid"))

	as, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession(Admin SP): %v", err)
	}
	defer as.Close() //nolint:errcheck
	authenticateSID(t, as, []byte("new_sid"))
	if err := table.Admin_Activate(as, uid.LockingSP); err != nil {
		t.Fatalf("Admin_Activate: %v", err)
	}

	ls, err := cs.NewSession(uid.LockingSP)
	if err != nil {
		t.Fatalf("NewSession(Locking SP): %v", err)
	}
	defer ls.Close() //nolint:errcheck

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			lcs, err := table.Admin_SP_GetLifeCycleState(as, uid.LockingSP)
			if err != nil {
				t.Errorf("admin session Get: %v", err)
				return
			}
			if lcs != table.Manufactured {
				t.Errorf("admin session got state %v; cross-talk suspected", lcs)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 8; i++ {
			lr, err := table.Locking_Get(ls, uid.LockingGlobalRange)
			if err != nil {
				t.Errorf("locking session Get: %v", err)
				return
			}
			if lr.Name == nil || *lr.Name != "GlobalRange" {
				t.Errorf("locking session got row %+v; cross-talk suspected", lr)
				return
			}
		}
	}()
	wg.Wait()
}

func TestSessionCloseReleasesSP(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)

	// An unclosed SP makes StartSession fail with SP_BUSY, so Close
	// must complete the EOS handshake before releasing the TSN.
	for i := 0; i < 5; i++ {
		s, err := cs.NewSession(uid.AdminSP)
		if err != nil {
			t.Fatalf("NewSession #%d: %v", i, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
}

func TestSessionBusySP(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)

	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close() //nolint:errcheck
	if _, err := cs.NewSession(uid.AdminSP); !errors.Is(err, method.ErrMethodStatusSPBusy) {
		t.Fatalf("second session on busy SP = %v; want SP_BUSY", err)
	}
}

func TestDoubleCloseSession(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)
	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); !errors.Is(err, core.ErrSessionAlreadyClosed) {
		t.Fatalf("second Close = %v; want ErrSessionAlreadyClosed", err)
	}
}

func TestMBRReadWrite(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)
	takeOwnership(t, cs, []byte("new_sid"))

	as, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession(Admin SP): %v", err)
	}
	authenticateSID(t, as, []byte("new_sid"))
	if err := table.Admin_Activate(as, uid.LockingSP); err != nil {
		t.Fatalf("Admin_Activate: %v", err)
	}
	if err := as.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ls, err := cs.NewSession(uid.LockingSP)
	if err != nil {
		t.Fatalf("NewSession(Locking SP): %v", err)
	}
	defer ls.Close() //nolint:errcheck
	if err := table.ThisSP_Authenticate(ls, uid.LockingAuthorityAdmin1, []byte("new_sid")); err != nil {
		t.Fatalf("Authenticate(Admin1): %v", err)
	}

	payload := []byte("pre-boot authentication image")
	if err := table.MBR_Write(ls, 512, payload); err != nil {
		t.Fatalf("MBR_Write: %v", err)
	}
	got, err := table.MBR_Read(ls, 512, uint(len(payload)))
	if err != nil {
		t.Fatalf("MBR_Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("MBR_Read = %q; want %q", got, payload)
	}
}

func TestRandomMethod(t *testing.T) {
	dev := fakedevice.New()
	cs, _ := newControlSession(t, dev)
	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close() //nolint:errcheck
	b, err := table.ThisSP_Random(s, 32)
	if err != nil {
		t.Fatalf("ThisSP_Random: %v", err)
	}
	if len(b) != 32 {
		t.Errorf("Random returned %d bytes; want 32", len(b))
	}
	if string(b) == string(make([]byte, 32)) {
		t.Errorf("Random returned all zeroes")
	}
}
