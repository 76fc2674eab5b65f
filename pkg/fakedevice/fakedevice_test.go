// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fakedevice_test

import (
	"testing"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
	"github.com/open-source-firmware/go-sed-manager/pkg/fakedevice"
)

func TestDiscoveryOnFactoryDevice(t *testing.T) {
	dev := fakedevice.New()
	d0, err := core.Discovery0(dev)
	if err != nil {
		t.Fatalf("Discovery0: %v", err)
	}
	if d0.TPer == nil {
		t.Fatalf("no TPer feature")
	}
	if !d0.TPer.SyncSupported || !d0.TPer.AsyncSupported || !d0.TPer.StreamingSupported {
		t.Errorf("TPer feature = %+v; want sync, async and streaming", d0.TPer)
	}
	if d0.Locking == nil {
		t.Fatalf("no Locking feature")
	}
	if !d0.Locking.LockingSupported || d0.Locking.LockingEnabled || d0.Locking.Locked {
		t.Errorf("factory Locking feature = %+v; want supported but not enabled", d0.Locking)
	}
	if d0.OpalV2 == nil {
		t.Fatalf("no Opal v2 feature")
	}
	if d0.OpalV2.BaseComID != 4100 || d0.OpalV2.NumComID != 1 {
		t.Errorf("Opal v2 ComIDs = %d/%d; want 4100/1", d0.OpalV2.BaseComID, d0.OpalV2.NumComID)
	}
	if d0.OpalV2.NumLockingSPAdminSupported != 4 || d0.OpalV2.NumLockingSPUserSupported != 8 {
		t.Errorf("Opal v2 admins/users = %d/%d; want 4/8",
			d0.OpalV2.NumLockingSPAdminSupported, d0.OpalV2.NumLockingSPUserSupported)
	}
	if d0.OpalV2.InitialCPINSIDIndicator != 0 {
		t.Errorf("initial owner PIN indicator = %d; want 0 (same as MSID)", d0.OpalV2.InitialCPINSIDIndicator)
	}
	if d0.DataStore == nil || d0.DataStore.MaxTables != 1 || d0.DataStore.MaxTotalSize == 0 {
		t.Errorf("DataStore feature = %+v; want one table with a size", d0.DataStore)
	}
	if d0.BlockSID == nil || !d0.BlockSID.SIDValueState {
		t.Errorf("Block SID feature = %+v; the factory SID PIN is the MSID", d0.BlockSID)
	}
}

func TestFindComID(t *testing.T) {
	dev := fakedevice.New()
	d0, err := core.Discovery0(dev)
	if err != nil {
		t.Fatalf("Discovery0: %v", err)
	}
	comID, proto, err := core.FindComID(dev, d0)
	if err != nil {
		t.Fatalf("FindComID: %v", err)
	}
	if comID != core.ComID(fakedevice.BaseComID) {
		t.Errorf("FindComID = %v; want %v", comID, fakedevice.BaseComID)
	}
	if proto != core.ProtocolLevelCore {
		t.Errorf("protocol level = %v; want Core", proto)
	}
}

func TestComIDHandling(t *testing.T) {
	dev := fakedevice.New()
	comID := core.ComID(fakedevice.BaseComID)

	valid, err := core.IsComIDValid(dev, comID)
	if err != nil {
		t.Fatalf("IsComIDValid: %v", err)
	}
	if !valid {
		t.Errorf("base ComID reported invalid")
	}
	if err := core.StackReset(dev, comID); err != nil {
		t.Errorf("StackReset: %v", err)
	}
}

func TestSecurityProtocolList(t *testing.T) {
	dev := fakedevice.New()
	protos, err := drive.SecurityProtocols(dev)
	if err != nil {
		t.Fatalf("SecurityProtocols: %v", err)
	}
	found := map[drive.SecurityProtocol]bool{}
	for _, p := range protos {
		found[p] = true
	}
	if !found[drive.SecurityProtocolTCGManagement] || !found[drive.SecurityProtocolTCGTPer] {
		t.Errorf("security protocols = %v; want TCG management and TPer", protos)
	}
}

func TestIdentify(t *testing.T) {
	dev := fakedevice.New()
	id, err := dev.Identify()
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if id.Model == "" || id.SerialNumber == "" {
		t.Errorf("incomplete identity: %+v", id)
	}
}
