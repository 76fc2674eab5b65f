// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// In-memory TCG Storage device with a factory-reset Opal 2.00 SSC.
//
// The device implements the host transport interface and speaks the
// same wire format as real hardware: Level 0 discovery on
// (0x01, 0x0001), HandleComID on protocol 0x02, and ComPacket session
// traffic on the base ComID. It doubles as the reference semantics for
// the protocol stack and as its testbench.

package fakedevice

import (
	"encoding/binary"
	"sync"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/feature"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

type Device struct {
	mu    sync.Mutex
	c     *controller
	stack *protocolStack
	// pending HandleComID response, nil when none
	comIDResponse []byte
}

func New() *Device {
	d := &Device{c: newController()}
	d.stack = newProtocolStack(d.c)
	return d
}

func (d *Device) Identify() (*drive.Identity, error) {
	return &drive.Identity{
		Protocol:     "fake",
		Model:        "SED Manager Fake Device",
		SerialNumber: "FAKEDEV-0001",
		Firmware:     "1.0",
	}, nil
}

func (d *Device) SerialNumber() ([]byte, error) {
	return []byte("FAKEDEV-0001"), nil
}

func (d *Device) Close() error {
	return nil
}

func (d *Device) IFSend(proto drive.SecurityProtocol, sps uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch proto {
	case drive.SecurityProtocolTCGManagement:
		if sps == BaseComID {
			return d.stack.pushComPacket(data)
		}
		return drive.ErrNotSupported
	case drive.SecurityProtocolTCGTPer:
		switch sps {
		case BaseComID:
			return d.handleComIDRequest(data)
		case 0x0004:
			// TPER_RESET: drop all sessions, keep persistent state
			d.stack = newProtocolStack(d.c)
			return nil
		}
		return drive.ErrNotSupported
	}
	return drive.ErrNotSupported
}

func (d *Device) IFRecv(proto drive.SecurityProtocol, sps uint16, data *[]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch proto {
	case drive.SecurityProtocolInformation:
		return d.securityProtocolList(data)
	case drive.SecurityProtocolTCGManagement:
		switch sps {
		case 0x0001:
			return d.discovery(data)
		case BaseComID:
			return d.stack.popResponse(data)
		}
		return drive.ErrNotSupported
	case drive.SecurityProtocolTCGTPer:
		if sps == BaseComID {
			return d.popComIDResponse(data)
		}
		// GET_COMID: the device only implements static ComIDs
		return drive.ErrNotSupported
	}
	return drive.ErrNotSupported
}

func (d *Device) securityProtocolList(data *[]byte) error {
	// 6 reserved bytes, list length, then one byte per protocol
	out := make([]byte, 11)
	binary.BigEndian.PutUint16(out[6:8], 3)
	out[8] = byte(drive.SecurityProtocolInformation)
	out[9] = byte(drive.SecurityProtocolTCGManagement)
	out[10] = byte(drive.SecurityProtocolTCGTPer)
	copy(*data, out)
	return nil
}

func (d *Device) discovery(data *[]byte) error {
	lockingEnabled := d.c.lockingSPLifeCycle() == lifeCycleManufactured
	locked := false
	mbrEnabled := false
	mbrDone := false
	if lockingEnabled {
		if r := d.c.lockingSP.tables[uid.Locking_LockingTable].row(uid.LockingGlobalRange); r != nil {
			if v, ok := r.get(lockingColReadLocked); ok {
				if n, isUint := v.(uint); isUint && n > 0 {
					locked = true
				}
			}
		}
		if r := d.c.lockingSP.tables[uid.Locking_MBRControl].row(uid.MBRControlObj); r != nil {
			if v, ok := r.get(mbrControlColEnable); ok {
				if n, isUint := v.(uint); isUint && n > 0 {
					mbrEnabled = true
				}
			}
			if v, ok := r.get(mbrControlColDone); ok {
				if n, isUint := v.(uint); isUint && n > 0 {
					mbrDone = true
				}
			}
		}
	}

	tper := &feature.TPer{
		SyncSupported:      true,
		AsyncSupported:     true,
		StreamingSupported: true,
	}
	locking := &feature.Locking{
		LockingSupported: true,
		LockingEnabled:   lockingEnabled,
		Locked:           locked,
		MediaEncryption:  true,
		MBREnabled:       mbrEnabled,
		MBRDone:          mbrDone,
		MBRShadowing:     true,
	}
	geometry := &feature.Geometry{
		LogicalBlockSize:     512,
		AlignmentGranularity: 8,
	}
	dataStore := &feature.DataStore{
		MaxTables:          1,
		MaxTotalSize:       dataStoreTableSize,
		TableSizeAlignment: 1,
	}
	blockSID := &feature.BlockSID{
		SIDValueState: d.c.sidIsMSID(),
		HardwareReset: true,
	}
	opal := &feature.OpalV2{
		CommonSSC: feature.CommonSSC{
			BaseComID: BaseComID,
			NumComID:  NumComIDs,
		},
		NumLockingSPAdminSupported: uint16(NumLockingAdmins),
		NumLockingSPUserSupported:  uint16(NumLockingUsers),
		// 0x00 = the SID PIN is the MSID PIN, both initially and after revert
		InitialCPINSIDIndicator:       0x00,
		BehaviorCPINSIDuponTPerRevert: 0x00,
	}

	descs := [][]byte{}
	for _, f := range []interface {
		MarshalBinary() ([]byte, error)
	}{tper, locking, geometry, dataStore, opal, blockSID} {
		b, err := f.MarshalBinary()
		if err != nil {
			return err
		}
		descs = append(descs, b)
	}
	var vendor [32]byte
	copy(vendor[:], "SEDMGR")
	out := feature.MarshalDiscovery0(1, 0, vendor, descs)
	if len(out) > len(*data) {
		out = out[:len(*data)]
	}
	copy(*data, out)
	return nil
}

func (d *Device) handleComIDRequest(data []byte) error {
	if len(data) < 8 {
		return drive.ErrSendFailed
	}
	comID := binary.BigEndian.Uint16(data[0:2])
	comIDExt := binary.BigEndian.Uint16(data[2:4])
	request := binary.BigEndian.Uint32(data[4:8])

	resp := make([]byte, 512)
	binary.BigEndian.PutUint16(resp[0:2], comID)
	binary.BigEndian.PutUint16(resp[2:4], comIDExt)
	binary.BigEndian.PutUint32(resp[4:8], request)
	switch request {
	case 0x0000_0001: // VERIFY_COMID_VALID
		binary.BigEndian.PutUint16(resp[10:12], 0x04)
		// ComID state: associated
		binary.BigEndian.PutUint32(resp[12:16], 0x03)
	case 0x0000_0002: // STACK_RESET
		d.stack = newProtocolStack(d.c)
		binary.BigEndian.PutUint16(resp[10:12], 0x04)
		// Stack reset status: success
		binary.BigEndian.PutUint32(resp[12:16], 0x00)
	default:
		binary.BigEndian.PutUint16(resp[10:12], 0x00)
	}
	d.comIDResponse = resp
	return nil
}

func (d *Device) popComIDResponse(data *[]byte) error {
	if d.comIDResponse == nil {
		copy(*data, make([]byte, len(*data)))
		return nil
	}
	copy(*data, d.comIDResponse)
	d.comIDResponse = nil
	return nil
}
