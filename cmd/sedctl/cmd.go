// Copyright (c) 2022 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"

	"github.com/davecgh/go-spew/spew"
	"github.com/open-source-firmware/go-sed-manager/pkg/cmdutil"
	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/table"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
	"github.com/open-source-firmware/go-sed-manager/pkg/fakedevice"
	"github.com/open-source-firmware/go-sed-manager/pkg/locking"
)

type context struct{}

var cli struct {
	// The built-in fake device is the only driver wired into this
	// build; real drives plug in through the drive.DriveIntf interface.
	Fake bool `optional:"" default:"true" help:"Operate on the built-in fake Opal v2 device"`

	Discover      discoverCmd      `cmd:"" help:"Dump the Level 0 discovery of the device"`
	TakeOwnership takeOwnershipCmd `cmd:"" name:"take-ownership" help:"Replace the SID PIN with your own"`
	Activate      activateCmd      `cmd:"" help:"Activate the Locking SP"`
	ListRanges    listRangesCmd    `cmd:"" name:"list-ranges" help:"List all locking ranges"`
	LockAll       lockAllCmd       `cmd:"" name:"lock-all" help:"Lock all ranges completely"`
	UnlockAll     unlockAllCmd     `cmd:"" name:"unlock-all" help:"Unlock all ranges completely"`
	MBRDone       mbrDoneCmd       `cmd:"" name:"mbr-done" help:"Set the MBRDone property (hide/show shadow MBR)"`
	SetPassword   setPasswordCmd   `cmd:"" name:"set-password" help:"Change a Locking SP admin or user password"`
	Revert        revertCmd        `cmd:"" help:"Revert the TPer to factory state"`
}

func openDevice() (drive.DriveIntf, error) {
	if !cli.Fake {
		return nil, fmt.Errorf("only the built-in fake device is wired into this build; see pkg/drive for the transport interface")
	}
	return fakedevice.New(), nil
}

type discoverCmd struct{}

func (c *discoverCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	id, err := d.Identify()
	if err != nil {
		return err
	}
	log.Printf("Drive identity: %s", id)
	d0, err := core.Discovery0(d)
	if err != nil {
		return err
	}
	spew.Dump(d0)
	return nil
}

type ownershipEmbed struct {
	cmdutil.PasswordEmbed `embed:""`
	SIDPin                string `optional:"" help:"Current SID PIN, the MSID if empty"`
}

// adminSession opens and authenticates an Admin SP session.
func (o *ownershipEmbed) adminSession(cs *core.ControlSession) (*core.Session, error) {
	s, err := cs.NewSession(uid.AdminSP)
	if err != nil {
		return nil, fmt.Errorf("admin session creation failed: %v", err)
	}
	pin := []byte(o.SIDPin)
	if len(pin) == 0 {
		pin, err = table.Admin_C_PIN_MSID_GetPIN(s)
		if err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
	}
	if err := table.ThisSP_Authenticate(s, uid.AuthoritySID, pin); err != nil {
		s.Close() //nolint:errcheck
		return nil, fmt.Errorf("SID authentication failed: %v", err)
	}
	return s, nil
}

func controlSession(d drive.DriveIntf) (*core.ControlSession, *core.Level0Discovery, error) {
	d0, err := core.Discovery0(d)
	if err != nil {
		return nil, nil, err
	}
	comID, _, err := core.FindComID(d, d0)
	if err != nil {
		return nil, nil, err
	}
	cs, err := core.NewControlSession(d, d0, core.WithComID(comID))
	if err != nil {
		return nil, nil, err
	}
	return cs, d0, nil
}

type takeOwnershipCmd struct {
	ownershipEmbed `embed:""`
}

func (c *takeOwnershipCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, _, err := controlSession(d)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	s, err := c.adminSession(cs)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	serial, err := d.SerialNumber()
	if err != nil {
		return err
	}
	newPIN, err := c.GenerateHash(serial)
	if err != nil {
		return err
	}
	if err := locking.TakeOwnership(s, newPIN); err != nil {
		return err
	}
	log.Printf("SID PIN replaced")
	return nil
}

type activateCmd struct {
	ownershipEmbed `embed:""`
}

func (c *activateCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, _, err := controlSession(d)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	s, err := c.adminSession(cs)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	lcs, err := table.Admin_SP_GetLifeCycleState(s, uid.LockingSP)
	if err != nil {
		return err
	}
	if lcs == table.Manufactured {
		log.Printf("Locking SP is already activated")
		return nil
	}
	if err := table.Admin_Activate(s, uid.LockingSP); err != nil {
		return err
	}
	log.Printf("Locking SP activated")
	return nil
}

// lockingSession prepares an authenticated Locking SP session,
// activating the SP along the way when asked to.
func lockingSession(d drive.DriveIntf, pw *cmdutil.PasswordEmbed, user string, activate bool) (*core.ControlSession, *locking.LockingSP, error) {
	d0, err := core.Discovery0(d)
	if err != nil {
		return nil, nil, err
	}
	initOpts := []locking.InitializeOpt{locking.WithAuth(locking.DefaultAuthorityWithMSID)}
	if activate {
		initOpts = append(initOpts, locking.WithActivation())
	}
	cs, lmeta, err := locking.Initialize(d, d0, initOpts...)
	if err != nil {
		return nil, nil, err
	}
	pin := []byte{}
	if pw.Password != "" {
		serial, err := d.SerialNumber()
		if err != nil {
			cs.Close() //nolint:errcheck
			return nil, nil, err
		}
		if pin, err = pw.GenerateHash(serial); err != nil {
			cs.Close() //nolint:errcheck
			return nil, nil, err
		}
	}
	var auth locking.LockingSPAuthenticator
	switch {
	case user != "":
		var ok bool
		auth, ok = locking.AuthorityFromName(user, pin)
		if !ok {
			cs.Close() //nolint:errcheck
			return nil, nil, locking.ErrInvalidUser
		}
	case len(pin) == 0:
		auth = locking.DefaultAuthorityWithMSID
	default:
		auth = locking.DefaultAuthority(pin)
	}
	l, err := locking.NewSession(cs, lmeta, auth)
	if err != nil {
		cs.Close() //nolint:errcheck
		return nil, nil, err
	}
	return cs, l, nil
}

type listRangesCmd struct {
	cmdutil.PasswordEmbed `embed:""`
	User                  string `optional:"" short:"u" help:"Locking SP authority to authenticate as (admin1..admin4, user1..user8)"`
	Activate              bool   `optional:"" help:"Activate the Locking SP if necessary"`
}

func (c *listRangesCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, l, err := lockingSession(d, &c.PasswordEmbed, c.User, c.Activate)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	defer l.Close()  //nolint:errcheck

	if len(l.Ranges) == 0 {
		return fmt.Errorf("no available locking ranges as this user")
	}
	for i, r := range l.Ranges {
		strr := "whole disk"
		if r.End > 0 {
			strr = fmt.Sprintf("%d to %d", r.Start, r.End)
		}
		if !r.WriteLockEnabled && !r.ReadLockEnabled {
			strr = "disabled"
		} else {
			if r.WriteLocked {
				strr += " [write locked]"
			}
			if r.ReadLocked {
				strr += " [read locked]"
			}
		}
		if r == l.GlobalRange {
			strr += " [global]"
		}
		if r.Name != nil {
			strr += fmt.Sprintf(" [name=%q]", *r.Name)
		}
		fmt.Printf("Range %3d: %s\n", i, strr)
	}
	return nil
}

type lockAllCmd struct {
	cmdutil.PasswordEmbed `embed:""`
	User                  string `optional:"" short:"u" help:"Locking SP authority to authenticate as"`
}

func (c *lockAllCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, l, err := lockingSession(d, &c.PasswordEmbed, c.User, false)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	defer l.Close()  //nolint:errcheck

	for _, r := range l.Ranges {
		if !r.ReadLockEnabled && !r.WriteLockEnabled {
			continue
		}
		if err := r.LockRead(); err != nil {
			return err
		}
		if err := r.LockWrite(); err != nil {
			return err
		}
	}
	log.Printf("All enabled ranges locked")
	return nil
}

type unlockAllCmd struct {
	cmdutil.PasswordEmbed `embed:""`
	User                  string `optional:"" short:"u" help:"Locking SP authority to authenticate as"`
	KeepMBRDone           bool   `optional:"" short:"k" help:"Keep MBRDone status as is"`
}

func (c *unlockAllCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, l, err := lockingSession(d, &c.PasswordEmbed, c.User, false)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	defer l.Close()  //nolint:errcheck

	for _, r := range l.Ranges {
		if err := r.UnlockRead(); err != nil {
			return err
		}
		if err := r.UnlockWrite(); err != nil {
			return err
		}
	}
	if !c.KeepMBRDone {
		if err := l.SetMBRDone(true); err != nil {
			return err
		}
	}
	log.Printf("All ranges unlocked")
	return nil
}

type mbrDoneCmd struct {
	cmdutil.PasswordEmbed `embed:""`
	User                  string `optional:"" short:"u" help:"Locking SP authority to authenticate as"`
	Done                  bool   `optional:"" help:"Status to set the MBRDone"`
}

func (c *mbrDoneCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, l, err := lockingSession(d, &c.PasswordEmbed, c.User, false)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	defer l.Close()  //nolint:errcheck
	return l.SetMBRDone(c.Done)
}

type revertCmd struct {
	ownershipEmbed `embed:""`
}

func (c *revertCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, _, err := controlSession(d)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	s, err := c.adminSession(cs)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck
	if err := table.Admin_Revert(s, uid.AdminSP); err != nil {
		return err
	}
	log.Printf("TPer reverted to factory state")
	return nil
}

type setPasswordCmd struct {
	cmdutil.PasswordEmbed `embed:""`
	User                  uint32 `optional:"" help:"Locking SP user number to change (0 = Admin1)"`
	NewPassword           string `required:"" help:"New password to set"`
	EnableUser            bool   `optional:"" help:"Enable the user authority first"`
}

func (c *setPasswordCmd) Run(ctx *context) error {
	d, err := openDevice()
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	cs, l, err := lockingSession(d, &c.PasswordEmbed, "", false)
	if err != nil {
		return err
	}
	defer cs.Close() //nolint:errcheck
	defer l.Close()  //nolint:errcheck

	serial, err := d.SerialNumber()
	if err != nil {
		return err
	}
	embed := cmdutil.PasswordEmbed{Password: c.NewPassword, Hash: c.Hash}
	newPIN, err := embed.GenerateHash(serial)
	if err != nil {
		return err
	}
	row := uid.Locking_C_PIN_Admin1
	if c.User > 0 {
		if c.EnableUser {
			if err := l.EnableUser(c.User); err != nil {
				return err
			}
		}
		row = uid.Locking_C_PIN_User(c.User)
	}
	if err := l.SetPassword(row, newPIN); err != nil {
		return err
	}
	log.Printf("Password updated")
	return nil
}
