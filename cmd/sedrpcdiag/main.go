// Copyright (c) 2022 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// sedrpcdiag exercises the whole protocol stack against a device and
// prints what it finds: discovery, ComID management, properties
// negotiation, a series of session open/use/close cycles, and the engine
// metrics at the end.

package main

import (
	"flag"
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/open-source-firmware/go-sed-manager/pkg/core"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/rpc"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/table"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/fakedevice"
)

var (
	fake     = flag.Bool("fake", true, "Run against the built-in fake Opal v2 device")
	trace    = flag.Bool("trace", false, "Hex dump every ComPacket on the wire")
	sessions = flag.Int("sessions", 2, "Number of sequential session open/use/close cycles to exercise")
)

func main() {
	flag.Parse()
	spew.Config.Indent = "  "

	if !*fake {
		log.Fatalf("only the built-in fake device is wired into this build")
	}
	d := fakedevice.New()
	defer d.Close() //nolint:errcheck

	id, err := d.Identify()
	if err != nil {
		log.Fatalf("drive.Identity: %v", err)
	}
	log.Printf("Drive identity: %s", id)

	d0, err := core.Discovery0(d)
	if err != nil {
		log.Fatalf("core.Discovery0: %v", err)
	}
	spew.Dump(d0)

	comID, proto, err := core.FindComID(d, d0)
	if err != nil {
		log.Fatalf("core.FindComID: %v", err)
	}
	log.Printf("Using ComID 0x%08x", comID)

	valid, err := core.IsComIDValid(d, comID)
	if err != nil {
		log.Printf("Unable to validate ComID: %v", err)
	} else if !valid {
		log.Printf("ComID not valid")
	} else {
		log.Printf("ComID validated successfully")
	}

	if err := core.StackReset(d, comID); err != nil {
		log.Printf("Unable to reset the synchronous protocol stack: %v", err)
	} else {
		log.Printf("Synchronous protocol stack reset successfully")
	}

	reg := prometheus.NewPedanticRegistry()
	metrics := rpc.NewMetrics(reg)

	opts := []core.ControlSessionOpt{
		core.WithComID(comID),
		core.WithMetrics(metrics),
	}
	if *trace {
		opts = append(opts, core.WithTrace(func(tx bool, frame []byte) {
			dir := "<-"
			if tx {
				dir = "->"
			}
			log.Printf("%s ComPacket (%d bytes)", dir, len(frame))
			spew.Dump(frame)
		}))
	}

	log.Printf("Creating control session with ComID 0x%08x", comID)
	cs, err := core.NewControlSession(d, d0, opts...)
	if err != nil {
		log.Fatalf("core.NewControlSession failed: %v", err)
	}
	defer cs.Close() //nolint:errcheck

	log.Printf("Operating using protocol %q", proto.String())
	log.Printf("Negotiated TPerProperties:")
	spew.Dump(cs.TPerProperties)
	log.Printf("Negotiated HostProperties:")
	spew.Dump(cs.HostProperties)
	log.Printf("Effective properties:")
	spew.Dump(cs.EffectiveProps)

	// Exercise session setup and teardown. An unreleased TSN would make
	// the later sessions fail with SP_BUSY.
	for i := 0; i < *sessions; i++ {
		s, err := cs.NewSession(uid.AdminSP)
		if err != nil {
			log.Printf("Session #%d failed to open: %v", i, err)
			continue
		}
		log.Printf("Session #%d (HSN=0x%x, TSN=0x%x) opened", i, s.ID.HSN, s.ID.TSN)
		if msid, err := table.Admin_C_PIN_MSID_GetPIN(s); err != nil {
			log.Printf("Session #%d MSID read failed: %v", i, err)
		} else {
			log.Printf("Session #%d read MSID (%d bytes)", i, len(msid))
		}
		if err := s.Close(); err != nil {
			log.Printf("Session #%d close failed: %v", i, err)
		}
	}

	log.Printf("Engine metrics:")
	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("Failed to serialize metrics: %v", err)
		}
	}
}
