// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/packets"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

// scriptDevice is a minimal TPer stand-in: every Data sub-packet it
// receives is answered through the handler, on the same session.
type scriptDevice struct {
	mu      sync.Mutex
	handler func(sid SessionID, tokens stream.List) stream.List
	respond bool
	queue   [][]byte
	sends   int
}

func newScriptDevice(handler func(sid SessionID, tokens stream.List) stream.List) *scriptDevice {
	return &scriptDevice{handler: handler, respond: true}
}

func (d *scriptDevice) IFSend(proto drive.SecurityProtocol, sps uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends++
	cp, err := packets.UnmarshalComPacket(data)
	if err != nil {
		return err
	}
	if !d.respond {
		return nil
	}
	for _, pkt := range cp.Payload {
		sid := SessionID{HSN: pkt.HSN, TSN: pkt.TSN}
		for _, sub := range pkt.Payload {
			if sub.Kind != packets.SubPacketData {
				continue
			}
			tokens, err := stream.Decode(sub.Payload)
			if err != nil {
				return err
			}
			out := d.handler(sid, tokens)
			if out == nil {
				continue
			}
			raw, err := stream.Encode(out)
			if err != nil {
				return err
			}
			resp := packets.ComPacket{
				ComID:    cp.ComID,
				ComIDExt: cp.ComIDExt,
				Payload: []packets.Packet{{
					TSN:     pkt.TSN,
					HSN:     pkt.HSN,
					Payload: []packets.SubPacket{{Kind: packets.SubPacketData, Payload: raw}},
				}},
			}
			b, err := resp.MarshalBinary()
			if err != nil {
				return err
			}
			d.queue = append(d.queue, b)
		}
	}
	return nil
}

func (d *scriptDevice) IFRecv(proto drive.SecurityProtocol, sps uint16, data *[]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		empty := packets.ComPacket{ComID: 4100, OutstandingData: 0}
		b, err := empty.MarshalBinary()
		if err != nil {
			return err
		}
		copy(*data, b)
		return nil
	}
	b := d.queue[0]
	d.queue = d.queue[1:]
	copy(*data, b)
	return nil
}

// push enqueues a device-initiated frame.
func (d *scriptDevice) push(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, b)
}

func echoCall(mc *method.MethodCall) method.Call { return mc }

func TestEngineCallRoundTrip(t *testing.T) {
	dev := newScriptDevice(func(sid SessionID, tokens stream.List) stream.List {
		return stream.List{stream.List{uint(42)}, stream.EndOfData, stream.List{uint(0), uint(0), uint(0)}}
	})
	e := NewEngine(dev, 4100)
	defer e.Shutdown()

	mc := method.NewMethodCall(uid.InvokeIDSMU, uid.MethodIDSMProperties, 0)
	resp, err := e.Call(ControlSessionID, echoCall(mc))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(resp) != 3 || !stream.EqualToken(resp[1], stream.EndOfData) {
		t.Fatalf("unexpected response shape: %+v", resp)
	}
}

func TestEngineSessionFIFO(t *testing.T) {
	var mu sync.Mutex
	seq := uint(0)
	dev := newScriptDevice(func(sid SessionID, tokens stream.List) stream.List {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return stream.List{stream.List{seq}, stream.EndOfData, stream.List{uint(0), uint(0), uint(0)}}
	})
	e := NewEngine(dev, 4100)
	defer e.Shutdown()
	if err := e.AttachSession(0x1000, 0x2000); err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	sid := SessionID{HSN: 0x1000, TSN: 0x2000}

	for i := uint(1); i <= 16; i++ {
		mc := method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalGet, 0)
		resp, err := e.Call(sid, echoCall(mc))
		if err != nil {
			t.Fatalf("Call #%d: %v", i, err)
		}
		res, ok := resp[0].(stream.List)
		if !ok || len(res) != 1 || !stream.EqualUInt(res[0], i) {
			t.Fatalf("call #%d got result %+v; FIFO order violated", i, resp[0])
		}
	}
}

func TestEngineConcurrentSessionsNoCrossTalk(t *testing.T) {
	dev := newScriptDevice(func(sid SessionID, tokens stream.List) stream.List {
		// Answer with the session's own HSN so cross talk is visible.
		return stream.List{stream.List{uint(sid.HSN)}, stream.EndOfData, stream.List{uint(0), uint(0), uint(0)}}
	})
	e := NewEngine(dev, 4100)
	defer e.Shutdown()

	sids := []SessionID{{HSN: 1, TSN: 101}, {HSN: 2, TSN: 102}}
	for _, sid := range sids {
		if err := e.AttachSession(sid.HSN, sid.TSN); err != nil {
			t.Fatalf("AttachSession: %v", err)
		}
	}
	var wg sync.WaitGroup
	for _, sid := range sids {
		wg.Add(1)
		go func(sid SessionID) {
			defer wg.Done()
			for i := 0; i < 8; i++ {
				mc := method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalGet, 0)
				resp, err := e.Call(sid, echoCall(mc))
				if err != nil {
					t.Errorf("session %v call: %v", sid, err)
					return
				}
				res, ok := resp[0].(stream.List)
				if !ok || !stream.EqualUInt(res[0], uint(sid.HSN)) {
					t.Errorf("session %v received %+v", sid, resp[0])
					return
				}
			}
		}(sid)
	}
	wg.Wait()
}

func TestEngineMethodTooLarge(t *testing.T) {
	dev := newScriptDevice(nil)
	e := NewEngine(dev, 4100, WithLimits(Limits{
		MaxComPacketSize: 256,
		MaxPacketSize:    236,
		TransTimeout:     time.Second,
	}))
	defer e.Shutdown()

	mc := method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalSet, 0)
	mc.Bytes(make([]byte, 4096))
	_, err := e.Call(ControlSessionID, echoCall(mc))
	if !errors.Is(err, ErrMethodTooLarge) {
		t.Fatalf("Call = %v; want ErrMethodTooLarge", err)
	}
	if dev.sends != 0 {
		t.Errorf("%d IF-SEND calls made for a rejected method", dev.sends)
	}
}

func TestEngineTimeout(t *testing.T) {
	dev := newScriptDevice(nil)
	dev.respond = false
	e := NewEngine(dev, 4100, WithTransTimeout(100*time.Millisecond))
	defer e.Shutdown()
	if err := e.AttachSession(7, 7); err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	sid := SessionID{HSN: 7, TSN: 7}

	start := time.Now()
	mc := method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalGet, 0)
	_, err := e.Call(sid, echoCall(mc))
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Call = %v; want ErrTimedOut", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout after %v; want about 200ms", elapsed)
	}
	// The timed-out session is gone.
	if _, err := e.Call(sid, echoCall(method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalGet, 0))); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("call on timed-out session = %v; want ErrUnknownSession", err)
	}
}

func TestEngineCloseSession(t *testing.T) {
	dev := newScriptDevice(func(sid SessionID, tokens stream.List) stream.List {
		if len(tokens) == 1 && stream.EqualToken(tokens[0], stream.EndOfSession) {
			return stream.List{stream.EndOfSession}
		}
		return stream.List{stream.List{}, stream.EndOfData, stream.List{uint(0), uint(0), uint(0)}}
	})
	e := NewEngine(dev, 4100)
	defer e.Shutdown()
	if err := e.AttachSession(3, 4); err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	sid := SessionID{HSN: 3, TSN: 4}
	if err := e.CloseSession(sid); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	// The TSN is released: further calls fail fast.
	if _, err := e.Call(sid, echoCall(method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalGet, 0))); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("call after close = %v; want ErrUnknownSession", err)
	}
}

func TestEngineRemoteAbort(t *testing.T) {
	dev := newScriptDevice(nil)
	dev.respond = false
	e := NewEngine(dev, 4100, WithTransTimeout(2*time.Second))
	defer e.Shutdown()
	if err := e.AttachSession(5, 6); err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	sid := SessionID{HSN: 5, TSN: 6}

	// The device closes the session from its side while a call waits.
	raw, err := stream.Encode(stream.List{
		stream.Call,
		[]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF},
		[]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x06},
		stream.List{uint(5), uint(6)},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	abort := packets.ComPacket{
		ComID: 4100,
		Payload: []packets.Packet{{
			// CloseSession arrives on the control session.
			Payload: []packets.SubPacket{{Kind: packets.SubPacketData, Payload: raw}},
		}},
	}
	b, err := abort.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Call(sid, echoCall(method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalGet, 0)))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	dev.push(b)
	select {
	case err := <-done:
		if !errors.Is(err, ErrAbortedByRemote) {
			t.Fatalf("Call = %v; want ErrAbortedByRemote", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("call did not observe the remote abort")
	}
}

func TestEngineOutOfCredit(t *testing.T) {
	dev := newScriptDevice(nil)
	e := NewEngine(dev, 4100, WithLimits(Limits{
		MaxComPacketSize: 2048,
		MaxPacketSize:    2028,
		TransTimeout:     time.Second,
		RemoteBuffer:     64,
	}))
	defer e.Shutdown()

	mc := method.NewMethodCall(uid.InvokeIDSMU, uid.MethodIDSMProperties, 0)
	mc.Bytes(make([]byte, 512))
	_, err := e.Call(ControlSessionID, echoCall(mc))
	if !errors.Is(err, ErrOutOfCreditRemote) {
		t.Fatalf("Call = %v; want ErrOutOfCreditRemote", err)
	}
}

func TestEngineShutdownDrains(t *testing.T) {
	dev := newScriptDevice(nil)
	dev.respond = false
	e := NewEngine(dev, 4100, WithTransTimeout(30*time.Second))
	if err := e.AttachSession(9, 9); err != nil {
		t.Fatalf("AttachSession: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := e.Call(SessionID{HSN: 9, TSN: 9}, echoCall(method.NewMethodCall(uid.InvokeIDThisSP, uid.OpalGet, 0)))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrEngineShutDown) {
			t.Fatalf("drained call = %v; want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not drain the in-flight call")
	}
}
