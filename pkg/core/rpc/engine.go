// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the synchronous TCG Storage protocol engine.
//
// A single worker goroutine owns the device transport and multiplexes
// all session traffic of one ComID. Callers enqueue work on a message
// channel and block on a single-use response channel; there is no
// shared mutable state between callers and the worker.

package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/packets"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

var (
	ErrClosed            = errors.New("session is already closed")
	ErrAbortedByHost     = errors.New("operation aborted by the host")
	ErrAbortedByRemote   = errors.New("session aborted by the remote TPer")
	ErrTimedOut          = errors.New("timed out waiting for the device")
	ErrNoResponse        = errors.New("no response")
	ErrEOSExpected       = errors.New("received another message when end of session was expected")
	ErrUnknownSession    = errors.New("no such session")
	ErrMethodTooLarge    = errors.New("serialized method exceeds the negotiated packet size")
	ErrOutOfCreditRemote = errors.New("no transmit credit available for the packet")
	ErrEngineShutDown    = errors.New("the protocol engine has been shut down")
)

// SessionID names a live SP session within one ComID. The Control
// Session is {0, 0}; the TPer mints the TSN in SyncSession.
type SessionID struct {
	HSN uint32
	TSN uint32
}

var ControlSessionID = SessionID{}

// TraceFunc observes raw ComPacket frames. tx is true for IF-SEND.
type TraceFunc func(tx bool, frame []byte)

// Limits are the communication properties the engine enforces. They
// start at the Core spec initial assumptions and are raised after a
// Properties exchange.
type Limits struct {
	MaxComPacketSize uint
	MaxPacketSize    uint
	TransTimeout     time.Duration
	// RemoteBuffer enables buffer management when non-zero.
	RemoteBuffer uint32
}

// Table 168: "Communications Initial Assumptions"
func DefaultLimits() Limits {
	return Limits{
		MaxComPacketSize: 1024,
		MaxPacketSize:    1004,
		TransTimeout:     5 * time.Second,
	}
}

type callResult struct {
	tokens stream.List
	err    error
}

type waiter struct {
	resp     chan callResult
	deadline time.Time
	eos      bool
}

type outMessage struct {
	sid    SessionID
	raw    []byte
	eos    bool
	notify bool
	resp   chan callResult
}

type sessionState struct {
	id      SessionID
	waiters []*waiter
	closing bool
	// credit reserved on behalf of this session, released on close
	credit uint32
}

type msgAttach struct {
	sid SessionID
	ack chan error
}

type msgHandleComID struct {
	req  ComIDRequest
	resp chan comIDResult
}

type msgLimits struct {
	set *Limits
	get chan Limits
}

type msgShutdown struct {
	ack chan struct{}
}

type Engine struct {
	d        drive.SendReceive
	comID    uint16
	comIDExt uint16

	msgs chan interface{}
	done chan struct{}

	// Everything below is owned by the worker goroutine.
	limits   Limits
	sessions map[SessionID]*sessionState
	sendQ    pipe[outMessage]
	credit   *Buffer
	retry    *Retry
	recvHint uint
	trace    TraceFunc
	metrics  *Metrics
}

type EngineOpt func(e *Engine)

func WithLimits(l Limits) EngineOpt {
	return func(e *Engine) { e.limits = l }
}

func WithTransTimeout(d time.Duration) EngineOpt {
	return func(e *Engine) { e.limits.TransTimeout = d }
}

func WithTrace(f TraceFunc) EngineOpt {
	return func(e *Engine) { e.trace = f }
}

func WithMetrics(m *Metrics) EngineOpt {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine starts the protocol worker for one ComID. The engine owns
// the transport until Shutdown.
func NewEngine(d drive.SendReceive, comID uint32, opts ...EngineOpt) *Engine {
	e := &Engine{
		d:        d,
		comID:    uint16(comID & 0xffff),
		comIDExt: uint16(comID >> 16),
		msgs:     make(chan interface{}, 64),
		done:     make(chan struct{}),
		limits:   DefaultLimits(),
		sessions: map[SessionID]*sessionState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.limits.RemoteBuffer > 0 {
		e.credit = NewBuffer(e.limits.RemoteBuffer)
	}
	e.sessions[ControlSessionID] = &sessionState{id: ControlSessionID}
	e.recvHint = e.limits.MaxComPacketSize
	go e.run()
	return e
}

// Call issues a method on a session and waits for its result tokens.
// Results within one session are delivered strictly in call order.
func (e *Engine) Call(sid SessionID, call method.Call) (stream.List, error) {
	raw, err := call.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrSerializationFailed, err)
	}
	return e.submit(outMessage{sid: sid, raw: raw, eos: call.IsEOS(), resp: make(chan callResult, 1)})
}

// Notify issues a method without expecting anything in return.
func (e *Engine) Notify(sid SessionID, call method.Call) error {
	raw, err := call.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", stream.ErrSerializationFailed, err)
	}
	select {
	case e.msgs <- outMessage{sid: sid, raw: raw, eos: call.IsEOS(), notify: true}:
		return nil
	case <-e.done:
		return ErrEngineShutDown
	}
}

// CloseSession sends EndOfSession and waits for the TPer to confirm it
// before the session identifier is released. Skipping the confirmation
// leaves the SP busy and fails the next StartSession.
func (e *Engine) CloseSession(sid SessionID) error {
	tokens, err := e.Call(sid, &method.EOSMethodCall{})
	if err != nil {
		return err
	}
	if len(tokens) > 0 {
		return ErrEOSExpected
	}
	return nil
}

// AttachSession registers a session minted by SyncSession so received
// packets stamped with it can be routed.
func (e *Engine) AttachSession(hsn, tsn uint32) error {
	ack := make(chan error, 1)
	select {
	case e.msgs <- msgAttach{sid: SessionID{HSN: hsn, TSN: tsn}, ack: ack}:
	case <-e.done:
		return ErrEngineShutDown
	}
	select {
	case err := <-ack:
		return err
	case <-e.done:
		return ErrEngineShutDown
	}
}

// SetLimits installs properties negotiated on the control session.
func (e *Engine) SetLimits(l Limits) {
	select {
	case e.msgs <- msgLimits{set: &l}:
	case <-e.done:
	}
}

func (e *Engine) Limits() Limits {
	get := make(chan Limits, 1)
	select {
	case e.msgs <- msgLimits{get: get}:
	case <-e.done:
		return e.limits
	}
	select {
	case l := <-get:
		return l
	case <-e.done:
		return e.limits
	}
}

// Shutdown drains outstanding work and stops the worker. In-flight
// callers fail with ErrClosed.
func (e *Engine) Shutdown() error {
	ack := make(chan struct{})
	select {
	case e.msgs <- msgShutdown{ack: ack}:
	case <-e.done:
		return nil
	}
	select {
	case <-ack:
	case <-e.done:
	}
	return nil
}

func (e *Engine) submit(m outMessage) (stream.List, error) {
	select {
	case e.msgs <- m:
	case <-e.done:
		return nil, ErrEngineShutDown
	}
	select {
	case r := <-m.resp:
		return r.tokens, r.err
	case <-e.done:
		return nil, ErrEngineShutDown
	}
}

// run is the message loop. It alternates between accepting messages,
// advancing the send pipeline, polling the transport and committing
// results; only the transport receive may block, under a retry budget.
func (e *Engine) run() {
	defer close(e.done)
	for {
		if e.outstanding() == 0 && e.sendQ.len() == 0 {
			m := <-e.msgs
			if e.handle(m) {
				return
			}
		}
		for {
			drained := false
			select {
			case m := <-e.msgs:
				if e.handle(m) {
					return
				}
			default:
				drained = true
			}
			if drained {
				break
			}
		}
		e.flushSend()
		if e.outstanding() > 0 {
			e.pollReceive()
			e.expire()
		}
	}
}

// handle processes one message, reporting whether to shut down.
func (e *Engine) handle(m interface{}) bool {
	switch msg := m.(type) {
	case outMessage:
		e.enqueue(msg)
	case msgAttach:
		if _, ok := e.sessions[msg.sid]; ok {
			msg.ack <- fmt.Errorf("session %v already attached", msg.sid)
			break
		}
		e.sessions[msg.sid] = &sessionState{id: msg.sid}
		e.metrics.SessionsOpen.Inc()
		msg.ack <- nil
	case msgHandleComID:
		msg.resp <- e.handleComID(msg.req)
	case msgLimits:
		if msg.set != nil {
			e.limits = *msg.set
			if e.limits.RemoteBuffer > 0 {
				e.credit = NewBuffer(e.limits.RemoteBuffer)
			} else {
				e.credit = nil
			}
			if e.recvHint < e.limits.MaxComPacketSize {
				e.recvHint = e.limits.MaxComPacketSize
			}
		}
		if msg.get != nil {
			msg.get <- e.limits
		}
	case msgShutdown:
		e.drainAll(ErrClosed)
		close(msg.ack)
		return true
	}
	return false
}

func (e *Engine) enqueue(m outMessage) {
	sess, ok := e.sessions[m.sid]
	if !ok {
		e.fail(m, ErrUnknownSession)
		return
	}
	if sess.closing {
		e.fail(m, ErrClosed)
		return
	}
	e.sendQ.push(m)
}

func (e *Engine) fail(m outMessage, err error) {
	if m.resp != nil {
		m.resp <- callResult{err: err}
	}
}

func (e *Engine) outstanding() int {
	n := 0
	for _, s := range e.sessions {
		n += len(s.waiters)
	}
	return n
}

// flushSend drains the send queue, bundling packets for the ComID into
// as few ComPackets as the negotiated sizes allow.
func (e *Engine) flushSend() {
	for e.sendQ.len() > 0 {
		cp := packets.ComPacket{ComID: e.comID, ComIDExt: e.comIDExt}
		var batch []outMessage
		for {
			m, ok := e.sendQ.peek()
			if !ok {
				break
			}
			sub := packets.SubPacket{Kind: packets.SubPacketData, Payload: m.raw}
			pkt := packets.Packet{TSN: m.sid.TSN, HSN: m.sid.HSN, Payload: []packets.SubPacket{sub}}
			if uint(pkt.WireLength()) > e.limits.MaxPacketSize {
				e.sendQ.pop()
				e.fail(m, ErrMethodTooLarge)
				continue
			}
			if uint(cp.WireLength()+pkt.WireLength()) > e.limits.MaxComPacketSize {
				if len(cp.Payload) == 0 {
					e.sendQ.pop()
					e.fail(m, ErrMethodTooLarge)
					continue
				}
				break
			}
			if e.credit != nil && !e.credit.Allocate(uint32(pkt.WireLength())) {
				e.sendQ.pop()
				e.fail(m, ErrOutOfCreditRemote)
				continue
			}
			e.sendQ.pop()
			if sess := e.sessions[m.sid]; sess != nil && e.credit != nil {
				sess.credit += uint32(pkt.WireLength())
			}
			cp.Payload = append(cp.Payload, pkt)
			batch = append(batch, m)
		}
		if len(cp.Payload) == 0 {
			return
		}
		b, err := cp.MarshalBinary()
		if err == nil {
			// Extend buffer to be aligned to 512 byte pages which some drives like
			if pad := len(b) % 512; pad > 0 {
				b = append(b, make([]byte, 512-pad)...)
			}
			if e.trace != nil {
				e.trace(true, b)
			}
			err = e.d.IFSend(drive.SecurityProtocolTCGManagement, e.comID, b)
		}
		if err != nil {
			for _, m := range batch {
				e.fail(m, fmt.Errorf("%w: %v", drive.ErrSendFailed, err))
			}
			continue
		}
		e.metrics.ComPacketsSent.Inc()
		now := time.Now()
		for _, m := range batch {
			sess := e.sessions[m.sid]
			if sess == nil {
				continue
			}
			if m.eos {
				sess.closing = true
			}
			if m.notify {
				continue
			}
			sess.waiters = append(sess.waiters, &waiter{
				resp:     m.resp,
				deadline: now.Add(2 * e.limits.TransTimeout),
				eos:      m.eos,
			})
		}
		e.retry = nil
	}
}

// pollReceive issues one IF-RECV and routes whatever came back. An
// empty ComPacket means the TPer is still working; the retry pacer
// spaces out the polls.
func (e *Engine) pollReceive() {
	if e.retry == nil {
		e.retry = NewRetry(e.limits.TransTimeout)
	}
	buf := make([]byte, e.recvHint)
	if err := e.d.IFRecv(drive.SecurityProtocolTCGManagement, e.comID, &buf); err != nil {
		e.drainAll(fmt.Errorf("%w: %v", drive.ErrReceiveFailed, err))
		return
	}
	if e.trace != nil {
		e.trace(false, buf)
	}
	cp, err := packets.UnmarshalComPacket(buf)
	if err != nil {
		// The frame is unusable; there is no way to tell which session
		// it belonged to.
		e.drainAll(err)
		return
	}
	if cp.MinTransfer > 0 && uint(cp.MinTransfer) > e.recvHint {
		e.recvHint = uint(cp.MinTransfer)
	}
	if len(cp.Payload) == 0 {
		// "3.3.10.2.1 Restrictions (3.b)": no payload yet, poll again.
		e.metrics.ReceiveRetries.Inc()
		e.retry.Sleep() //nolint:errcheck // deadlines are enforced per waiter
		return
	}
	e.metrics.ComPacketsReceived.Inc()
	e.retry = nil
	for i := range cp.Payload {
		e.dispatchPacket(&cp.Payload[i])
	}
}

func (e *Engine) dispatchPacket(pkt *packets.Packet) {
	sid := SessionID{HSN: pkt.HSN, TSN: pkt.TSN}
	sess, ok := e.sessions[sid]
	if !ok {
		// Stale traffic for a session we no longer know about.
		return
	}
	for i := range pkt.Payload {
		sub := &pkt.Payload[i]
		switch sub.Kind {
		case packets.SubPacketCreditControl:
			grant, err := sub.Credit()
			if err != nil {
				e.abortSession(sess, err)
				return
			}
			if e.credit != nil {
				if err := e.credit.Deallocate(grant); err != nil {
					e.abortSession(sess, packets.ErrInvalidCreditControl)
					return
				}
				if sess.credit >= grant {
					sess.credit -= grant
				} else {
					sess.credit = 0
				}
			}
		case packets.SubPacketData:
			tokens, err := stream.Decode(sub.Payload)
			if err != nil {
				// A codec error poisons only the owning session.
				e.abortSession(sess, err)
				return
			}
			e.routeTokens(sess, tokens)
		}
	}
}

func (e *Engine) routeTokens(sess *sessionState, tokens stream.List) {
	if len(tokens) == 1 && stream.EqualToken(tokens[0], stream.EndOfSession) {
		if sess.closing {
			e.completeClose(sess)
		} else {
			e.abortSession(sess, ErrAbortedByRemote)
		}
		return
	}
	if target, ok := closeSessionTarget(tokens); ok && sess.id == ControlSessionID {
		if victim, ok := e.sessions[target]; ok && target != ControlSessionID {
			e.abortSession(victim, ErrAbortedByRemote)
		}
		return
	}
	if len(sess.waiters) == 0 {
		// Nobody is interested; the caller abandoned the result.
		return
	}
	w := sess.waiters[0]
	sess.waiters = sess.waiters[1:]
	w.resp <- callResult{tokens: tokens}
}

// closeSessionTarget recognizes an SMU CloseSession call and extracts
// the (HSN, TSN) it names.
func closeSessionTarget(tokens stream.List) (SessionID, bool) {
	if len(tokens) < 4 ||
		!stream.EqualToken(tokens[0], stream.Call) ||
		!stream.EqualBytes(tokens[1], uid.InvokeIDSMU[:]) ||
		!stream.EqualBytes(tokens[2], uid.MethodIDSMCloseSession[:]) {
		return SessionID{}, false
	}
	params, ok := tokens[3].(stream.List)
	if !ok || len(params) < 2 {
		return SessionID{}, false
	}
	hsn, ok1 := params[0].(uint)
	tsn, ok2 := params[1].(uint)
	if !ok1 || !ok2 {
		return SessionID{}, false
	}
	return SessionID{HSN: uint32(hsn), TSN: uint32(tsn)}, true
}

func (e *Engine) completeClose(sess *sessionState) {
	var eosWaiter *waiter
	for i, w := range sess.waiters {
		if w.eos {
			eosWaiter = w
			sess.waiters = append(sess.waiters[:i], sess.waiters[i+1:]...)
			break
		}
	}
	for _, w := range sess.waiters {
		w.resp <- callResult{err: ErrClosed}
	}
	sess.waiters = nil
	if eosWaiter != nil {
		eosWaiter.resp <- callResult{}
	}
	e.removeSession(sess)
}

func (e *Engine) abortSession(sess *sessionState, err error) {
	for _, w := range sess.waiters {
		w.resp <- callResult{err: err}
	}
	sess.waiters = nil
	if sess.id == ControlSessionID {
		// The control session is implicit and cannot be removed.
		return
	}
	if !errors.Is(err, ErrAbortedByRemote) {
		// Tell the TPer to release the session so the SP does not stay
		// busy until its session timeout.
		if raw := closeSessionNotify(sess.id); raw != nil {
			e.sendQ.push(outMessage{sid: ControlSessionID, raw: raw, notify: true})
		}
	}
	e.removeSession(sess)
}

// closeSessionNotify builds an SMU CloseSession call for a session the
// host is abandoning without the EOS handshake.
func closeSessionNotify(sid SessionID) []byte {
	mc := method.NewMethodCall(uid.InvokeIDSMU, uid.MethodIDSMCloseSession, 0)
	mc.UInt(uint(sid.HSN))
	mc.UInt(uint(sid.TSN))
	raw, err := mc.MarshalBinary()
	if err != nil {
		return nil
	}
	return raw
}

func (e *Engine) removeSession(sess *sessionState) {
	if e.credit != nil && sess.credit > 0 {
		e.credit.Deallocate(sess.credit) //nolint:errcheck // bounded by allocations
		sess.credit = 0
	}
	if _, ok := e.sessions[sess.id]; ok && sess.id != ControlSessionID {
		delete(e.sessions, sess.id)
		e.metrics.SessionsOpen.Dec()
	}
}

// expire times out sessions whose oldest call has waited longer than
// twice the transaction timeout.
func (e *Engine) expire() {
	now := time.Now()
	for _, sess := range e.sessions {
		if len(sess.waiters) == 0 {
			continue
		}
		if now.Before(sess.waiters[0].deadline) {
			continue
		}
		e.metrics.Timeouts.Inc()
		e.abortSession(sess, ErrTimedOut)
	}
}

func (e *Engine) drainAll(err error) {
	for _, sess := range e.sessions {
		for _, w := range sess.waiters {
			w.resp <- callResult{err: err}
		}
		sess.waiters = nil
	}
	e.sendQ.close()
	for {
		m, ok := e.sendQ.pop()
		if !ok {
			break
		}
		e.fail(m, err)
	}
	e.sendQ = pipe[outMessage]{}
}
