// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements TCG Storage Core - Session Manager and Session

package core

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/rpc"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

var (
	ErrTPerSyncNotSupported        = errors.New("synchronous operation not supported by TPer")
	ErrInvalidPropertiesResponse   = errors.New("response was not the expected Properties call format")
	ErrInvalidStartSessionResponse = errors.New("response was not the expected SyncSession format")
	ErrPropertiesCallFailed        = errors.New("the properties call returned non-zero")
	ErrSessionAlreadyClosed        = errors.New("the session has been closed by us")

	sessionRand *rand.Rand
)

const (
	DefaultMaxComPacketSize uint = 1024 * 1024
	DefaultTransTimeout          = 5 * time.Second
)

type ProtocolLevel uint

const (
	ProtocolLevelUnknown    ProtocolLevel = 0
	ProtocolLevelEnterprise ProtocolLevel = 1
	ProtocolLevelCore       ProtocolLevel = 2
)

func (p ProtocolLevel) String() string {
	switch p {
	case ProtocolLevelEnterprise:
		return "Enterprise"
	case ProtocolLevelCore:
		return "Core V2.0"
	default:
		return "<Unknown>"
	}
}

// Session is a regular Session to an SP, routed through the control
// session's protocol engine.
type Session struct {
	ControlSession *ControlSession
	MethodFlags    method.MethodFlag
	ProtocolLevel  ProtocolLevel
	d              drive.SendReceive
	e              *rpc.Engine
	closed         bool
	ComID          ComID
	ID             rpc.SessionID
	ReadOnly       bool // Ignored for Control Sessions
}

// ControlSession owns the ComID and the protocol engine. Every ComID
// has exactly one control session; its responses carry no identifier
// that could match them to requests, so method execution on it is
// serialized by a mutex.
type ControlSession struct {
	Session
	HostProperties           HostProperties
	TPerProperties           TPerProperties
	EffectiveProps           HostProperties
	MaxComPacketSizeOverride uint
	TransTimeout             time.Duration
	trace                    rpc.TraceFunc
	metrics                  *rpc.Metrics
	mu                       sync.Mutex
}

type SessionOpt func(s *Session)
type ControlSessionOpt func(s *ControlSession)

func WithComID(c ComID) ControlSessionOpt {
	return func(s *ControlSession) {
		s.ComID = c
	}
}

func WithMaxComPacketSize(size uint) ControlSessionOpt {
	return func(s *ControlSession) {
		s.MaxComPacketSizeOverride = size
	}
}

func WithTransTimeout(d time.Duration) ControlSessionOpt {
	return func(s *ControlSession) {
		s.TransTimeout = d
	}
}

func WithTrace(f rpc.TraceFunc) ControlSessionOpt {
	return func(s *ControlSession) {
		s.trace = f
	}
}

func WithMetrics(m *rpc.Metrics) ControlSessionOpt {
	return func(s *ControlSession) {
		s.metrics = m
	}
}

func WithHSN(hsn int) SessionOpt {
	return func(s *Session) {
		s.ID.HSN = uint32(hsn)
	}
}

func WithReadOnly() SessionOpt {
	return func(s *Session) {
		s.ReadOnly = true
	}
}

// Initiate a new control session with a ComID.
func NewControlSession(d drive.SendReceive, d0 *Level0Discovery, opts ...ControlSessionOpt) (*ControlSession, error) {
	// Every ComID has exactly one control session; communication
	// properties negotiated here apply to the sessions started on it.
	//
	// Dynamic ComIDs seem great from reading the spec, but sadly not
	// commonly implemented, which means that we will fight over a single
	// shared ComID on most drives.
	if d0.TPer == nil || !d0.TPer.SyncSupported {
		return nil, ErrTPerSyncNotSupported
	}

	s := &ControlSession{
		Session: Session{
			d:     d,
			ComID: ComIDInvalid,
		},
		HostProperties:           InitialHostProperties,
		TPerProperties:           InitialTPerProperties,
		MaxComPacketSizeOverride: DefaultMaxComPacketSize,
		TransTimeout:             DefaultTransTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}
	s.Session.ControlSession = s

	if s.ComID == ComIDInvalid {
		var err error
		s.ComID, err = GetComID(d)
		if err != nil {
			return nil, fmt.Errorf("unable to auto-allocate ComID: %v", err)
		}
	}

	if d0.Enterprise != nil {
		// The Enterprise SSC implements optional parameters with explicit
		// variable names, while the core spec says to use uintegers.
		s.MethodFlags |= method.MethodFlagOptionalAsName
		s.ProtocolLevel = ProtocolLevelEnterprise
	} else {
		s.ProtocolLevel = ProtocolLevelCore
	}

	// Reset the synchronous protocol stack for the ComID to minimize
	// the dependencies on implicit state. Not all drives implement it,
	// so best-effort only.
	StackReset(d, s.ComID) //nolint:errcheck

	engineOpts := []rpc.EngineOpt{rpc.WithTransTimeout(s.TransTimeout)}
	if s.trace != nil {
		engineOpts = append(engineOpts, rpc.WithTrace(s.trace))
	}
	if s.metrics != nil {
		engineOpts = append(engineOpts, rpc.WithMetrics(s.metrics))
	}
	s.e = rpc.NewEngine(d, uint32(s.ComID), engineOpts...)

	// Set preferred options
	rhp := InitialHostProperties
	// Technically we should be able to advertise 0 here and let the disk
	// pick for us, but that results in small values being picked in practice.
	rhp.MaxComPacketSize = s.MaxComPacketSizeOverride
	rhp.MaxPacketSize = rhp.MaxComPacketSize - 20
	rhp.MaxIndTokenSize = rhp.MaxComPacketSize - 20 - 24 - 12
	rhp.MaxAggTokenSize = rhp.MaxComPacketSize - 20 - 24 - 12
	rhp.MaxSubpackets = 1024
	rhp.MaxPackets = 1024

	hp, tp, err := s.properties(&rhp)
	if err != nil {
		s.e.Shutdown() //nolint:errcheck
		return nil, err
	}

	s.HostProperties = hp
	s.TPerProperties = tp
	s.EffectiveProps = EffectiveProperties(&hp, &tp)
	s.e.SetLimits(rpc.Limits{
		MaxComPacketSize: s.EffectiveProps.MaxComPacketSize,
		MaxPacketSize:    s.EffectiveProps.MaxPacketSize,
		TransTimeout:     s.TransTimeout,
	})
	return s, nil
}

// Initiate a new session with a Security Provider
//
// The session will be read-write by default, but can be changed by
// passing WithReadOnly() as argument. The session HSN will be random
// unless passed with WithHSN(x).
func (cs *ControlSession) NewSession(spid uid.SPID, opts ...SessionOpt) (*Session, error) {
	// Quoting "3.3.7.1 Sessions"
	// "All communications with an SP occurs within sessions. A session SHALL
	// be started by a host and successfully ended by a host."
	//
	// We generate a Host Session Number (HSN), and the TPer provides a TPer
	// Session Number (TSN) in SyncSession. The TSN is unique within the ComID.
	s := &Session{
		ControlSession: cs,
		MethodFlags:    cs.MethodFlags,
		ProtocolLevel:  cs.ProtocolLevel,
		d:              cs.d,
		e:              cs.e,
		ComID:          cs.ComID,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.ID.HSN == 0 {
		s.ID.HSN = uint32(sessionRand.Int31())
	}

	mc := method.NewMethodCall(uid.InvokeIDSMU, uid.MethodIDSMStartSession, s.MethodFlags)
	mc.UInt(uint(s.ID.HSN))
	mc.Bytes(spid[:])
	mc.Bool(!s.ReadOnly)
	// "5.3.4.1.2.1 Anybody"
	// > The Anybody authority is always considered "authenticated" within a
	// > session, even if the Anybody authority was not specifically called
	// > out during session startup.
	// Thus we specify no authority here; users call ThisSP_Authenticate to
	// elevate the session.

	basemc := mc.Clone()
	if s.ProtocolLevel == ProtocolLevelEnterprise {
		// sedutil recommends setting a timeout for sessions on Enterprise
		// drives. Core devices tend to reply INVALID_PARAMETER.
		mc.StartOptionalParameter(5, "SessionTimeout")
		mc.UInt(30000 /* 30 sec */)
		mc.EndOptionalParameter()
	}

	resp, err := cs.ExecuteMethod(mc)
	if err == method.ErrMethodStatusInvalidParameter {
		resp, err = cs.ExecuteMethod(basemc)
	}
	if err != nil {
		return nil, err
	}

	if len(resp) != 4 {
		return nil, ErrInvalidStartSessionResponse
	}
	params, ok := resp[3].(stream.List)

	if !stream.EqualToken(resp[0], stream.Call) ||
		!stream.EqualBytes(resp[1], uid.InvokeIDSMU[:]) ||
		!stream.EqualBytes(resp[2], uid.MethodIDSMSyncSession[:]) ||
		!ok ||
		len(params) < 2 {
		// This is very serious, but can happen given a shared ComID
		return nil, ErrInvalidStartSessionResponse
	}

	hsn, ok1 := params[0].(uint)
	tsn, ok2 := params[1].(uint)
	if !ok1 || !ok2 || uint32(hsn) != s.ID.HSN {
		return nil, ErrInvalidStartSessionResponse
	}

	s.ID.TSN = uint32(tsn)
	if err := cs.e.AttachSession(s.ID.HSN, s.ID.TSN); err != nil {
		return nil, err
	}
	return s, nil
}

// Fetch current Host and TPer properties, optionally changing the Host properties.
func (cs *ControlSession) properties(rhp *HostProperties) (HostProperties, TPerProperties, error) {
	mc := method.NewMethodCall(uid.InvokeIDSMU, uid.MethodIDSMProperties, cs.MethodFlags)

	mc.StartOptionalParameter(0, "HostProperties")
	mc.StartList()
	mc.NamedUInt("MaxMethods", rhp.MaxMethods)
	mc.NamedUInt("MaxSubpackets", rhp.MaxSubpackets)
	mc.NamedUInt("MaxPacketSize", rhp.MaxPacketSize)
	mc.NamedUInt("MaxPackets", rhp.MaxPackets)
	mc.NamedUInt("MaxComPacketSize", rhp.MaxComPacketSize)
	if rhp.MaxResponseComPacketSize != nil {
		mc.NamedUInt("MaxResponseComPacketSize", *rhp.MaxResponseComPacketSize)
	}
	mc.NamedUInt("MaxIndTokenSize", rhp.MaxIndTokenSize)
	mc.NamedUInt("MaxAggTokenSize", rhp.MaxAggTokenSize)
	mc.NamedBool("ContinuedTokens", rhp.ContinuedTokens)
	mc.NamedBool("SequenceNumbers", rhp.SequenceNumbers)
	mc.NamedBool("AckNak", rhp.AckNak)
	mc.NamedBool("Asynchronous", rhp.Asynchronous)
	mc.EndList()
	mc.EndOptionalParameter()

	resp, err := cs.ExecuteMethod(mc)
	if err != nil {
		return HostProperties{}, TPerProperties{}, err
	}

	if len(resp) != 4 {
		return HostProperties{}, TPerProperties{}, ErrInvalidPropertiesResponse
	}
	params, ok := resp[3].(stream.List)

	// See "5.2.2.1.2 Properties Response".
	// The response is in the same format as if the method was called.
	if !stream.EqualToken(resp[0], stream.Call) ||
		!stream.EqualBytes(resp[1], uid.InvokeIDSMU[:]) ||
		!stream.EqualBytes(resp[2], uid.MethodIDSMProperties[:]) ||
		!ok ||
		len(params) < 1 {
		return HostProperties{}, TPerProperties{}, ErrInvalidPropertiesResponse
	}

	hp := InitialHostProperties
	tp := InitialTPerProperties

	// First parameter, required, TPer properties.
	tpParams, ok := params[0].(stream.List)
	if !ok {
		return HostProperties{}, TPerProperties{}, ErrInvalidPropertiesResponse
	}
	if err := parseTPerProperties(tpParams, &tp); err != nil {
		return HostProperties{}, TPerProperties{}, err
	}
	// Second parameter, optional, the host properties as the TPer
	// accepted them.
	for _, p := range params[1:] {
		n, ok := p.(stream.Named)
		if !ok {
			continue
		}
		if !stream.EqualUInt(n.Name, 0) && !stream.EqualBytes(n.Name, []byte("HostProperties")) {
			continue
		}
		hpParams, ok := n.Value.(stream.List)
		if !ok {
			return HostProperties{}, TPerProperties{}, ErrInvalidPropertiesResponse
		}
		if err := parseHostProperties(hpParams, &hp); err != nil {
			return HostProperties{}, TPerProperties{}, err
		}
	}

	return hp, tp, nil
}

// Close shuts the control session down along with its engine.
func (cs *ControlSession) Close() error {
	// Control sessions have no EndOfSession exchange.
	return cs.e.Shutdown()
}

// Close ends the session. EndOfSession is sent and the TPer's EOS
// awaited before the TSN is released; skipping that handshake makes
// the next StartSession on the SP fail with SP_BUSY.
func (s *Session) Close() error {
	if s.closed {
		return ErrSessionAlreadyClosed
	}
	s.closed = true
	if err := s.e.CloseSession(s.ID); err != nil {
		return mapRPCError(err)
	}
	return nil
}

// ExecuteMethod sends a method call and waits for its result. Within
// one session, calls are strictly ordered.
func (s *Session) ExecuteMethod(mc *method.MethodCall) (stream.List, error) {
	if s.closed {
		return nil, ErrSessionAlreadyClosed
	}
	if s.ControlSession != nil && s.ID == rpc.ControlSessionID {
		// Control session responses carry no matching identifier
		cs := s.ControlSession
		cs.mu.Lock()
		defer cs.mu.Unlock()
	}
	reply, err := s.e.Call(s.ID, mc)
	if err != nil {
		return nil, mapRPCError(err)
	}

	if len(reply) < 2 {
		return nil, method.ErrEmptyMethodResponse
	}

	// While the normal method result format is known, the Session
	// Manager methods use a different format. What is in common however
	// is that the last element should be the status code list.
	tok, ok1 := reply[len(reply)-2].(stream.TokenType)
	status, ok2 := reply[len(reply)-1].(stream.List)
	if !ok1 || !ok2 || tok != stream.EndOfData || len(status) < 1 {
		return nil, method.ErrMalformedMethodResponse
	}

	sc, ok := status[0].(uint)
	if !ok {
		return nil, method.ErrMalformedMethodResponse
	}
	if method.MethodStatus(sc) != method.MethodStatusSuccess {
		return nil, method.StatusToError(method.MethodStatus(sc))
	}

	return reply[:len(reply)-2], nil
}

// Execute a prepared Method call but do not expect anything in return.
func (s *Session) Notify(mc *method.MethodCall) error {
	if s.closed {
		return ErrSessionAlreadyClosed
	}
	return mapRPCError(s.e.Notify(s.ID, mc))
}

func mapRPCError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpc.ErrAbortedByRemote):
		return method.ErrTPerClosedSession
	case errors.Is(err, rpc.ErrTimedOut):
		return method.ErrMethodTimeout
	default:
		return err
	}
}

func init() {
	sessionRand = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
}
