// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// ComPacket parsing, session manager and method dispatch of the
// emulated TPer.

package fakedevice

import (
	"bytes"
	"crypto/rand"

	"github.com/open-source-firmware/go-sed-manager/pkg/core/method"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/packets"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/stream"
	"github.com/open-source-firmware/go-sed-manager/pkg/core/uid"
	"github.com/open-source-firmware/go-sed-manager/pkg/drive"
)

type sessionID struct {
	hsn uint32
	tsn uint32
}

type spSession struct {
	id            sessionID
	sp            *securityProvider
	spid          uid.SPID
	authenticated map[uid.AuthorityObjectUID]bool
}

type protocolStack struct {
	c        *controller
	sessions map[sessionID]*spSession
	spInUse  map[uid.SPID]sessionID
	nextTSN  uint32
	respQ    [][]byte
	// the host communication properties, as last submitted
	hostProperties stream.List
}

func newProtocolStack(c *controller) *protocolStack {
	return &protocolStack{
		c:        c,
		sessions: map[sessionID]*spSession{},
		spInUse:  map[uid.SPID]sessionID{},
		nextTSN:  0x1000,
	}
}

// Device communication limits reported by Properties.
const (
	devMaxComPacketSize uint = 1024 * 1024
	devMaxPacketSize    uint = devMaxComPacketSize - 20
	devMaxIndTokenSize  uint = devMaxComPacketSize - 20 - 24 - 12
)

func (ps *protocolStack) pushComPacket(b []byte) error {
	cp, err := packets.UnmarshalComPacket(b)
	if err != nil {
		return drive.ErrSendFailed
	}
	if cp.ComID != BaseComID {
		// Traffic for a ComID we did not issue is dropped.
		return nil
	}
	for i := range cp.Payload {
		pkt := &cp.Payload[i]
		sid := sessionID{hsn: pkt.HSN, tsn: pkt.TSN}
		for j := range pkt.Payload {
			sub := &pkt.Payload[j]
			if sub.Kind != packets.SubPacketData {
				continue
			}
			tokens, err := stream.Decode(sub.Payload)
			if err != nil {
				continue
			}
			if sid == (sessionID{}) {
				ps.sessionManager(tokens)
			} else {
				ps.sessionTraffic(sid, tokens)
			}
		}
	}
	return nil
}

func (ps *protocolStack) popResponse(data *[]byte) error {
	if len(ps.respQ) == 0 {
		empty := packets.ComPacket{ComID: BaseComID}
		b, err := empty.MarshalBinary()
		if err != nil {
			return err
		}
		copy(*data, b)
		return nil
	}
	head := ps.respQ[0]
	if len(head) > len(*data) {
		// Tell the host to come back with a bigger transfer buffer.
		hdr := packets.ComPacket{
			ComID:           BaseComID,
			OutstandingData: uint32(len(head)),
			MinTransfer:     uint32(len(head)),
		}
		b, err := hdr.MarshalBinary()
		if err != nil {
			return err
		}
		copy(*data, b)
		return nil
	}
	ps.respQ = ps.respQ[1:]
	copy(*data, head)
	return nil
}

func (ps *protocolStack) queueTokens(sid sessionID, tokens stream.List) {
	raw, err := stream.Encode(tokens)
	if err != nil {
		return
	}
	cp := packets.ComPacket{
		ComID: BaseComID,
		Payload: []packets.Packet{{
			TSN:     sid.tsn,
			HSN:     sid.hsn,
			Payload: []packets.SubPacket{{Kind: packets.SubPacketData, Payload: raw}},
		}},
	}
	b, err := cp.MarshalBinary()
	if err != nil {
		return
	}
	ps.respQ = append(ps.respQ, b)
}

// result builds a regular method response.
func result(results stream.List, status method.MethodStatus) stream.List {
	return stream.List{results, stream.EndOfData, stream.List{uint(status), uint(0), uint(0)}}
}

// smResponse builds a session manager response, which mimics a method
// call on the SMU.
func smResponse(mid uid.MethodID, params stream.List, status method.MethodStatus) stream.List {
	return stream.List{
		stream.Call,
		uidBytes(uid.UID(uid.InvokeIDSMU)),
		uidBytes(uid.UID(mid)),
		params,
		stream.EndOfData,
		stream.List{uint(status), uint(0), uint(0)},
	}
}

type methodInvocation struct {
	invoking uid.UID
	method   uid.MethodID
	params   stream.List
}

func parseMethodCall(tokens stream.List) (*methodInvocation, bool) {
	if len(tokens) < 4 || !stream.EqualToken(tokens[0], stream.Call) {
		return nil, false
	}
	iid, ok1 := tokens[1].([]byte)
	mid, ok2 := tokens[2].([]byte)
	params, ok3 := tokens[3].(stream.List)
	if !ok1 || !ok2 || !ok3 || len(iid) != 8 || len(mid) != 8 {
		return nil, false
	}
	inv := &methodInvocation{params: params}
	copy(inv.invoking[:], iid)
	copy(inv.method[:], mid)
	return inv, true
}

// namedParam extracts an optional parameter by its uinteger name.
func namedParam(params stream.List, id uint) (interface{}, bool) {
	for _, p := range params {
		n, ok := p.(stream.Named)
		if !ok {
			continue
		}
		if stream.EqualUInt(n.Name, id) {
			return n.Value, true
		}
	}
	return nil, false
}

func (ps *protocolStack) sessionManager(tokens stream.List) {
	inv, ok := parseMethodCall(tokens)
	if !ok || inv.invoking != uid.UID(uid.InvokeIDSMU) {
		return
	}
	switch inv.method {
	case uid.MethodIDSMProperties:
		ps.properties(inv.params)
	case uid.MethodIDSMStartSession:
		ps.startSession(inv.params)
	case uid.MethodIDSMCloseSession:
		ps.closeSession(inv.params)
	}
}

func deviceProperties() stream.List {
	namedUInt := func(name string, v uint) stream.Named {
		return stream.Named{Name: []byte(name), Value: v}
	}
	return stream.List{
		namedUInt("MaxMethods", 1),
		namedUInt("MaxSubpackets", 1),
		namedUInt("MaxPacketSize", devMaxPacketSize),
		namedUInt("MaxPackets", 1),
		namedUInt("MaxComPacketSize", devMaxComPacketSize),
		namedUInt("MaxIndTokenSize", devMaxIndTokenSize),
		namedUInt("MaxAggTokenSize", devMaxIndTokenSize),
		namedUInt("MaxSessions", 2),
		namedUInt("DefTransTimeout", 5),
		namedUInt("ContinuedTokens", 0),
		namedUInt("SequenceNumbers", 0),
		namedUInt("AckNak", 0),
		namedUInt("Asynchronous", 0),
	}
}

func (ps *protocolStack) properties(params stream.List) {
	respParams := stream.List{deviceProperties()}
	if hostProps, ok := namedParam(params, 0); ok {
		if l, isList := hostProps.(stream.List); isList {
			ps.hostProperties = l
			// Echo the host properties we accepted
			respParams = append(respParams, stream.Named{Name: uint(0), Value: l})
		}
	}
	ps.queueTokens(sessionID{}, smResponse(uid.MethodIDSMProperties, respParams, method.MethodStatusSuccess))
}

func (ps *protocolStack) startSessionFailure(status method.MethodStatus) {
	ps.queueTokens(sessionID{}, smResponse(uid.MethodIDSMSyncSession, stream.List{}, status))
}

func (ps *protocolStack) startSession(params stream.List) {
	if len(params) < 3 {
		ps.startSessionFailure(method.MethodStatusInvalidParameter)
		return
	}
	hsn, ok1 := params[0].(uint)
	spidBytes, ok2 := params[1].([]byte)
	if !ok1 || !ok2 || len(spidBytes) != 8 {
		ps.startSessionFailure(method.MethodStatusInvalidParameter)
		return
	}
	var spid uid.SPID
	copy(spid[:], spidBytes)

	sp := ps.c.getSP(spid)
	if sp == nil {
		// Unknown SPs are a caller error, not a device malfunction.
		ps.startSessionFailure(method.MethodStatusInvalidParameter)
		return
	}
	if spid == uid.LockingSP && ps.c.lockingSPLifeCycle() != lifeCycleManufactured {
		ps.startSessionFailure(method.MethodStatusInvalidParameter)
		return
	}
	if _, busy := ps.spInUse[spid]; busy {
		ps.startSessionFailure(method.MethodStatusSPBusy)
		return
	}

	sess := &spSession{
		sp:            sp,
		spid:          spid,
		authenticated: map[uid.AuthorityObjectUID]bool{uid.AuthorityAnybody: true},
	}

	// Optional HostChallenge (0) + HostSigningAuthority (3) authenticate
	// during session startup.
	if authBytes, ok := namedParam(params, 3); ok {
		ab, isBytes := authBytes.([]byte)
		if !isBytes || len(ab) != 8 {
			ps.startSessionFailure(method.MethodStatusInvalidParameter)
			return
		}
		var auth uid.AuthorityObjectUID
		copy(auth[:], ab)
		proof := []byte{}
		if challenge, ok := namedParam(params, 0); ok {
			if cb, isBytes := challenge.([]byte); isBytes {
				proof = cb
			}
		}
		if status := sess.authenticate(auth, proof); status != method.MethodStatusSuccess {
			ps.startSessionFailure(method.MethodStatusNotAuthorized)
			return
		}
	}

	tsn := ps.nextTSN
	ps.nextTSN++
	sess.id = sessionID{hsn: uint32(hsn), tsn: tsn}
	ps.sessions[sess.id] = sess
	ps.spInUse[spid] = sess.id

	ps.queueTokens(sessionID{}, smResponse(uid.MethodIDSMSyncSession,
		stream.List{hsn, uint(tsn)}, method.MethodStatusSuccess))
}

func (ps *protocolStack) closeSession(params stream.List) {
	if len(params) < 2 {
		return
	}
	hsn, ok1 := params[0].(uint)
	tsn, ok2 := params[1].(uint)
	if !ok1 || !ok2 {
		return
	}
	ps.endSession(sessionID{hsn: uint32(hsn), tsn: uint32(tsn)}, false)
}

func (ps *protocolStack) endSession(sid sessionID, respond bool) {
	if sess, ok := ps.sessions[sid]; ok {
		delete(ps.sessions, sid)
		delete(ps.spInUse, sess.spid)
	}
	if respond {
		ps.queueTokens(sid, stream.List{stream.EndOfSession})
	}
}

func (ps *protocolStack) sessionTraffic(sid sessionID, tokens stream.List) {
	if len(tokens) == 1 && stream.EqualToken(tokens[0], stream.EndOfSession) {
		// Answer EOS even for sessions we no longer know about, so a
		// host closing after Revert still completes its handshake.
		ps.endSession(sid, true)
		return
	}
	sess, ok := ps.sessions[sid]
	if !ok {
		return
	}
	inv, ok := parseMethodCall(tokens)
	if !ok {
		ps.queueTokens(sid, result(stream.List{}, method.MethodStatusInvalidParameter))
		return
	}
	ps.queueTokens(sid, ps.dispatch(sess, inv))
}

func (ps *protocolStack) dispatch(sess *spSession, inv *methodInvocation) stream.List {
	switch inv.method {
	case uid.OpalAuthenticate, uid.OpalEnterpriseAuthenticate:
		return ps.methodAuthenticate(sess, inv)
	case uid.OpalGet, uid.OpalEnterpriseGet:
		return ps.methodGet(sess, inv)
	case uid.OpalSet, uid.OpalEnterpriseSet:
		return ps.methodSet(sess, inv)
	case uid.OpalNext:
		return ps.methodNext(sess, inv)
	case uid.OpalRandom:
		return ps.methodRandom(sess, inv)
	case uid.OpalGenKey:
		return ps.methodGenKey(sess, inv)
	case uid.OpalActivate:
		return ps.methodActivate(sess, inv)
	case uid.OpalRevert:
		return ps.methodRevert(sess, inv)
	case uid.OpalRevertSP:
		return ps.methodRevertSP(sess, inv)
	}
	return result(stream.List{}, method.MethodStatusInvalidParameter)
}

// authenticate validates a proof against the authority's credential
// and elevates the session on success.
func (sess *spSession) authenticate(auth uid.AuthorityObjectUID, proof []byte) method.MethodStatus {
	enabled, credential, ok := sess.sp.findAuthority(auth)
	if !ok {
		return method.MethodStatusInvalidParameter
	}
	if !enabled {
		return method.MethodStatusNotAuthorized
	}
	if credential == nil {
		// Authorities without a credential, e.g. Anybody
		sess.authenticated[auth] = true
		return method.MethodStatusSuccess
	}
	cpin := sess.sp.tables[uid.Base_C_PINTable]
	if cpin == nil {
		return method.MethodStatusTPerMalfunction
	}
	r := cpin.row(*credential)
	if r == nil {
		return method.MethodStatusTPerMalfunction
	}
	if limit, ok := r.get(cpinColTryLimit); ok {
		tries, _ := r.get(cpinColTries)
		limitN, _ := limit.(uint)
		triesN, _ := tries.(uint)
		if limitN > 0 && triesN >= limitN {
			return method.MethodStatusAuthorityLockedOut
		}
	}
	pin, _ := r.get(cpinColPIN)
	pinBytes, _ := pin.([]byte)
	if !bytes.Equal(pinBytes, proof) {
		if tries, ok := r.get(cpinColTries); ok {
			if n, isUint := tries.(uint); isUint {
				r.set(cpinColTries, n+1)
			}
		}
		return method.MethodStatusNotAuthorized
	}
	if _, ok := r.get(cpinColTries); ok {
		r.set(cpinColTries, uint(0))
	}
	sess.authenticated[auth] = true
	return method.MethodStatusSuccess
}

func (ps *protocolStack) methodAuthenticate(sess *spSession, inv *methodInvocation) stream.List {
	if inv.invoking != uid.UID(uid.InvokeIDThisSP) || len(inv.params) < 1 {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	authBytes, ok := inv.params[0].([]byte)
	if !ok || len(authBytes) != 8 {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	var auth uid.AuthorityObjectUID
	copy(auth[:], authBytes)
	proof := []byte{}
	if v, ok := namedParam(inv.params[1:], 0); ok {
		if b, isBytes := v.([]byte); isBytes {
			proof = b
		}
	}
	if status := sess.authenticate(auth, proof); status != method.MethodStatusSuccess {
		return result(stream.List{}, status)
	}
	return result(stream.List{uint(1)}, method.MethodStatusSuccess)
}

func (ps *protocolStack) methodGet(sess *spSession, inv *methodInvocation) stream.List {
	granted, permitted := sess.sp.permittedColumns(inv.invoking, uid.OpalGet, sess.authenticated)
	if !granted {
		return result(stream.List{}, method.MethodStatusNotAuthorized)
	}
	var cellBlock stream.List
	if len(inv.params) > 0 {
		if l, ok := inv.params[0].(stream.List); ok {
			cellBlock = l
		}
	}
	if bt, ok := sess.sp.byteTables[uid.TableUID(inv.invoking)]; ok {
		start, end := 0, len(bt.data)-1
		if v, ok := namedParam(cellBlock, 1); ok {
			if n, isUint := v.(uint); isUint {
				start = int(n)
			}
		}
		if v, ok := namedParam(cellBlock, 2); ok {
			if n, isUint := v.(uint); isUint {
				end = int(n)
			}
		}
		data, ok := bt.read(start, end)
		if !ok {
			return result(stream.List{}, method.MethodStatusInvalidParameter)
		}
		return result(stream.List{data}, method.MethodStatusSuccess)
	}
	t, ok := sess.sp.tables[uid.ContainingTable(uid.RowUID(inv.invoking))]
	if !ok {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	r := t.row(uid.RowUID(inv.invoking))
	if r == nil {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	var startCol, endCol *uint
	if v, ok := namedParam(cellBlock, 3); ok {
		if n, isUint := v.(uint); isUint {
			startCol = &n
		}
	}
	if v, ok := namedParam(cellBlock, 4); ok {
		if n, isUint := v.(uint); isUint {
			endCol = &n
		}
	}
	return result(stream.List{r.columnList(permitted, startCol, endCol)}, method.MethodStatusSuccess)
}

func (ps *protocolStack) methodSet(sess *spSession, inv *methodInvocation) stream.List {
	granted, permitted := sess.sp.permittedColumns(inv.invoking, uid.OpalSet, sess.authenticated)
	if !granted {
		return result(stream.List{}, method.MethodStatusNotAuthorized)
	}
	values, haveValues := namedParam(inv.params, 1)
	if bt, ok := sess.sp.byteTables[uid.TableUID(inv.invoking)]; ok {
		where := 0
		if v, ok := namedParam(inv.params, 0); ok {
			if n, isUint := v.(uint); isUint {
				where = int(n)
			}
		}
		data, isBytes := values.([]byte)
		if !haveValues || !isBytes {
			return result(stream.List{}, method.MethodStatusInvalidParameter)
		}
		if !bt.write(where, data) {
			return result(stream.List{}, method.MethodStatusInvalidParameter)
		}
		return result(stream.List{}, method.MethodStatusSuccess)
	}
	t, ok := sess.sp.tables[uid.ContainingTable(uid.RowUID(inv.invoking))]
	if !ok {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	r := t.row(uid.RowUID(inv.invoking))
	if r == nil {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	valueList, isList := values.(stream.List)
	if !haveValues || !isList {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	// Verify all column writes are permitted before applying any
	writes := map[uint]interface{}{}
	for _, v := range valueList {
		n, ok := v.(stream.Named)
		if !ok {
			return result(stream.List{}, method.MethodStatusInvalidParameter)
		}
		col, isUint := n.Name.(uint)
		if !isUint {
			return result(stream.List{}, method.MethodStatusInvalidParameter)
		}
		if col == 0 {
			// The UID column is read only
			return result(stream.List{}, method.MethodStatusNotAuthorized)
		}
		if permitted != nil && !permitted[col] {
			return result(stream.List{}, method.MethodStatusNotAuthorized)
		}
		writes[col] = n.Value
	}
	for col, v := range writes {
		r.set(col, v)
	}
	return result(stream.List{}, method.MethodStatusSuccess)
}

func (ps *protocolStack) methodNext(sess *spSession, inv *methodInvocation) stream.List {
	granted, _ := sess.sp.permittedColumns(inv.invoking, uid.OpalNext, sess.authenticated)
	if !granted {
		return result(stream.List{}, method.MethodStatusNotAuthorized)
	}
	t, ok := sess.sp.tables[uid.TableUID(inv.invoking)]
	if !ok {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	var after *uid.RowUID
	count := -1
	if v, ok := namedParam(inv.params, 0); ok {
		if b, isBytes := v.([]byte); isBytes && len(b) == 8 {
			w := uid.RowUID{}
			copy(w[:], b)
			after = &w
		}
	}
	if v, ok := namedParam(inv.params, 1); ok {
		if n, isUint := v.(uint); isUint {
			count = int(n)
		}
	}
	uids := stream.List{}
	for _, id := range t.next(after, count) {
		uids = append(uids, uidBytes(uid.UID(id)))
	}
	return result(stream.List{uids}, method.MethodStatusSuccess)
}

func (ps *protocolStack) methodRandom(sess *spSession, inv *methodInvocation) stream.List {
	if len(inv.params) < 1 {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	count, ok := inv.params[0].(uint)
	if !ok || count > 256 {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	b := make([]byte, count)
	rand.Read(b) //nolint:errcheck // crypto/rand does not fail
	return result(stream.List{b}, method.MethodStatusSuccess)
}

func (ps *protocolStack) methodGenKey(sess *spSession, inv *methodInvocation) stream.List {
	granted, _ := sess.sp.permittedColumns(inv.invoking, uid.OpalGenKey, sess.authenticated)
	if !granted {
		return result(stream.List{}, method.MethodStatusNotAuthorized)
	}
	t, ok := sess.sp.tables[uid.ContainingTable(uid.RowUID(inv.invoking))]
	if !ok || t.uid != uid.Locking_K_AES_256 {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	r := t.row(uid.RowUID(inv.invoking))
	if r == nil {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	r.set(kaesColKey, randomKey(256))
	return result(stream.List{}, method.MethodStatusSuccess)
}

func (ps *protocolStack) methodActivate(sess *spSession, inv *methodInvocation) stream.List {
	if sess.spid != uid.AdminSP || inv.invoking != uid.UID(uid.LockingSP) {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	granted, _ := sess.sp.permittedColumns(inv.invoking, uid.OpalActivate, sess.authenticated)
	if !granted {
		return result(stream.List{}, method.MethodStatusNotAuthorized)
	}
	if ps.c.lockingSPLifeCycle() != lifeCycleManufacturedInactive {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	ps.c.activateLocking()
	return result(stream.List{}, method.MethodStatusSuccess)
}

func (ps *protocolStack) methodRevert(sess *spSession, inv *methodInvocation) stream.List {
	if sess.spid != uid.AdminSP {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	granted, _ := sess.sp.permittedColumns(inv.invoking, uid.OpalRevert, sess.authenticated)
	if !granted {
		return result(stream.List{}, method.MethodStatusNotAuthorized)
	}
	switch inv.invoking {
	case uid.UID(uid.AdminSP):
		ps.c.revert()
		// Every open session died with the revert, except that this
		// response still has to make it out.
		ps.sessions = map[sessionID]*spSession{sess.id: sess}
		ps.spInUse = map[uid.SPID]sessionID{sess.spid: sess.id}
		return result(stream.List{}, method.MethodStatusSuccess)
	case uid.UID(uid.LockingSP):
		ps.c.revertLocking()
		if sid, busy := ps.spInUse[uid.LockingSP]; busy {
			delete(ps.sessions, sid)
			delete(ps.spInUse, uid.LockingSP)
		}
		return result(stream.List{}, method.MethodStatusSuccess)
	}
	return result(stream.List{}, method.MethodStatusInvalidParameter)
}

func (ps *protocolStack) methodRevertSP(sess *spSession, inv *methodInvocation) stream.List {
	if sess.spid != uid.LockingSP || inv.invoking != uid.UID(uid.InvokeIDThisSP) {
		return result(stream.List{}, method.MethodStatusInvalidParameter)
	}
	granted, _ := sess.sp.permittedColumns(inv.invoking, uid.OpalRevertSP, sess.authenticated)
	if !granted {
		return result(stream.List{}, method.MethodStatusNotAuthorized)
	}
	ps.c.revertLocking()
	// The session dies with its SP once the result is delivered.
	delete(ps.sessions, sess.id)
	delete(ps.spInUse, sess.spid)
	return result(stream.List{}, method.MethodStatusSuccess)
}
