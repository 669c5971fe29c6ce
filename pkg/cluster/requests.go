package cluster

import (
	"github.com/hashicorp/go-multierror"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/oxen"
	"github.com/ajitek/oxen/pkg/oxenerr"
)

type coreEventKind uint8

const (
	coreInbound coreEventKind = iota
	coreRetransmitTick
	coreKeepaliveTick
	coreGossipTick
	coreUserRequest
)

// coreEvent is the single tagged-variant shape every source of work
// funnels through (inbound datagrams, timer ticks, user requests), per
// the one-event-queue concurrency model and this project's preference for
// tagged variants over dynamic dispatch.
type coreEvent struct {
	kind coreEventKind

	addr  string
	frame []byte

	request *request
}

type requestKind uint8

const (
	reqAddPeerAddr requestKind = iota
	reqJoin
	reqLeave
	reqSendDatagram
	reqBroadcastDatagram
	reqSendInOrder
	reqBroadcastInOrder
	reqForgetPeer
)

type request struct {
	kind requestKind
	peer sid.Sid
	addr string
	data []byte
	done chan error
}

func (m *Manager) handleRequest(req *request) {
	var err error
	switch req.kind {
	case reqAddPeerAddr:
		m.addrBySid[req.peer] = req.addr
		m.sidByAddr[req.addr] = req.peer

	case reqJoin:
		m.addrBySid[req.peer] = req.addr
		m.sidByAddr[req.addr] = req.peer
		m.reach.ExpectJoin(req.peer)
		m.ensureSynced(req.peer)

	case reqLeave:
		m.doLeave()

	case reqForgetPeer:
		m.doForgetPeer(req.peer)

	case reqSendDatagram:
		err = m.doSendDatagram(req.peer, req.data)

	case reqBroadcastDatagram:
		var merr *multierror.Error
		for _, peer := range m.knownPeersExceptSelf() {
			if sendErr := m.doSendDatagram(peer, req.data); sendErr != nil {
				merr = multierror.Append(merr, sendErr)
			}
		}
		err = merr.ErrorOrNil()

	case reqSendInOrder:
		err = m.doSendInOrder(req.peer, req.data)

	case reqBroadcastInOrder:
		err = m.doBroadcastInOrder(req.data)
	}

	if req.done != nil {
		req.done <- err
	}
}

func (m *Manager) doSendDatagram(peer sid.Sid, data []byte) error {
	if m.givenUp(peer) {
		return oxenerr.ErrGivenUpDrop
	}
	out, _, routeErr := m.rely.Send(peer, oxen.RawPayload(data), false)
	sendErr := m.sendFramed(out.NextHop, out.Parcel)
	if routeErr != nil {
		return routeErr
	}
	return sendErr
}

func (m *Manager) doSendInOrder(peer sid.Sid, data []byte) error {
	if m.givenUp(peer) {
		return oxenerr.ErrGivenUpDrop
	}
	m.ensureSynced(peer)
	s := m.outboundState(peer)
	s.oneToOne++
	out, _, routeErr := m.rely.Send(peer, oxen.OneToOnePayload(s.oneToOne, data), true)
	sendErr := m.sendFramed(out.NextHop, out.Parcel)
	if routeErr != nil {
		return routeErr
	}
	return sendErr
}

func (m *Manager) doBroadcastInOrder(data []byte) error {
	m.broadcastSeq++
	var merr *multierror.Error
	for _, peer := range m.knownPeersExceptSelf() {
		m.ensureSynced(peer)
		out, _, routeErr := m.rely.Send(peer, oxen.BroadcastPayload(m.broadcastSeq, data), true)
		if sendErr := m.sendFramed(out.NextHop, out.Parcel); sendErr != nil {
			merr = multierror.Append(merr, sendErr)
		}
		if routeErr != nil {
			merr = multierror.Append(merr, routeErr)
		}
	}
	return merr.ErrorOrNil()
}

// doForgetPeer drops every trace of peer: its known-peers/matrix
// bookkeeping, outstanding sends, buffered stream state, and address
// mapping, independent of reachability classification — the
// administrative counterpart to the automatic GivenUp lifecycle.
func (m *Manager) doForgetPeer(peer sid.Sid) {
	m.reach.ForgetPeer(peer)
	m.rely.DropPeer(peer)
	m.chans.Forget(peer)
	if addr, ok := m.addrBySid[peer]; ok {
		delete(m.sidByAddr, addr)
	}
	delete(m.addrBySid, peer)
	delete(m.outbound, peer)
}

func (m *Manager) doLeave() {
	for _, peer := range m.knownPeersExceptSelf() {
		s := m.outboundState(peer)
		payload := oxen.FinalPayload(m.broadcastSeq, s.oneToOne)
		out, _, _ := m.rely.Send(peer, payload, false)
		_ = m.sendFramed(out.NextHop, out.Parcel)
	}
}
