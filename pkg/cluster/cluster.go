// Package cluster implements the Oxen orchestrator: the public
// request/event API, the three periodic timers, and the glue that turns
// inbound parcels and timer ticks into calls on the reliability, reachability,
// and ordered-channel engines.
//
// One struct owns every engine, with stop-channel graceful shutdown and
// interval-registered jobs rather than ad hoc goroutines. Every engine
// mutation happens on a single loop goroutine; inbound datagrams, timer
// ticks, and user requests all arrive as one tagged coreEvent funneled
// through a single channel, so engine state is never touched from more
// than one goroutine.
package cluster

import (
	"fmt"
	"math/rand"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/channel"
	"github.com/ajitek/oxen/pkg/clock"
	"github.com/ajitek/oxen/pkg/oxen"
	"github.com/ajitek/oxen/pkg/reachability"
	"github.com/ajitek/oxen/pkg/reliability"
)

type outboundStream struct {
	synced   bool
	oneToOne oxen.SeqNum
}

// Manager is the orchestrator instance: the library's entry point.
type Manager struct {
	me        sid.Sid
	clock     clock.Clock
	transport Transport
	cfg       Config
	rng       *rand.Rand

	reach *reachability.Engine
	rely  *reliability.Engine
	chans *channel.Engine

	addrBySid map[sid.Sid]string
	sidByAddr map[string]sid.Sid

	broadcastSeq oxen.SeqNum
	outbound     map[sid.Sid]*outboundStream

	cron *Cron

	events    chan coreEvent
	outEvents chan Event

	stopOnce sync.Once
	stopSyn  chan struct{}
	stopAck  chan struct{}
}

// New creates a Manager for local identity me, communicating over
// transport. rng drives gossip column/peer sampling — injected for
// deterministic tests; pass rand.New(rand.NewSource(time.Now().UnixNano()))
// in production.
func New(me sid.Sid, c clock.Clock, transport Transport, cfg Config, rng *rand.Rand) *Manager {
	m := &Manager{
		me:        me,
		clock:     c,
		transport: transport,
		cfg:       cfg,
		rng:       rng,
		chans:     channel.NewEngine(),
		addrBySid: make(map[sid.Sid]string),
		sidByAddr: make(map[string]sid.Sid),
		outbound:  make(map[sid.Sid]*outboundStream),
		events:    make(chan coreEvent, 256),
		outEvents: make(chan Event, 256),
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}
	m.reach = reachability.NewEngine(me, c, cfg.Reachability)
	m.rely = reliability.NewEngine(me, c, m.reach, cfg.Reliability)
	return m
}

// Events returns the channel of user-facing events (message_arrived,
// peer_up, peer_down). Callers should keep draining it; it is never
// closed while the Manager is running.
func (m *Manager) Events() <-chan Event {
	return m.outEvents
}

// Start launches the orchestrator's event loop and periodic timers.
func (m *Manager) Start() {
	m.cron = NewCron(m.cfg.CronResolution)
	if err := m.cron.Register("retransmit", m.cfg.Reliability.RetryBase, func() {
		m.enqueue(coreEvent{kind: coreRetransmitTick})
	}); err != nil {
		log.WithError(err).Warn("cluster: failed to register retransmit timer")
	}
	if err := m.cron.Register("keepalive", m.cfg.Reachability.KeepaliveIdle, func() {
		m.enqueue(coreEvent{kind: coreKeepaliveTick})
	}); err != nil {
		log.WithError(err).Warn("cluster: failed to register keepalive timer")
	}
	if err := m.cron.Register("gossip", m.cfg.Reachability.GossipPeriod, func() {
		m.enqueue(coreEvent{kind: coreGossipTick})
	}); err != nil {
		log.WithError(err).Warn("cluster: failed to register gossip timer")
	}

	go m.loop()
}

// Stop shuts the orchestrator down. Safe to call once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cron != nil {
			m.cron.Stop()
		}
		close(m.stopSyn)
		<-m.stopAck
	})
}

func (m *Manager) enqueue(ev coreEvent) {
	select {
	case m.events <- ev:
	case <-m.stopSyn:
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.outEvents <- ev:
	case <-m.stopSyn:
	}
}

func (m *Manager) emitLifecycle(evs []reachability.Event) {
	for _, e := range evs {
		kind := EventPeerUp
		if e.Kind == reachability.EventPeerDown {
			kind = EventPeerDown
			// Every transition into GivenUp, including the one induced by
			// a drained Finalize, drops outstanding sends and buffered
			// stream state for that peer here.
			m.rely.DropPeer(e.Peer)
			m.chans.Forget(e.Peer)
		}
		m.emit(Event{Kind: kind, Peer: e.Peer, Expected: e.Expected})
	}
}

// loop is the single actor processing every coreEvent FIFO: inbound
// datagrams, timer ticks, and user requests never interleave.
func (m *Manager) loop() {
	defer close(m.stopAck)
	for {
		select {
		case <-m.stopSyn:
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev coreEvent) {
	switch ev.kind {
	case coreInbound:
		m.handleInbound(ev.addr, ev.frame)
	case coreRetransmitTick:
		m.handleRetransmitTick()
	case coreKeepaliveTick:
		m.handleKeepaliveTick()
	case coreGossipTick:
		m.handleGossipTick()
	case coreUserRequest:
		m.handleRequest(ev.request)
	}
}

// Deliver feeds a datagram received from addr into the orchestrator. The
// socket I/O task calls this; it never blocks on engine processing beyond
// the bounded event-queue backpressure.
func (m *Manager) Deliver(addr string, frame []byte) {
	m.enqueue(coreEvent{kind: coreInbound, addr: addr, frame: frame})
}

// AddPeerAddr registers the transport address for peer, learned out of
// band (the address-resolution mechanism itself is outside this engine's
// scope). JoinCluster registers help_addr for help_sid the same way; the
// IRC layer may call this directly for any other peer it learns about.
func (m *Manager) AddPeerAddr(peer sid.Sid, addr string) {
	m.doRequest(request{kind: reqAddPeerAddr, peer: peer, addr: addr})
}

// StartCluster declares the local SID as a founder: no bootstrap
// handshake.
func (m *Manager) StartCluster() {
	// Founding requires no state beyond the Manager's own existence; the
	// reachability/channel engines already start empty.
}

// JoinCluster sends a Synchronize-bearing md to help_sid and marks the
// next reachability transition for it as an expected join.
func (m *Manager) JoinCluster(helpSid sid.Sid, helpAddr string) error {
	return m.doRequest(request{kind: reqJoin, peer: helpSid, addr: helpAddr})
}

// LeaveCluster broadcasts Finalize to every known peer. Best-effort: it
// does not wait for delivery, and it does not stop the Manager; the event
// loop and timers keep running until Stop is called.
func (m *Manager) LeaveCluster() error {
	return m.doRequest(request{kind: reqLeave})
}

// ForgetPeer deliberately drops all bookkeeping for peer: its reachability
// classification, outstanding sends, buffered channel state, and address
// mapping, independent of whatever its current lifecycle state is. This is
// the administrative counterpart to the automatic GivenUp path — e.g. for
// an operator command that has decided a peer is gone for good.
func (m *Manager) ForgetPeer(peer sid.Sid) error {
	return m.doRequest(request{kind: reqForgetPeer, peer: peer})
}

// SendDatagram sends bytes to peer unreliably (no id).
func (m *Manager) SendDatagram(peer sid.Sid, data []byte) error {
	return m.doRequest(request{kind: reqSendDatagram, peer: peer, data: data})
}

// BroadcastDatagram sends bytes to every known peer unreliably.
func (m *Manager) BroadcastDatagram(data []byte) error {
	return m.doRequest(request{kind: reqBroadcastDatagram, data: data})
}

// SendInOrder enqueues bytes as the next reliable one-to-one sequence to
// peer.
func (m *Manager) SendInOrder(peer sid.Sid, data []byte) error {
	return m.doRequest(request{kind: reqSendInOrder, peer: peer, data: data})
}

// BroadcastInOrder enqueues bytes as the next reliable broadcast sequence
// to every known peer.
func (m *Manager) BroadcastInOrder(data []byte) error {
	return m.doRequest(request{kind: reqBroadcastInOrder, data: data})
}

// doRequest funnels a request through the single event loop and waits for
// it to be processed.
func (m *Manager) doRequest(req request) error {
	req.done = make(chan error, 1)
	m.enqueue(coreEvent{kind: coreUserRequest, request: &req})
	select {
	case err := <-req.done:
		return err
	case <-m.stopSyn:
		return fmt.Errorf("cluster: manager stopped")
	}
}

// knownPeersExceptSelf lists every known peer fan-out targets (broadcast,
// leave) should address, excluding the local Sid and any peer currently
// given up on — such a peer is invisible until freshly observed, so
// there's nothing to silently drop per-peer here.
func (m *Manager) knownPeersExceptSelf() []sid.Sid {
	var out []sid.Sid
	for _, p := range m.reach.KnownPeers() {
		if p == m.me || m.givenUp(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (m *Manager) outboundState(peer sid.Sid) *outboundStream {
	s, ok := m.outbound[peer]
	if !ok {
		s = &outboundStream{}
		m.outbound[peer] = s
	}
	return s
}

// ensureSynced sends a Synchronize to peer, carrying the current
// broadcast and one-to-one baselines, if we haven't already: it's the
// first legal message on a stream from an origin. Reliable: delivery of
// the first real message depends on the receiver having this baseline.
func (m *Manager) ensureSynced(peer sid.Sid) {
	s := m.outboundState(peer)
	if s.synced {
		return
	}
	s.synced = true
	payload := oxen.SyncPayload(m.broadcastSeq, s.oneToOne)
	out, _, err := m.rely.Send(peer, payload, true)
	if err != nil {
		log.WithFields(log.Fields{"peer": string(peer)}).WithError(err).Debug("cluster: synchronize routed best-effort")
	}
	if err := m.sendFramed(out.NextHop, out.Parcel); err != nil {
		log.WithFields(log.Fields{"peer": string(peer)}).WithError(err).Debug("cluster: synchronize send failed")
	}
}
