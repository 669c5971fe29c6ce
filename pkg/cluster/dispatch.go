package cluster

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/channel"
	"github.com/ajitek/oxen/pkg/oxen"
	"github.com/ajitek/oxen/pkg/oxenerr"
	"github.com/ajitek/oxen/pkg/reachability"
)

// sendFramed encodes, frames, and transmits parcel to nextHop, piggybacking
// keepalive fields and resetting that neighbor's idle clock. The error it
// returns is for fan-out callers to aggregate, not for routing decisions:
// a single failed neighbor send is never fatal on its own.
func (m *Manager) sendFramed(nextHop sid.Sid, parcel oxen.Parcel) error {
	if nextHop == m.me {
		return nil
	}
	addr, ok := m.addrBySid[nextHop]
	if !ok {
		return fmt.Errorf("cluster: no known address for peer %s", nextHop)
	}

	now := m.clock.NowMs()
	if id, ok := m.reach.TakePendingEcho(nextHop); ok {
		parcel.KeepaliveAck = &id
	}
	ka := m.reach.NextKeepaliveReq(nextHop, now)
	parcel.KeepaliveReq = &ka
	m.reach.NoteTrafficSent(nextHop, now)

	frame, err := frameOutbound(oxen.Encode(parcel))
	if err != nil {
		return fmt.Errorf("cluster: framing outbound parcel for %s: %w", nextHop, err)
	}
	if err := m.transport.SendTo(addr, frame); err != nil {
		return fmt.Errorf("cluster: sending to %s: %w", nextHop, err)
	}
	return nil
}

func (m *Manager) handleInbound(addr string, frame []byte) {
	encoded, err := parseInbound(frame)
	if err != nil {
		log.WithError(err).Debug("cluster: malformed datagram frame, dropping")
		return
	}
	parcel, err := oxen.Decode(encoded)
	if err != nil {
		log.WithError(err).Debug("cluster: decode error, dropping")
		return
	}

	neighbor, ok := m.sidByAddr[addr]
	if !ok {
		log.WithFields(log.Fields{"addr": addr}).Debug("cluster: datagram from unregistered address, dropping")
		return
	}

	if parcel.KeepaliveReq != nil {
		m.reach.NoteKeepaliveReceived(neighbor, *parcel.KeepaliveReq)
	}
	if parcel.KeepaliveAck != nil {
		m.emitLifecycle(m.reach.ResolveEchoedKeepalive(neighbor, *parcel.KeepaliveAck))
	}

	switch parcel.Body {
	case oxen.BodyMsgData:
		m.handleMsgData(neighbor, parcel.MsgData)
	case oxen.BodyMsgAck:
		m.handleMsgAck(parcel.MsgAck)
	case oxen.BodyLcGossip:
		m.emitLifecycle(m.reach.ApplyGossip(parcel.LcGossip))
	case oxen.BodyNone:
		// bare keepalive parcel: already handled above.
	}
}

// givenUp reports whether peer is currently invisible: traffic to or from
// a given-up peer is dropped until a fresh observation revives it, rather
// than routed best-effort.
func (m *Manager) givenUp(peer sid.Sid) bool {
	return m.reach.Status(peer) == reachability.StatusGivenUp
}

func (m *Manager) forward(to sid.Sid, parcel oxen.Parcel) {
	if m.givenUp(to) {
		log.WithFields(log.Fields{"dest": string(to)}).
			WithError(oxenerr.ErrGivenUpDrop).Debug("cluster: dropping parcel to a given-up peer")
		return
	}
	route, err := m.reach.Route(to)
	if err != nil {
		log.WithFields(log.Fields{"dest": string(to)}).Debug("cluster: forwarding best-effort, no usable route")
	}
	if err := m.sendFramed(route.NextHop, parcel); err != nil {
		log.WithError(err).Debug("cluster: forward failed")
	}
}

func (m *Manager) handleMsgAck(ack oxen.MsgAck) {
	if m.givenUp(ack.From) {
		log.WithFields(log.Fields{"from": string(ack.From)}).
			WithError(oxenerr.ErrGivenUpDrop).Debug("cluster: dropping ack from a given-up peer")
		return
	}
	if ack.To != m.me {
		m.forward(ack.To, oxen.Parcel{Body: oxen.BodyMsgAck, MsgAck: ack})
		return
	}
	update := m.rely.HandleAck(ack)
	if update == nil {
		return // duplicate ack, no matching outstanding entry
	}
	m.emitLifecycle(m.reach.PutLocal(update.Peer, update.At))
}

func (m *Manager) handleMsgData(neighbor sid.Sid, md oxen.MsgData) {
	if m.givenUp(md.From) {
		log.WithFields(log.Fields{"from": string(md.From)}).
			WithError(oxenerr.ErrGivenUpDrop).Debug("cluster: dropping message data from a given-up peer")
		return
	}
	if md.To != m.me {
		m.forward(md.To, oxen.Parcel{Body: oxen.BodyMsgData, MsgData: md})
		return
	}

	closedNow := m.deliverToSelf(md)
	if closedNow {
		m.emitLifecycle(m.reach.ForceGivenUp(md.From, true))
	}

	if md.Id != nil {
		ack := oxen.MsgAck{To: md.From, From: m.me, Id: *md.Id}
		m.forward(md.From, oxen.Parcel{Body: oxen.BodyMsgAck, MsgAck: ack})
	}
}

// deliverToSelf applies a received md addressed to us to the channel
// engine (for ordered streams) or directly to the event queue (for
// unreliable raw data), and reports whether the origin's stream pair
// closed as a result.
func (m *Manager) deliverToSelf(md oxen.MsgData) bool {
	switch md.Data.Kind {
	case oxen.DataRaw:
		m.emit(Event{Kind: EventMessageArrived, Origin: md.From, Data: md.Data.Raw, Stream: StreamUnreliable})
		return false

	case oxen.DataSync:
		if err := m.chans.HandleSynchronize(md.From, md.Data.Sync); err != nil {
			m.logProtocolError(md.From, err)
		}
		return false

	case oxen.DataFinal:
		closedNow, err := m.chans.HandleFinalize(md.From, md.Data.Final)
		if err != nil {
			m.logProtocolError(md.From, err)
		}
		return closedNow

	case oxen.DataBroadcast, oxen.DataOneToOne:
		stream := channel.StreamBroadcast
		kind := StreamBroadcastKind
		if md.Data.Kind == oxen.DataOneToOne {
			stream = channel.StreamOneToOne
			kind = StreamOneToOne
		}
		delivered, closedNow, err := m.chans.HandleData(md.From, stream, md.Data.Seq, md.Data.Data)
		if err != nil {
			m.logProtocolError(md.From, err)
		}
		for _, d := range delivered {
			m.emit(Event{Kind: EventMessageArrived, Origin: d.Origin, Data: d.Data, Stream: kind})
		}
		return closedNow
	}
	return false
}

func (m *Manager) logProtocolError(origin sid.Sid, err error) {
	if errors.Is(err, oxenerr.ErrProtocol) {
		log.WithFields(log.Fields{"origin": string(origin)}).WithError(err).Warn("cluster: protocol error, parcel still acked")
		return
	}
	log.WithError(err).Warn("cluster: unexpected channel error")
}

func (m *Manager) handleRetransmitTick() {
	var merr *multierror.Error
	for _, out := range m.rely.Sweep() {
		if err := m.sendFramed(out.NextHop, out.Parcel); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		log.WithError(merr).Debug("cluster: retransmit sweep had send errors")
	}
}

func (m *Manager) handleKeepaliveTick() {
	now := m.clock.NowMs()

	// Re-evaluate every known peer's classification against the clock
	// alone: a peer that has gone completely silent (no acks, no gossip,
	// no keepalive echoes) would otherwise never notice its own
	// LinkStale/GiveupAfter dwell time elapsing.
	m.emitLifecycle(m.reach.Sweep())

	var merr *multierror.Error
	for peer := range m.addrBySid {
		if !m.reach.NeedsStandaloneKeepalive(peer, now) {
			continue
		}
		if err := m.sendFramed(peer, oxen.Parcel{}); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		log.WithError(merr).Debug("cluster: keepalive round had send errors")
	}
}

// handleGossipTick fans a gossip round out to the peers the reachability
// engine selected, aggregating per-peer send failures with go-multierror:
// one unreachable gossip recipient should never hide failures on the
// others — a gossip round has no single "the" destination to report
// against.
func (m *Manager) handleGossipTick() {
	peers := m.reach.SelectGossipPeers(m.rng)
	if len(peers) == 0 {
		return
	}
	g := m.reach.BuildGossip(m.rng)

	var merr *multierror.Error
	for _, peer := range peers {
		if _, ok := m.addrBySid[peer]; !ok {
			continue
		}
		if err := m.sendFramed(peer, oxen.Parcel{Body: oxen.BodyLcGossip, LcGossip: g}); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		log.WithError(merr).Debug("cluster: gossip round had send errors")
	}
}
