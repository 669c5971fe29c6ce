// Package reachability implements the Oxen reachability engine: the
// last-contact matrix, gossip merging, usable/unusable link classification,
// forwarding's next-hop selection, and the give-up/revive peer lifecycle.
package reachability

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/clock"
)

// Tunables holds the reachability-related configuration surface.
type Tunables struct {
	LinkStale   time.Duration // default 30s
	GiveupAfter time.Duration // default 5m

	GossipPeriod     time.Duration // default 5s
	GossipFanoutCols int           // default 3
	GossipFanoutPeer int           // default 1

	KeepaliveIdle      time.Duration // default 10s
	KeepaliveEchoDelay time.Duration // default 1s
}

// DefaultTunables returns the engine's default tunables.
func DefaultTunables() Tunables {
	return Tunables{
		LinkStale:          30 * time.Second,
		GiveupAfter:        5 * time.Minute,
		GossipPeriod:       5 * time.Second,
		GossipFanoutCols:   3,
		GossipFanoutPeer:   1,
		KeepaliveIdle:      10 * time.Second,
		KeepaliveEchoDelay: time.Second,
	}
}

// Status is a peer's position in the classification state machine.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusReachable
	StatusUnreachable
	StatusGivenUp
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusReachable:
		return "reachable"
	case StatusUnreachable:
		return "unreachable"
	case StatusGivenUp:
		return "given-up"
	default:
		return "invalid"
	}
}

// EventKind distinguishes peer-up from peer-down.
type EventKind uint8

const (
	EventPeerUp EventKind = iota
	EventPeerDown
)

// Event is a peer lifecycle transition to be translated into a user event
// by the orchestrator.
type Event struct {
	Kind     EventKind
	Peer     sid.Sid
	Expected bool
}

type matrixKey struct {
	observer sid.Sid
	observed sid.Sid
}

type peerState struct {
	status Status
	// sinceMs is when the peer entered StatusUnreachable; used to evaluate
	// GiveupAfter dwell time. Meaningless in other states.
	sinceMs int64
	// expectNextUp, when true, marks that the *next* transition into
	// Reachable for this peer should be reported as "expected" (an
	// explicit join handshake succeeded), then is cleared.
	expectNextUp bool
}

// Engine is the reachability engine instance. It is not safe for
// concurrent use from multiple goroutines; callers must serialize access —
// a single-threaded cooperative core owns all engine state.
type Engine struct {
	me    sid.Sid
	clock clock.Clock
	tun   Tunables

	matrix     map[matrixKey]int64
	knownPeers sid.Set

	peers map[sid.Sid]*peerState
	ka    keepalive
}

// NewEngine creates a reachability Engine for the local server me.
func NewEngine(me sid.Sid, c clock.Clock, tun Tunables) *Engine {
	return &Engine{
		me:         me,
		clock:      c,
		tun:        tun,
		matrix:     make(map[matrixKey]int64),
		knownPeers: sid.NewSet(me),
		peers:      make(map[sid.Sid]*peerState),
		ka:         newKeepalive(),
	}
}

// Get returns the last recorded contact timestamp for the (observer,
// observed) cell, or 0 (negative infinity, for our purposes) if unknown.
func (e *Engine) Get(observer, observed sid.Sid) int64 {
	return e.matrix[matrixKey{observer, observed}]
}

func (e *Engine) state(peer sid.Sid) *peerState {
	ps, ok := e.peers[peer]
	if !ok {
		ps = &peerState{status: StatusUnknown}
		e.peers[peer] = ps
	}
	return ps
}

// Status reports a peer's current classification.
func (e *Engine) Status(peer sid.Sid) Status {
	return e.state(peer).status
}

// put records a (observer, observed) contact, enforcing the invariant that
// cells keep the max of all observations (gossip monotonicity). Self-edges
// are skipped: they don't exist in the graph.
func (e *Engine) put(observer, observed sid.Sid, at int64) {
	if observer == observed {
		return
	}
	e.knownPeers.Add(observer)
	e.knownPeers.Add(observed)

	key := matrixKey{observer, observed}
	if cur, ok := e.matrix[key]; !ok || at > cur {
		e.matrix[key] = at
	}
}

// PutLocal records a local-row contact with observed, i.e. the local node
// has just confirmed reachability to observed at time at (via ack or
// keepalive echo — the only two paths allowed to write the local row).
// It reclassifies observed and returns any resulting lifecycle events.
func (e *Engine) PutLocal(observed sid.Sid, at int64) []Event {
	e.put(e.me, observed, at)
	return e.reclassify(observed)
}

// ExpectJoin marks that the next transition of peer into Reachable should
// be reported as an expected peer-up (an explicit join handshake in
// progress).
func (e *Engine) ExpectJoin(peer sid.Sid) {
	e.state(peer).expectNextUp = true
}

// ForgetPeer removes a peer from the known-peers bookkeeping: an
// administrative forget independent of reachability classification. It
// does not emit a peer-down; classification-driven give-up is the only
// path to that.
func (e *Engine) ForgetPeer(peer sid.Sid) {
	e.knownPeers.Remove(peer)
	delete(e.peers, peer)
	for k := range e.matrix {
		if k.observer == peer || k.observed == peer {
			delete(e.matrix, k)
		}
	}
}

// ForceGivenUp transitions peer directly to StatusGivenUp, used when the
// ordered-channel engine drains a Finalize and the orchestrator wants to
// induce an *expected* peer-down: a Finalize received from the peer
// induces an expected peer-down only after the stream engines drain.
func (e *Engine) ForceGivenUp(peer sid.Sid, expected bool) []Event {
	ps := e.state(peer)
	if ps.status == StatusGivenUp {
		return nil
	}
	ps.status = StatusGivenUp
	return []Event{{Kind: EventPeerDown, Peer: peer, Expected: expected}}
}

// usable reports whether the (from, to) link is possibly usable at now.
// Self-edges are never usable.
func (e *Engine) usable(from, to sid.Sid, now int64) bool {
	if from == to {
		return false
	}
	last := e.Get(from, to)
	if last == 0 {
		return false
	}
	return now-last <= e.tun.LinkStale.Milliseconds()
}

// reachable reports whether any known row has a possibly-usable link to
// peer.
func (e *Engine) reachable(peer sid.Sid, now int64) bool {
	for p := range e.knownPeers {
		if p == peer {
			continue
		}
		if e.usable(p, peer, now) {
			return true
		}
	}
	return false
}

// reclassify recomputes peer's status against the matrix as of now,
// applying the classification state machine, and returns any lifecycle
// events.
func (e *Engine) reclassify(peer sid.Sid) []Event {
	now := e.clock.NowMs()
	ps := e.state(peer)
	usableNow := e.reachable(peer, now)

	var events []Event

	switch ps.status {
	case StatusUnknown:
		if usableNow {
			expected := ps.expectNextUp
			ps.expectNextUp = false
			ps.status = StatusReachable
			events = append(events, Event{Kind: EventPeerUp, Peer: peer, Expected: expected})
			log.WithFields(log.Fields{"peer": string(peer), "expected": expected}).Info("peer became reachable")
		}

	case StatusReachable:
		if !usableNow {
			ps.status = StatusUnreachable
			ps.sinceMs = now
			log.WithFields(log.Fields{"peer": string(peer)}).Debug("peer link gone stale")
		}

	case StatusUnreachable:
		if usableNow {
			ps.status = StatusReachable
			log.WithFields(log.Fields{"peer": string(peer)}).Debug("peer link revived before give-up")
		} else if now-ps.sinceMs >= e.tun.GiveupAfter.Milliseconds() {
			ps.status = StatusGivenUp
			events = append(events, Event{Kind: EventPeerDown, Peer: peer, Expected: false})
			log.WithFields(log.Fields{"peer": string(peer)}).Info("peer given up")
		}

	case StatusGivenUp:
		if usableNow {
			expected := ps.expectNextUp
			ps.expectNextUp = false
			ps.status = StatusReachable
			events = append(events, Event{Kind: EventPeerUp, Peer: peer, Expected: expected})
			log.WithFields(log.Fields{"peer": string(peer), "expected": expected}).Info("given-up peer revived")
		}
	}

	return events
}

// Sweep re-evaluates every known peer's classification against the
// current clock, without any new observation. This is what notices a
// peer going quiet for GiveupAfter with no further traffic at all; the
// orchestrator calls it on a periodic timer.
func (e *Engine) Sweep() []Event {
	var events []Event
	for _, peer := range e.knownPeers.Slice() {
		if peer == e.me {
			continue
		}
		events = append(events, e.reclassify(peer)...)
	}
	return events
}

// KnownPeers returns the set of Sids that have appeared in any row or
// column of the matrix, including the local Sid.
func (e *Engine) KnownPeers() []sid.Sid {
	return e.knownPeers.Slice()
}
