// Package channel implements the Oxen ordered-channel engine: per-origin
// broadcast and one-to-one sequence buffers, Synchronize/Finalize framing,
// and gap-tolerant in-order release, independent of the reliability layer.
package channel

import (
	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/oxen"
	"github.com/ajitek/oxen/pkg/oxenerr"
)

// Stream distinguishes the two independent sequence spaces per origin.
type Stream uint8

const (
	StreamBroadcast Stream = iota
	StreamOneToOne
)

func (s Stream) String() string {
	if s == StreamBroadcast {
		return "broadcast"
	}
	return "one-to-one"
}

// Phase is the per-origin lifecycle state.
type Phase uint8

const (
	PhaseUnknown Phase = iota
	PhaseSynced
	PhaseFinalizing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseSynced:
		return "synced"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Delivery is one payload released to the user, in order, for a given
// (origin, stream).
type Delivery struct {
	Origin sid.Sid
	Stream Stream
	Seq    oxen.SeqNum
	Data   []byte
}

// streamState is one of the two {broadcast, oneone} buffers making up a
// peer's stream state.
type streamState struct {
	initialized   bool
	initialSeq    oxen.SeqNum // the baseline from Synchronize, remembered for retransmission checks
	lastDelivered oxen.SeqNum
	finalizeSeq   *oxen.SeqNum
	buffer        map[oxen.SeqNum][]byte
}

func newStreamState() *streamState {
	return &streamState{buffer: make(map[oxen.SeqNum][]byte)}
}

// reachedFinalize reports whether this stream has drained every message up
// to its own finalize sequence. It is false while no finalize has been
// announced, and true at once for a finalize mark at or below what has
// already been delivered (e.g. a stream that never carried anything).
func (s *streamState) reachedFinalize() bool {
	return s.finalizeSeq != nil && s.lastDelivered >= *s.finalizeSeq
}

// peerStream is the full per-origin state: phase plus the two streams.
type peerStream struct {
	phase     Phase
	broadcast *streamState
	oneone    *streamState
}

func newPeerStream() *peerStream {
	return &peerStream{broadcast: newStreamState(), oneone: newStreamState()}
}

func (p *peerStream) stream(s Stream) *streamState {
	if s == StreamBroadcast {
		return p.broadcast
	}
	return p.oneone
}

// Engine is the ordered-channel engine instance, tracking every known
// remote origin's stream state.
type Engine struct {
	peers map[sid.Sid]*peerStream
}

// NewEngine creates an empty ordered-channel Engine.
func NewEngine() *Engine {
	return &Engine{peers: make(map[sid.Sid]*peerStream)}
}

func (e *Engine) peer(origin sid.Sid) *peerStream {
	p, ok := e.peers[origin]
	if !ok {
		p = newPeerStream()
		e.peers[origin] = p
	}
	return p
}

// Phase reports origin's current per-stream-pair phase.
func (e *Engine) Phase(origin sid.Sid) Phase {
	return e.peer(origin).phase
}

// HandleSynchronize processes a Synchronize sub-body from origin carrying
// marks{b, 1}. The first Synchronize on an unknown origin sets the
// baseline last_delivered_seq for both streams and moves phase to Synced.
// A Synchronize received afterward is only legal as an exact
// retransmission of those same marks; any mismatch is a protocol error.
func (e *Engine) HandleSynchronize(origin sid.Sid, marks oxen.StreamMarks) error {
	p := e.peer(origin)

	if p.phase == PhaseUnknown {
		p.broadcast.initialized = true
		p.broadcast.initialSeq = marks.Broadcast
		p.broadcast.lastDelivered = marks.Broadcast
		p.oneone.initialized = true
		p.oneone.initialSeq = marks.OneToOne
		p.oneone.lastDelivered = marks.OneToOne
		p.phase = PhaseSynced
		log.WithFields(log.Fields{"origin": string(origin), "b": marks.Broadcast, "1": marks.OneToOne}).
			Debug("channel: stream synchronized")
		return nil
	}

	if marks.Broadcast != p.broadcast.initialSeq || marks.OneToOne != p.oneone.initialSeq {
		return oxenerr.Wrap(oxenerr.ErrProtocol, "channel: synchronize mismatch against remembered baseline")
	}
	return nil // retransmission of the same Synchronize: a no-op
}

// HandleData processes a Broadcast/One-to-one sub-body: data at sequence
// seq on stream for origin. It returns the payloads newly released to the
// user in sequence order (possibly more than one, if this fills a gap),
// and whether origin's overall phase transitioned to Closed as a result
// (meaning the orchestrator should induce an expected peer-down).
func (e *Engine) HandleData(origin sid.Sid, stream Stream, seq oxen.SeqNum, data []byte) ([]Delivery, bool, error) {
	p := e.peer(origin)

	if p.phase == PhaseUnknown {
		return nil, false, oxenerr.Wrap(oxenerr.ErrProtocol, "channel: data received before synchronize")
	}
	if p.phase == PhaseClosed {
		return nil, false, nil // already closed: drop silently, no error event
	}

	s := p.stream(stream)
	if seq <= s.lastDelivered {
		return nil, false, nil // already delivered or pre-baseline: drop
	}

	s.buffer[seq] = data
	var delivered []Delivery
	for {
		next := s.lastDelivered + 1
		payload, ok := s.buffer[next]
		if !ok {
			break
		}
		delete(s.buffer, next)
		s.lastDelivered = next
		delivered = append(delivered, Delivery{Origin: origin, Stream: stream, Seq: next, Data: payload})
	}

	closedNow := e.maybeClose(p)
	return delivered, closedNow, nil
}

// HandleFinalize processes a Finalize sub-body from origin carrying
// marks{b, 1}: each stream's respective mark becomes its finalize
// sequence, and phase moves to Finalizing (unless both streams have
// already drained everything up to those marks, in which case it moves
// straight to Closed).
func (e *Engine) HandleFinalize(origin sid.Sid, marks oxen.StreamMarks) (bool, error) {
	p := e.peer(origin)
	if p.phase == PhaseClosed {
		return false, nil
	}

	if marks.Broadcast < p.broadcast.lastDelivered || marks.OneToOne < p.oneone.lastDelivered {
		return false, oxenerr.Wrap(oxenerr.ErrProtocol, "channel: finalize sequence less than last delivered")
	}

	b := marks.Broadcast
	o := marks.OneToOne
	p.broadcast.finalizeSeq = &b
	p.oneone.finalizeSeq = &o
	// A Finalize with no prior Synchronize still establishes a baseline
	// implicitly: nothing was ever sent on either stream, so
	// lastDelivered's zero value is already the correct starting point.
	p.phase = PhaseFinalizing

	return e.maybeClose(p), nil
}

func (e *Engine) maybeClose(p *peerStream) bool {
	if p.phase != PhaseFinalizing {
		return false
	}
	if p.broadcast.reachedFinalize() && p.oneone.reachedFinalize() {
		p.phase = PhaseClosed
		return true
	}
	return false
}

// Forget discards all stream state for origin, e.g. once its expected
// peer-down has been delivered to the user.
func (e *Engine) Forget(origin sid.Sid) {
	delete(e.peers, origin)
}
