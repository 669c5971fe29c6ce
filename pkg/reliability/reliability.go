// Package reliability implements the Oxen reliability engine:
// per-destination outgoing message ids, the outstanding-message table,
// ack processing, and the exponential-backoff retransmit sweep.
package reliability

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/clock"
	"github.com/ajitek/oxen/pkg/oxen"
	"github.com/ajitek/oxen/pkg/reachability"
)

// Tunables holds the RETRY_BASE/RETRY_CAP configuration surface.
type Tunables struct {
	RetryBase time.Duration // default 1s
	RetryCap  int           // default 6 (-> ~64s backoff ceiling)
}

// DefaultTunables returns the engine's default tunables.
func DefaultTunables() Tunables {
	return Tunables{RetryBase: time.Second, RetryCap: 6}
}

// Router resolves the current next hop toward a destination. The
// reachability engine satisfies this; the reliability engine depends on
// its routing opinion, never the other way around.
type Router interface {
	Route(dest sid.Sid) (reachability.RouteResult, error)
}

// Entry is one row of the outstanding-message table.
type Entry struct {
	Id          oxen.MsgId
	Dest        sid.Sid
	NextHop     sid.Sid
	Payload     oxen.Payload
	FirstSendMs int64 // invariant across retransmits
	LastSendMs  int64
	RetryCount  int
}

// Outbound is a parcel the reliability engine wants emitted, addressed at
// a specific next hop (which may differ from Entry.Dest when the message
// is forwarded).
type Outbound struct {
	NextHop sid.Sid
	Parcel  oxen.Parcel
}

// ContactUpdate reports that an ack confirmed reachability to a peer (the
// acked entry's next hop) as of some timestamp, for the caller to feed into
// the reachability engine's local row: the first-send time is what
// populates the local last-contact cell upon ack.
type ContactUpdate struct {
	Peer sid.Sid
	At   int64
}

// Engine is the reliability engine instance. Like every Oxen engine it
// assumes single-threaded cooperative access.
type Engine struct {
	me     sid.Sid
	clock  clock.Clock
	router Router
	tun    Tunables

	nextId      map[sid.Sid]oxen.MsgId
	outstanding map[sid.Sid]map[oxen.MsgId]*Entry
}

// NewEngine creates a reliability Engine for the local server me, routing
// next-hop decisions through router.
func NewEngine(me sid.Sid, c clock.Clock, router Router, tun Tunables) *Engine {
	return &Engine{
		me:          me,
		clock:       c,
		router:      router,
		tun:         tun,
		nextId:      make(map[sid.Sid]oxen.MsgId),
		outstanding: make(map[sid.Sid]map[oxen.MsgId]*Entry),
	}
}

// Send frames payload addressed to dest. When wantAck is true, it
// allocates a fresh id (monotonic per dest), inserts an outstanding
// entry, and returns the id; the caller (the orchestrator) is responsible
// for piggybacking keepalive fields and emitting the resulting Outbound.
// When wantAck is false, the parcel carries no id and nothing is tracked.
func (e *Engine) Send(dest sid.Sid, payload oxen.Payload, wantAck bool) (Outbound, *oxen.MsgId, error) {
	route, routeErr := e.router.Route(dest)

	md := oxen.MsgData{To: dest, From: e.me, Data: payload}

	var id *oxen.MsgId
	if wantAck {
		next := e.nextId[dest] + 1
		e.nextId[dest] = next
		id = &next
		md.Id = id

		now := e.clock.NowMs()
		e.insert(dest, &Entry{
			Id:          next,
			Dest:        dest,
			NextHop:     route.NextHop,
			Payload:     payload,
			FirstSendMs: now,
			LastSendMs:  now,
		})
	}

	out := Outbound{NextHop: route.NextHop, Parcel: oxen.Parcel{Body: oxen.BodyMsgData, MsgData: md}}
	return out, id, routeErr
}

func (e *Engine) insert(dest sid.Sid, entry *Entry) {
	table, ok := e.outstanding[dest]
	if !ok {
		table = make(map[oxen.MsgId]*Entry)
		e.outstanding[dest] = table
	}
	table[entry.Id] = entry
}

// HandleAck processes a received "ma" body addressed to the local SID. It
// locates the matching outstanding entry by (from, id), removes it, and
// returns a ContactUpdate carrying the entry's invariant FirstSendMs as
// the new local-row contact timestamp for the entry's next hop. For a
// direct send the next hop is the acknowledging peer itself; for a
// forwarded send it is the intermediary, so the local cell for the final
// destination is left as it was. An ack with no
// matching entry (a duplicate) is silently ignored, matching the parcel's
// own re-ack idempotence.
func (e *Engine) HandleAck(ack oxen.MsgAck) *ContactUpdate {
	table, ok := e.outstanding[ack.From]
	if !ok {
		return nil
	}
	entry, ok := table[ack.Id]
	if !ok {
		return nil
	}
	delete(table, ack.Id)
	if len(table) == 0 {
		delete(e.outstanding, ack.From)
	}
	return &ContactUpdate{Peer: entry.NextHop, At: entry.FirstSendMs}
}

// Sweep re-frames every outstanding entry whose backoff deadline has
// elapsed: RETRY_BASE * 2^min(retry_count, RETRY_CAP). FirstSendMs is
// preserved; the next hop is re-resolved in case the reachability
// engine's routing opinion has changed since the last attempt. Called by
// the orchestrator on a coarse periodic timer.
func (e *Engine) Sweep() []Outbound {
	now := e.clock.NowMs()
	var due []Outbound

	for dest, table := range e.outstanding {
		for _, entry := range table {
			deadline := backoff(e.tun.RetryBase, e.tun.RetryCap, entry.RetryCount)
			if now-entry.LastSendMs < deadline.Milliseconds() {
				continue
			}

			route, err := e.router.Route(dest)
			if err != nil {
				log.WithFields(log.Fields{"dest": string(dest), "retry": entry.RetryCount}).
					Debug("reliability: retransmit routing degraded to best-effort direct send")
			}
			entry.NextHop = route.NextHop
			entry.LastSendMs = now
			entry.RetryCount++

			md := oxen.MsgData{To: entry.Dest, From: e.me, Data: entry.Payload}
			id := entry.Id
			md.Id = &id
			due = append(due, Outbound{NextHop: route.NextHop, Parcel: oxen.Parcel{Body: oxen.BodyMsgData, MsgData: md}})
		}
	}
	return due
}

// backoff computes RETRY_BASE * 2^min(retryCount, retryCap).
func backoff(base time.Duration, retryCap int, retryCount int) time.Duration {
	exp := retryCount
	if exp > retryCap {
		exp = retryCap
	}
	return base << exp
}

// DropPeer discards every outstanding entry addressed to peer, with no
// further retransmit or ack expected. Called when the reachability engine
// gives up on a peer: a transition into GivenUp drops every outstanding
// entry for that peer.
func (e *Engine) DropPeer(peer sid.Sid) int {
	table, ok := e.outstanding[peer]
	if !ok {
		return 0
	}
	n := len(table)
	delete(e.outstanding, peer)
	return n
}

// Outstanding returns the number of tracked entries for dest, for tests
// and diagnostics.
func (e *Engine) Outstanding(dest sid.Sid) int {
	return len(e.outstanding[dest])
}
