package reachability

import (
	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/oxen"
)

type kaKey struct {
	neighbor sid.Sid
	id       oxen.KeepaliveId
}

// keepalive holds the ka/kk bookkeeping, scoped per (local, neighbor)
// pair: the next id to allocate when
// sending a ka to a neighbor, the send times of ka's we're still waiting
// to see echoed back as kk, the most recent still-unanswered ka we've
// received from each neighbor (awaiting our own echo), and the last time
// any traffic flowed to each neighbor (for the KEEPALIVE_IDLE timer).
type keepalive struct {
	nextId      map[sid.Sid]oxen.KeepaliveId
	sent        map[kaKey]int64
	pendingEcho map[sid.Sid]oxen.KeepaliveId
	lastTraffic map[sid.Sid]int64
}

func newKeepalive() keepalive {
	return keepalive{
		nextId:      make(map[sid.Sid]oxen.KeepaliveId),
		sent:        make(map[kaKey]int64),
		pendingEcho: make(map[sid.Sid]oxen.KeepaliveId),
		lastTraffic: make(map[sid.Sid]int64),
	}
}

// NoteTrafficSent records that a parcel (of any kind) was just sent to
// neighbor, resetting its KEEPALIVE_IDLE clock.
func (e *Engine) NoteTrafficSent(neighbor sid.Sid, now int64) {
	e.ka.lastTraffic[neighbor] = now
}

// NeedsStandaloneKeepalive reports whether no traffic has flowed to
// neighbor for KEEPALIVE_IDLE, meaning the orchestrator should emit a bare
// ka/kk-only parcel.
func (e *Engine) NeedsStandaloneKeepalive(neighbor sid.Sid, now int64) bool {
	last, ok := e.ka.lastTraffic[neighbor]
	if !ok {
		return true
	}
	return now-last >= e.tun.KeepaliveIdle.Milliseconds()
}

// NextKeepaliveReq allocates a fresh ka id bound to (neighbor, now), to be
// attached to the next outbound parcel to neighbor. The send time is
// remembered so that when the neighbor eventually echoes it back as kk,
// the original send time becomes the new local-row contact timestamp.
func (e *Engine) NextKeepaliveReq(neighbor sid.Sid, now int64) oxen.KeepaliveId {
	id := e.ka.nextId[neighbor] + 1
	e.ka.nextId[neighbor] = id
	e.ka.sent[kaKey{neighbor, id}] = now
	return id
}

// NoteKeepaliveReceived records that neighbor sent us a ka with id,
// becoming the most recent still-unanswered ka from that neighbor: kk
// always echoes the *most recent* one, superseding any earlier unanswered
// ka.
func (e *Engine) NoteKeepaliveReceived(neighbor sid.Sid, id oxen.KeepaliveId) {
	e.ka.pendingEcho[neighbor] = id
}

// TakePendingEcho returns and clears the ka awaiting an echo to neighbor,
// if any, for the orchestrator to attach as kk on the next outbound
// parcel.
func (e *Engine) TakePendingEcho(neighbor sid.Sid) (oxen.KeepaliveId, bool) {
	id, ok := e.ka.pendingEcho[neighbor]
	if ok {
		delete(e.ka.pendingEcho, neighbor)
	}
	return id, ok
}

// ResolveEchoedKeepalive processes a kk with id received from neighbor: if
// it matches a ka we sent and are still waiting on, the local row gains a
// fresh contact timestamp at that ka's original send time (only acks and
// keepalive echoes may write the local row), and the resulting lifecycle
// events are returned. An unmatched id (stale duplicate, or a kk for an id
// we never sent) is silently ignored.
func (e *Engine) ResolveEchoedKeepalive(neighbor sid.Sid, id oxen.KeepaliveId) []Event {
	key := kaKey{neighbor, id}
	sentAt, ok := e.ka.sent[key]
	if !ok {
		return nil
	}
	delete(e.ka.sent, key)
	return e.PutLocal(neighbor, sentAt)
}
