package reachability

import (
	"testing"
	"time"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/clock"
)

func testTunables() Tunables {
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

func newTestEngine() (*Engine, *clock.Fake) {
	fc := clock.NewFake(1_000_000)
	e := NewEngine(sid.New("A"), fc, testTunables())
	return e, fc
}

func TestUnknownBecomesReachableOnFreshContact(t *testing.T) {
	e, fc := newTestEngine()
	events := e.PutLocal(sid.New("B"), fc.NowMs())
	if len(events) != 1 || events[0].Kind != EventPeerUp || events[0].Expected {
		t.Fatalf("got events %+v", events)
	}
	if e.Status(sid.New("B")) != StatusReachable {
		t.Fatalf("got status %v", e.Status(sid.New("B")))
	}
}

func TestExpectJoinMarksPeerUpExpected(t *testing.T) {
	e, fc := newTestEngine()
	e.ExpectJoin(sid.New("B"))
	events := e.PutLocal(sid.New("B"), fc.NowMs())
	if len(events) != 1 || !events[0].Expected {
		t.Fatalf("got events %+v", events)
	}
}

func TestLinkGoingStaleMovesToUnreachableWithoutEvent(t *testing.T) {
	e, fc := newTestEngine()
	e.PutLocal(sid.New("B"), fc.NowMs())

	fc.Advance(31 * time.Second.Milliseconds())
	events := e.Sweep()
	if len(events) != 0 {
		t.Fatalf("expected no events on going stale, got %+v", events)
	}
	if e.Status(sid.New("B")) != StatusUnreachable {
		t.Fatalf("got status %v", e.Status(sid.New("B")))
	}
}

func TestUnreachableRevivesSilently(t *testing.T) {
	e, fc := newTestEngine()
	e.PutLocal(sid.New("B"), fc.NowMs())
	fc.Advance(31 * time.Second.Milliseconds())
	e.Sweep()
	if e.Status(sid.New("B")) != StatusUnreachable {
		t.Fatalf("precondition failed: %v", e.Status(sid.New("B")))
	}

	events := e.PutLocal(sid.New("B"), fc.NowMs())
	if len(events) != 0 {
		t.Fatalf("expected no peer-up emitted on revive from unreachable, got %+v", events)
	}
	if e.Status(sid.New("B")) != StatusReachable {
		t.Fatalf("got status %v", e.Status(sid.New("B")))
	}
}

func TestGiveUpAfterTimeoutEmitsUnexpectedPeerDown(t *testing.T) {
	e, fc := newTestEngine()
	e.PutLocal(sid.New("B"), fc.NowMs())

	fc.Advance(31 * time.Second.Milliseconds())
	e.Sweep()
	if e.Status(sid.New("B")) != StatusUnreachable {
		t.Fatalf("precondition failed: %v", e.Status(sid.New("B")))
	}

	fc.Advance(5 * time.Minute.Milliseconds())
	events := e.Sweep()
	if len(events) != 1 || events[0].Kind != EventPeerDown || events[0].Expected {
		t.Fatalf("got events %+v", events)
	}
	if e.Status(sid.New("B")) != StatusGivenUp {
		t.Fatalf("got status %v", e.Status(sid.New("B")))
	}
}

func TestReviveFromGivenUpEmitsUnexpectedPeerUp(t *testing.T) {
	e, fc := newTestEngine()
	e.PutLocal(sid.New("B"), fc.NowMs())
	fc.Advance(31 * time.Second.Milliseconds())
	e.Sweep()
	fc.Advance(5 * time.Minute.Milliseconds())
	e.Sweep()
	if e.Status(sid.New("B")) != StatusGivenUp {
		t.Fatalf("precondition failed: %v", e.Status(sid.New("B")))
	}

	events := e.PutLocal(sid.New("B"), fc.NowMs())
	if len(events) != 1 || events[0].Kind != EventPeerUp || events[0].Expected {
		t.Fatalf("got events %+v", events)
	}
}

func TestForceGivenUpEmitsExpectedPeerDown(t *testing.T) {
	e, fc := newTestEngine()
	e.PutLocal(sid.New("B"), fc.NowMs())

	events := e.ForceGivenUp(sid.New("B"), true)
	if len(events) != 1 || events[0].Kind != EventPeerDown || !events[0].Expected {
		t.Fatalf("got events %+v", events)
	}
	if e.Status(sid.New("B")) != StatusGivenUp {
		t.Fatalf("got status %v", e.Status(sid.New("B")))
	}

	// Idempotent: calling again on an already given-up peer emits nothing.
	if events := e.ForceGivenUp(sid.New("B"), true); len(events) != 0 {
		t.Fatalf("expected no-op on repeat, got %+v", events)
	}
}

func TestForgetPeerClearsMatrixRows(t *testing.T) {
	e, fc := newTestEngine()
	e.PutLocal(sid.New("B"), fc.NowMs())
	e.put(sid.New("B"), sid.New("C"), fc.NowMs())

	e.ForgetPeer(sid.New("B"))

	if _, ok := e.cellOk(sid.New("A"), sid.New("B")); ok {
		t.Fatal("expected forgotten peer's cells to be gone")
	}
	if _, ok := e.cellOk(sid.New("B"), sid.New("C")); ok {
		t.Fatal("expected forgotten peer's row to be gone")
	}
}
