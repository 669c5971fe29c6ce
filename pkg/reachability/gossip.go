package reachability

import (
	"math/rand"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/oxen"
)

// cellOk is like Get but distinguishes "never observed" from "observed at
// timestamp 0".
func (e *Engine) cellOk(observer, observed sid.Sid) (int64, bool) {
	ts, ok := e.matrix[matrixKey{observer, observed}]
	return ts, ok
}

// BuildGossip assembles an LcGossip body carrying a random subset of
// columns: the local row's values for those columns, plus any foreign row
// this node knows about that also has data for them. rng is injected so
// scenario tests can make the selection deterministic.
func (e *Engine) BuildGossip(rng *rand.Rand) oxen.LcGossip {
	peers := e.knownPeers.Slice()
	if len(peers) == 0 {
		return oxen.LcGossip{}
	}
	cols := pickRandomSids(rng, peers, e.tun.GossipFanoutCols)

	rows := make(map[sid.Sid][]oxen.RowEntry)
	for _, observer := range peers {
		var entries []oxen.RowEntry
		for _, col := range cols {
			if observer == col {
				continue
			}
			if ts, ok := e.cellOk(observer, col); ok {
				entries = append(entries, oxen.RowEntry{Col: col, At: ts})
			}
		}
		if len(entries) > 0 {
			rows[observer] = entries
		}
	}
	return oxen.LcGossip{Rows: rows, Cols: cols}
}

// SelectGossipPeers picks up to GossipFanoutPeer recipients for a gossip
// round, excluding the local Sid and any peer already given up on.
func (e *Engine) SelectGossipPeers(rng *rand.Rand) []sid.Sid {
	var candidates []sid.Sid
	for _, p := range e.knownPeers.Slice() {
		if p == e.me {
			continue
		}
		if e.Status(p) == StatusGivenUp {
			continue
		}
		candidates = append(candidates, p)
	}
	return pickRandomSids(rng, candidates, e.tun.GossipFanoutPeer)
}

// ApplyGossip merges a received LcGossip body into the matrix: every cell
// is a max-merge, and the local node's own row is never
// overwritten by a foreign claim about it — the local row changes only
// through PutLocal. Returns lifecycle events for every column whose
// classification may have shifted as a result.
func (e *Engine) ApplyGossip(g oxen.LcGossip) []Event {
	touched := sid.NewSet()
	for observer, entries := range g.Rows {
		if observer == e.me {
			continue
		}
		for _, entry := range entries {
			e.put(observer, entry.Col, entry.At)
			touched.Add(entry.Col)
		}
	}

	var events []Event
	for _, col := range touched.Slice() {
		if col == e.me {
			continue
		}
		events = append(events, e.reclassify(col)...)
	}
	return events
}

// pickRandomSids returns up to n distinct Sids drawn from pool without
// replacement, order-independent of pool's input order.
func pickRandomSids(rng *rand.Rand, pool []sid.Sid, n int) []sid.Sid {
	if n <= 0 || len(pool) == 0 {
		return nil
	}
	if n > len(pool) {
		n = len(pool)
	}
	shuffled := make([]sid.Sid, len(pool))
	copy(shuffled, pool)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}
