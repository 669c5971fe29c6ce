package reachability

import (
	"sort"

	"github.com/RyanCarrier/dijkstra"
	log "github.com/sirupsen/logrus"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/pkg/oxenerr"
)

// RouteResult is the outcome of route(dest).
type RouteResult struct {
	// NextHop is the Sid to hand the parcel to. When Usable is false,
	// NextHop is dest itself: a best-effort direct send, the fallback
	// rule when no usable path exists.
	NextHop sid.Sid
	Usable  bool
}

// Route computes the next hop toward dest over the graph of possibly-
// usable links: shortest path by hop count, ties broken by lowest Sid
// byte-lex order at each step. If no path exists, it falls back to a
// direct best-effort send and reports ErrRoutingUnavailable via the
// returned error so callers can log/count it without treating it as
// fatal — the parcel is still emitted.
func (e *Engine) Route(dest sid.Sid) (RouteResult, error) {
	if dest == e.me {
		return RouteResult{NextHop: dest, Usable: true}, nil
	}
	now := e.clock.NowMs()

	peers := e.knownPeers.Slice()
	ids := make(map[sid.Sid]int, len(peers))
	for i, p := range peers {
		ids[p] = i
	}
	if _, ok := ids[dest]; !ok {
		return RouteResult{NextHop: dest, Usable: false}, oxenerr.Wrap(oxenerr.ErrRoutingUnavailable, "route: unknown destination")
	}

	// adjacency for our own deterministic BFS tie-break, and in parallel a
	// dijkstra.Graph carrying the same edges, queried purely as a distance
	// cross-check (the library has no hook for our lowest-Sid tie-break
	// rule, so it can't drive next-hop selection itself).
	adj := make(map[sid.Sid][]sid.Sid, len(peers))
	graph := dijkstra.NewGraph()
	for _, p := range peers {
		graph.AddVertex(ids[p])
	}
	for _, from := range peers {
		for _, to := range peers {
			if from == to || !e.usable(from, to, now) {
				continue
			}
			adj[from] = append(adj[from], to)
			if err := graph.AddArc(ids[from], ids[to], 1); err != nil {
				log.WithError(err).Debug("reachability: dijkstra graph edge rejected")
			}
		}
	}
	for _, from := range peers {
		sort.Slice(adj[from], func(i, j int) bool { return adj[from][i].Less(adj[from][j]) })
	}

	hop, dist := bfsFirstHop(e.me, dest, adj)
	if dist < 0 {
		return RouteResult{NextHop: dest, Usable: false}, oxenerr.Wrap(oxenerr.ErrRoutingUnavailable, "route: no path")
	}

	if best, err := graph.Shortest(ids[e.me], ids[dest]); err != nil {
		log.WithError(err).Debug("reachability: dijkstra found no path where BFS did")
	} else if int(best.Distance) != dist {
		log.WithFields(log.Fields{"bfs": dist, "dijkstra": best.Distance}).Warn("reachability: route distance mismatch between BFS and dijkstra")
	}

	return RouteResult{NextHop: hop, Usable: true}, nil
}

// bfsFirstHop runs an unweighted breadth-first search from src to dest over
// adj, visiting each node's neighbors in ascending Sid order so that the
// first-discovered path is also the lowest-Sid tie-break among all
// shortest paths. It returns the first hop from src and the path length,
// or ("", -1) if dest is unreachable.
func bfsFirstHop(src, dest sid.Sid, adj map[sid.Sid][]sid.Sid) (sid.Sid, int) {
	type step struct {
		node     sid.Sid
		firstHop sid.Sid
		dist     int
	}
	visited := sid.NewSet(src)
	queue := []step{{node: src, dist: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.node == dest {
			return cur.firstHop, cur.dist
		}
		for _, next := range adj[cur.node] {
			if visited.Has(next) {
				continue
			}
			visited.Add(next)
			fh := cur.firstHop
			if cur.node == src {
				fh = next
			}
			queue = append(queue, step{node: next, firstHop: fh, dist: cur.dist + 1})
		}
	}
	return "", -1
}
