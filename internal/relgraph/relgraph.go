// Package relgraph is the consumer-side graph traversal helper named in
// SPEC_FULL §9 "Cyclic entity graphs": the core only stores RelLine tuples
// (via internal/mergetree's Link/Unlink and Forward/Reverse accessors);
// walking them into a graph is left to a caller, demonstrated here with a
// visited-set BFS/DFS over a caller-supplied depth and predicate filter.
package relgraph

// Edge is one tuple-store edge as seen from one endpoint: the predicate
// under which it was recorded and the id at the other end.
type Edge struct {
	Predicate string
	ID        string
}

// Store is the minimal tuple-store contract relgraph traverses.
// *mergetree.Engine satisfies this via its Forward/Reverse methods.
type Store interface {
	// Forward returns every outbound edge recorded for id.
	Forward(id string) []Edge
	// Reverse returns every inbound edge recorded for id.
	Reverse(id string) []Edge
}

// Direction selects which edges Walk follows from each node.
type Direction int

const (
	// Outbound follows only Forward edges.
	Outbound Direction = iota
	// Inbound follows only Reverse edges.
	Inbound
	// Both follows Forward and Reverse edges from every node.
	Both
)

// Options bounds a traversal.
type Options struct {
	// MaxDepth caps how many edges from Start a node may be reached by.
	// Zero means unbounded.
	MaxDepth int
	// Direction selects which edge set to follow. Zero value is Outbound.
	Direction Direction
	// Predicate, if non-nil, filters which edges are followed; an edge is
	// traversed only when Predicate(edge.Predicate) is true.
	Predicate func(predicate string) bool
}

// Visit is one node reached during a traversal, along with its distance
// in edges from Start (Start itself is depth 0).
type Visit struct {
	ID    string
	Depth int
}

func (o Options) allows(predicate string) bool {
	return o.Predicate == nil || o.Predicate(predicate)
}

func (o Options) edgesOf(store Store, id string) []Edge {
	switch o.Direction {
	case Inbound:
		return store.Reverse(id)
	case Both:
		return append(append([]Edge{}, store.Forward(id)...), store.Reverse(id)...)
	default:
		return store.Forward(id)
	}
}

// BFS walks the tuple store breadth-first from start, visiting each
// reachable node at most once (cycles are handled via a visited set) and
// returning visits in non-decreasing depth order. start itself is
// included at depth 0.
func BFS(store Store, start string, opts Options) []Visit {
	visited := map[string]bool{start: true}
	queue := []Visit{{ID: start, Depth: 0}}
	out := make([]Visit, 0, 1)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)

		if opts.MaxDepth > 0 && cur.Depth >= opts.MaxDepth {
			continue
		}
		for _, edge := range opts.edgesOf(store, cur.ID) {
			if !opts.allows(edge.Predicate) || visited[edge.ID] {
				continue
			}
			visited[edge.ID] = true
			queue = append(queue, Visit{ID: edge.ID, Depth: cur.Depth + 1})
		}
	}
	return out
}

// DFS walks the tuple store depth-first from start, visiting each
// reachable node at most once. Traversal order among siblings follows
// the order Store returns their edges in, which is unspecified for a
// map-backed Store.
func DFS(store Store, start string, opts Options) []Visit {
	visited := map[string]bool{start: true}
	out := make([]Visit, 0, 1)

	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		out = append(out, Visit{ID: id, Depth: depth})
		if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
			return
		}
		for _, edge := range opts.edgesOf(store, id) {
			if !opts.allows(edge.Predicate) || visited[edge.ID] {
				continue
			}
			visited[edge.ID] = true
			walk(edge.ID, depth+1)
		}
	}
	walk(start, 0)
	return out
}
