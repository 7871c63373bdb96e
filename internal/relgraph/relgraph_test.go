package relgraph

import (
	"reflect"
	"sort"
	"testing"
)

// fakeStore is a small in-memory tuple store for traversal tests,
// independent of internal/mergetree.
type fakeStore struct {
	forward map[string][]Edge
	reverse map[string][]Edge
}

func (f *fakeStore) Forward(id string) []Edge { return f.forward[id] }
func (f *fakeStore) Reverse(id string) []Edge { return f.reverse[id] }

func newStore() *fakeStore {
	return &fakeStore{forward: map[string][]Edge{}, reverse: map[string][]Edge{}}
}

func (f *fakeStore) link(from, predicate, reverse, to string) {
	f.forward[from] = append(f.forward[from], Edge{Predicate: predicate, ID: to})
	f.reverse[to] = append(f.reverse[to], Edge{Predicate: reverse, ID: from})
}

func ids(visits []Visit) []string {
	out := make([]string, len(visits))
	for i, v := range visits {
		out[i] = v.ID
	}
	sort.Strings(out)
	return out
}

func TestBFSVisitsEachReachableNodeOnceAcrossACycle(t *testing.T) {
	store := newStore()
	store.link("a", "next", "prev", "b")
	store.link("b", "next", "prev", "c")
	store.link("c", "next", "prev", "a") // cycle back to a

	visits := BFS(store, "a", Options{})
	got := ids(visits)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BFS visited %v, want %v", got, want)
	}
	if visits[0].ID != "a" || visits[0].Depth != 0 {
		t.Fatalf("expected start at depth 0, got %+v", visits[0])
	}
}

func TestBFSRespectsMaxDepth(t *testing.T) {
	store := newStore()
	store.link("a", "next", "prev", "b")
	store.link("b", "next", "prev", "c")

	visits := BFS(store, "a", Options{MaxDepth: 1})
	got := ids(visits)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BFS with MaxDepth=1 visited %v, want %v", got, want)
	}
}

func TestBFSPredicateFilterExcludesEdges(t *testing.T) {
	store := newStore()
	store.link("a", "authoredBy", "authorOf", "b")
	store.link("a", "cites", "citedBy", "c")

	visits := BFS(store, "a", Options{Predicate: func(p string) bool { return p == "authoredBy" }})
	got := ids(visits)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("filtered BFS visited %v, want %v", got, want)
	}
}

func TestDFSFollowsInboundEdgesWhenDirectionIsInbound(t *testing.T) {
	store := newStore()
	store.link("a", "authoredBy", "authorOf", "b") // a -> b forward, b -> a reverse

	visits := DFS(store, "b", Options{Direction: Inbound})
	got := ids(visits)
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("inbound DFS from b visited %v, want %v", got, want)
	}
}

func TestBothDirectionVisitsForwardAndReverseNeighbors(t *testing.T) {
	store := newStore()
	store.link("a", "authoredBy", "authorOf", "b")
	store.link("c", "authoredBy", "authorOf", "b") // c -> b forward, so b's reverse has c

	visits := BFS(store, "b", Options{Direction: Both})
	got := ids(visits)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("both-direction BFS from b visited %v, want %v", got, want)
	}
}
