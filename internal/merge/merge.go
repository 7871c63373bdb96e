// Package merge implements the three-way event-stream merge: base/ours/
// theirs event sequences are compared per target, auto-merging disjoint
// changes and commutative ops, and surfacing the rest as conflicts — the
// union-by-id merge in the teacher's sync package generalized from a
// two-way dedup to a true three-way diff with conflict classification.
package merge

import (
	"reflect"
	"sort"

	"github.com/leonletto/ledgerdb/internal/types"
)

type ConflictType string

const (
	ConflictDeleteUpdate   ConflictType = "delete_update"
	ConflictCreateCreate   ConflictType = "create_create"
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
)

// Conflict records one unresolved divergence between ours and theirs.
type Conflict struct {
	Type      ConflictType
	Target    string
	OurEvent  types.Event
	TheirEvent types.Event
	Field     string
}

// Resolution records how a conflict was auto-resolved by a strategy.
type Resolution struct {
	Conflict Conflict
	Winner   types.Event
	Strategy string
}

// AutoMerge records one field-level merge that needed no conflict because
// only one side touched the field, or because both sides applied a
// commutative op.
type AutoMerge struct {
	Target string
	Field  string
	Detail string
}

// Result is the outcome of a three-way merge.
type Result struct {
	Success      bool
	MergedEvents []types.Event
	Conflicts    []Conflict
	AutoMerged   []AutoMerge
	Resolved     []Resolution
}

// Strategy picks a winner for conflicts that could not auto-resolve.
type Strategy string

const (
	StrategyOurs   Strategy = "ours"
	StrategyTheirs Strategy = "theirs"
	StrategyLatest Strategy = "latest"
)

// Merge compares baseEvents/ourEvents/theirEvents, grouped by target, and
// produces a merged stream plus any conflicts. If strategy is non-empty,
// every remaining conflict is resolved by it instead of being returned.
func Merge(baseEvents, ourEvents, theirEvents []types.Event, strategy Strategy) Result {
	base := groupByTarget(baseEvents)
	ours := groupByTarget(ourEvents)
	theirs := groupByTarget(theirEvents)

	targets := unionTargets(base, ours, theirs)

	var result Result
	result.Success = true

	for _, target := range targets {
		ourSeq := ours[target]
		theirSeq := theirs[target]

		switch {
		case len(ourSeq) == 0:
			result.MergedEvents = append(result.MergedEvents, theirSeq...)
		case len(theirSeq) == 0:
			result.MergedEvents = append(result.MergedEvents, ourSeq...)
		default:
			merged, conflicts, autos := mergeTarget(target, ourSeq, theirSeq)
			result.MergedEvents = append(result.MergedEvents, merged...)
			result.AutoMerged = append(result.AutoMerged, autos...)

			for _, c := range conflicts {
				if strategy == "" {
					result.Conflicts = append(result.Conflicts, c)
					continue
				}
				winner, ok := resolve(c, strategy)
				if !ok {
					result.Conflicts = append(result.Conflicts, c)
					continue
				}
				result.Resolved = append(result.Resolved, Resolution{Conflict: c, Winner: winner, Strategy: string(strategy)})
				result.MergedEvents = append(result.MergedEvents, winner)
			}
		}
	}

	sortEvents(result.MergedEvents)
	result.Success = len(result.Conflicts) == 0
	return result
}

func groupByTarget(events []types.Event) map[string][]types.Event {
	out := make(map[string][]types.Event)
	for _, e := range events {
		out[e.Target] = append(out[e.Target], e)
	}
	for k := range out {
		sortEvents(out[k])
	}
	return out
}

func unionTargets(maps ...map[string][]types.Event) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

func lastOp(seq []types.Event) types.Op {
	if len(seq) == 0 {
		return ""
	}
	return seq[len(seq)-1].Op
}

func mergeTarget(target string, ourSeq, theirSeq []types.Event) ([]types.Event, []Conflict, []AutoMerge) {
	ourLast := lastOp(ourSeq)
	theirLast := lastOp(theirSeq)

	if ourLast == types.OpDelete && theirLast == types.OpDelete {
		return []types.Event{ourSeq[len(ourSeq)-1]}, nil, nil
	}
	if ourLast == types.OpDelete && theirLast != types.OpDelete {
		return nil, []Conflict{{Type: ConflictDeleteUpdate, Target: target, OurEvent: ourSeq[len(ourSeq)-1], TheirEvent: theirSeq[len(theirSeq)-1]}}, nil
	}
	if theirLast == types.OpDelete && ourLast != types.OpDelete {
		return nil, []Conflict{{Type: ConflictDeleteUpdate, Target: target, OurEvent: ourSeq[len(ourSeq)-1], TheirEvent: theirSeq[len(theirSeq)-1]}}, nil
	}

	ourCreate := findOp(ourSeq, types.OpCreate)
	theirCreate := findOp(theirSeq, types.OpCreate)
	if ourCreate != nil && theirCreate != nil && !sameAfter(ourCreate.After, theirCreate.After) {
		return nil, []Conflict{{Type: ConflictCreateCreate, Target: target, OurEvent: *ourCreate, TheirEvent: *theirCreate}}, nil
	}

	return mergeFields(target, ourSeq, theirSeq)
}

func findOp(seq []types.Event, op types.Op) *types.Event {
	for i := range seq {
		if seq[i].Op == op {
			return &seq[i]
		}
	}
	return nil
}

func sameAfter(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !reflect.DeepEqual(b[k], v) {
			return false
		}
	}
	return true
}

// mergeFields computes per-field effects since the common ancestor and
// auto-merges disjoint or commutative touches, returning conflicts for the
// rest. It emits both sequences' events verbatim (order-sorted later); no
// combined event is synthesized for commutative ops, which stay separate
// events whose replay applies each of them.
func mergeFields(target string, ourSeq, theirSeq []types.Event) ([]types.Event, []Conflict, []AutoMerge) {
	ourFields := touchedFields(ourSeq)
	theirFields := touchedFields(theirSeq)

	var conflicts []Conflict
	var autos []AutoMerge
	var merged []types.Event
	merged = append(merged, ourSeq...)
	merged = append(merged, theirSeq...)

	for field, ourVal := range ourFields {
		theirVal, touched := theirFields[field]
		if !touched {
			autos = append(autos, AutoMerge{Target: target, Field: field, Detail: "only ours touched"})
			continue
		}
		if commutative(ourVal.op) && commutative(theirVal.op) && ourVal.op == theirVal.op {
			autos = append(autos, AutoMerge{Target: target, Field: field, Detail: "folded commutative op " + ourVal.op})
			continue
		}
		if reflect.DeepEqual(ourVal.value, theirVal.value) {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Type: ConflictConcurrentUpdate, Target: target,
			OurEvent: ourVal.event, TheirEvent: theirVal.event, Field: field,
		})
	}
	for field := range theirFields {
		if _, ok := ourFields[field]; !ok {
			autos = append(autos, AutoMerge{Target: target, Field: field, Detail: "only theirs touched"})
		}
	}

	return merged, conflicts, autos
}

type fieldTouch struct {
	op    string
	value any
	event types.Event
}

func touchedFields(seq []types.Event) map[string]fieldTouch {
	out := make(map[string]fieldTouch)
	for _, e := range seq {
		if e.Op != types.OpUpdate && e.Op != types.OpCreate {
			continue
		}
		if ops, ok := e.Metadata["_ops"].(map[string]any); ok {
			for opName, payload := range ops {
				if fields, ok := payload.(map[string]any); ok {
					for field := range fields {
						out[field] = fieldTouch{op: opName, value: fields[field], event: e}
					}
				}
			}
			continue
		}
		for field, val := range e.After {
			out[field] = fieldTouch{op: "$set", value: val, event: e}
		}
	}
	return out
}

func commutative(op string) bool {
	switch op {
	case "$inc", "$dec", "$add", "$remove":
		return true
	default:
		return false
	}
}

func resolve(c Conflict, strategy Strategy) (types.Event, bool) {
	switch strategy {
	case StrategyOurs:
		return c.OurEvent, true
	case StrategyTheirs:
		return c.TheirEvent, true
	case StrategyLatest:
		if c.OurEvent.Timestamp > c.TheirEvent.Timestamp {
			return c.OurEvent, true
		}
		if c.TheirEvent.Timestamp > c.OurEvent.Timestamp {
			return c.TheirEvent, true
		}
		if c.OurEvent.ID > c.TheirEvent.ID {
			return c.OurEvent, true
		}
		return c.TheirEvent, true
	default:
		return types.Event{}, false
	}
}

func sortEvents(events []types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].ID < events[j].ID
	})
}
