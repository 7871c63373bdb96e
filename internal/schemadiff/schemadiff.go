// Package schemadiff compares two schema snapshots and classifies the
// differences as breaking or safe.
package schemadiff

import (
	"fmt"

	"github.com/leonletto/ledgerdb/internal/types"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Kind string

const (
	KindAddCollection  Kind = "ADD_COLLECTION"
	KindDropCollection Kind = "DROP_COLLECTION"
	KindAddField       Kind = "ADD_FIELD"
	KindRemoveField    Kind = "REMOVE_FIELD"
	KindChangeType     Kind = "CHANGE_TYPE"
	KindChangeRequired Kind = "CHANGE_REQUIRED"
	KindAddIndex       Kind = "ADD_INDEX"
	KindRemoveIndex    Kind = "REMOVE_INDEX"
)

// Change is one detected schema difference.
type Change struct {
	Kind       Kind
	Collection string
	Field      string
	Breaking   bool
	Severity   Severity
	Impact     string
	Hint       string
}

// Result is the full outcome of a schema diff.
type Result struct {
	Changes         []Change
	BreakingChanges []Change
	Compatible      bool
	Summary         string
}

// Diff compares before and after, reporting every ADD/DROP_COLLECTION,
// ADD/REMOVE_FIELD, CHANGE_TYPE, and CHANGE_REQUIRED change between them.
// Renames are not detected natively; they surface as a REMOVE_FIELD plus an
// ADD_FIELD.
func Diff(before, after types.SchemaSnapshot) Result {
	var changes []Change

	for name, beforeColl := range before.Collections {
		afterColl, ok := after.Collections[name]
		if !ok {
			changes = append(changes, Change{
				Kind: KindDropCollection, Collection: name, Breaking: true,
				Severity: SeverityCritical, Impact: "collection removed; all its data is orphaned",
			})
			continue
		}
		changes = append(changes, diffFields(name, beforeColl, afterColl)...)
	}
	for name, afterColl := range after.Collections {
		if _, ok := before.Collections[name]; !ok {
			changes = append(changes, Change{Kind: KindAddCollection, Collection: name, Breaking: false})
			_ = afterColl
		}
	}

	var breaking []Change
	for _, c := range changes {
		if c.Breaking {
			breaking = append(breaking, c)
		}
	}

	return Result{
		Changes:         changes,
		BreakingChanges: breaking,
		Compatible:      len(breaking) == 0,
		Summary:         summarize(changes, breaking),
	}
}

func diffFields(collection string, before, after types.CollectionSchema) []Change {
	beforeFields := indexFields(before.Fields)
	afterFields := indexFields(after.Fields)

	var changes []Change
	for name, bf := range beforeFields {
		af, ok := afterFields[name]
		if !ok {
			changes = append(changes, Change{
				Kind: KindRemoveField, Collection: collection, Field: name, Breaking: true,
				Severity: SeverityHigh, Impact: "existing readers referencing this field break",
				Hint: "remove references to this field before dropping it",
			})
			continue
		}
		if bf.Type != af.Type {
			changes = append(changes, Change{
				Kind: KindChangeType, Collection: collection, Field: name, Breaking: true,
				Severity: SeverityCritical, Impact: fmt.Sprintf("type changed %s -> %s; existing rows may not decode", bf.Type, af.Type),
			})
		}
		if !bf.Required && af.Required {
			breaking := af.Default == nil
			sev := SeverityHigh
			impact := "existing rows lack this now-required field and have no default"
			if !breaking {
				impact = "existing rows lack this field but a default is provided"
			}
			changes = append(changes, Change{
				Kind: KindChangeRequired, Collection: collection, Field: name, Breaking: breaking,
				Severity: sev, Impact: impact,
			})
		} else if bf.Required && !af.Required {
			changes = append(changes, Change{Kind: KindChangeRequired, Collection: collection, Field: name, Breaking: false})
		}
		if !bf.Indexed && af.Indexed {
			changes = append(changes, Change{Kind: KindAddIndex, Collection: collection, Field: name, Breaking: false})
		} else if bf.Indexed && !af.Indexed {
			changes = append(changes, Change{Kind: KindRemoveIndex, Collection: collection, Field: name, Breaking: false})
		}
	}
	for name, af := range afterFields {
		if _, ok := beforeFields[name]; ok {
			continue
		}
		if af.Required && af.Default == nil {
			changes = append(changes, Change{
				Kind: KindAddField, Collection: collection, Field: name, Breaking: true,
				Severity: SeverityHigh, Impact: "existing rows lack this required field and have no default",
			})
		} else if af.Required {
			changes = append(changes, Change{
				Kind: KindAddField, Collection: collection, Field: name, Breaking: true,
				Severity: SeverityHigh, Impact: "existing rows lack this field; default will be backfilled on read",
			})
		} else {
			changes = append(changes, Change{Kind: KindAddField, Collection: collection, Field: name, Breaking: false})
		}
	}
	return changes
}

func indexFields(fields []types.FieldSchema) map[string]types.FieldSchema {
	out := make(map[string]types.FieldSchema, len(fields))
	for _, f := range fields {
		out[f.Name] = f
	}
	return out
}

func summarize(changes, breaking []Change) string {
	if len(changes) == 0 {
		return "no schema changes"
	}
	if len(breaking) == 0 {
		return fmt.Sprintf("%d safe change(s)", len(changes))
	}
	return fmt.Sprintf("%d change(s), %d breaking", len(changes), len(breaking))
}

// Category groups changes the way a CLI/report would present them.
type Category string

const (
	CategoryCollections Category = "Collections"
	CategoryFields       Category = "Fields"
	CategoryIndexes      Category = "Indexes"
	CategoryTypeChanges  Category = "Type Changes"
)

// Categorize groups changes by collections/fields/indexes/type-changes.
func Categorize(changes []Change) map[Category][]Change {
	out := map[Category][]Change{}
	for _, c := range changes {
		switch c.Kind {
		case KindAddCollection, KindDropCollection:
			out[CategoryCollections] = append(out[CategoryCollections], c)
		case KindAddIndex, KindRemoveIndex:
			out[CategoryIndexes] = append(out[CategoryIndexes], c)
		case KindChangeType:
			out[CategoryTypeChanges] = append(out[CategoryTypeChanges], c)
		default:
			out[CategoryFields] = append(out[CategoryFields], c)
		}
	}
	return out
}

// IsSafeToApply mirrors Result.Compatible for call sites that only have a
// Change slice.
func IsSafeToApply(changes []Change) bool {
	for _, c := range changes {
		if c.Breaking {
			return false
		}
	}
	return true
}
