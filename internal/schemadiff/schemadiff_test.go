package schemadiff

import (
	"testing"

	"github.com/leonletto/ledgerdb/internal/types"
)

func schema(fields ...types.FieldSchema) types.CollectionSchema {
	return types.CollectionSchema{Name: "users", Fields: fields}
}

func snapshot(collections map[string]types.CollectionSchema) types.SchemaSnapshot {
	return types.SchemaSnapshot{Collections: collections}
}

func TestDiffIdenticalIsCompatible(t *testing.T) {
	s := snapshot(map[string]types.CollectionSchema{
		"users": schema(types.FieldSchema{Name: "email", Type: "string", Required: true}),
	})
	res := Diff(s, s)
	if len(res.Changes) != 0 || !res.Compatible {
		t.Fatalf("expected no changes and compatible, got %+v", res)
	}
}

func TestDropCollectionIsCriticalAndBreaking(t *testing.T) {
	before := snapshot(map[string]types.CollectionSchema{"users": schema()})
	after := snapshot(map[string]types.CollectionSchema{})
	res := Diff(before, after)
	if res.Compatible {
		t.Fatalf("expected incompatible result")
	}
	if len(res.BreakingChanges) != 1 || res.BreakingChanges[0].Kind != KindDropCollection {
		t.Fatalf("expected a DROP_COLLECTION breaking change, got %+v", res.BreakingChanges)
	}
	if res.BreakingChanges[0].Severity != SeverityCritical {
		t.Fatalf("expected critical severity")
	}
}

func TestAddRequiredFieldWithDefaultIsStillBreaking(t *testing.T) {
	before := snapshot(map[string]types.CollectionSchema{"users": schema()})
	after := snapshot(map[string]types.CollectionSchema{
		"users": schema(types.FieldSchema{Name: "tier", Type: "string", Required: true, Default: "free"}),
	})
	res := Diff(before, after)
	if res.Compatible {
		t.Fatalf("expected incompatible: existing rows lack the field")
	}
}

func TestRemoveFieldIsBreaking(t *testing.T) {
	before := snapshot(map[string]types.CollectionSchema{
		"users": schema(types.FieldSchema{Name: "legacy", Type: "string"}),
	})
	after := snapshot(map[string]types.CollectionSchema{"users": schema()})
	res := Diff(before, after)
	if len(res.BreakingChanges) != 1 || res.BreakingChanges[0].Kind != KindRemoveField {
		t.Fatalf("expected REMOVE_FIELD breaking change, got %+v", res.BreakingChanges)
	}
}

func TestChangeRequiredToOptionalIsSafe(t *testing.T) {
	before := snapshot(map[string]types.CollectionSchema{
		"users": schema(types.FieldSchema{Name: "email", Type: "string", Required: true}),
	})
	after := snapshot(map[string]types.CollectionSchema{
		"users": schema(types.FieldSchema{Name: "email", Type: "string", Required: false}),
	})
	res := Diff(before, after)
	if !res.Compatible {
		t.Fatalf("expected required->optional to be safe, got %+v", res.BreakingChanges)
	}
}

func TestChangeTypeIsAlwaysBreaking(t *testing.T) {
	before := snapshot(map[string]types.CollectionSchema{
		"users": schema(types.FieldSchema{Name: "age", Type: "int"}),
	})
	after := snapshot(map[string]types.CollectionSchema{
		"users": schema(types.FieldSchema{Name: "age", Type: "string"}),
	})
	res := Diff(before, after)
	if len(res.BreakingChanges) != 1 || res.BreakingChanges[0].Kind != KindChangeType {
		t.Fatalf("expected CHANGE_TYPE breaking change, got %+v", res.BreakingChanges)
	}
	if res.BreakingChanges[0].Severity != SeverityCritical {
		t.Fatalf("expected critical severity for type change")
	}
}
