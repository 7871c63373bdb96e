package mergetree

import (
	"context"
	"testing"

	"github.com/leonletto/ledgerdb/internal/storage"
	"github.com/leonletto/ledgerdb/internal/types"
)

func TestCreateUpdateDeleteFoldsIntoProjection(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "users", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ent, err := e.Create(ctx, map[string]any{"name": "alice"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ent.Fields["name"] != "alice" || ent.Version != 1 {
		t.Fatalf("unexpected created entity: %+v", ent)
	}

	updated, err := e.Update(ctx, ent.ID, map[string]any{"age": float64(30)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Fields["name"] != "alice" || updated.Fields["age"] != float64(30) || updated.Version != 2 {
		t.Fatalf("expected shallow-merged fields, got %+v", updated)
	}

	if err := e.Delete(ctx, ent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	final, ok := e.Get(ent.ID)
	if !ok {
		t.Fatalf("expected deleted entity to remain in projection")
	}
	if final.DeletedAt == nil {
		t.Fatalf("expected DeletedAt to be set")
	}
	if final.Fields["name"] != "alice" {
		t.Fatalf("expected delete to preserve fields, got %+v", final)
	}
}

func TestUpdateMergesNestedObjectsFieldWise(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "users", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ent, err := e.Create(ctx, map[string]any{"profile": map[string]any{"city": "nyc", "zip": "10001"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := e.Update(ctx, ent.ID, map[string]any{"profile": map[string]any{"zip": "10002"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	profile := updated.Fields["profile"].(map[string]any)
	if profile["city"] != "nyc" {
		t.Fatalf("expected nested field 'city' preserved, got %v", profile["city"])
	}
	if profile["zip"] != "10002" {
		t.Fatalf("expected nested field 'zip' overwritten, got %v", profile["zip"])
	}
}

func TestFailedAppendDoesNotMutateProjection(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "users", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := e.Update(ctx, "users:missing", map[string]any{"x": 1}); err == nil {
		t.Fatalf("expected NotFound updating unknown entity")
	}
	if len(e.List()) != 0 {
		t.Fatalf("expected no projection entries after failed update")
	}
}

func TestLoadReplaysExistingSegment(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()

	e1 := New(backend, "users", Options{})
	if err := e1.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ent, err := e1.Create(ctx, map[string]any{"name": "bob"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	e2 := New(backend, "users", Options{})
	if err := e2.Load(ctx); err != nil {
		t.Fatalf("Load (replay): %v", err)
	}
	got, ok := e2.Get(ent.ID)
	if !ok || got.Fields["name"] != "bob" {
		t.Fatalf("expected replayed entity, got %+v ok=%v", got, ok)
	}
}

func TestSchemaVersionMustAdvance(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "users", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.ApplySchema(ctx, types.CollectionSchema{Name: "users", Version: 1}, nil); err != nil {
		t.Fatalf("ApplySchema v1: %v", err)
	}
	if err := e.ApplySchema(ctx, types.CollectionSchema{Name: "users", Version: 1}, nil); err == nil {
		t.Fatalf("expected non-advancing version to be rejected")
	}
	if err := e.ApplySchema(ctx, types.CollectionSchema{Name: "users", Version: 2}, nil); err != nil {
		t.Fatalf("ApplySchema v2: %v", err)
	}
}

func TestCompactWritesManifestAndStartsNewSegment(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "users", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := e.Create(ctx, map[string]any{"name": "carol"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	exists, err := backend.Exists(ctx, "data/users/data.json")
	if err != nil || !exists {
		t.Fatalf("expected compacted data blob to exist, err=%v exists=%v", err, exists)
	}
	if _, err := e.Create(ctx, map[string]any{"name": "dave"}); err != nil {
		t.Fatalf("Create after compaction: %v", err)
	}
	if len(e.List()) != 2 {
		t.Fatalf("expected both entities present after compaction, got %d", len(e.List()))
	}
}

func TestLoadAfterCompactRestoresProjectionFromColumnarBlob(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "users", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	created, err := e.Create(ctx, map[string]any{"name": "erin"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	fresh := New(backend, "users", Options{})
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load on fresh engine: %v", err)
	}
	entity, ok := fresh.Get(created.ID)
	if !ok {
		t.Fatalf("expected compacted entity to be visible after a fresh Load")
	}
	if entity.Fields["name"] != "erin" {
		t.Fatalf("expected name erin, got %v", entity.Fields["name"])
	}
}

func TestLinkUnlinkFoldIntoForwardAndReverseIndexes(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "posts", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := e.Link(ctx, "posts/1", "authoredBy", "authorOf", "users/1"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	fwd := e.Forward("posts/1")
	if len(fwd) != 1 || fwd[0].Predicate != "authoredBy" || fwd[0].ID != "users/1" {
		t.Fatalf("unexpected forward edges: %+v", fwd)
	}
	rev := e.Reverse("users/1")
	if len(rev) != 1 || rev[0].Predicate != "authorOf" || rev[0].ID != "posts/1" {
		t.Fatalf("unexpected reverse edges: %+v", rev)
	}

	if err := e.Unlink(ctx, "posts/1", "authoredBy", "authorOf", "users/1"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if fwd := e.Forward("posts/1"); len(fwd) != 0 {
		t.Fatalf("expected no forward edges after unlink, got %+v", fwd)
	}
	if rev := e.Reverse("users/1"); len(rev) != 0 {
		t.Fatalf("expected no reverse edges after unlink, got %+v", rev)
	}
}

func TestCompactPersistsRelFilesAndReloadRestoresTuples(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	e := New(backend, "posts", Options{})
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := e.Link(ctx, "posts/1", "authoredBy", "authorOf", "users/1"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	exists, err := backend.Exists(ctx, "rels/forward/posts.json")
	if err != nil || !exists {
		t.Fatalf("expected forward rel file after compaction, err=%v exists=%v", err, exists)
	}
	exists, err = backend.Exists(ctx, "rels/reverse/posts.json")
	if err != nil || !exists {
		t.Fatalf("expected reverse rel file after compaction, err=%v exists=%v", err, exists)
	}

	fresh := New(backend, "posts", Options{})
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load on fresh engine: %v", err)
	}
	fwd := fresh.Forward("posts/1")
	if len(fwd) != 1 || fwd[0].Predicate != "authoredBy" || fwd[0].ID != "users/1" {
		t.Fatalf("expected forward edge restored from disk, got %+v", fwd)
	}
	rev := fresh.Reverse("users/1")
	if len(rev) != 1 || rev[0].Predicate != "authorOf" || rev[0].ID != "posts/1" {
		t.Fatalf("expected reverse edge restored from disk, got %+v", rev)
	}
}
