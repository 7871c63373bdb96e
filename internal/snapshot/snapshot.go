// Package snapshot implements working-tree state capture and atomic,
// rollback-safe reconstruction (§4.J): snapshotState walks the working
// tree into a content-addressed Tree; reconstructState restores one,
// backing up every file it touches until the whole restore succeeds.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/objects"
	"github.com/leonletto/ledgerdb/internal/storage"
	"github.com/leonletto/ledgerdb/internal/types"
)

// Manager captures and restores working-tree state for a set of known
// namespaces.
type Manager struct {
	backend storage.Backend
	objects *objects.Store
	now     func() time.Time
}

// New returns a Manager over backend.
func New(backend storage.Backend) *Manager {
	return &Manager{backend: backend, objects: objects.New(backend), now: time.Now}
}

func dataPath(ns string) string   { return fmt.Sprintf("data/%s/data.json", ns) }
func schemaPath(ns string) string { return fmt.Sprintf("data/%s/schema.json", ns) }
func forwardPath(ns string) string { return fmt.Sprintf("rels/forward/%s.json", ns) }
func reversePath(ns string) string { return fmt.Sprintf("rels/reverse/%s.json", ns) }

// SnapshotState walks namespaces' working-tree files, storing each unique
// file's bytes as a content-addressed object, and returns the resulting
// Tree. A namespace with no data/schema file yet is skipped.
func (m *Manager) SnapshotState(ctx context.Context, namespaces []string) (types.Tree, error) {
	tree := types.Tree{
		Collections:   make(map[string]types.CollectionTreeEntry),
		Relationships: make(map[string]types.RelManifest),
	}

	for _, ns := range namespaces {
		entry, ok, err := m.snapshotCollection(ctx, ns)
		if err != nil {
			return types.Tree{}, err
		}
		if ok {
			tree.Collections[ns] = entry
		}

		manifest, ok, err := m.snapshotRelationships(ctx, ns)
		if err != nil {
			return types.Tree{}, err
		}
		if ok {
			tree.Relationships[ns] = manifest
		}
	}
	return tree, nil
}

func (m *Manager) snapshotCollection(ctx context.Context, ns string) (types.CollectionTreeEntry, bool, error) {
	exists, err := m.backend.Exists(ctx, dataPath(ns))
	if err != nil {
		return types.CollectionTreeEntry{}, false, err
	}
	if !exists {
		return types.CollectionTreeEntry{}, false, nil
	}

	data, err := m.backend.Read(ctx, dataPath(ns))
	if err != nil {
		return types.CollectionTreeEntry{}, false, err
	}
	dataHash, err := m.objects.StoreObject(ctx, data)
	if err != nil {
		return types.CollectionTreeEntry{}, false, err
	}

	schemaHash := ""
	if schemaBytes, serr := m.backend.Read(ctx, schemaPath(ns)); serr == nil {
		schemaHash, err = m.objects.StoreObject(ctx, schemaBytes)
		if err != nil {
			return types.CollectionTreeEntry{}, false, err
		}
	} else if !dberr.Is(serr, dberr.NotFound) {
		return types.CollectionTreeEntry{}, false, serr
	}

	return types.CollectionTreeEntry{DataHash: dataHash, SchemaHash: schemaHash, RowCount: rowCount(data)}, true, nil
}

func rowCount(data []byte) int {
	var rows []any
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0
	}
	return len(rows)
}

func (m *Manager) snapshotRelationships(ctx context.Context, ns string) (types.RelManifest, bool, error) {
	fwdExists, err := m.backend.Exists(ctx, forwardPath(ns))
	if err != nil {
		return types.RelManifest{}, false, err
	}
	revExists, err := m.backend.Exists(ctx, reversePath(ns))
	if err != nil {
		return types.RelManifest{}, false, err
	}
	if !fwdExists && !revExists {
		return types.RelManifest{}, false, nil
	}

	var manifest types.RelManifest
	if fwdExists {
		data, err := m.backend.Read(ctx, forwardPath(ns))
		if err != nil {
			return types.RelManifest{}, false, err
		}
		manifest.ForwardHash, err = m.objects.StoreObject(ctx, data)
		if err != nil {
			return types.RelManifest{}, false, err
		}
	}
	if revExists {
		data, err := m.backend.Read(ctx, reversePath(ns))
		if err != nil {
			return types.RelManifest{}, false, err
		}
		manifest.ReverseHash, err = m.objects.StoreObject(ctx, data)
		if err != nil {
			return types.RelManifest{}, false, err
		}
	}
	return manifest, true, nil
}

// HasUncommittedChangesResult reports the outcome of a dirty-tree check.
type HasUncommittedChangesResult struct {
	HasChanges         bool
	ChangedCollections []string
}

// HasUncommittedChanges compares the working tree's current content
// hashes against committedTree, the tree of the commit at HEAD.
func (m *Manager) HasUncommittedChanges(ctx context.Context, namespaces []string, committedTree types.Tree) (HasUncommittedChangesResult, error) {
	current, err := m.SnapshotState(ctx, namespaces)
	if err != nil {
		return HasUncommittedChangesResult{}, err
	}

	var changed []string
	for ns, entry := range current.Collections {
		committed, ok := committedTree.Collections[ns]
		if !ok || committed.DataHash != entry.DataHash || committed.SchemaHash != entry.SchemaHash {
			changed = append(changed, ns)
		}
	}
	for ns := range committedTree.Collections {
		if _, ok := current.Collections[ns]; !ok {
			changed = append(changed, ns)
		}
	}
	return HasUncommittedChangesResult{HasChanges: len(changed) > 0, ChangedCollections: changed}, nil
}

// backupOf names the sibling backup path for path, stamped with ts.
func backupOf(path string, ts int64) string {
	return fmt.Sprintf("%s.backup-%d", path, ts)
}

// ReconstructState performs an atomic, rollback-safe restore of tree onto
// the working tree. Every file it is about to overwrite is backed up
// first; no backup is deleted until every write has succeeded. On any
// write failure, every backup taken so far is copied back to its
// canonical path; if that rollback itself fails for any file, a
// CriticalRollbackFailure names every unrecovered path and its backup.
func (m *Manager) ReconstructState(ctx context.Context, tree types.Tree) error {
	ts := m.now().UnixNano()
	var backups []string // canonical paths that now have a backup at backupOf(path, ts)

	restore := func(path, hash string) error {
		if hash == "" {
			return nil
		}
		if exists, err := m.backend.Exists(ctx, path); err != nil {
			return err
		} else if exists {
			if err := m.backend.Copy(ctx, path, backupOf(path, ts)); err != nil {
				return fmt.Errorf("snapshot: backup %s: %w", path, err)
			}
			backups = append(backups, path)
		}
		data, err := m.objects.LoadObject(ctx, hash)
		if err != nil {
			return err
		}
		return m.backend.WriteAtomic(ctx, path, data)
	}

	var failure error
outer:
	for ns, entry := range tree.Collections {
		if err := restore(dataPath(ns), entry.DataHash); err != nil {
			failure = err
			break outer
		}
		if err := restore(schemaPath(ns), entry.SchemaHash); err != nil {
			failure = err
			break outer
		}
	}
	if failure == nil {
		for ns, manifest := range tree.Relationships {
			if err := restore(forwardPath(ns), manifest.ForwardHash); err != nil {
				failure = err
				break
			}
			if err := restore(reversePath(ns), manifest.ReverseHash); err != nil {
				failure = err
				break
			}
		}
	}

	if failure == nil {
		for _, path := range backups {
			_ = m.backend.Delete(ctx, backupOf(path, ts))
		}
		return nil
	}

	var unrecovered []string
	for _, path := range backups {
		if err := m.backend.Copy(ctx, backupOf(path, ts), path); err != nil {
			unrecovered = append(unrecovered, path)
		}
	}
	if len(unrecovered) > 0 {
		detail := fmt.Sprintf("rollback failed for %v; restore manually from backup suffix .backup-%d: %v", unrecovered, ts, failure)
		return dberr.New(dberr.CriticalRollbackFailure, "reconstructState", detail)
	}
	for _, path := range backups {
		_ = m.backend.Delete(ctx, backupOf(path, ts))
	}
	return fmt.Errorf("snapshot: reconstructState failed, rolled back cleanly: %w", failure)
}
