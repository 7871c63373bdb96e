// Package objects implements the content-addressed blob store: objects are
// written once under a path derived from sha256(content) and never
// mutated.
package objects

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/storage"
)

const prefixLen = 2

// Store wraps a Backend with content-addressed get/put semantics.
type Store struct {
	backend storage.Backend
}

// New returns an object Store over backend.
func New(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Hash returns the lowercase hex sha256 of content, without storing
// anything.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// pathFor returns _objects/<hh>/<rest> for a given hash.
func pathFor(hash string) string {
	return fmt.Sprintf("_objects/%s/%s", hash[:prefixLen], hash[prefixLen:])
}

// StoreObject writes content if not already present and returns its hash.
// Identical bytes always produce the identical path (dedup); storing twice
// is a no-op the second time.
func (s *Store) StoreObject(ctx context.Context, content []byte) (string, error) {
	hash := Hash(content)
	path := pathFor(hash)

	exists, err := s.backend.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("objects: check existing: %w", err)
	}
	if exists {
		return hash, nil
	}

	if err := s.backend.WriteAtomic(ctx, path, content); err != nil {
		return "", fmt.Errorf("objects: write %s: %w", path, err)
	}
	return hash, nil
}

// LoadObject reads the bytes stored under hash. Returns a NotFound dberr if
// absent.
func (s *Store) LoadObject(ctx context.Context, hash string) ([]byte, error) {
	if len(hash) < prefixLen+1 {
		return nil, dberr.New(dberr.Validation, "loadObject", hash)
	}
	data, err := s.backend.Read(ctx, pathFor(hash))
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return nil, dberr.New(dberr.NotFound, "loadObject", hash)
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether an object is already stored.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	return s.backend.Exists(ctx, pathFor(hash))
}
