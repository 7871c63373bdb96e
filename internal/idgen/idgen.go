// Package idgen generates time-sortable ids shared by entities, schema
// lines, lock holders, and mergetree JSONL segments, grounded on the oklog/ulid monotonic
// generator pattern used for deterministic event ids.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu    sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new monotonic ULID string, sortable by creation time.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewEntityID returns a namespace-qualified entity id "<namespace>/<ulid>".
func NewEntityID(namespace string) string {
	return namespace + "/" + New()
}
