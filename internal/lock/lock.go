// Package lock implements the distributed, TTL-bounded resource lock
// manager. Correctness rests entirely on storage.Backend.WriteConditional
// (compare-and-swap on the lock file) rather than OS-level flock, so locks
// are safe across processes sharing any storage backend, not just a local
// filesystem.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/idgen"
	"github.com/leonletto/ledgerdb/internal/storage"
	"github.com/leonletto/ledgerdb/internal/types"
)

// Manager issues and tracks locks persisted under _meta/locks/.
type Manager struct {
	backend storage.Backend
	holder  string // this process/instance's identity
	now     func() time.Time
}

// New returns a Manager whose holder identity is a fresh random id.
func New(backend storage.Backend) *Manager {
	return &Manager{backend: backend, holder: idgen.New(), now: time.Now}
}

func (m *Manager) path(resource string) string {
	return fmt.Sprintf("_meta/locks/%s.lock", resource)
}

// AcquireOptions configures TryAcquire.
type AcquireOptions struct {
	Holder   string // defaults to the manager's own holder id
	Timeout  time.Duration // lock hold duration; defaults to 30s
	Metadata map[string]any
}

// Lock is a held lock handle returned by TryAcquire/Acquire.
type Lock struct {
	mgr      *Manager
	resource string
	holder   string
	etag     string
	expires  time.Time
	released bool
}

// TryAcquireResult reports the outcome of a non-blocking acquire attempt.
type TryAcquireResult struct {
	Acquired      bool
	Lock          *Lock
	CurrentHolder string
}

// TryAcquire attempts to create the lock file via writeConditional
// (create-only). If an existing lock file has expired, it is treated as
// unlocked and overwritten via CAS against its current etag.
func (m *Manager) TryAcquire(ctx context.Context, resource string, opts AcquireOptions) (TryAcquireResult, error) {
	holder := opts.Holder
	if holder == "" {
		holder = m.holder
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	now := m.now()
	state := types.LockState{
		Resource: resource, Holder: holder,
		AcquiredAt: now.UnixMilli(), ExpiresAt: now.Add(timeout).UnixMilli(),
		Metadata: opts.Metadata,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return TryAcquireResult{}, fmt.Errorf("lock: marshal state: %w", err)
	}

	res, err := m.backend.WriteConditional(ctx, m.path(resource), data, "", storage.ConditionalOptions{})
	if err == nil {
		return TryAcquireResult{Acquired: true, Lock: &Lock{mgr: m, resource: resource, holder: holder, etag: res.ETag, expires: now.Add(timeout)}}, nil
	}
	if !dberr.Is(err, dberr.AlreadyExists) {
		return TryAcquireResult{}, err
	}

	existing, existingETag, ok, rerr := m.read(ctx, resource)
	if rerr != nil {
		return TryAcquireResult{}, rerr
	}
	if !ok {
		// Raced with a concurrent release; retry once as create-only.
		res, err := m.backend.WriteConditional(ctx, m.path(resource), data, "", storage.ConditionalOptions{})
		if err != nil {
			return TryAcquireResult{}, err
		}
		return TryAcquireResult{Acquired: true, Lock: &Lock{mgr: m, resource: resource, holder: holder, etag: res.ETag, expires: now.Add(timeout)}}, nil
	}

	if now.UnixMilli() < existing.ExpiresAt {
		return TryAcquireResult{Acquired: false, CurrentHolder: existing.Holder}, nil
	}

	// Expired: steal it via CAS against the stale etag.
	res, err = m.backend.WriteConditional(ctx, m.path(resource), data, existingETag, storage.ConditionalOptions{})
	if err != nil {
		if dberr.Is(err, dberr.ETagMismatch) {
			return TryAcquireResult{Acquired: false}, nil
		}
		return TryAcquireResult{}, err
	}
	return TryAcquireResult{Acquired: true, Lock: &Lock{mgr: m, resource: resource, holder: holder, etag: res.ETag, expires: now.Add(timeout)}}, nil
}

func (m *Manager) read(ctx context.Context, resource string) (types.LockState, string, bool, error) {
	data, err := m.backend.Read(ctx, m.path(resource))
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return types.LockState{}, "", false, nil
		}
		return types.LockState{}, "", false, err
	}
	info, err := m.backend.Stat(ctx, m.path(resource))
	if err != nil {
		return types.LockState{}, "", false, err
	}
	var state types.LockState
	if err := json.Unmarshal(data, &state); err != nil {
		return types.LockState{}, "", false, fmt.Errorf("lock: corrupt lock file for %s: %w", resource, err)
	}
	return state, info.ETag, true, nil
}

// AcquireWaitOptions configures the blocking Acquire.
type AcquireWaitOptions struct {
	Holder        string
	Timeout       time.Duration
	WaitTimeout   time.Duration
	RetryInterval time.Duration
	Metadata      map[string]any
}

// Acquire retries TryAcquire until it succeeds or WaitTimeout elapses,
// returning a LockAcquisitionError dberr on timeout.
func (m *Manager) Acquire(ctx context.Context, resource string, opts AcquireWaitOptions) (*Lock, error) {
	waitTimeout := opts.WaitTimeout
	if waitTimeout == 0 {
		waitTimeout = 5 * time.Second
	}
	retryInterval := opts.RetryInterval
	if retryInterval == 0 {
		retryInterval = 100 * time.Millisecond
	}

	deadline := m.now().Add(waitTimeout)
	for {
		res, err := m.TryAcquire(ctx, resource, AcquireOptions{Holder: opts.Holder, Timeout: opts.Timeout, Metadata: opts.Metadata})
		if err != nil {
			return nil, err
		}
		if res.Acquired {
			return res.Lock, nil
		}
		if m.now().After(deadline) {
			return nil, dberr.New(dberr.LockAcquisitionError, "acquire", resource)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// ForceRelease deletes a resource's lock file irrespective of holder.
// Returns false if there was nothing to release.
func (m *Manager) ForceRelease(ctx context.Context, resource string) (bool, error) {
	err := m.backend.Delete(ctx, m.path(resource))
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListLocks returns every non-expired lock found under _meta/locks/.
func (m *Manager) ListLocks(ctx context.Context) ([]types.LockState, error) {
	res, err := m.backend.List(ctx, "_meta/locks/", storage.ListOptions{})
	if err != nil {
		return nil, err
	}
	now := m.now().UnixMilli()
	var out []types.LockState
	for _, path := range res.Files {
		data, err := m.backend.Read(ctx, path)
		if err != nil {
			continue
		}
		var state types.LockState
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		if state.ExpiresAt > now {
			out = append(out, state)
		}
	}
	return out, nil
}

// Release drops this lock only if the caller is still the recorded holder.
// Idempotent; a no-op once already released or after the lock has expired
// or been force-released.
func (l *Lock) Release(ctx context.Context) error {
	if l.released {
		return nil
	}
	state, _, ok, err := l.mgr.read(ctx, l.resource)
	if err != nil {
		return err
	}
	if !ok || state.Holder != l.holder || state.ExpiresAt <= l.mgr.now().UnixMilli() {
		l.released = true
		return nil
	}
	if err := l.mgr.backend.Delete(ctx, l.mgr.path(l.resource)); err != nil && !dberr.Is(err, dberr.NotFound) {
		return err
	}
	l.released = true
	return nil
}

// Extend rewrites the lock's expiry, succeeding only if this handle is
// still the recorded holder.
func (l *Lock) Extend(ctx context.Context, newTimeout time.Duration) (bool, error) {
	state, etag, ok, err := l.mgr.read(ctx, l.resource)
	if err != nil {
		return false, err
	}
	if !ok || state.Holder != l.holder {
		return false, nil
	}
	state.ExpiresAt = l.mgr.now().Add(newTimeout).UnixMilli()
	data, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	res, err := l.mgr.backend.WriteConditional(ctx, l.mgr.path(l.resource), data, etag, storage.ConditionalOptions{})
	if err != nil {
		if dberr.Is(err, dberr.ETagMismatch) {
			return false, nil
		}
		return false, err
	}
	l.etag = res.ETag
	l.expires = l.mgr.now().Add(newTimeout)
	return true, nil
}

// IsValid reports whether this handle has not been released and has not
// expired by wall clock.
func (l *Lock) IsValid() bool {
	return !l.released && l.mgr.now().Before(l.expires)
}

// WithLock acquires resource, runs op, and releases the lock on every exit
// path including a panic propagating out of op.
func WithLock(ctx context.Context, mgr *Manager, resource string, opts AcquireWaitOptions, op func(ctx context.Context) error) error {
	lock, err := mgr.Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)
	return op(ctx)
}
