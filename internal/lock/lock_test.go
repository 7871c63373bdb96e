package lock

import (
	"context"
	"testing"
	"time"

	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/storage"
)

func TestTryAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	mgr := New(storage.NewMemory())

	res, err := mgr.TryAcquire(ctx, "merge", AcquireOptions{})
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected acquisition to succeed on unlocked resource")
	}

	res2, err := mgr.TryAcquire(ctx, "merge", AcquireOptions{})
	if err != nil {
		t.Fatalf("TryAcquire (contended): %v", err)
	}
	if res2.Acquired {
		t.Fatalf("expected contended acquisition to fail")
	}

	if err := res.Lock.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	res3, err := mgr.TryAcquire(ctx, "merge", AcquireOptions{})
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	if !res3.Acquired {
		t.Fatalf("expected acquisition to succeed after release")
	}
}

func TestForceReleaseOnUnlockedReturnsFalse(t *testing.T) {
	ctx := context.Background()
	mgr := New(storage.NewMemory())
	ok, err := mgr.ForceRelease(ctx, "never-locked")
	if err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if ok {
		t.Fatalf("expected false for an unlocked resource")
	}
}

func TestExpiredLockCanBeStolen(t *testing.T) {
	ctx := context.Background()
	mgr := New(storage.NewMemory())
	base := time.Now()
	mgr.now = func() time.Time { return base }

	res, err := mgr.TryAcquire(ctx, "merge", AcquireOptions{Timeout: time.Millisecond})
	if err != nil || !res.Acquired {
		t.Fatalf("initial acquire: %v %+v", err, res)
	}

	mgr.now = func() time.Time { return base.Add(time.Hour) }
	res2, err := mgr.TryAcquire(ctx, "merge", AcquireOptions{})
	if err != nil {
		t.Fatalf("TryAcquire after expiry: %v", err)
	}
	if !res2.Acquired {
		t.Fatalf("expected expired lock to be stealable")
	}
}

func TestWithLockAlwaysReleases(t *testing.T) {
	ctx := context.Background()
	mgr := New(storage.NewMemory())

	err := WithLock(ctx, mgr, "merge", AcquireWaitOptions{}, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}

	res, err := mgr.TryAcquire(ctx, "merge", AcquireOptions{})
	if err != nil || !res.Acquired {
		t.Fatalf("expected lock released after WithLock, got %v %+v", err, res)
	}
}

func TestAcquireTimesOutWithLockAcquisitionError(t *testing.T) {
	ctx := context.Background()
	mgr := New(storage.NewMemory())

	if _, err := mgr.TryAcquire(ctx, "merge", AcquireOptions{}); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	_, err := mgr.Acquire(ctx, "merge", AcquireWaitOptions{WaitTimeout: 20 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if dberr.KindOf(err) != dberr.LockAcquisitionError {
		t.Fatalf("expected LockAcquisitionError, got %v", err)
	}
}
