package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leonletto/ledgerdb/internal/types"
)

func ev(id, target string) types.Event {
	return types.Event{ID: id, Target: target, Op: types.OpCreate}
}

func TestRouteOnlyDeliversToMatchingNamespace(t *testing.T) {
	ctx := context.Background()
	e := New(Options{BatchSize: 1})

	var gotUsers, gotOrders []types.Event
	e.Register(MVHandler{Name: "users-mv", SourceNamespaces: []string{"users"}, Process: func(ctx context.Context, batch []types.Event) error {
		gotUsers = append(gotUsers, batch...)
		return nil
	}})
	e.Register(MVHandler{Name: "orders-mv", SourceNamespaces: []string{"orders"}, Process: func(ctx context.Context, batch []types.Event) error {
		gotOrders = append(gotOrders, batch...)
		return nil
	}})

	e.Route(ctx, "users", ev("e1", "users:1"))
	if len(gotUsers) != 1 || len(gotOrders) != 0 {
		t.Fatalf("expected only users-mv to receive the event, got users=%d orders=%d", len(gotUsers), len(gotOrders))
	}
}

func TestBatchFlushesAtBatchSize(t *testing.T) {
	ctx := context.Background()
	e := New(Options{BatchSize: 3, BatchTimeout: time.Hour})

	var processed [][]types.Event
	e.Register(MVHandler{Name: "mv", SourceNamespaces: []string{"users"}, Process: func(ctx context.Context, batch []types.Event) error {
		processed = append(processed, append([]types.Event{}, batch...))
		return nil
	}})

	e.Route(ctx, "users", ev("e1", "users:1"))
	e.Route(ctx, "users", ev("e2", "users:2"))
	if len(processed) != 0 {
		t.Fatalf("expected no flush before batch size reached")
	}
	e.Route(ctx, "users", ev("e3", "users:3"))
	if len(processed) != 1 || len(processed[0]) != 3 {
		t.Fatalf("expected one flushed batch of 3, got %+v", processed)
	}
}

func TestManualFlushDeliversPartialBatch(t *testing.T) {
	ctx := context.Background()
	e := New(Options{BatchSize: 10, BatchTimeout: time.Hour})

	var processed []types.Event
	e.Register(MVHandler{Name: "mv", SourceNamespaces: []string{"users"}, Process: func(ctx context.Context, batch []types.Event) error {
		processed = append(processed, batch...)
		return nil
	}})

	e.Route(ctx, "users", ev("e1", "users:1"))
	e.Flush(ctx)
	if len(processed) != 1 {
		t.Fatalf("expected manual flush to deliver the partial batch, got %d", len(processed))
	}
}

func TestProcessErrorReportedToErrorListenersNotReturned(t *testing.T) {
	ctx := context.Background()
	e := New(Options{BatchSize: 1})

	var gotErr error
	unsub := e.OnError(func(err error) { gotErr = err })
	defer unsub()

	e.Register(MVHandler{Name: "mv", SourceNamespaces: []string{"users"}, Process: func(ctx context.Context, batch []types.Event) error {
		return errors.New("boom")
	}})
	e.Route(ctx, "users", ev("e1", "users:1"))

	if gotErr == nil {
		t.Fatalf("expected error listener to receive the processing error")
	}
	if e.Stats().Errors != 1 {
		t.Fatalf("expected error stat to increment")
	}
}

func TestDisposeResetsHandlersListenersAndStats(t *testing.T) {
	ctx := context.Background()
	e := New(Options{BatchSize: 1})

	errCount := 0
	e.OnError(func(err error) { errCount++ })
	e.Register(MVHandler{Name: "mv", SourceNamespaces: []string{"users"}, Process: func(ctx context.Context, batch []types.Event) error {
		return errors.New("boom")
	}})
	e.Route(ctx, "users", ev("e1", "users:1"))
	if errCount != 1 {
		t.Fatalf("expected 1 error before dispose, got %d", errCount)
	}

	e.Dispose(ctx)
	if s := e.Stats(); s.Errors != 0 || s.EventsRouted != 0 {
		t.Fatalf("expected stats reset after dispose, got %+v", s)
	}

	// Re-register without re-subscribing the old listener: routing again
	// must not reach the disposed listener.
	e.Register(MVHandler{Name: "mv", SourceNamespaces: []string{"users"}, Process: func(ctx context.Context, batch []types.Event) error {
		return errors.New("boom again")
	}})
	e.Route(ctx, "users", ev("e2", "users:2"))
	if errCount != 1 {
		t.Fatalf("expected disposed listener to not accumulate further calls, got %d", errCount)
	}
}

func TestUnsubscribeStopsFurtherNotifications(t *testing.T) {
	ctx := context.Background()
	e := New(Options{BatchSize: 1})

	count := 0
	unsub := e.OnError(func(err error) { count++ })
	e.Register(MVHandler{Name: "mv", SourceNamespaces: []string{"users"}, Process: func(ctx context.Context, batch []types.Event) error {
		return errors.New("boom")
	}})
	e.Route(ctx, "users", ev("e1", "users:1"))
	if count != 1 {
		t.Fatalf("expected 1 call before unsubscribe")
	}
	unsub()
	e.Route(ctx, "users", ev("e2", "users:2"))
	if count != 1 {
		t.Fatalf("expected no further calls after unsubscribe, got %d", count)
	}
}
