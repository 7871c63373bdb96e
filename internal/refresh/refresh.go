// Package refresh implements the streaming refresh engine (§4.M): events
// from the event-sourced log are routed to registered materialized-view
// handlers, batched by size or elapsed time, and fanned out. Grounded on
// the teacher's internal/projection/projector.go, which already replays a
// sorted event stream into a materialized sink (there, a fixed SQLite
// schema) — generalized here from one hardcoded consumer into a registry
// of named handlers, each scoped to the namespaces it cares about.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leonletto/ledgerdb/internal/types"
)

// MVHandler is one materialized-view consumer. Process is invoked with
// batches no larger than the engine's batch size.
type MVHandler struct {
	Name             string
	SourceNamespaces []string
	Process          func(ctx context.Context, batch []types.Event) error
}

func (h MVHandler) wants(namespace string) bool {
	for _, ns := range h.SourceNamespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// Options configures batching.
type Options struct {
	BatchSize     int
	BatchTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 500 * time.Millisecond
	}
	return o
}

// Stats tracks lifetime counters, reset on Dispose.
type Stats struct {
	EventsRouted   int
	BatchesFlushed int
	Errors         int
}

type handlerState struct {
	handler MVHandler
	buffer  []types.Event
	timer   *time.Timer
}

// Engine routes events to handlers and flushes batches by size or time.
type Engine struct {
	opts Options

	mu       sync.Mutex
	handlers map[string]*handlerState
	errorCh  []func(error)
	warnCh   []func(string)
	stats    Stats
}

// New returns an Engine with the given batching options.
func New(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults(), handlers: make(map[string]*handlerState)}
}

// Register adds a handler. Registering a name that already exists
// replaces the prior handler (its buffered, unflushed events are
// discarded along with it).
func (e *Engine) Register(h MVHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.handlers[h.Name]; ok && existing.timer != nil {
		existing.timer.Stop()
	}
	e.handlers[h.Name] = &handlerState{handler: h}
}

// Route delivers event to every handler whose SourceNamespaces includes
// namespace, buffering it until the handler's batch fills or its timeout
// elapses. Routing errors from a full-batch flush are reported via the
// error listeners, not returned, since route is meant to be called
// inline with high-volume append paths.
func (e *Engine) Route(ctx context.Context, namespace string, event types.Event) {
	e.mu.Lock()
	var toFlush []*handlerState
	for _, st := range e.handlers {
		if !st.handler.wants(namespace) {
			continue
		}
		st.buffer = append(st.buffer, event)
		e.stats.EventsRouted++
		if len(st.buffer) >= e.opts.BatchSize {
			if st.timer != nil {
				st.timer.Stop()
				st.timer = nil
			}
			toFlush = append(toFlush, st)
			continue
		}
		if st.timer == nil {
			st := st
			st.timer = time.AfterFunc(e.opts.BatchTimeout, func() { e.flushOnTimeout(ctx, st) })
		}
	}
	e.mu.Unlock()

	for _, st := range toFlush {
		e.flushHandler(ctx, st)
	}
}

func (e *Engine) flushOnTimeout(ctx context.Context, st *handlerState) {
	e.mu.Lock()
	st.timer = nil
	e.mu.Unlock()
	e.flushHandler(ctx, st)
}

func (e *Engine) flushHandler(ctx context.Context, st *handlerState) {
	e.mu.Lock()
	batch := st.buffer
	st.buffer = nil
	handler := st.handler
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := handler.Process(ctx, batch); err != nil {
		e.mu.Lock()
		e.stats.Errors++
		listeners := append([]func(error){}, e.errorCh...)
		e.mu.Unlock()
		for _, l := range listeners {
			if l == nil {
				continue
			}
			l(fmt.Errorf("refresh: handler %s: %w", handler.Name, err))
		}
		return
	}
	e.mu.Lock()
	e.stats.BatchesFlushed++
	e.mu.Unlock()
}

// Flush forces every handler's current buffer to process immediately,
// irrespective of batch size or timer state.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	states := make([]*handlerState, 0, len(e.handlers))
	for _, st := range e.handlers {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		e.flushHandler(ctx, st)
	}
}

// Warn reports a non-fatal condition to every warning listener.
func (e *Engine) Warn(message string) {
	e.mu.Lock()
	listeners := append([]func(string){}, e.warnCh...)
	e.mu.Unlock()
	for _, l := range listeners {
		if l == nil {
			continue
		}
		l(message)
	}
}

// OnError registers an error listener, returning an unsubscribe func.
func (e *Engine) OnError(listener func(error)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorCh = append(e.errorCh, listener)
	idx := len(e.errorCh) - 1
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.errorCh) {
			e.errorCh[idx] = nil
		}
	}
}

// OnWarning registers a warning listener, returning an unsubscribe func.
func (e *Engine) OnWarning(listener func(string)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnCh = append(e.warnCh, listener)
	idx := len(e.warnCh) - 1
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if idx < len(e.warnCh) {
			e.warnCh[idx] = nil
		}
	}
}

// RemoveAllErrorListeners clears every error listener.
func (e *Engine) RemoveAllErrorListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorCh = nil
}

// RemoveAllWarningListeners clears every warning listener.
func (e *Engine) RemoveAllWarningListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnCh = nil
}

// Stats returns a snapshot of lifetime counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Dispose flushes every buffer, then clears handlers, listeners, and
// stats. The engine may be reused afterward; listeners never accumulate
// across dispose cycles.
func (e *Engine) Dispose(ctx context.Context) {
	e.Flush(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.handlers {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	e.handlers = make(map[string]*handlerState)
	e.errorCh = nil
	e.warnCh = nil
	e.stats = Stats{}
}
