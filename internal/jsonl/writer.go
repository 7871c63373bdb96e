// Package jsonl implements append-only, newline-delimited JSON writing and
// reading over the storage backend abstraction.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/leonletto/ledgerdb/internal/storage"
)

// Writer is a scoped resource wrapping one file path. All Append calls on
// the same Writer are serialized; a batch writes as a single contiguous
// segment, so concurrent appends never interleave the bytes of two lines.
type Writer struct {
	backend storage.Backend
	path    string

	mu         sync.Mutex
	lineCount  int
	byteCount  int64
	closed     bool
}

// NewWriter returns a Writer appending to path on backend. lineCount and
// byteCount start at zero; call Reopen if path already has content and the
// counts need to reflect it.
func NewWriter(backend storage.Backend, path string) *Writer {
	return &Writer{backend: backend, path: path}
}

// Reopen seeds the writer's line/byte counters from existing content, for
// resuming a writer against a file that already has lines in it.
func (w *Writer) Reopen(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	exists, err := w.backend.Exists(ctx, w.path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	data, err := w.backend.Read(ctx, w.path)
	if err != nil {
		return err
	}
	w.byteCount = int64(len(data))
	w.lineCount = bytes.Count(data, []byte("\n"))
	return nil
}

// Append marshals obj to JSON, appends a trailing newline, and durably
// appends the line to the file. String fields containing newlines are
// escaped by json.Marshal, so the only '\n' in the appended bytes is the
// terminator.
func (w *Writer) Append(ctx context.Context, obj any) error {
	return w.AppendBatch(ctx, []any{obj})
}

// AppendBatch writes every object as one contiguous segment: the batch
// either lands in full or not at all from the writer's point of view
// (Append/AppendBatch never advance the counters on a failed write).
func (w *Writer) AppendBatch(ctx context.Context, objs []any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("jsonl: writer for %s is closed", w.path)
	}

	var buf bytes.Buffer
	for _, obj := range objs {
		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("jsonl: marshal line: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := w.backend.Append(ctx, w.path, buf.Bytes()); err != nil {
		return fmt.Errorf("jsonl: append to %s: %w", w.path, err)
	}

	w.lineCount += len(objs)
	w.byteCount += int64(buf.Len())
	return nil
}

// Flush is a no-op: Append is durable to the backend by the time it
// returns. Kept for symmetry with the close lifecycle and so callers that
// batch in memory before a manual flush point have somewhere to call.
func (w *Writer) Flush() error { return nil }

// Close marks the writer closed; further Append calls fail. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// GetPath returns the file path this writer appends to.
func (w *Writer) GetPath() string { return w.path }

// GetLineCount returns the number of lines successfully appended so far.
func (w *Writer) GetLineCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lineCount
}

// GetByteCount returns the number of UTF-8 bytes successfully appended so
// far (including line terminators).
func (w *Writer) GetByteCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byteCount
}

// Reader reads lines back out of a JSONL file.
type Reader struct {
	backend storage.Backend
	path    string
}

// NewReader returns a Reader for path on backend.
func NewReader(backend storage.Backend, path string) *Reader {
	return &Reader{backend: backend, path: path}
}

// ReadAll reads every non-empty line from the file.
func (r *Reader) ReadAll(ctx context.Context) ([]json.RawMessage, error) {
	data, err := r.backend.Read(ctx, r.path)
	if err != nil {
		return nil, err
	}
	return parseLines(data), nil
}

// Stream reads lines from the file and sends them to a channel, closing it
// when done or when ctx is canceled.
func (r *Reader) Stream(ctx context.Context) <-chan json.RawMessage {
	ch := make(chan json.RawMessage)

	go func() {
		defer close(ch)

		data, err := r.backend.Read(ctx, r.path)
		if err != nil {
			return
		}

		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msg := make(json.RawMessage, len(line))
			copy(msg, line)

			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func parseLines(data []byte) []json.RawMessage {
	var messages []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		messages = append(messages, msg)
	}
	return messages
}
