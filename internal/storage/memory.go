package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leonletto/ledgerdb/internal/dberr"
)

// Memory is an in-process Backend used by unit tests across every higher
// layer. It is safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	files map[string][]byte
	etags map[string]string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte), etags: make(map[string]string)}
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func (m *Memory) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, dberr.New(dberr.NotFound, "read", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	if start < 0 || start > end {
		return nil, dberr.New(dberr.Validation, "readRange", path)
	}
	data, err := m.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if start > int64(len(data)) {
		start = int64(len(data))
	}
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end], nil
}

func (m *Memory) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

func (m *Memory) Stat(_ context.Context, path string) (FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return FileInfo{}, dberr.New(dberr.NotFound, "stat", path)
	}
	return FileInfo{Size: int64(len(data)), ETag: m.etags[path], MTime: time.Now().UnixMilli()}, nil
}

func (m *Memory) List(_ context.Context, prefix string, opts ListOptions) (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			names = append(names, p)
		}
	}
	sort.Strings(names)
	if opts.Limit > 0 && len(names) > opts.Limit {
		return ListResult{Files: names[:opts.Limit], HasMore: true, Cursor: names[opts.Limit-1]}, nil
	}
	return ListResult{Files: names}, nil
}

func (m *Memory) Write(_ context.Context, path string, data []byte) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[path] = buf
	tag := etagOf(buf)
	m.etags[path] = tag
	return WriteResult{ETag: tag, Size: int64(len(buf))}, nil
}

func (m *Memory) WriteAtomic(ctx context.Context, path string, data []byte) error {
	_, err := m.Write(ctx, path, data)
	return err
}

func (m *Memory) WriteConditional(_ context.Context, path string, data []byte, expectedETag string, opts ConditionalOptions) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.files[path]
	if expectedETag == "" {
		if exists {
			if opts.IfNoneMatch == "*" && string(existing) == string(data) {
				return WriteResult{ETag: m.etags[path], Size: int64(len(existing))}, nil
			}
			return WriteResult{}, dberr.New(dberr.AlreadyExists, "writeConditional", path)
		}
	} else {
		if !exists {
			return WriteResult{}, dberr.New(dberr.ETagMismatch, "writeConditional", path)
		}
		if m.etags[path] != expectedETag {
			e := dberr.New(dberr.ETagMismatch, "writeConditional", path)
			e.CurrentETag = m.etags[path]
			return WriteResult{}, e
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[path] = buf
	tag := etagOf(buf)
	m.etags[path] = tag
	return WriteResult{ETag: tag, Size: int64(len(buf))}, nil
}

func (m *Memory) Append(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append(m.files[path], data...)
	m.files[path] = buf
	m.etags[path] = etagOf(buf)
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return dberr.New(dberr.NotFound, "delete", path)
	}
	delete(m.files, path)
	delete(m.etags, path)
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			delete(m.files, p)
			delete(m.etags, p)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Mkdir(context.Context, string) error { return nil }

func (m *Memory) Rmdir(ctx context.Context, path string, recursive bool) error {
	if !recursive {
		return nil
	}
	_, err := m.DeletePrefix(ctx, strings.TrimSuffix(path, "/")+"/")
	return err
}

func (m *Memory) Copy(ctx context.Context, src, dst string) error {
	data, err := m.Read(ctx, src)
	if err != nil {
		return err
	}
	_, err = m.Write(ctx, dst, data)
	return err
}

func (m *Memory) Move(ctx context.Context, src, dst string) error {
	if err := m.Copy(ctx, src, dst); err != nil {
		return err
	}
	return m.Delete(ctx, src)
}
