package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/leonletto/ledgerdb/internal/dberr"
)

const filePerm = 0o644
const dirPerm = 0o755

// Local is a Backend rooted at a directory on the local filesystem. Writes
// are tmp-file-then-rename for atomicity; writeConditional additionally
// takes an advisory flock on a sibling ".lock" file so two Local instances
// sharing the same root (but not CAS-aware peers on a different backend
// type) don't tear each other's writes — mirroring the single-process flock
// discipline of a plain JSONL append, extended to whole-file CAS.
type Local struct {
	root string
}

// NewLocal returns a Backend rooted at root. The directory is created if
// missing.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func mapOSErr(op, path string, err error) error {
	switch {
	case os.IsNotExist(err):
		return dberr.Wrap(dberr.NotFound, op, path, err)
	case os.IsExist(err):
		return dberr.Wrap(dberr.AlreadyExists, op, path, err)
	case os.IsPermission(err):
		return dberr.Wrap(dberr.PermissionDenied, op, path, err)
	default:
		return dberr.Wrap(dberr.IO, op, path, err)
	}
}

func fileETag(path string, info os.FileInfo) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())))
	return hex.EncodeToString(sum[:8])
}

func (l *Local) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.abs(path))
	if err != nil {
		return nil, mapOSErr("read", path, err)
	}
	return data, nil
}

func (l *Local) ReadRange(_ context.Context, path string, start, end int64) ([]byte, error) {
	if start < 0 || start > end {
		return nil, dberr.New(dberr.Validation, "readRange", path)
	}
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, mapOSErr("readRange", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, mapOSErr("readRange", path, err)
	}
	buf := make([]byte, end-start)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, mapOSErr("readRange", path, err)
	}
	return buf[:n], nil
}

func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(l.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, mapOSErr("exists", path, err)
}

func (l *Local) Stat(_ context.Context, path string) (FileInfo, error) {
	info, err := os.Stat(l.abs(path))
	if err != nil {
		return FileInfo{}, mapOSErr("stat", path, err)
	}
	return FileInfo{Size: info.Size(), ETag: fileETag(path, info), MTime: info.ModTime().UnixMilli()}, nil
}

func (l *Local) List(_ context.Context, prefix string, opts ListOptions) (ListResult, error) {
	root := l.root
	var names []string
	_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			names = append(names, rel)
		}
		return nil
	})
	sort.Strings(names)
	if opts.Limit > 0 && len(names) > opts.Limit {
		return ListResult{Files: names[:opts.Limit], HasMore: true, Cursor: names[opts.Limit-1]}, nil
	}
	return ListResult{Files: names}, nil
}

func (l *Local) Write(_ context.Context, path string, data []byte) (WriteResult, error) {
	abs := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), dirPerm); err != nil {
		return WriteResult{}, mapOSErr("write", path, err)
	}
	if err := os.WriteFile(abs, data, filePerm); err != nil {
		return WriteResult{}, mapOSErr("write", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return WriteResult{}, mapOSErr("write", path, err)
	}
	return WriteResult{ETag: fileETag(path, info), Size: info.Size()}, nil
}

// WriteAtomic writes via a temp file in the same directory followed by a
// rename, so readers never observe a partial file.
func (l *Local) WriteAtomic(_ context.Context, path string, data []byte) error {
	abs := l.abs(path)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return mapOSErr("writeAtomic", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return mapOSErr("writeAtomic", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mapOSErr("writeAtomic", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return mapOSErr("writeAtomic", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapOSErr("writeAtomic", path, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return mapOSErr("writeAtomic", path, err)
	}
	return nil
}

// lockPath returns p.lock, flocked for the duration of a WriteConditional
// call, guarding against torn reads of the etag check + write pair.
func lockPath(p string) (func(), error) {
	f, err := os.OpenFile(p+".lock", os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, err
	}
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if err != syscall.EINTR {
			break
		}
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (l *Local) WriteConditional(ctx context.Context, path string, data []byte, expectedETag string, opts ConditionalOptions) (WriteResult, error) {
	abs := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), dirPerm); err != nil {
		return WriteResult{}, mapOSErr("writeConditional", path, err)
	}
	unlock, err := lockPath(abs)
	if err != nil {
		return WriteResult{}, mapOSErr("writeConditional", path, err)
	}
	defer unlock()

	info, statErr := os.Stat(abs)
	exists := statErr == nil

	if expectedETag == "" {
		if exists {
			if opts.IfNoneMatch == "*" {
				existing, rerr := os.ReadFile(abs)
				if rerr == nil && string(existing) == string(data) {
					return WriteResult{ETag: fileETag(path, info), Size: info.Size()}, nil
				}
			}
			return WriteResult{}, dberr.New(dberr.AlreadyExists, "writeConditional", path)
		}
	} else {
		if !exists {
			return WriteResult{}, dberr.New(dberr.ETagMismatch, "writeConditional", path)
		}
		current := fileETag(path, info)
		if current != expectedETag {
			e := dberr.New(dberr.ETagMismatch, "writeConditional", path)
			e.CurrentETag = current
			return WriteResult{}, e
		}
	}

	if err := l.WriteAtomic(ctx, path, data); err != nil {
		return WriteResult{}, err
	}
	newInfo, err := os.Stat(abs)
	if err != nil {
		return WriteResult{}, mapOSErr("writeConditional", path, err)
	}
	return WriteResult{ETag: fileETag(path, newInfo), Size: newInfo.Size()}, nil
}

// Append opens path for append under an exclusive flock, mirroring the
// teacher jsonl writer's single-file-lock-then-write discipline, then syncs
// before releasing.
func (l *Local) Append(_ context.Context, path string, data []byte) error {
	abs := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), dirPerm); err != nil {
		return mapOSErr("append", path, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return mapOSErr("append", path, err)
	}
	defer f.Close()
	for {
		ferr := syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if ferr != syscall.EINTR {
			break
		}
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	if _, err := f.Write(data); err != nil {
		return mapOSErr("append", path, err)
	}
	return f.Sync()
}

func (l *Local) Delete(_ context.Context, path string) error {
	if err := os.Remove(l.abs(path)); err != nil {
		return mapOSErr("delete", path, err)
	}
	os.Remove(l.abs(path) + ".lock")
	return nil
}

func (l *Local) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := l.List(ctx, prefix, ListOptions{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, f := range res.Files {
		if err := l.Delete(ctx, f); err == nil {
			n++
		}
	}
	return n, nil
}

func (l *Local) Mkdir(_ context.Context, path string) error {
	if err := os.MkdirAll(l.abs(path), dirPerm); err != nil {
		return mapOSErr("mkdir", path, err)
	}
	return nil
}

func (l *Local) Rmdir(_ context.Context, path string, recursive bool) error {
	abs := l.abs(path)
	if !recursive {
		if err := os.Remove(abs); err != nil {
			if pe, ok := err.(*os.PathError); ok && strings.Contains(pe.Err.Error(), "directory not empty") {
				return dberr.Wrap(dberr.DirectoryNotEmpty, "rmdir", path, err)
			}
			return mapOSErr("rmdir", path, err)
		}
		return nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return mapOSErr("rmdir", path, err)
	}
	return nil
}

func (l *Local) Copy(_ context.Context, src, dst string) error {
	data, err := os.ReadFile(l.abs(src))
	if err != nil {
		return mapOSErr("copy", src, err)
	}
	dstAbs := l.abs(dst)
	if err := os.MkdirAll(filepath.Dir(dstAbs), dirPerm); err != nil {
		return mapOSErr("copy", dst, err)
	}
	if err := os.WriteFile(dstAbs, data, filePerm); err != nil {
		return mapOSErr("copy", dst, err)
	}
	return nil
}

func (l *Local) Move(_ context.Context, src, dst string) error {
	dstAbs := l.abs(dst)
	if err := os.MkdirAll(filepath.Dir(dstAbs), dirPerm); err != nil {
		return mapOSErr("move", dst, err)
	}
	if err := os.Rename(l.abs(src), dstAbs); err != nil {
		return mapOSErr("move", src, err)
	}
	os.Remove(l.abs(src) + ".lock")
	return nil
}
