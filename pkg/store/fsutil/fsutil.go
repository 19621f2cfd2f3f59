// Package fsutil provides the locking and atomic-write primitives shared
// across kbot's stores: per-path mutual exclusion, write-temp-then-rename
// atomic replace, and append-with-fsync for JSONL logs. Every store in
// pkg/store composes these instead of re-deriving them.
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Locks is a sharded per-absolute-path mutex manager. The per-key lock is
// deliberately not a property of whatever is stored at that path — that
// would require a lock to find the lock — so it lives in a parallel map
// guarded by a top-level mutex, created on first use under that mutex.
type Locks struct {
	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// NewLocks creates an empty lock manager.
func NewLocks() *Locks {
	return &Locks{paths: make(map[string]*sync.Mutex)}
}

func (l *Locks) lockFor(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.paths[path]
	if !ok {
		m = &sync.Mutex{}
		l.paths[path] = m
	}
	return m
}

// WithLock serializes concurrent callers keyed on the absolute path. fn's
// return value or error is propagated to the caller of WithLock.
func WithLock[T any](l *Locks, path string, fn func() (T, error)) (T, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("fsutil: resolve absolute path %q: %w", path, err)
	}
	m := l.lockFor(abs)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// AtomicWriteYAML marshals v as YAML and replaces path via write-to-temp
// then rename, so readers never observe a partial file.
func AtomicWriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("fsutil: marshal yaml: %w", err)
	}
	return atomicWrite(path, data)
}

// AtomicWriteJSON marshals v as indented JSON and replaces path atomically.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsutil: marshal json: %w", err)
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsutil: mkdir %q: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("fsutil: write temp file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsutil: rename %q -> %q: %w", tmp, path, err)
	}
	return nil
}

// ReadYAML loads path into v. Returns os.ErrNotExist (wrapped) if absent.
func ReadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// ReadJSON loads path into v. Returns os.ErrNotExist (wrapped) if absent.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// AppendJSONLSync marshals v as one JSON line, appends it to path with
// O_APPEND, and fsyncs the file before returning.
func AppendJSONLSync(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsutil: mkdir %q: %w", dir, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fsutil: marshal jsonl line: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fsutil: open %q: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("fsutil: append to %q: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsutil: fsync %q: %w", path, err)
	}
	return nil
}

// EnsureFile creates an empty file at path if it doesn't already exist.
func EnsureFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsutil: mkdir %q: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fsutil: create %q: %w", path, err)
	}
	return f.Close()
}
