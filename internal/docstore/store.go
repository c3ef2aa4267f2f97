// Package docstore provides the workspace-isolated JSON document store that
// backs every Workdeck widget app.
//
// A document is addressed by an opaque workspace identifier and a logical key
// and lives as one JSON file under the workspace's data directory. The store
// guarantees that a document on disk is always a complete, valid JSON
// encoding of the last value fully written: writes go to a temporary file in
// the target directory and are atomically renamed over the destination, so a
// concurrent reader observes either the previous or the new value, never a
// truncated mix. Writes to the same (workspace, key) are serialized; reads
// proceed without locking and rely on the rename atomicity.
//
// All methods are safe for concurrent use.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// ErrInvalidKey is returned when a workspace ID or document key would escape
// the workspace's data root. No I/O is attempted in that case.
var ErrInvalidKey = errors.New("docstore: invalid key")

// ErrCorruptDocument is returned when a stored document exists but does not
// contain valid JSON. The caller decides whether to treat the document as
// empty or to fail hard; the store never silently returns partial data.
var ErrCorruptDocument = errors.New("docstore: corrupt document")

// ErrStorageUnavailable wraps I/O and permission failures. These are
// retryable by the caller.
var ErrStorageUnavailable = errors.New("docstore: storage unavailable")

// ErrLocked is returned by New when another process already owns the data
// root.
var ErrLocked = errors.New("docstore: data root is locked by another process")

// docExt is the file extension appended to every resolved key.
const docExt = ".json"

// Store is a workspace-scoped JSON document store rooted at a single data
// directory. Create one with [New].
type Store struct {
	root string
	lock *flock.Flock

	// mu guards the per-key lock table; the per-key mutexes serialize writes
	// to the same (workspace, key).
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if absent.
// It acquires an advisory lock on <dir>/.lock so that only one process owns
// the data root at a time; [ErrLocked] is returned when the lock is held
// elsewhere. Call [Store.Close] to release the lock.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create root %q: %w: %w", dir, ErrStorageUnavailable, err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("docstore: acquire lock: %w: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	return &Store{
		root:  dir,
		lock:  lock,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the data-root lock. The store must not be used afterwards.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Root returns the store's data root directory.
func (s *Store) Root() string {
	return s.root
}

// ResolvePath maps (workspaceID, key) to the physical file path for the
// document, confined to the workspace's directory under the store root.
// It fails with [ErrInvalidKey] when the workspace ID is not a single clean
// path component or when the key, after normalization, would escape the
// workspace directory (".." segments, absolute paths, NUL bytes). This check
// runs on every store operation, not only at directory creation.
func (s *Store) ResolvePath(workspaceID, key string) (string, error) {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	wsRoot := filepath.Join(s.root, workspaceID)
	p := filepath.Join(wsRoot, filepath.FromSlash(key)+docExt)

	// Normalization above should make escapes impossible; verify anyway since
	// this is the store's primary safety invariant.
	if p != wsRoot && !strings.HasPrefix(p, wsRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes workspace root", ErrInvalidKey, key)
	}
	return p, nil
}

// EnsureDir creates the workspace's data directory tree if absent.
// Idempotent; fails with [ErrStorageUnavailable] on permission or disk
// errors.
func (s *Store) EnsureDir(workspaceID string) error {
	if err := validateWorkspaceID(workspaceID); err != nil {
		return err
	}
	dir := filepath.Join(s.root, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("docstore: ensure dir %q: %w: %w", dir, ErrStorageUnavailable, err)
	}
	return nil
}

// Read decodes the document stored under (workspaceID, key) into out.
// It returns found=false, leaving out untouched, when the document does not
// exist or the file is empty — the caller's default value stands. A document
// that exists but is not valid JSON fails with [ErrCorruptDocument].
func (s *Store) Read(workspaceID, key string, out any) (found bool, err error) {
	p, err := s.ResolvePath(workspaceID, key)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("docstore: read %q: %w: %w", key, ErrStorageUnavailable, err)
	}
	if len(data) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("docstore: decode %q: %w: %w", key, ErrCorruptDocument, err)
	}
	return true, nil
}

// Write serializes value and stores it under (workspaceID, key). The bytes
// are written to a temporary file in the same directory, fsynced, and
// atomically renamed over the target, so a crash mid-write leaves the
// previous document (or no document) intact. Writes to the same
// (workspaceID, key) are serialized; a concurrent second write waits for the
// first to complete.
func (s *Store) Write(workspaceID, key string, value any) error {
	p, err := s.ResolvePath(workspaceID, key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("docstore: marshal %q: %w", key, err)
	}

	l := s.keyLock(workspaceID, key)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("docstore: create dir for %q: %w: %w", key, ErrStorageUnavailable, err)
	}
	if err := writeFileAtomic(p, data, 0o644); err != nil {
		return fmt.Errorf("docstore: write %q: %w: %w", key, ErrStorageUnavailable, err)
	}
	return nil
}

// Delete removes the document stored under (workspaceID, key). Deleting a
// document that does not exist is a no-op.
func (s *Store) Delete(workspaceID, key string) error {
	p, err := s.ResolvePath(workspaceID, key)
	if err != nil {
		return err
	}

	l := s.keyLock(workspaceID, key)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("docstore: delete %q: %w: %w", key, ErrStorageUnavailable, err)
	}
	return nil
}

// keyLock returns the write mutex for (workspaceID, key), creating it on
// first use. The lock table only grows; the set of live keys per deployment
// is small and bounded by the workspaces a deployment serves.
func (s *Store) keyLock(workspaceID, key string) *sync.Mutex {
	id := workspaceID + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// validateWorkspaceID checks that id is usable as a single path component.
func validateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty workspace id", ErrInvalidKey)
	}
	if strings.ContainsAny(id, "/\\\x00") || id == "." || id == ".." {
		return fmt.Errorf("%w: workspace id %q", ErrInvalidKey, id)
	}
	return nil
}

// validateKey checks that key is a clean, relative, slash-separated path with
// no traversal components.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsAny(key, "\x00\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// writeFileAtomic writes data to path via a temporary file in the same
// directory followed by an atomic rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".doc-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
