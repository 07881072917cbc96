// ABOUTME: File-backed session store with a transactional read-modify-write primitive
// ABOUTME: Serializes writers per store path in-process and across processes with flock

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/2389/clawgate/internal/apierr"
)

// FileStore reads and updates session store files.
type FileStore struct {
	mu          sync.Mutex
	locks       map[string]chan struct{} // cleaned absolute path -> one-slot semaphore
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewFileStore creates a store whose lock acquisition gives up after lockTimeout.
func NewFileStore(lockTimeout time.Duration, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		locks:       make(map[string]chan struct{}),
		lockTimeout: lockTimeout,
		logger:      logger.With("component", "session_store"),
	}
}

// SetLockTimeout changes the lock acquisition budget for subsequent updates.
func (s *FileStore) SetLockTimeout(d time.Duration) {
	s.mu.Lock()
	s.lockTimeout = d
	s.mu.Unlock()
}

// LockTimeout returns the current lock acquisition budget.
func (s *FileStore) LockTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockTimeout
}

// Update runs fn against the current content of the store at path while
// holding the store's exclusive lock. The content is persisted only when fn
// returns nil; otherwise fn's error is returned and the file is untouched.
// Results are returned by capturing them in fn's closure.
func (s *FileStore) Update(ctx context.Context, path string, fn func(Map) error) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return apierr.Wrap(err, "resolving session store path")
	}

	release, err := s.acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apierr.Wrap(err, "creating session store dir")
	}

	lock, err := lockFile(path+".lock", true)
	if err != nil {
		return apierr.Wrap(err, "locking session store")
	}
	defer unlockFile(lock)

	store, err := readStore(path)
	if err != nil {
		return apierr.Wrap(err, "reading session store")
	}

	if err := fn(store); err != nil {
		return err
	}

	if err := writeStore(path, store); err != nil {
		return apierr.Wrap(err, "writing session store")
	}
	return nil
}

// Load returns the content of the store at path under a shared lock.
func (s *FileStore) Load(path string) (Map, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Map{}, nil
	}

	lock, err := lockFile(path+".lock", false)
	if err != nil {
		return nil, apierr.Wrap(err, "locking session store")
	}
	defer unlockFile(lock)

	store, err := readStore(path)
	if err != nil {
		return nil, apierr.Wrap(err, "reading session store")
	}
	return store, nil
}

// acquire takes the in-process lock for path, bounded by the lock timeout and ctx.
func (s *FileStore) acquire(ctx context.Context, path string) (func(), error) {
	s.mu.Lock()
	sem, ok := s.locks[path]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[path] = sem
	}
	timeout := s.lockTimeout
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-expired:
		s.logger.Warn("session store lock timeout", "path", path, "timeout", timeout)
		return nil, apierr.Unavailable("timed out after %s waiting for session store lock", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func readStore(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Map{}, nil
	}
	if err != nil {
		return nil, err
	}

	store := Map{}
	if len(data) == 0 {
		return store, nil
	}
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for k, e := range store {
		if e == nil {
			delete(store, k)
		}
	}
	return store, nil
}

// writeStore replaces path atomically via a temp file in the same directory.
func writeStore(path string, store Map) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session store: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func lockFile(path string, exclusive bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func unlockFile(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}
