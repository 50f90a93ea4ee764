// Package storage provides the persisted key-value storage shared by every
// window of one installation. Writes are atomic replace operations and the
// last writer wins; there is no locking.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"sspdesk/internal/infrastructure"
)

// ErrNotFound is returned by Get when the key has no value
var ErrNotFound = errors.New("storage: key not found")

var validKey = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Store is the key-value contract consumed by the license engine
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Watcher delivers storage-change notifications
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

// Op describes what happened to a key
type Op int

const (
	OpWrite Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is a storage-change notification
type Change struct {
	Key string
	Op  Op
}

// FileStore keeps one file per key inside a directory of an afero.Fs
type FileStore struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan Change]struct{}
}

// NewFileStore creates dir if needed and returns a store rooted there
func NewFileStore(fs afero.Fs, dir string, logger *slog.Logger) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &FileStore{
		fs:     fs,
		dir:    dir,
		logger: infrastructure.WithComponent(logger, "storage"),
		subs:   make(map[chan Change]struct{}),
	}, nil
}

// NewMemoryStore returns a FileStore backed by an in-memory filesystem
func NewMemoryStore() *FileStore {
	s, _ := NewFileStore(afero.NewMemMapFs(), "/data", nil)
	return s
}

// Dir returns the storage directory
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// Get returns the value stored under key or ErrNotFound
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Set atomically replaces the value under key
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, s.dir, "."+key+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("storage: sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("storage: close %s: %w", key, err)
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		cleanup()
		return fmt.Errorf("storage: replace %s: %w", key, err)
	}

	s.logger.DebugContext(ctx, "storage key written",
		slog.String("key", key),
		slog.Int("bytes", len(value)))
	s.notify(Change{Key: key, Op: OpWrite})
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	s.notify(Change{Key: key, Op: OpDelete})
	return nil
}

func (s *FileStore) notify(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- c:
		default:
			// subscriber is behind; notifications are advisory
		}
	}
}

// Watch delivers changes made through this store and, on the OS
// filesystem, changes written by other processes. The channel is closed
// when ctx is done.
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 16)

	var watcher *fsnotify.Watcher
	if _, ok := s.fs.(*afero.OsFs); ok {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("storage: create watcher: %w", err)
		}
		if err := w.Add(s.dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("storage: watch %s: %w", s.dir, err)
		}
		watcher = w
	}

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.mu.Unlock()
			if watcher != nil {
				_ = watcher.Close()
			}
		}()

		if watcher == nil {
			<-ctx.Done()
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if c, ok := s.changeFromEvent(ev); ok {
					select {
					case ch <- c:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WarnContext(ctx, "storage watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return ch, nil
}

// changeFromEvent maps an fsnotify event to a key change, ignoring temp files
func (s *FileStore) changeFromEvent(ev fsnotify.Event) (Change, bool) {
	key := filepath.Base(ev.Name)
	if strings.HasPrefix(key, ".") || !validKey.MatchString(key) {
		return Change{}, false
	}
	switch {
	case ev.Has(fsnotify.Remove):
		return Change{Key: key, Op: OpDelete}, true
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write), ev.Has(fsnotify.Rename):
		return Change{Key: key, Op: OpWrite}, true
	default:
		return Change{}, false
	}
}
