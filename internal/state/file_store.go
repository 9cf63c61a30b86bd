package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/nholik/cutover/internal/flags"
	"github.com/rs/zerolog"
)

// FileStore persists state as JSON on disk. Writers across processes
// serialize on a sibling lock file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	lock   *flock.Flock
	logger zerolog.Logger
}

// NewFileStore returns a JSON-backed state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads state from disk. A missing file yields fresh state; a corrupt one is an error
// since starting over would silently reset the migration phase.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug().Str("path", s.path).Msg("state file missing, starting fresh")
			return Fresh(), nil
		}
		return State{}, err
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("state file %s corrupt: %w", s.path, err)
	}
	if st.Flags == nil {
		st.Flags = flags.Initial()
	}
	return st, nil
}

// LoadFlags implements flags.Loader.
func (s *FileStore) LoadFlags(ctx context.Context) (*flags.Set, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.Flags, nil
}

// Save writes state to disk atomically under the cross-process lock.
func (s *FileStore) Save(ctx context.Context, st State) error {
	return s.withLock(ctx, func() error {
		return s.write(ctx, st)
	})
}

// Update performs a locked read-modify-write. A flag set older than the one on
// disk is never written back.
func (s *FileStore) Update(ctx context.Context, fn func(*State) error) error {
	return s.withLock(ctx, func() error {
		st, err := s.Load(ctx)
		if err != nil {
			return err
		}
		onDisk := st.Flags
		if err := fn(&st); err != nil {
			return err
		}
		if onDisk != nil && st.Flags != nil && st.Flags.Version < onDisk.Version {
			st.Flags = onDisk
		}
		return s.write(ctx, st)
	})
}

func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	// flock is per open file; the mutex serializes goroutines sharing this store.
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock state: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn().Err(err).Msg("unlock state failed")
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (s *FileStore) write(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.Flags == nil {
		st.Flags = flags.Initial()
	}

	dir := filepath.Dir(s.path)
	tempFile, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}

	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	encoder := json.NewEncoder(tempFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(st); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return err
	}

	if err := os.Rename(tempFile.Name(), s.path); err != nil {
		cleanup()
		return err
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	return nil
}

// SaveFlags records set and history unless the file already holds the same or a newer version.
func (s *FileStore) SaveFlags(ctx context.Context, set *flags.Set, history []*flags.Set) error {
	return s.withLock(ctx, func() error {
		st, err := s.Load(ctx)
		if err != nil {
			return err
		}
		if st.Flags != nil && st.Flags.Version >= set.Version {
			return nil
		}
		st.Flags = set
		st.History = history
		return s.write(ctx, st)
	})
}

// Persist returns an observer that writes every published snapshot to s.
func Persist(s *FileStore, store *flags.Store, logger zerolog.Logger) flags.Observer {
	return func(_, next *flags.Set) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveFlags(ctx, next, store.History()); err != nil {
			logger.Error().Err(err).Uint64("version", next.Version).Msg("persist flag set failed")
		}
	}
}
