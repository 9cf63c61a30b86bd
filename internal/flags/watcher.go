package flags

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads the snapshot another process last persisted.
type Loader interface {
	LoadFlags(ctx context.Context) (*Set, error)
}

// Watcher reloads a persisted snapshot whenever its file changes and adopts
// it into the Store when it is newer.
type Watcher struct {
	path   string
	store  *Store
	loader Loader
	logger zerolog.Logger
}

// NewWatcher watches path, which must be the file loader reads from.
func NewWatcher(path string, store *Store, loader Loader, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:   filepath.Clean(path),
		store:  store,
		loader: loader,
		logger: logger.With().Str("component", "flag-watcher").Logger(),
	}
}

// Run blocks until ctx is done. The directory is watched so atomic renames are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.reload(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.reload(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	set, err := w.loader.LoadFlags(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("reload flags failed")
		return
	}
	if w.store.Adopt(set) {
		w.logger.Info().Uint64("version", set.Version).Str("phase", set.Phase.String()).Msg("adopted newer flag set")
	}
}
