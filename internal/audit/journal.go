package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	rollbackFile = "rollbacks.jsonl"
	incidentFile = "incidents.jsonl"
)

// Journal appends JSON lines to the rollback and incident logs under one directory.
type Journal struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	lock *flock.Flock
}

// Option customizes a Journal.
type Option func(*Journal)

// WithClock overrides the timestamp source for records without one.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// NewJournal returns a journal rooted at dir.
func NewJournal(dir string, logger zerolog.Logger, opts ...Option) *Journal {
	j := &Journal{
		dir:    dir,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		lock:   flock.New(filepath.Join(dir, ".audit.lock")),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RecordRollback appends ev, filling ID and Timestamp when empty.
func (j *Journal) RecordRollback(ctx context.Context, ev RollbackEvent) (RollbackEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = j.now()
	}
	if err := j.append(ctx, rollbackFile, ev); err != nil {
		return ev, err
	}
	j.logger.Info().
		Str("id", ev.ID).
		Str("trigger", string(ev.Trigger)).
		Str("from", ev.FromPhase.String()).
		Str("to", ev.ToPhase.String()).
		Msg("rollback recorded")
	return ev, nil
}

// RecordIncident appends inc, filling ID and Timestamp when empty.
func (j *Journal) RecordIncident(ctx context.Context, inc Incident) (Incident, error) {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.Timestamp.IsZero() {
		inc.Timestamp = j.now()
	}
	if err := j.append(ctx, incidentFile, inc); err != nil {
		return inc, err
	}
	j.logger.Error().Str("id", inc.ID).Str("op", inc.Op).Str("error", inc.Error).Msg("incident recorded")
	return inc, nil
}

// Rollbacks returns every recorded rollback, oldest first.
func (j *Journal) Rollbacks(ctx context.Context) ([]RollbackEvent, error) {
	return readLines[RollbackEvent](ctx, filepath.Join(j.dir, rollbackFile))
}

// Incidents returns every recorded incident, oldest first.
func (j *Journal) Incidents(ctx context.Context) ([]Incident, error) {
	return readLines[Incident](ctx, filepath.Join(j.dir, incidentFile))
}

func (j *Journal) append(ctx context.Context, name string, record any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", name, err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("lock audit log: %w", err)
	}
	defer func() {
		if err := j.lock.Unlock(); err != nil {
			j.logger.Warn().Err(err).Msg("unlock audit log failed")
		}
	}()

	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readLines[T any](ctx context.Context, path string) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record T
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		out = append(out, record)
	}
	return out, scanner.Err()
}
