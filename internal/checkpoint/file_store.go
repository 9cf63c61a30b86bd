package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nholik/cutover/internal/entity"
	"github.com/nholik/cutover/internal/faults"
	"github.com/rs/zerolog"
)

const (
	metaSuffix    = ".json"
	payloadSuffix = ".entities.json"
)

// FileStore keeps each checkpoint as a metadata file plus a payload file.
// Both are hard-linked into place from synced temp files, so an existing
// name is never overwritten.
type FileStore struct {
	dir        string
	logger     zerolog.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// Option customizes a FileStore.
type Option func(*FileStore)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *FileStore) {
		s.now = now
	}
}

// WithBackOff overrides the write retry policy.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *FileStore) {
		s.newBackOff = factory
	}
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string, logger zerolog.Logger, opts ...Option) *FileStore {
	s := &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "checkpoint").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 100 * time.Millisecond
			policy.MaxInterval = 2 * time.Second
			policy.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(policy, 4)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the directory exists and is writable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return faults.Checkpoint("ping", err)
	}
	probe, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return faults.Checkpoint("ping", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}

// Create writes a checkpoint, retrying transient failures before escalating.
func (s *FileStore) Create(ctx context.Context, req Request) (Checkpoint, error) {
	now := s.now()
	if req.Name == "" {
		req.Name = AutoName(req.Phase, now)
	}
	if err := ValidateName(req.Name); err != nil {
		return Checkpoint{}, faults.Validation("create checkpoint", err)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return Checkpoint{}, faults.Checkpoint("encode payload", err)
	}
	cp := Checkpoint{
		Name:            req.Name,
		ID:              uuid.NewString(),
		CreatedAt:       now,
		Description:     req.Description,
		PhaseAtCreation: req.Phase,
		MigrationCursor: req.Cursor,
		PayloadRef:      req.Name + payloadSuffix,
		Checksum:        entity.Checksum(payload),
		EntityCount:     len(req.Payload.Entities),
	}
	meta, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return Checkpoint{}, faults.Checkpoint("encode checkpoint", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := s.write(cp, payload, meta)
		if errors.Is(err, ErrExists) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("checkpoint", cp.Name).Int("attempt", attempt).Msg("checkpoint write failed")
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		if errors.Is(err, ErrExists) {
			return Checkpoint{}, faults.Validation("create checkpoint", err)
		}
		return Checkpoint{}, faults.Checkpoint("create checkpoint "+cp.Name, err)
	}

	s.logger.Info().
		Str("checkpoint", cp.Name).
		Str("phase", cp.PhaseAtCreation.String()).
		Str("cursor", cp.MigrationCursor).
		Int("entities", cp.EntityCount).
		Msg("checkpoint created")
	return cp, nil
}

func (s *FileStore) write(cp Checkpoint, payload, meta []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	metaPath := filepath.Join(s.dir, cp.Name+metaSuffix)
	payloadPath := filepath.Join(s.dir, cp.PayloadRef)

	if _, err := os.Stat(metaPath); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, cp.Name)
	}
	// A payload without metadata was never committed.
	if _, err := os.Stat(payloadPath); err == nil {
		s.logger.Warn().Str("checkpoint", cp.Name).Msg("removing uncommitted checkpoint payload")
		if err := os.Remove(payloadPath); err != nil {
			return err
		}
	}

	if err := s.linkNew(payloadPath, payload); err != nil {
		return err
	}
	if err := s.linkNew(metaPath, meta); err != nil {
		_ = os.Remove(payloadPath)
		return err
	}
	if dirHandle, err := os.Open(s.dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	return nil
}

// linkNew writes data to a synced temp file and hard-links it to path, failing if path exists.
func (s *FileStore) linkNew(path string, data []byte) error {
	tempFile, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tempFile.Name())
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Link(tempFile.Name(), path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, filepath.Base(path))
		}
		return err
	}
	return nil
}

// Get reads one checkpoint's metadata.
func (s *FileStore) Get(ctx context.Context, name string) (Checkpoint, error) {
	if err := ValidateName(name); err != nil {
		return Checkpoint{}, faults.Validation("get checkpoint", err)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name+metaSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Checkpoint{}, faults.Checkpoint("read checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, faults.Checkpoint("decode checkpoint "+name, err)
	}
	return cp, nil
}

// List returns every checkpoint, oldest first.
func (s *FileStore) List(ctx context.Context) ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Checkpoint("list checkpoints", err)
	}

	var out []Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, payloadSuffix) || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		cp, err := s.Get(ctx, strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable checkpoint")
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Latest returns the most recently created checkpoint.
func (s *FileStore) Latest(ctx context.Context) (Checkpoint, error) {
	all, err := s.List(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(all) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return all[len(all)-1], nil
}

// Payload reads and verifies the checkpoint payload.
func (s *FileStore) Payload(ctx context.Context, cp Checkpoint) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, cp.PayloadRef))
	if err != nil {
		return Payload{}, faults.Checkpoint("read payload "+cp.Name, err)
	}
	if sum := entity.Checksum(data); sum != cp.Checksum {
		return Payload{}, faults.Checkpoint("verify payload", fmt.Errorf("%w: %s checksum %s, recorded %s", ErrCorrupt, cp.Name, sum, cp.Checksum))
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, faults.Checkpoint("decode payload "+cp.Name, err)
	}
	return payload, nil
}
