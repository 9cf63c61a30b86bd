package entity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	entities map[string]*Entity
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: map[string]*Entity{},
		now:      time.Now,
	}
}

func (s *MemoryStore) Seed(ctx context.Context, entities ...Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		if _, ok := s.entities[e.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
		}
	}
	for _, e := range entities {
		e.Status = StatusPending
		e.UpdatedAt = s.now()
		s.entities[e.ID] = &e
	}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, owner string, n int, ttl time.Duration) ([]Entity, error) {
	if err := ctx.Err(); err != nil || n <= 0 {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]*Entity, 0, n)
	for _, e := range s.entities {
		if e.Claimable(now) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return Less(*candidates[i], *candidates[j]) })
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	claimed := make([]Entity, 0, len(candidates))
	for _, e := range candidates {
		e.Status = StatusInFlight
		e.Lease = &Lease{Owner: owner, ExpiresAt: now.Add(ttl)}
		e.UpdatedAt = now
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (s *MemoryStore) Renew(ctx context.Context, id, owner string, ttl time.Duration) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.renewable(owner) {
		return Entity{}, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	now := s.now()
	e.Lease = &Lease{Owner: owner, ExpiresAt: now.Add(ttl)}
	e.UpdatedAt = now
	return *e, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id, owner string, target []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now()
	if e.Status != StatusInFlight || !e.Lease.Valid(owner, now) {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	e.Status = StatusDone
	e.TargetRepr = append([]byte(nil), target...)
	e.Lease = nil
	e.LastError = ""
	e.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id, owner string, cause error, maxAttempts int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now()
	if e.Status != StatusInFlight || !e.Lease.Valid(owner, now) {
		return e.Status, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	applyFailure(e, cause, maxAttempts, now)
	return e.Status, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *e, nil
}

func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return countOf(all, s.now()), nil
}

func (s *MemoryStore) Cursor(ctx context.Context) (string, error) {
	all, err := s.All(ctx)
	if err != nil {
		return "", err
	}
	return CursorOf(all), nil
}

func (s *MemoryStore) Requeue(ctx context.Context, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	requeued := 0
	if len(ids) == 0 {
		for _, e := range s.entities {
			if e.Status == StatusFailed {
				resetPending(e, now)
				requeued++
			}
		}
		return requeued, nil
	}
	targets := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		e, ok := s.entities[id]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if e.Status == StatusInFlight && !e.Claimable(now) {
			return 0, fmt.Errorf("%w: %s", ErrLeased, id)
		}
		targets = append(targets, e)
	}
	for _, e := range targets {
		resetPending(e, now)
	}
	return len(targets), nil
}

func (s *MemoryStore) All(ctx context.Context) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool { return Less(all[i], all[j]) })
	return all, nil
}

func (s *MemoryStore) Replace(ctx context.Context, entities []Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		s.entities[e.ID] = &e
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func applyFailure(e *Entity, cause error, maxAttempts int, now time.Time) {
	e.AttemptCount++
	e.LastError = errorText(cause)
	e.Lease = nil
	e.UpdatedAt = now
	if maxAttempts > 0 && e.AttemptCount >= maxAttempts {
		e.Status = StatusFailed
		return
	}
	e.Status = StatusPending
}

func resetPending(e *Entity, now time.Time) {
	e.Status = StatusPending
	e.AttemptCount = 0
	e.Lease = nil
	e.LastError = ""
	e.UpdatedAt = now
}
