package flags

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/phase"
	"github.com/rs/zerolog"
)

var (
	// ErrIllegalTransition is returned when a proposal violates the phase state machine.
	ErrIllegalTransition = phase.ErrIllegalTransition
	// ErrInvalidSplit is returned for a split that does not sum to 100 or does not fit the phase.
	ErrInvalidSplit = errors.New("invalid traffic split")
	// ErrRollbackInProgress is returned when a non-rollback actor proposes during a rollback.
	ErrRollbackInProgress = errors.New("rollback in progress")
	// ErrStaleVersion is returned when a proposal expected a version that is no longer current.
	ErrStaleVersion = errors.New("flag set changed since it was read")
)

const defaultHistorySize = 64

// Proposal describes a change to the current snapshot. Nil fields keep the current value.
type Proposal struct {
	Actor       Actor
	Phase       *phase.Phase
	Split       *Split
	SubFlags    map[string]Flag
	Rules       []Rule
	SetRules    bool
	RollingBack *bool
	// Override permits skipping forward phases.
	Override bool
	// ExpectVersion, when non-zero, must equal the current version.
	ExpectVersion uint64
	Reason        string
}

// Observer is called after every published snapshot.
type Observer func(prev, next *Set)

// Store publishes flag snapshots. Reads are lock-free.
type Store struct {
	current     atomic.Pointer[Set]
	logger      zerolog.Logger
	now         func() time.Time
	historySize int

	mu        sync.Mutex
	history   []*Set
	observers []Observer
}

// Option customizes a Store.
type Option func(*Store)

// WithHistorySize bounds how many prior versions are retained.
func WithHistorySize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historySize = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithObserver registers a callback run after each publish.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observers = append(s.observers, o)
	}
}

// NewStore returns a Store seeded with initial, or Initial() when nil.
func NewStore(logger zerolog.Logger, initial *Set, opts ...Option) *Store {
	s := &Store{
		logger:      logger.With().Str("component", "flags").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		historySize: defaultHistorySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if initial == nil {
		initial = Initial()
	}
	s.current.Store(initial.clone())
	return s
}

// Observe registers an observer after construction.
func (s *Store) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Current returns the latest snapshot.
func (s *Store) Current() *Set {
	return s.current.Load()
}

// History returns retained prior snapshots, oldest first.
func (s *Store) History() []*Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Set(nil), s.history...)
}

// SeedHistory replaces the retained history, used when loading persisted state.
func (s *Store) SeedHistory(history []*Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(history) > s.historySize {
		history = history[len(history)-s.historySize:]
	}
	s.history = append([]*Set(nil), history...)
}

// Propose validates p against the latest snapshot and publishes the result.
// A lost compare-and-swap re-validates against the new latest snapshot.
func (s *Store) Propose(ctx context.Context, p Proposal) (*Set, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := s.current.Load()
		next, err := s.apply(cur, p)
		if err != nil {
			return nil, faults.Validation("propose", err)
		}
		if s.current.CompareAndSwap(cur, next) {
			s.published(cur, next)
			return next, nil
		}
	}
}

// Adopt publishes a snapshot produced elsewhere if it is newer than the current one.
func (s *Store) Adopt(next *Set) bool {
	if next == nil {
		return false
	}
	for {
		cur := s.current.Load()
		if next.Version <= cur.Version {
			return false
		}
		adopted := next.clone()
		if s.current.CompareAndSwap(cur, adopted) {
			s.published(cur, adopted)
			return true
		}
	}
}

func (s *Store) apply(cur *Set, p Proposal) (*Set, error) {
	if p.Actor == "" {
		return nil, errors.New("proposal has no actor")
	}
	if cur.RollingBack && p.Actor != ActorRollback {
		return nil, fmt.Errorf("%w: %s cannot change flags", ErrRollbackInProgress, p.Actor)
	}
	if p.ExpectVersion != 0 && p.ExpectVersion != cur.Version {
		return nil, fmt.Errorf("%w: expected v%d, current v%d", ErrStaleVersion, p.ExpectVersion, cur.Version)
	}

	next := cur.clone()
	if p.Phase != nil {
		if err := phase.CheckTransition(cur.Phase, *p.Phase, p.Override); err != nil {
			return nil, err
		}
		next.Phase = *p.Phase
	}
	if p.Split != nil {
		if err := p.Split.Validate(); err != nil {
			return nil, err
		}
		next.Split = *p.Split
	}
	if p.RollingBack != nil {
		next.RollingBack = *p.RollingBack
	}
	for name, f := range p.SubFlags {
		if f.Percentage < 0 || f.Percentage > 100 {
			return nil, fmt.Errorf("flag %s: percentage %d out of range", name, f.Percentage)
		}
		next.SubFlags[name] = f
	}
	if p.SetRules {
		for _, r := range p.Rules {
			if err := r.Validate(); err != nil {
				return nil, err
			}
		}
		next.Rules = append([]Rule(nil), p.Rules...)
	}
	if err := checkPhaseSplit(next.Phase, next.Split, next.RollingBack); err != nil {
		return nil, err
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	next.UpdatedBy = p.Actor
	next.Reason = p.Reason
	return next, nil
}

func (s *Store) published(prev, next *Set) {
	s.mu.Lock()
	s.history = append(s.history, prev)
	for i := len(s.history) - 1; i > 0 && s.history[i].Version < s.history[i-1].Version; i-- {
		s.history[i], s.history[i-1] = s.history[i-1], s.history[i]
	}
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	event := s.logger.Info()
	if next.Phase != prev.Phase || next.RollingBack {
		event = s.logger.Warn()
	}
	event.Uint64("version", next.Version).
		Str("phase", next.Phase.String()).
		Str("split", next.Split.String()).
		Bool("rolling_back", next.RollingBack).
		Str("actor", string(next.UpdatedBy)).
		Msg("flag set published")

	for _, o := range observers {
		o(prev, next)
	}
}
