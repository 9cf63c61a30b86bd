package flags

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nholik/cutover/internal/faults"
	"github.com/nholik/cutover/internal/phase"
	"github.com/rs/zerolog"
)

func ptr[T any](v T) *T { return &v }

func TestProposeAdvancesOneStep(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil)

	next, err := store.Propose(context.Background(), Proposal{
		Actor: ActorOrchestrator,
		Phase: ptr(phase.Shadow),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if next.Version != 2 || next.Phase != phase.Shadow {
		t.Fatalf("unexpected snapshot v%d %s", next.Version, next.Phase)
	}
	if store.Current() != next {
		t.Fatalf("current should be the published snapshot")
	}
	if len(store.History()) != 1 || store.History()[0].Version != 1 {
		t.Fatalf("expected initial snapshot in history")
	}
}

func TestProposeRejectsSkipWithoutOverride(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil)

	_, err := store.Propose(context.Background(), Proposal{
		Actor: ActorOrchestrator,
		Phase: ptr(phase.Full),
		Split: ptr(NewPercent(100)),
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.Current().Version != 1 {
		t.Fatalf("failed proposal must not publish")
	}
}

func TestProposeValidatesSplit(t *testing.T) {
	cases := []struct {
		name  string
		phase phase.Phase
		split Split
	}{
		{name: "does not sum", phase: phase.Shadow, split: Split{Old: 50, New: 40}},
		{name: "negative", phase: phase.Shadow, split: Split{Old: 101, New: -1}},
		{name: "shadow serves new", phase: phase.Shadow, split: NewPercent(10)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore(zerolog.Nop(), nil)
			_, err := store.Propose(context.Background(), Proposal{
				Actor: ActorOperator,
				Phase: ptr(tc.phase),
				Split: ptr(tc.split),
			})
			if !errors.Is(err, ErrInvalidSplit) {
				t.Fatalf("expected ErrInvalidSplit, got %v", err)
			}
		})
	}
}

func TestRollingBackBlocksOtherActors(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil)
	ctx := context.Background()

	if _, err := store.Propose(ctx, Proposal{Actor: ActorRollback, RollingBack: ptr(true)}); err != nil {
		t.Fatalf("mark rolling back: %v", err)
	}
	_, err := store.Propose(ctx, Proposal{Actor: ActorOrchestrator, Phase: ptr(phase.Shadow)})
	if !errors.Is(err, ErrRollbackInProgress) {
		t.Fatalf("expected ErrRollbackInProgress, got %v", err)
	}
	if _, err := store.Propose(ctx, Proposal{
		Actor:       ActorRollback,
		Phase:       ptr(phase.RolledBack),
		RollingBack: ptr(false),
	}); err != nil {
		t.Fatalf("rollback actor must proceed: %v", err)
	}
}

func TestExpectVersionDetectsInterleavedWriter(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil)
	ctx := context.Background()
	seen := store.Current().Version

	if _, err := store.Propose(ctx, Proposal{Actor: ActorRollback, Phase: ptr(phase.RolledBack)}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	_, err := store.Propose(ctx, Proposal{Actor: ActorOrchestrator, Phase: ptr(phase.Shadow), ExpectVersion: seen})
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}
}

func TestConcurrentProposalsProduceTotalOrder(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil, WithHistorySize(1000))
	ctx := context.Background()

	const writers = 16
	const perWriter = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_, err := store.Propose(ctx, Proposal{
					Actor:    ActorOperator,
					SubFlags: map[string]Flag{ShadowMode: {Enabled: j%2 == 0, Percentage: i}},
				})
				if err != nil {
					t.Errorf("propose: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	want := uint64(1 + writers*perWriter)
	if got := store.Current().Version; got != want {
		t.Fatalf("version = %d, want %d", got, want)
	}
	history := store.History()
	for i := 1; i < len(history); i++ {
		if history[i].Version != history[i-1].Version+1 {
			t.Fatalf("history out of order at %d: %d after %d", i, history[i].Version, history[i-1].Version)
		}
	}
}

func TestReadersNeverObserveOlderVersion(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if _, err := store.Propose(ctx, Proposal{Actor: ActorOperator, SubFlags: map[string]Flag{"x": {Enabled: true}}}); err != nil {
				t.Errorf("propose: %v", err)
				return
			}
		}
	}()

	var last uint64
	for i := 0; i < 5000; i++ {
		v := store.Current().Version
		if v < last {
			t.Fatalf("observed v%d after v%d", v, last)
		}
		last = v
	}
	wg.Wait()
}

func TestAdoptOnlyAcceptsNewer(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil)
	var notified int
	store.Observe(func(prev, next *Set) { notified++ })

	older := Initial()
	if store.Adopt(older) {
		t.Fatalf("same version must not be adopted")
	}
	newer := Initial()
	newer.Version = 7
	newer.Phase = phase.Shadow
	if !store.Adopt(newer) {
		t.Fatalf("newer version should be adopted")
	}
	if store.Current().Phase != phase.Shadow || notified != 1 {
		t.Fatalf("unexpected state after adopt: %s, notified=%d", store.Current().Phase, notified)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	store := NewStore(zerolog.Nop(), nil, WithHistorySize(3))
	for i := 0; i < 10; i++ {
		if _, err := store.Propose(context.Background(), Proposal{Actor: ActorOperator, Reason: "tick"}); err != nil {
			t.Fatalf("propose: %v", err)
		}
	}
	history := store.History()
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	if history[2].Version != 10 {
		t.Fatalf("latest retained = v%d, want v10", history[2].Version)
	}
}
