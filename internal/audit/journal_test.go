package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/phase"
	"github.com/rs/zerolog"
)

func TestRecordRollbackAppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	j := NewJournal(dir, zerolog.Nop(), WithClock(func() time.Time { return at }))
	ctx := context.Background()

	first, err := j.RecordRollback(ctx, RollbackEvent{
		Trigger:   TriggerAutomatic,
		Reason:    "error rate",
		Mode:      "immediate",
		FromPhase: phase.Canary,
		ToPhase:   phase.RolledBack,
		Snapshot:  &health.Snapshot{ErrorRate: 0.02},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.ID == "" || !first.Timestamp.Equal(at) {
		t.Fatalf("expected generated id and clock timestamp, got %+v", first)
	}
	if _, err := j.RecordRollback(ctx, RollbackEvent{Trigger: TriggerManual, FromPhase: phase.RolledBack, ToPhase: phase.None}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := j.Rollbacks(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != first.ID || events[0].Snapshot == nil || events[0].Snapshot.ErrorRate != 0.02 {
		t.Fatalf("first event did not round trip: %+v", events[0])
	}
	if events[1].Trigger != TriggerManual || events[1].ToPhase != phase.None {
		t.Fatalf("unexpected second event %+v", events[1])
	}
}

func TestReadMissingLogIsEmpty(t *testing.T) {
	j := NewJournal(t.TempDir(), zerolog.Nop())
	incidents, err := j.Incidents(context.Background())
	if err != nil || len(incidents) != 0 {
		t.Fatalf("expected empty log, got %v %v", incidents, err)
	}
}

func TestConcurrentAppendsStayLineDelimited(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := j.RecordIncident(ctx, Incident{Phase: phase.StateMigration, Op: "migrate", Error: strings.Repeat("x", 512)}); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	incidents, err := j.Incidents(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(incidents) != 20 {
		t.Fatalf("expected 20 incidents, got %d", len(incidents))
	}
}

func TestCorruptLineIsReported(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, rollbackFile), []byte("{\"id\":\"a\"}\nnot json\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := NewJournal(dir, zerolog.Nop()).Rollbacks(context.Background())
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line number in error, got %v", err)
	}
}
