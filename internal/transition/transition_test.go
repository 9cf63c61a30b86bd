package transition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nholik/cutover/internal/flags"
	"github.com/nholik/cutover/internal/health"
	"github.com/nholik/cutover/internal/notify"
	"github.com/nholik/cutover/internal/phase"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func next(prev *flags.Set, actor flags.Actor, mutate func(*flags.Set)) *flags.Set {
	s := *prev
	s.SubFlags = map[string]flags.Flag{}
	for k, v := range prev.SubFlags {
		s.SubFlags[k] = v
	}
	s.Version++
	s.UpdatedBy = actor
	mutate(&s)
	return &s
}

func TestDetect_NoOp(t *testing.T) {
	cur := flags.Initial()
	same := next(cur, flags.ActorOperator, func(*flags.Set) {})

	tr := Detect(cur, same)
	if len(tr.Changes) != 0 {
		t.Fatalf("expected no changes, got %+v", tr.Changes)
	}
}

func TestDetect_PhaseFlagAndRules(t *testing.T) {
	cur := flags.Initial()
	changed := next(cur, flags.ActorOperator, func(s *flags.Set) {
		s.Phase = phase.Shadow
		s.SubFlags[flags.ShadowMode] = flags.Flag{Enabled: true, Percentage: 25}
		s.Rules = []flags.Rule{{Name: "staff", Attribute: "tier", Value: "staff", Action: flags.ForceNew}}
		s.Reason = "start shadowing"
	})

	tr := Detect(cur, changed)
	want := map[string]Change{
		"phase":            {Field: "phase", Previous: "none", Current: "shadow"},
		"flag.shadow_mode": {Field: "flag.shadow_mode", Previous: "off", Current: "on 25%"},
		"rules":            {Field: "rules", Previous: "none", Current: "staff:tier=staff->force-new"},
	}
	if len(tr.Changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), tr.Changes)
	}
	for _, c := range tr.Changes {
		if want[c.Field] != c {
			t.Fatalf("unexpected change %+v", c)
		}
	}
	if tr.Routine() {
		t.Fatal("phase change is not routine")
	}

	msg := tr.Message()
	if msg.Severity != health.SeverityInfo || msg.Phase != phase.Shadow {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Text != "Flags changed by operator: start shadowing" {
		t.Fatalf("unexpected text %q", msg.Text)
	}
}

func TestDetect_FirstSnapshot(t *testing.T) {
	tr := Detect(nil, flags.Initial())
	if tr.FromVersion != 0 || tr.ToVersion != 1 {
		t.Fatalf("unexpected versions %d -> %d", tr.FromVersion, tr.ToVersion)
	}
}

func TestRollbackMessageIsWarning(t *testing.T) {
	cur := next(flags.Initial(), flags.ActorOrchestrator, func(s *flags.Set) {
		s.Phase = phase.Canary
		s.Split = flags.NewPercent(10)
	})
	rolled := next(cur, flags.ActorOperator, func(s *flags.Set) {
		s.Phase = phase.RolledBack
		s.Split = flags.AllOld
	})
	if got := Detect(cur, rolled).Message().Severity; got != health.SeverityWarning {
		t.Fatalf("expected warning, got %s", got)
	}
}

func TestAnnouncerSkipsRoutineAndSelfReportedChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recordingNotifier{}
	a := NewAnnouncer(rec, zerolog.Nop())
	observe := a.Observer()

	base := flags.Initial()
	split := next(base, flags.ActorOperator, func(s *flags.Set) { s.Split = flags.NewPercent(5) })
	observe(base, split)
	phaseByOrchestrator := next(split, flags.ActorOrchestrator, func(s *flags.Set) { s.Phase = phase.Shadow })
	observe(split, phaseByOrchestrator)
	rollingBack := next(phaseByOrchestrator, flags.ActorRollback, func(s *flags.Set) { s.RollingBack = true })
	observe(phaseByOrchestrator, rollingBack)
	toggled := next(phaseByOrchestrator, flags.ActorOperator, func(s *flags.Set) {
		s.SubFlags[flags.AutoRollback] = flags.Flag{Enabled: false, Percentage: 100}
	})
	observe(phaseByOrchestrator, toggled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected only the operator toggle announced, got %d", rec.count())
	}
	if rec.messages[0].Fields[0].Name != "flag.auto_rollback" {
		t.Fatalf("unexpected fields %+v", rec.messages[0].Fields)
	}
}
