package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/rayhunter-bridge/internal/alert"
	"github.com/nugget/rayhunter-bridge/internal/mqtt"
	"github.com/nugget/rayhunter-bridge/internal/rayhunter"
)

// scriptedPoller returns canned results in order, repeating the last
// one when the script runs out.
type scriptedPoller struct {
	script []rayhunter.PollResult
	calls  int
}

func (p *scriptedPoller) Fetch(ctx context.Context) rayhunter.PollResult {
	i := p.calls
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	p.calls++
	return p.script[i]
}

// fakePublisher records every broker interaction.
type fakePublisher struct {
	started      bool
	stopped      bool
	states       []mqtt.Snapshot
	alerts       []bool
	availability []string
	publishErr   error
}

func (f *fakePublisher) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakePublisher) Stop(ctx context.Context) error  { f.stopped = true; return nil }

func (f *fakePublisher) PublishState(ctx context.Context, snap mqtt.Snapshot) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.states = append(f.states, snap)
	return nil
}

func (f *fakePublisher) PublishAlert(ctx context.Context, active bool) error {
	f.alerts = append(f.alerts, active)
	return nil
}

func (f *fakePublisher) PublishAvailability(ctx context.Context, status string) error {
	f.availability = append(f.availability, status)
	return nil
}

func okResult(count int, id string) rayhunter.PollResult {
	return rayhunter.PollResult{OK: true, WarningCount: count, ReportID: id}
}

func failResult() rayhunter.PollResult {
	return rayhunter.PollResult{Failure: rayhunter.Failure{
		Kind:    rayhunter.FailureConnection,
		Message: "connection refused",
	}}
}

// newTestBridge builds a bridge with a fixed fake clock; ticks are
// driven directly via tick() so no real time passes.
func newTestBridge(poller Poller, pub Publisher) *Bridge {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New(Config{
		Poller:    poller,
		Publisher: pub,
		Rules:     alert.Rules{},
		Interval:  time.Second,
		Now:       func() time.Time { return now },
	})
	b.phase = PhasePolling
	return b
}

func TestTick_OneFailurePerTick(t *testing.T) {
	// The poller consumes its whole retry budget internally; the
	// bridge must see exactly one failure per tick.
	poller := &scriptedPoller{script: []rayhunter.PollResult{failResult()}}
	b := newTestBridge(poller, &fakePublisher{})

	for i := 1; i <= 3; i++ {
		b.tick(context.Background())
		if got := b.State().ConsecutiveFailures; got != i {
			t.Errorf("after tick %d: ConsecutiveFailures = %d, want %d", i, got, i)
		}
	}
	if poller.calls != 3 {
		t.Errorf("poller calls = %d, want 3", poller.calls)
	}
}

func TestTick_DegradedTransition(t *testing.T) {
	poller := &scriptedPoller{script: []rayhunter.PollResult{
		failResult(), failResult(), failResult(), okResult(1, "5"),
	}}
	pub := &fakePublisher{}
	b := newTestBridge(poller, pub)

	b.tick(context.Background())
	b.tick(context.Background())
	if b.Phase() != PhasePolling {
		t.Fatalf("phase = %v after 2 failures, want polling", b.Phase())
	}
	if len(pub.availability) != 0 {
		t.Fatalf("availability published too early: %v", pub.availability)
	}

	// Third consecutive failure crosses the threshold.
	b.tick(context.Background())
	if b.Phase() != PhaseDegraded {
		t.Fatalf("phase = %v after 3 failures, want degraded", b.Phase())
	}
	if len(pub.availability) != 1 || pub.availability[0] != "offline" {
		t.Fatalf("availability = %v, want [offline]", pub.availability)
	}

	// Recovery flips back and publishes online.
	b.tick(context.Background())
	if b.Phase() != PhasePolling {
		t.Fatalf("phase = %v after recovery, want polling", b.Phase())
	}
	if len(pub.availability) != 2 || pub.availability[1] != "online" {
		t.Fatalf("availability = %v, want [offline online]", pub.availability)
	}
}

func TestTick_NoStatePublishBeforeFirstSuccess(t *testing.T) {
	poller := &scriptedPoller{script: []rayhunter.PollResult{failResult()}}
	pub := &fakePublisher{}
	b := newTestBridge(poller, pub)

	b.tick(context.Background())
	b.tick(context.Background())
	if len(pub.states) != 0 {
		t.Errorf("states published before first success: %v", pub.states)
	}
}

func TestTick_PublishesSnapshotAfterSuccess(t *testing.T) {
	poller := &scriptedPoller{script: []rayhunter.PollResult{okResult(2, "7")}}
	pub := &fakePublisher{}
	b := newTestBridge(poller, pub)

	b.tick(context.Background())
	if len(pub.states) != 1 {
		t.Fatalf("states = %d, want 1", len(pub.states))
	}
	want := mqtt.Snapshot{Alert: true, ReportID: "7", WarningCount: 2}
	if pub.states[0] != want {
		t.Errorf("snapshot = %+v, want %+v", pub.states[0], want)
	}
}

func TestTick_PublishFailureIsNotFatal(t *testing.T) {
	poller := &scriptedPoller{script: []rayhunter.PollResult{okResult(1, "1")}}
	pub := &fakePublisher{publishErr: errors.New("broker unreachable")}
	b := newTestBridge(poller, pub)

	b.tick(context.Background()) // must not panic or alter poll state
	if got := b.State().WarningCount; got != 1 {
		t.Errorf("WarningCount = %d, want 1", got)
	}

	// Broker comes back: the latest state goes out on the next tick.
	pub.publishErr = nil
	b.tick(context.Background())
	if len(pub.states) != 1 {
		t.Errorf("states = %d, want 1 after recovery", len(pub.states))
	}
}

func TestTick_LogOnlyModeWithoutPublisher(t *testing.T) {
	poller := &scriptedPoller{script: []rayhunter.PollResult{okResult(1, "1"), failResult()}}
	b := newTestBridge(poller, nil)

	// No publisher configured; ticks must still advance state.
	b.tick(context.Background())
	b.tick(context.Background())
	if got := b.State().ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestRun_LifecycleAndGracefulStop(t *testing.T) {
	poller := &scriptedPoller{script: []rayhunter.PollResult{okResult(0, "1")}}
	pub := &fakePublisher{}
	b := New(Config{
		Poller:    poller,
		Publisher: pub,
		Rules:     alert.Rules{},
		Interval:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancellation")
	}

	if !pub.started {
		t.Error("publisher was never started")
	}
	if !pub.stopped {
		t.Error("publisher was not stopped gracefully")
	}
	if poller.calls == 0 {
		t.Error("poller was never called")
	}
}

func TestRun_TriggerAlert(t *testing.T) {
	poller := &scriptedPoller{script: []rayhunter.PollResult{okResult(0, "1")}}
	pub := &fakePublisher{}
	b := New(Config{
		Poller:    poller,
		Publisher: pub,
		Rules:     alert.Rules{},
		Interval:  time.Hour, // only the initial tick and the trigger fire
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	b.TriggerAlert()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	var sawAlert bool
	for _, s := range pub.states {
		if s.Alert {
			sawAlert = true
		}
	}
	if !sawAlert {
		t.Errorf("no alert snapshot published after trigger: %v", pub.states)
	}
}

func TestRun_TriggerBeforeFirstSuccessPublishesAlertOnly(t *testing.T) {
	// Device unreachable from the start: no snapshot exists, but the
	// synthetic ON must still reach the broker.
	poller := &scriptedPoller{script: []rayhunter.PollResult{failResult()}}
	pub := &fakePublisher{}
	b := New(Config{
		Poller:    poller,
		Publisher: pub,
		Rules:     alert.Rules{},
		Interval:  time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	b.TriggerAlert()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if len(pub.alerts) != 1 || !pub.alerts[0] {
		t.Errorf("alerts = %v, want [true]", pub.alerts)
	}
	if len(pub.states) != 0 {
		t.Errorf("full snapshots published before first success: %v", pub.states)
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseStarting, "starting"},
		{PhasePolling, "polling"},
		{PhaseDegraded, "degraded"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.phase), got, tt.want)
		}
	}
}
