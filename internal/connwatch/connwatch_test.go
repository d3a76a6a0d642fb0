package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fastBackoff keeps the whole probe schedule in the millisecond range
// so transition tests finish quickly.
func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestWatch_ReadyOnFirstProbe(t *testing.T) {
	ready := make(chan struct{})

	w := Watch(context.Background(), WatcherConfig{
		Name:    "rayhunter",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: fastBackoff(),
		OnReady: func() { close(ready) },
	})
	defer w.Stop()

	waitFor(t, ready, "OnReady")
	if !w.IsReady() {
		t.Error("IsReady() = false after successful probe")
	}
	if err := w.LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}
}

func TestWatch_StartupRetriesThenReady(t *testing.T) {
	var calls atomic.Int32
	ready := make(chan struct{})

	w := Watch(context.Background(), WatcherConfig{
		Name: "rayhunter",
		Probe: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: fastBackoff(),
		OnReady: func() { close(ready) },
	})
	defer w.Stop()

	waitFor(t, ready, "OnReady")
	if got := calls.Load(); got != 3 {
		t.Errorf("probe calls = %d, want 3", got)
	}
}

func TestWatch_DownAndRecoverTransitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	down := make(chan struct{})
	recovered := make(chan struct{})
	var readyCount atomic.Int32

	w := Watch(context.Background(), WatcherConfig{
		Name: "rayhunter",
		Probe: func(ctx context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("tunnel down")
		},
		Backoff: fastBackoff(),
		OnReady: func() {
			if readyCount.Add(1) == 2 {
				close(recovered)
			}
		},
		OnDown: func(err error) { close(down) },
	})
	defer w.Stop()

	// Let the startup probe succeed, then kill the tunnel.
	time.Sleep(10 * time.Millisecond)
	healthy.Store(false)
	waitFor(t, down, "OnDown")
	if w.IsReady() {
		t.Error("IsReady() = true while tunnel is down")
	}

	healthy.Store(true)
	waitFor(t, recovered, "second OnReady")
	if !w.IsReady() {
		t.Error("IsReady() = false after recovery")
	}
}

func TestWatch_ExhaustsStartupRetries(t *testing.T) {
	var calls atomic.Int32
	w := Watch(context.Background(), WatcherConfig{
		Name: "rayhunter",
		Probe: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("connection refused")
		},
		Backoff: fastBackoff(),
	})
	defer w.Stop()

	// MaxRetries=5 startup attempts, then the background ticker takes
	// over without ever marking ready.
	deadline := time.Now().Add(time.Second)
	for calls.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 5 {
		t.Fatalf("probe calls = %d, want at least 5", calls.Load())
	}
	if w.IsReady() {
		t.Error("IsReady() = true with every probe failing")
	}
}

func TestWatcher_Status(t *testing.T) {
	probeErr := errors.New("tunnel down")
	w := Watch(context.Background(), WatcherConfig{
		Name:    "rayhunter",
		Probe:   func(ctx context.Context) error { return probeErr },
		Backoff: fastBackoff(),
	})
	defer w.Stop()

	deadline := time.Now().Add(time.Second)
	for w.Status().LastCheck.IsZero() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	s := w.Status()
	if s.Name != "rayhunter" {
		t.Errorf("Name = %q, want rayhunter", s.Name)
	}
	if s.Ready {
		t.Error("Ready = true, want false")
	}
	if s.LastError != "tunnel down" {
		t.Errorf("LastError = %q, want %q", s.LastError, "tunnel down")
	}
	if s.LastCheck.IsZero() {
		t.Error("LastCheck never recorded")
	}
}

func TestWatch_StopIsClean(t *testing.T) {
	w := Watch(context.Background(), WatcherConfig{
		Name:    "rayhunter",
		Probe:   func(ctx context.Context) error { return errors.New("down") },
		Backoff: fastBackoff(),
	})

	done := make(chan struct{})
	go func() { w.Stop(); close(done) }()
	waitFor(t, done, "Stop")
}

func TestWatch_PanicsOnMissingName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Watch did not panic on empty Name")
		}
	}()
	Watch(context.Background(), WatcherConfig{
		Probe: func(ctx context.Context) error { return nil },
	})
}

func TestWatch_PanicsOnMissingProbe(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Watch did not panic on nil Probe")
		}
	}()
	Watch(context.Background(), WatcherConfig{Name: "rayhunter"})
}
