// Package connwatch monitors the reachability of the USB-tunneled
// device endpoint. The tunnel is kept alive by an external process and
// is expected to flap; the watcher gives the bridge fast notice of
// both directions so it can log transitions and poll immediately on
// recovery instead of waiting out a full poll interval.
//
// A Watcher probes in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 30s)
//     until the tunnel answers or the retry budget is spent.
//  2. Background: periodic polling with state-transition callbacks.
//
// The watcher never gates polling — the bridge keeps polling whether
// or not the tunnel looks healthy, because the poller's own typed
// failures drive the alert state machine.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the tunnel endpoint answers. Return nil if
// healthy. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the probe schedule.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval after startup
	// retries are exhausted or after a successful probe (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe may take (default: 5s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the schedule tuned for a local USB
// tunnel: it usually comes up within seconds of the keeper starting,
// and once up it fails fast.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// WatcherConfig configures a tunnel watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "rayhunter").
	Name string

	// Probe checks endpoint health.
	Probe ProbeFunc

	// Backoff controls probe timing. Zero-value fields get defaults.
	Backoff BackoffConfig

	// OnReady is called when the endpoint transitions from unreachable
	// to reachable. Called in a separate goroutine; must not block
	// indefinitely. Optional.
	OnReady func()

	// OnDown is called when the endpoint transitions from reachable to
	// unreachable. Called in a separate goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a point-in-time view of the watched endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors the tunnel endpoint's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher in a background goroutine that runs until ctx
// is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil — these are programming
// errors that should be caught during development, not silently
// ignored at runtime. Zero-value BackoffConfig fields are replaced
// with defaults.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = defaults.MaxRetries
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = defaults.PollInterval
	}
	if cfg.Backoff.ProbeTimeout <= 0 {
		cfg.Backoff.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)
	return w
}

// IsReady reports whether the endpoint was reachable at the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the main goroutine. Phase 1: startup probe with exponential
// backoff. Phase 2: periodic background polling with transition
// callbacks.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("tunnel endpoint reachable",
				"endpoint", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("tunnel not up at startup, entering background polling",
				"endpoint", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"endpoint", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return // context cancelled
		}

		// Grow delay with ceiling.
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Info("tunnel endpoint became unreachable",
					"endpoint", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("tunnel endpoint recovered",
					"endpoint", w.config.Name,
				)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			case !wasReady && err != nil:
				logger.Debug("tunnel endpoint still unreachable",
					"endpoint", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
