package rayhunter

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"time"
)

// StatsSource provides one device snapshot per call. *Client satisfies
// it; tests substitute a fake. Keeps the retry policy decoupled from
// HTTP plumbing.
type StatsSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// maxBackoff caps the inter-attempt sleep. The tunnel either comes
// back within a few seconds or the whole tick fails and the next tick
// tries again, so longer sleeps only delay shutdown.
const maxBackoff = 5 * time.Second

// PollerConfig configures the bounded-retry poller.
type PollerConfig struct {
	// Source provides device snapshots.
	Source StatsSource

	// Retries is the number of attempts after the first. A value of 3
	// means up to 4 attempts per Fetch.
	Retries int

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// BackoffBase is the delay before the second attempt; subsequent
	// delays double (base * 2^attempt), plus jitter, capped at 5s.
	BackoffBase time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Sleep is the interruptible inter-attempt wait. Defaults to a
	// timer that aborts on ctx cancellation; tests replace it to
	// record the schedule without real time passing.
	Sleep func(ctx context.Context, d time.Duration) bool

	// Jitter returns a random delay in [0, d). Defaults to rand;
	// tests replace it for determinism.
	Jitter func(d time.Duration) time.Duration
}

// Poller issues a single bounded-retry fetch against the device API
// and classifies every outcome into a typed PollResult. It never
// returns a Go error: the bridge loop feeds results (success or
// failure) straight into the alert state machine.
type Poller struct {
	cfg PollerConfig
}

// NewPoller creates a poller. Nil Sleep/Jitter/Logger fields get
// working defaults.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Jitter == nil {
		cfg.Jitter = func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)))
		}
	}
	return &Poller{cfg: cfg}
}

// Fetch performs up to Retries+1 attempts and returns the first
// success or the last failure. Parse failures short-circuit the
// attempt loop: the device answered, so retrying returns the same
// malformed bytes. Cancellation during a backoff sleep also ends the
// loop, returning the last failure seen.
func (p *Poller) Fetch(ctx context.Context) PollResult {
	var last PollResult

	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		snap, err := p.cfg.Source.Snapshot(attemptCtx)
		cancel()

		if err == nil {
			return success(snap)
		}

		last = classify(err)
		p.cfg.Logger.Debug("poll attempt failed",
			"attempt", attempt+1,
			"max_attempts", p.cfg.Retries+1,
			"kind", last.Failure.Kind.String(),
			"error", err,
		)

		if last.Failure.Kind == FailureParse {
			return last
		}
		if attempt == p.cfg.Retries {
			break
		}
		if !p.cfg.Sleep(ctx, p.backoff(attempt)) {
			break // shutting down mid-backoff
		}
	}

	return last
}

// backoff returns the delay before retrying after attempt (0-based):
// base * 2^attempt plus up to half that in jitter, capped at 5s.
func (p *Poller) backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase << attempt
	d += p.cfg.Jitter(d / 2)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// classify maps a Snapshot error onto the failure taxonomy.
func classify(err error) PollResult {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return failed(FailureParse, 0, parseErr.Error())
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return failed(FailureHTTPStatus, statusErr.Code, statusErr.Body)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return failed(FailureTimeout, 0, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failed(FailureTimeout, 0, err.Error())
	}

	return failed(FailureConnection, 0, err.Error())
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
