// Package bridge owns the poll loop: each tick it fetches device
// stats, advances the alert state machine, and publishes the result.
// It classifies nothing as fatal — the USB tunnel is expected to flap,
// so the bridge runs indefinitely degraded rather than crash.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/rayhunter-bridge/internal/alert"
	"github.com/nugget/rayhunter-bridge/internal/mqtt"
	"github.com/nugget/rayhunter-bridge/internal/rayhunter"
)

// Phase is the bridge's coarse lifecycle state. Degraded affects only
// logging and availability signaling; polling continues regardless.
type Phase int

const (
	PhaseStarting Phase = iota
	PhasePolling
	PhaseDegraded
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhasePolling:
		return "polling"
	case PhaseDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// degradedThreshold is the number of consecutive failed ticks before
// the device is marked unavailable. One tick already absorbs the
// poller's whole retry budget, so three failed ticks means the tunnel
// is down, not flapping.
const degradedThreshold = 3

// Poller fetches one device snapshot per tick. *rayhunter.Poller
// satisfies it.
type Poller interface {
	Fetch(ctx context.Context) rayhunter.PollResult
}

// Publisher is the broker-facing side of the bridge. *mqtt.Publisher
// satisfies it; tests substitute a fake.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	PublishState(ctx context.Context, snap mqtt.Snapshot) error
	PublishAlert(ctx context.Context, active bool) error
	PublishAvailability(ctx context.Context, status string) error
}

// Config wires the bridge loop.
type Config struct {
	// Poller provides device snapshots.
	Poller Poller

	// Publisher sends state to the broker. Nil runs the bridge in
	// log-only mode (no MQTT_HOST configured).
	Publisher Publisher

	// Rules is the alert debounce configuration.
	Rules alert.Rules

	// Interval is the tick interval.
	Interval time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Now returns the current time; tests inject a fake clock.
	Now func() time.Time
}

// Bridge orchestrates Poller → state machine → Publisher. All state
// mutations happen on the single Run goroutine; Kick and TriggerAlert
// only nudge buffered channels and are safe to call from anywhere.
type Bridge struct {
	cfg   Config
	phase Phase
	state alert.State

	kick    chan struct{}
	trigger chan struct{}

	lastHeartbeat string
}

// New creates a bridge. Nil Logger/Now fields get working defaults.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bridge{
		cfg:     cfg,
		phase:   PhaseStarting,
		kick:    make(chan struct{}, 1),
		trigger: make(chan struct{}, 1),
	}
}

// State returns the current alert state. Only meaningful from the Run
// goroutine or after Run has returned.
func (b *Bridge) State() alert.State {
	return b.state
}

// Phase returns the current lifecycle phase.
func (b *Bridge) Phase() Phase {
	return b.phase
}

// Kick requests an immediate poll, coalescing with any pending kick.
// The tunnel watcher calls it on recovery so the bridge converges
// faster than one full poll interval.
func (b *Bridge) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// TriggerAlert synthetically activates the alert, as if a change had
// just been observed. Wired to the stdin test hook.
func (b *Bridge) TriggerAlert() {
	select {
	case b.trigger <- struct{}{}:
	default:
	}
}

// Run connects the publisher, then ticks until ctx is cancelled. On
// shutdown it publishes a graceful offline and disconnects. Run only
// returns an error for startup failures (bad broker URL); after
// startup every condition is recoverable.
func (b *Bridge) Run(ctx context.Context) error {
	if b.cfg.Publisher != nil {
		if err := b.cfg.Publisher.Start(ctx); err != nil {
			return fmt.Errorf("start publisher: %w", err)
		}
	} else {
		b.cfg.Logger.Info("mqtt disabled, running in log-only mode")
	}
	b.phase = PhasePolling

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	b.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return b.shutdown()
		case <-ticker.C:
			b.tick(ctx)
		case <-b.kick:
			b.tick(ctx)
		case <-b.trigger:
			b.state = b.cfg.Rules.Trigger(b.state, b.cfg.Now())
			b.cfg.Logger.Info("synthetic alert triggered")
			// Before the first successful poll there is no snapshot to
			// publish, but the synthetic ON must still go out.
			if b.state.LastSuccess.IsZero() {
				b.publishAlert(ctx)
			} else {
				b.publish(ctx)
			}
		}
	}
}

// shutdown performs the scoped release: a best-effort graceful offline
// publish and disconnect, bounded by its own timeout since the run
// context is already cancelled.
func (b *Bridge) shutdown() error {
	b.cfg.Logger.Info("shutting down")
	if b.cfg.Publisher == nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.cfg.Publisher.Stop(stopCtx); err != nil {
		b.cfg.Logger.Error("mqtt shutdown failed", "error", err)
	}
	return nil
}

func (b *Bridge) tick(ctx context.Context) {
	res := b.cfg.Poller.Fetch(ctx)
	if ctx.Err() != nil {
		return // shutting down mid-fetch; the result is moot
	}

	b.state = b.cfg.Rules.Advance(b.state, res, b.cfg.Now())
	b.updateAvailability(ctx, res)
	b.publish(ctx)
	b.heartbeat(res)
}

// updateAvailability handles the Polling ↔ Degraded transitions.
// Entering Degraded marks the device offline; the first successful
// poll afterwards marks it online again.
func (b *Bridge) updateAvailability(ctx context.Context, res rayhunter.PollResult) {
	switch {
	case b.phase != PhaseDegraded && b.state.ConsecutiveFailures >= degradedThreshold:
		b.phase = PhaseDegraded
		b.cfg.Logger.Warn("device unreachable, marking unavailable",
			"consecutive_failures", b.state.ConsecutiveFailures,
			"kind", res.Failure.Kind.String(),
		)
		b.publishAvailability(ctx, "offline")
	case b.phase == PhaseDegraded && res.OK:
		b.phase = PhasePolling
		b.cfg.Logger.Info("device recovered, marking available")
		b.publishAvailability(ctx, "online")
	}
}

// publish pushes the current state snapshot to the broker. Nothing is
// published before the first successful poll: the retained topics keep
// their previous values rather than being clobbered with zero state.
// Publish failures are logged and retried implicitly on the next tick.
func (b *Bridge) publish(ctx context.Context) {
	if b.cfg.Publisher == nil || b.state.LastSuccess.IsZero() {
		return
	}

	snap := mqtt.Snapshot{
		Alert:        b.state.AlertActive,
		ReportID:     b.state.LastReportID,
		WarningCount: b.state.WarningCount,
	}
	if err := b.cfg.Publisher.PublishState(ctx, snap); err != nil {
		b.cfg.Logger.Warn("state publish failed, will retry next tick", "error", err)
	}
}

func (b *Bridge) publishAlert(ctx context.Context) {
	if b.cfg.Publisher == nil {
		return
	}
	if err := b.cfg.Publisher.PublishAlert(ctx, b.state.AlertActive); err != nil {
		b.cfg.Logger.Warn("alert publish failed", "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, status string) {
	if b.cfg.Publisher == nil {
		return
	}
	if err := b.cfg.Publisher.PublishAvailability(ctx, status); err != nil {
		b.cfg.Logger.Warn("availability publish failed", "status", status, "error", err)
	}
}

// heartbeat logs a one-line state summary, de-duplicated so a quiet
// device doesn't flood the log at poll frequency.
func (b *Bridge) heartbeat(res rayhunter.PollResult) {
	hb := "ok"
	if !res.OK {
		hb = "down"
	}

	alertStr := "OFF"
	if b.state.AlertActive {
		alertStr = "ON"
	}

	line := fmt.Sprintf("hb=%s last_id=%s warnings=%d alert=%s phase=%s",
		hb, b.state.LastReportID, b.state.WarningCount, alertStr, b.phase)
	if line == b.lastHeartbeat {
		return
	}
	b.lastHeartbeat = line

	b.cfg.Logger.Info("status",
		"hb", hb,
		"last_id", b.state.LastReportID,
		"warnings", b.state.WarningCount,
		"alert", alertStr,
		"phase", b.phase.String(),
	)
}
