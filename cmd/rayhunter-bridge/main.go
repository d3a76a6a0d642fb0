// rayhunter-bridge mirrors a Rayhunter device's warning state into
// Home Assistant over MQTT.
//
// It polls the device's local HTTP status API (reachable through a
// USB-tunneled port forward maintained by an external keeper process),
// derives a debounced alert state, and publishes discovery-ready
// entities — a safety binary_sensor plus last-report-id and
// warning-count sensors — with last-will availability tracking.
//
// Usage:
//
//	rayhunter-bridge [-config file]   Run the bridge
//	rayhunter-bridge version          Print version and build information
//
// Configuration is loaded from an optional YAML file overlaid with the
// flat environment-variable surface used by the HA add-on supervisor
// (MQTT_HOST, RAYHUNTER_BASE, POLL_INTERVAL, ...). With no config file
// and no MQTT_HOST the bridge runs in log-only mode.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/nugget/rayhunter-bridge/internal/alert"
	"github.com/nugget/rayhunter-bridge/internal/bridge"
	"github.com/nugget/rayhunter-bridge/internal/buildinfo"
	"github.com/nugget/rayhunter-bridge/internal/config"
	"github.com/nugget/rayhunter-bridge/internal/connwatch"
	"github.com/nugget/rayhunter-bridge/internal/mqtt"
	"github.com/nugget/rayhunter-bridge/internal/rayhunter"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the rayhunter-bridge command. All
// OS-level dependencies are injected as parameters: ctx controls the
// process lifetime (cancellation triggers graceful shutdown), stdout
// receives structured logs, stderr receives fatal error messages, and
// args is os.Args[1:]. Arguments are parsed by hand — the flag package
// relies on package-level globals, which interferes with parallel
// tests, and the surface here is two flags and one subcommand.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument %q (try -help)", args[i])
		}
	}

	if command == "version" {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}
	if command != "" {
		return fmt.Errorf("unknown command %q (try -help)", command)
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, cfg.LogFormat)

	logger.Info("starting rayhunter-bridge",
		"version", buildinfo.Version,
		"config", cfgPath,
		"device_base", cfg.Device.BaseURL,
		"poll_interval", cfg.Poll.Interval().String(),
	)

	// Device identity: an explicit device_id wins; otherwise a
	// persistent UUIDv7 instance ID keeps HA entity history stable
	// across restarts.
	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID, err = mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("device identity: %w", err)
		}
		logger.Info("using generated device identity", "device_id", deviceID)
	}

	client := rayhunter.NewClient(cfg.Device.BaseURL, logger)
	poller := rayhunter.NewPoller(rayhunter.PollerConfig{
		Source:      client,
		Retries:     cfg.Poll.Retries(),
		Timeout:     cfg.Poll.HTTPTimeout(),
		BackoffBase: cfg.Poll.HTTPBackoff(),
		Logger:      logger,
	})

	var pub bridge.Publisher
	if cfg.MQTT.Configured() {
		pub = mqtt.New(cfg.MQTT, deviceID, cfg.Device.Name, logger)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.BrokerURL(),
			"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
			"device_id", deviceID,
		)
	}

	b := bridge.New(bridge.Config{
		Poller:    poller,
		Publisher: pub,
		Rules: alert.Rules{
			OnNew:      cfg.Alert.OnNew,
			ForceAlert: time.Duration(cfg.Alert.ForceAlertSecs) * time.Second,
			Autoclear:  time.Duration(cfg.Alert.AutoclearSecs) * time.Second,
		},
		Interval: cfg.Poll.Interval(),
		Logger:   logger,
	})

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// every component, so shutdown latency is bounded by the slowest
	// select, not by a poll interval.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The tunnel watcher never gates polling; it gives fast recovery
	// (kick an immediate poll when the tunnel comes back) and a clear
	// log trail while the keeper process flaps.
	watcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "rayhunter",
		Probe:   client.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: b.Kick,
		OnDown: func(err error) {
			logger.Warn("device tunnel went down", "error", err)
		},
		Logger: logger,
	})
	defer watcher.Stop()

	// Synthetic trigger for manual testing: each line on an
	// interactive stdin forces the alert active.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		go stdinTrigger(ctx, b, logger)
	}

	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("bridge failed: %w", err)
	}

	logger.Info("rayhunter-bridge stopped")
	return nil
}

// stdinTrigger forces a synthetic alert for every line read from
// stdin. Only started when stdin is a TTY; EOF ends it.
func stdinTrigger(ctx context.Context, b *bridge.Bridge, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		logger.Info("stdin trigger received")
		b.TriggerAlert()
	}
}

// loadConfig locates and parses the YAML configuration file. A missing
// file without an explicit -config flag is not an error: the bridge
// falls back to defaults plus the environment overlay.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), "(env only)", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func printUsage(w io.Writer) error {
	fmt.Fprint(w, `rayhunter-bridge — Rayhunter → Home Assistant MQTT bridge

Usage:
  rayhunter-bridge [-config file]   Run the bridge
  rayhunter-bridge version          Print version and build information

Flags:
  -config file   Explicit config file path (default: search standard locations)
  -h, -help      Show this help
`)
	return nil
}
