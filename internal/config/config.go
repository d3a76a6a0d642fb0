// Package config handles rayhunter-bridge configuration loading.
//
// Configuration comes from two layers: an optional YAML file (with
// ${VAR} expansion) and a flat set of environment variables matching
// the Home Assistant add-on surface. Environment variables win, so the
// bridge runs with no config file at all when supervised by the HA
// add-on process manager.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/rayhunter-bridge/config.yaml,
// /etc/rayhunter-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rayhunter-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/rayhunter-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns os.ErrNotExist if nothing was found; the caller may treat that
// as "env-only" operation rather than a failure.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", os.ErrNotExist
}

// Config holds all rayhunter-bridge configuration.
type Config struct {
	Device    DeviceConfig `yaml:"device"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Poll      PollConfig   `yaml:"poll"`
	Alert     AlertConfig  `yaml:"alert"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig identifies the Rayhunter device and its local HTTP
// endpoint. The endpoint is a USB-tunneled port forward maintained by
// an external process; the bridge only assumes it is reachable (or
// not) at this address.
type DeviceConfig struct {
	// BaseURL is the device status API base, e.g. "http://127.0.0.1:18080".
	BaseURL string `yaml:"base_url"`

	// ID is the stable device identifier used in topics and discovery
	// unique_ids. When empty, a persistent UUIDv7 instance ID is
	// generated under DataDir so HA entity history survives restarts.
	ID string `yaml:"id"`

	// Name is the human-readable device name shown in the HA UI.
	Name string `yaml:"name"`
}

// MQTTConfig defines the broker connection and topic layout. MQTT
// publishing is disabled when Host is empty; the bridge then runs in
// log-only mode.
type MQTTConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	AvailabilitySuffix string `yaml:"availability_suffix"`
	QoS                *int   `yaml:"qos"`    // default 1; 0 is a valid level
	Retain             *bool  `yaml:"retain"` // default true
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Host != ""
}

// BrokerURL returns the broker URL for the paho connection manager.
// A bare host gets the mqtt:// scheme and configured port; a host that
// already carries a scheme (mqtts://...) is used as-is.
func (c MQTTConfig) BrokerURL() string {
	if strings.Contains(c.Host, "://") {
		return c.Host
	}
	return fmt.Sprintf("mqtt://%s:%d", c.Host, c.Port)
}

// RetainEnabled reports whether state messages are published retained.
func (c MQTTConfig) RetainEnabled() bool {
	return c.Retain == nil || *c.Retain
}

// QoSLevel returns the publish QoS, defaulting to 1 when unset. Zero is
// a valid level (fire-and-forget), so set-ness is tracked with a
// pointer like Retain.
func (c MQTTConfig) QoSLevel() byte {
	if c.QoS == nil {
		return 1
	}
	return byte(*c.QoS)
}

// PollConfig controls the poll loop and per-attempt HTTP behavior.
// Timeout and backoff are fractional seconds to match the original
// add-on surface (HTTP_TIMEOUT=0.5 is meaningful on a local tunnel).
type PollConfig struct {
	IntervalSec     int     `yaml:"interval"`
	HTTPTimeoutSec  float64 `yaml:"http_timeout"`
	HTTPRetries     *int    `yaml:"http_retries"` // default 3; 0 means a single attempt
	HTTPBackoffBase float64 `yaml:"http_backoff_base"`
}

// Interval returns the tick interval as a duration.
func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// HTTPTimeout returns the per-attempt timeout as a duration.
func (c PollConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec * float64(time.Second))
}

// HTTPBackoff returns the base backoff delay as a duration.
func (c PollConfig) HTTPBackoff() time.Duration {
	return time.Duration(c.HTTPBackoffBase * float64(time.Second))
}

// Retries returns the attempt budget after the first try, defaulting
// to 3 when unset. Zero is a valid setting (single attempt per fetch),
// so set-ness is tracked with a pointer.
func (c PollConfig) Retries() int {
	if c.HTTPRetries == nil {
		return 3
	}
	return *c.HTTPRetries
}

// AlertConfig controls the alert state machine.
type AlertConfig struct {
	// OnNew alerts on any strict increase of the warning count rather
	// than tracking warning_count > 0 directly.
	OnNew bool `yaml:"on_new"`

	// ForceAlertSecs holds the alert active for this many seconds
	// after any change. 0 disables.
	ForceAlertSecs int `yaml:"force_alert_secs"`

	// AutoclearSecs clears the alert after this many seconds with no
	// further change. 0 disables.
	AutoclearSecs int `yaml:"autoclear_secs"`
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// then applies the environment overlay and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.FromEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration built from defaults and the
// environment alone, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.FromEnv()
	cfg.applyDefaults()
	return cfg
}

// FromEnv overlays the flat environment-variable surface onto cfg.
// Unset variables leave the existing value untouched.
func (c *Config) FromEnv() {
	envStr(&c.Device.BaseURL, "RAYHUNTER_BASE")
	envStr(&c.Device.ID, "DEVICE_ID")
	envStr(&c.Device.Name, "DEVICE_NAME")

	envStr(&c.MQTT.Host, "MQTT_HOST")
	envInt(&c.MQTT.Port, "MQTT_PORT")
	envStr(&c.MQTT.Username, "MQTT_USER")
	envStr(&c.MQTT.Password, "MQTT_PASS")
	envStr(&c.MQTT.DiscoveryPrefix, "DISCOVERY_PREFIX")
	envStr(&c.MQTT.AvailabilitySuffix, "AVAIL_TOPIC_SUFFIX")
	envIntPtr(&c.MQTT.QoS, "MQTT_QOS")
	if v, ok := os.LookupEnv("MQTT_RETAIN"); ok {
		retain := v != "0"
		c.MQTT.Retain = &retain
	}

	envInt(&c.Poll.IntervalSec, "POLL_INTERVAL")
	envFloat(&c.Poll.HTTPTimeoutSec, "HTTP_TIMEOUT")
	envIntPtr(&c.Poll.HTTPRetries, "HTTP_RETRIES")
	envFloat(&c.Poll.HTTPBackoffBase, "HTTP_BACKOFF_BASE")

	if v, ok := os.LookupEnv("ALERT_ON_NEW"); ok {
		c.Alert.OnNew = v == "1"
	}
	envInt(&c.Alert.ForceAlertSecs, "FORCE_ALERT_SECS")
	envInt(&c.Alert.AutoclearSecs, "AUTOCLEAR_SECS")

	envStr(&c.DataDir, "DATA_DIR")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.LogFormat, "LOG_FORMAT")
}

// applyDefaults fills zero-valued fields with the original bridge
// defaults.
func (c *Config) applyDefaults() {
	if c.Device.BaseURL == "" {
		c.Device.BaseURL = "http://127.0.0.1:18080"
	}
	c.Device.BaseURL = strings.TrimRight(c.Device.BaseURL, "/")
	if c.Device.Name == "" {
		c.Device.Name = "Rayhunter (Orbic)"
	}

	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	c.MQTT.DiscoveryPrefix = strings.Trim(c.MQTT.DiscoveryPrefix, "/")
	if c.MQTT.AvailabilitySuffix == "" {
		c.MQTT.AvailabilitySuffix = "availability"
	}
	c.MQTT.AvailabilitySuffix = strings.Trim(c.MQTT.AvailabilitySuffix, "/")

	if c.Poll.IntervalSec == 0 {
		c.Poll.IntervalSec = 3
	}
	if c.Poll.HTTPTimeoutSec == 0 {
		c.Poll.HTTPTimeoutSec = 3
	}
	if c.Poll.HTTPBackoffBase == 0 {
		c.Poll.HTTPBackoffBase = 0.4
	}

	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks the invariants the rest of the bridge relies on.
func (c *Config) Validate() error {
	if c.Poll.IntervalSec <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", c.Poll.IntervalSec)
	}
	if c.Poll.HTTPTimeoutSec <= 0 {
		return fmt.Errorf("http timeout must be positive, got %g", c.Poll.HTTPTimeoutSec)
	}
	if c.Poll.HTTPRetries != nil && *c.Poll.HTTPRetries < 0 {
		return fmt.Errorf("http retries must be non-negative, got %d", *c.Poll.HTTPRetries)
	}
	if c.Poll.HTTPBackoffBase <= 0 {
		return fmt.Errorf("http backoff base must be positive, got %g", c.Poll.HTTPBackoffBase)
	}
	if c.Alert.ForceAlertSecs < 0 {
		return fmt.Errorf("force_alert_secs must be non-negative, got %d", c.Alert.ForceAlertSecs)
	}
	if c.Alert.AutoclearSecs < 0 {
		return fmt.Errorf("autoclear_secs must be non-negative, got %d", c.Alert.AutoclearSecs)
	}
	if c.MQTT.Configured() && c.MQTT.QoS != nil && (*c.MQTT.QoS < 0 || *c.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1, or 2, got %d", *c.MQTT.QoS)
	}
	return nil
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envIntPtr is envInt for fields whose zero value is itself a valid
// setting, so "unset" must stay distinguishable from 0.
func envIntPtr(dst **int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = &n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
