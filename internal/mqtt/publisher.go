package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/rayhunter-bridge/internal/config"
)

// Snapshot is the state actually sent to the broker. The publisher
// keeps the last published copy and suppresses publishes for fields
// that have not changed.
type Snapshot struct {
	Alert        bool
	ReportID     string
	WarningCount int
}

// entityState is one pending state-topic publish.
type entityState struct {
	entity string
	value  string
}

// diff returns the state publishes needed to move the broker from prev
// to s. A nil prev means nothing has been published yet, so every
// field is emitted.
func (s Snapshot) diff(prev *Snapshot) []entityState {
	var out []entityState
	if prev == nil || prev.Alert != s.Alert {
		value := "OFF"
		if s.Alert {
			value = "ON"
		}
		out = append(out, entityState{"alert", value})
	}
	// An empty report id is never published: before the first report
	// exists there is nothing to retain, and clearing the topic would
	// erase the last known id from HA history.
	if s.ReportID != "" && (prev == nil || prev.ReportID != s.ReportID) {
		out = append(out, entityState{"last_report_id", s.ReportID})
	}
	if prev == nil || prev.WarningCount != s.WarningCount {
		out = append(out, entityState{"last_warning_count", strconv.Itoa(max(0, s.WarningCount))})
	}
	return out
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and pushes de-duplicated state snapshots
// to the broker.
type Publisher struct {
	cfg      config.MQTTConfig
	deviceID string
	device   DeviceInfo
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager

	mu   sync.Mutex
	last *Snapshot
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to register the will and open the connection.
func New(cfg config.MQTTConfig, deviceID, deviceName string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		deviceID: deviceID,
		device:   NewDeviceInfo(deviceID, deviceName),
		logger:   logger,
	}
}

// Start connects to the broker. The will message is part of the
// connection config, so it is registered before the CONNECT packet is
// sent — an ungraceful death after this point makes the broker emit
// "offline" without any help from the bridge. On every (re-)connect
// the connection-up callback publishes discovery configs, the birth
// message, and the latest known snapshot.
//
// Start returns once the initial connection is up or the wait times
// out; autopaho keeps retrying in the background either way.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     p.qos(),
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL())
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.republishLast(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.deviceID + "_bridge",
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait briefly for the initial connection so the first poll tick
	// usually has a live broker; a timeout is not fatal.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the connection. The provided context controls
// how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishState sends the snapshot fields that differ from the last
// published snapshot. A broker outage is reported but not fatal: the
// cached snapshot is left untouched so the next call republishes the
// latest state (missed intermediates are deliberately dropped).
func (p *Publisher) PublishState(ctx context.Context, snap Snapshot) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	p.mu.Lock()
	pending := snap.diff(p.last)
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	for _, st := range pending {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(st.entity),
			Payload: []byte(st.value),
			QoS:     p.qos(),
			Retain:  p.cfg.RetainEnabled(),
		}); err != nil {
			return fmt.Errorf("publish %s state: %w", st.entity, err)
		}
		p.logger.Debug("mqtt state published", "entity", st.entity, "value", st.value)
	}

	p.mu.Lock()
	p.last = &snap
	p.mu.Unlock()
	return nil
}

// PublishAlert sends just the alert entity state, bypassing the
// snapshot cache. The synthetic trigger uses it before the first
// successful poll, when no full snapshot exists yet and publishing
// zero-valued sensor topics would clobber retained history.
func (p *Publisher) PublishAlert(ctx context.Context, active bool) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	value := "OFF"
	if active {
		value = "ON"
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic("alert"),
		Payload: []byte(value),
		QoS:     p.qos(),
		Retain:  p.cfg.RetainEnabled(),
	}); err != nil {
		return fmt.Errorf("publish alert state: %w", err)
	}

	p.mu.Lock()
	if p.last != nil {
		p.last.Alert = active
	}
	p.mu.Unlock()
	return nil
}

// PublishAvailability sends an explicit online/offline message. Safe
// to resend idempotently; the degraded bridge uses it to mark the
// device unavailable while the tunnel is down.
func (p *Publisher) PublishAvailability(ctx context.Context, status string) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	p.publishAvailability(ctx, p.cm, status)
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) qos() byte {
	return p.cfg.QoSLevel()
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.DiscoveryPrefix + "/" + p.deviceID
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/" + p.cfg.AvailabilitySuffix
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.deviceID + "/" + entity + "/config"
}

// --- Discovery ---

type discoveryDef struct {
	component string
	entity    string
	config    any
}

func (p *Publisher) discoveryDefinitions() []discoveryDef {
	avail := p.availabilityTopic()
	return []discoveryDef{
		{
			component: "binary_sensor",
			entity:    "alert",
			config: BinarySensorConfig{
				Name:                "Rayhunter Alert",
				UniqueID:            p.deviceID + "_alert",
				StateTopic:          p.stateTopic("alert"),
				DeviceClass:         "safety",
				PayloadOn:           "ON",
				PayloadOff:          "OFF",
				AvailabilityTopic:   avail,
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
				Device:              p.device,
			},
		},
		{
			component: "sensor",
			entity:    "last_report_id",
			config: SensorConfig{
				Name:                "Rayhunter Last Report ID",
				UniqueID:            p.deviceID + "_lastid",
				StateTopic:          p.stateTopic("last_report_id"),
				AvailabilityTopic:   avail,
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
				Device:              p.device,
			},
		},
		{
			component: "sensor",
			entity:    "last_warning_count",
			config: SensorConfig{
				Name:                "Rayhunter Last Warning Count",
				UniqueID:            p.deviceID + "_lastwarn",
				StateTopic:          p.stateTopic("last_warning_count"),
				UnitOfMeasurement:   "warnings",
				StateClass:          "measurement",
				AvailabilityTopic:   avail,
				PayloadAvailable:    "online",
				PayloadNotAvailable: "offline",
				Device:              p.device,
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, d := range p.discoveryDefinitions() {
		topic := p.discoveryTopic(d.component, d.entity)
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", d.entity, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     p.qos(),
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", d.entity, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", d.entity, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     p.qos(),
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// republishLast re-sends the last known snapshot after a reconnect.
// The broker usually still holds the retained copies, but a broker
// restart with persistence disabled would otherwise leave the state
// topics empty until the next change.
func (p *Publisher) republishLast(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	last := p.last
	p.last = nil
	p.mu.Unlock()

	if last == nil {
		return
	}

	for _, st := range last.diff(nil) {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(st.entity),
			Payload: []byte(st.value),
			QoS:     p.qos(),
			Retain:  p.cfg.RetainEnabled(),
		}); err != nil {
			p.logger.Warn("mqtt state republish failed",
				"entity", st.entity, "error", err)
			return
		}
	}

	p.mu.Lock()
	p.last = last
	p.mu.Unlock()
}
