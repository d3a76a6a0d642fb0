package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/rayhunter-bridge/internal/config"
)

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Host:               "localhost",
		Port:               1883,
		DiscoveryPrefix:    "homeassistant",
		AvailabilitySuffix: "availability",
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testMQTTConfig(), "rayhunter_orbic", "Rayhunter (Orbic)", nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "homeassistant/rayhunter_orbic"},
		{"availabilityTopic", p.availabilityTopic(), "homeassistant/rayhunter_orbic/availability"},
		{"stateTopic alert", p.stateTopic("alert"), "homeassistant/rayhunter_orbic/alert/state"},
		{"discoveryTopic binary_sensor", p.discoveryTopic("binary_sensor", "alert"), "homeassistant/binary_sensor/rayhunter_orbic/alert/config"},
		{"discoveryTopic sensor", p.discoveryTopic("sensor", "last_report_id"), "homeassistant/sensor/rayhunter_orbic/last_report_id/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_DiscoveryDefinitions(t *testing.T) {
	p := New(testMQTTConfig(), "rayhunter_orbic", "Rayhunter (Orbic)", nil)

	defs := p.discoveryDefinitions()
	if len(defs) != 3 {
		t.Fatalf("got %d discovery definitions, want 3", len(defs))
	}

	byEntity := make(map[string]discoveryDef)
	for _, d := range defs {
		byEntity[d.entity] = d
	}

	alert, ok := byEntity["alert"]
	if !ok {
		t.Fatal("missing alert definition")
	}
	if alert.component != "binary_sensor" {
		t.Errorf("alert component = %q, want binary_sensor", alert.component)
	}
	alertCfg, ok := alert.config.(BinarySensorConfig)
	if !ok {
		t.Fatalf("alert config type = %T, want BinarySensorConfig", alert.config)
	}
	if alertCfg.DeviceClass != "safety" {
		t.Errorf("alert device_class = %q, want safety", alertCfg.DeviceClass)
	}
	if alertCfg.PayloadOn != "ON" || alertCfg.PayloadOff != "OFF" {
		t.Errorf("alert payloads = %q/%q, want ON/OFF", alertCfg.PayloadOn, alertCfg.PayloadOff)
	}
	if alertCfg.UniqueID != "rayhunter_orbic_alert" {
		t.Errorf("alert unique_id = %q, want rayhunter_orbic_alert", alertCfg.UniqueID)
	}

	for _, entity := range []string{"last_report_id", "last_warning_count"} {
		d, ok := byEntity[entity]
		if !ok {
			t.Errorf("missing %s definition", entity)
			continue
		}
		if d.component != "sensor" {
			t.Errorf("%s component = %q, want sensor", entity, d.component)
		}
		cfg, ok := d.config.(SensorConfig)
		if !ok {
			t.Errorf("%s config type = %T, want SensorConfig", entity, d.config)
			continue
		}
		wantAvail := "homeassistant/rayhunter_orbic/availability"
		if cfg.AvailabilityTopic != wantAvail {
			t.Errorf("%s availability_topic = %q, want %q", entity, cfg.AvailabilityTopic, wantAvail)
		}
		if len(cfg.Device.Identifiers) != 1 || cfg.Device.Identifiers[0] != "rayhunter_orbic" {
			t.Errorf("%s device identifiers = %v", entity, cfg.Device.Identifiers)
		}
	}

	warnCfg := byEntity["last_warning_count"].config.(SensorConfig)
	if warnCfg.UnitOfMeasurement != "warnings" {
		t.Errorf("unit = %q, want warnings", warnCfg.UnitOfMeasurement)
	}
}

func TestDiscoveryPayload_JSONShape(t *testing.T) {
	p := New(testMQTTConfig(), "dev1", "Device", nil)

	for _, d := range p.discoveryDefinitions() {
		payload, err := json.Marshal(d.config)
		if err != nil {
			t.Fatalf("marshal %s: %v", d.entity, err)
		}
		for _, key := range []string{`"unique_id"`, `"state_topic"`, `"availability_topic"`, `"device"`} {
			if !strings.Contains(string(payload), key) {
				t.Errorf("%s payload missing %s:\n%s", d.entity, key, payload)
			}
		}
	}
}

func TestSnapshot_Diff(t *testing.T) {
	on := Snapshot{Alert: true, ReportID: "7", WarningCount: 2}

	t.Run("first publish sends everything", func(t *testing.T) {
		got := on.diff(nil)
		if len(got) != 3 {
			t.Fatalf("diff(nil) = %d publishes, want 3", len(got))
		}
		values := map[string]string{}
		for _, st := range got {
			values[st.entity] = st.value
		}
		if values["alert"] != "ON" {
			t.Errorf("alert = %q, want ON", values["alert"])
		}
		if values["last_report_id"] != "7" {
			t.Errorf("last_report_id = %q, want 7", values["last_report_id"])
		}
		if values["last_warning_count"] != "2" {
			t.Errorf("last_warning_count = %q, want 2", values["last_warning_count"])
		}
	})

	t.Run("identical snapshot is a no-op", func(t *testing.T) {
		prev := on
		if got := on.diff(&prev); len(got) != 0 {
			t.Errorf("diff(same) = %v, want empty", got)
		}
	})

	t.Run("single field change publishes one message", func(t *testing.T) {
		prev := on
		next := on
		next.Alert = false
		got := next.diff(&prev)
		if len(got) != 1 {
			t.Fatalf("diff = %v, want 1 publish", got)
		}
		if got[0].entity != "alert" || got[0].value != "OFF" {
			t.Errorf("publish = %+v, want alert/OFF", got[0])
		}
	})

	t.Run("empty report id is never published", func(t *testing.T) {
		got := Snapshot{Alert: true, WarningCount: 2}.diff(nil)
		if len(got) != 2 {
			t.Fatalf("diff = %v, want 2 publishes", got)
		}
		for _, st := range got {
			if st.entity == "last_report_id" {
				t.Errorf("published empty report id: %+v", st)
			}
		}
	})

	t.Run("report id appears once known", func(t *testing.T) {
		prev := Snapshot{Alert: true, WarningCount: 2}
		next := prev
		next.ReportID = "9"
		got := next.diff(&prev)
		if len(got) != 1 || got[0].entity != "last_report_id" || got[0].value != "9" {
			t.Errorf("diff = %v, want single last_report_id/9", got)
		}
	})

	t.Run("negative count clamps to zero", func(t *testing.T) {
		got := Snapshot{WarningCount: -2}.diff(nil)
		for _, st := range got {
			if st.entity == "last_warning_count" && st.value != "0" {
				t.Errorf("last_warning_count = %q, want 0", st.value)
			}
		}
	})
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("rayhunter_orbic", "Rayhunter (Orbic)")
	if info.Name != "Rayhunter (Orbic)" {
		t.Errorf("Name = %q", info.Name)
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "rayhunter_orbic" {
		t.Errorf("Identifiers = %v, want [rayhunter_orbic]", info.Identifiers)
	}
	if info.Manufacturer != "EFF" {
		t.Errorf("Manufacturer = %q, want EFF", info.Manufacturer)
	}
	if info.Model != "Rayhunter" {
		t.Errorf("Model = %q, want Rayhunter", info.Model)
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}
