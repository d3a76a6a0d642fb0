package mqtt

import "github.com/nugget/rayhunter-bridge/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery config payloads. Every entity published by the
// bridge references the same device block so HA groups them under a
// single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// BinarySensorConfig is the discovery payload for an HA binary_sensor.
// The alert entity uses device_class "safety" so HA renders the ON
// state as unsafe.
type BinarySensorConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	DeviceClass         string     `json:"device_class,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
	Device              DeviceInfo `json:"device"`
}

// NewDeviceInfo creates the shared device block from the stable device
// identifier and the human-readable name shown in the HA UI.
func NewDeviceInfo(deviceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceID},
		Name:         deviceName,
		Manufacturer: "EFF",
		Model:        "Rayhunter",
		SWVersion:    buildinfo.Version,
	}
}
