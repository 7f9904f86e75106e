package telemetry

import "strings"

// DevicePlaceholder is replaced with the device id in topic templates.
const DevicePlaceholder = "{deviceId}"

// Topics holds the topic templates of the telemetry channel.
type Topics struct {
	Voltage      string
	Current      string
	Status       string
	RelayControl string
}

// DefaultTopics returns the topics used by deployed devices.
func DefaultTopics() Topics {
	return Topics{
		Voltage:      "device/voltage",
		Current:      "device/current",
		Status:       "ev/device/" + DevicePlaceholder + "/status",
		RelayControl: "device/relayControl",
	}
}

// Resolve substitutes the device id into a template.
func Resolve(template, deviceID string) string {
	return strings.ReplaceAll(template, DevicePlaceholder, deviceID)
}

// PerDevice reports whether the template names one device.
func PerDevice(template string) bool {
	return strings.Contains(template, DevicePlaceholder)
}
