package mqtt

import "strings"

// TopicPrefix is the root of every topic the control plane uses.
const TopicPrefix = "jukebox"

// Topics builds topic strings. It is a zero-size namespace type so call
// sites read as Topics{}.Event("emergency").
type Topics struct{}

// SystemStatus carries the retained online/offline status and the LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// Event is where admin event <name> is mirrored.
func (Topics) Event(name string) string {
	return TopicPrefix + "/events/" + sanitize(name)
}

// DeviceState is the retained state of one device.
func (Topics) DeviceState(token string) string {
	return TopicPrefix + "/devices/" + sanitize(token) + "/state"
}

// EmergencyRequest is subscribed to for external emergency requests.
func (Topics) EmergencyRequest() string {
	return TopicPrefix + "/emergency/set"
}

// AllEvents matches every mirrored event.
func (Topics) AllEvents() string {
	return TopicPrefix + "/events/#"
}

// AllDeviceStates matches every device state topic.
func (Topics) AllDeviceStates() string {
	return TopicPrefix + "/devices/+/state"
}

// sanitize replaces characters with special meaning in MQTT topics so a
// caller-supplied segment cannot add levels or wildcards.
func sanitize(segment string) string {
	if segment == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(segment)
}
