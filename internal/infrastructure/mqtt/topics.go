package mqtt

import "fmt"

// Topic structure for the hublink event bus.
//
// Everything hublink publishes lives under the "hublink/" root:
//
//	hublink/status                      - service status (retained, LWT)
//	hublink/hub/{hubID}/status          - per-hub sync health (retained)
//	hublink/event/{kind}                - structural change events
//	hublink/state/{key}/{capabilityID}  - capability values (retained)
//	hublink/result/{key}/{capabilityID} - command outcomes
//
// One inbound surface exists alongside them:
//
//	hublink/command/{key}/{capabilityID} - capability write requests
//
// Device keys are hub-assigned identifiers, prefixed with the hub ID
// ("hub-main:abc123") once more than one hub is configured. The ':'
// separator is legal inside an MQTT topic level; '/' never appears in
// hub identifiers.

// topicRoot is the first level of every hublink topic.
const topicRoot = "hublink"

// Event kinds published on hublink/event/{kind} beyond the registry
// change kinds ("created", "updated", "deleted").
const (
	// EventScopeMigrated announces that one hub's registry keys were
	// rewritten to composite hubID:localID form. Fired at most once per
	// hub for the lifetime of the database.
	EventScopeMigrated = "scope_migrated"
)

// Topics provides type-safe topic construction for the bus.
//
// Using these builders instead of string concatenation keeps the scheme
// in one place and prevents topic typos drifting between publisher and
// consumers.
type Topics struct{}

// Status returns the service status topic.
//
// Carries retained online/offline payloads. The broker publishes the
// offline payload itself via LWT if hublink dies without disconnecting
// cleanly, so consumers always learn about an outage.
//
// Example: hublink/status
func (Topics) Status() string {
	return topicRoot + "/status"
}

// HubStatus returns the per-hub health topic.
//
// Carries a retained snapshot of one hub's sync state: reachable, stale,
// realtime channel state, device count. Republished after sync cycles.
//
// Example: hublink/hub/hub-main/status
func (Topics) HubStatus(hubID string) string {
	return fmt.Sprintf("%s/hub/%s/status", topicRoot, hubID)
}

// Event returns the topic for one structural change kind.
//
// Kinds are the registry change kinds plus bus-level notices such as
// EventScopeMigrated. Event payloads are not retained; consumers that
// need current state read the registry API instead of replaying events.
//
// Example: hublink/event/created
func (Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s", topicRoot, kind)
}

// DeviceState returns the capability value topic for one device.
//
// Value payloads are retained so late subscribers immediately see the
// last relayed value. Retained values are cleared when the device is
// removed from the registry.
//
// Example: hublink/state/hub-main:abc123/measure_power
func (Topics) DeviceState(key, capabilityID string) string {
	return fmt.Sprintf("%s/state/%s/%s", topicRoot, key, capabilityID)
}

// Command returns the inbound capability write topic for one device.
//
// Payloads are CommandPayload JSON; outcomes come back on the matching
// CommandResult topic.
//
// Example: hublink/command/hub-main:abc123/dim
func (Topics) Command(key, capabilityID string) string {
	return fmt.Sprintf("%s/command/%s/%s", topicRoot, key, capabilityID)
}

// AllCommands returns the wildcard the command router subscribes to.
//
// Example: hublink/command/+/+
func (Topics) AllCommands() string {
	return topicRoot + "/command/+/+"
}

// CommandResult returns the command outcome topic for one capability.
//
// Result payloads are not retained; a command's outcome only matters to
// whoever sent it.
//
// Example: hublink/result/hub-main:abc123/dim
func (Topics) CommandResult(key, capabilityID string) string {
	return fmt.Sprintf("%s/result/%s/%s", topicRoot, key, capabilityID)
}

// AllHubStatus returns a wildcard matching every per-hub health topic.
//
// Example: hublink/hub/+/status
func (Topics) AllHubStatus() string {
	return topicRoot + "/hub/+/status"
}

// AllEvents returns a wildcard matching every structural change event.
//
// Example: hublink/event/+
func (Topics) AllEvents() string {
	return topicRoot + "/event/+"
}

// DeviceStates returns a wildcard matching every capability value of one
// device.
//
// Example: hublink/state/hub-main:abc123/+
func (Topics) DeviceStates(key string) string {
	return fmt.Sprintf("%s/state/%s/+", topicRoot, key)
}

// AllDeviceStates returns a wildcard matching every capability value on
// the bus.
//
// Example: hublink/state/+/+
func (Topics) AllDeviceStates() string {
	return topicRoot + "/state/+/+"
}

// AllTopics returns a wildcard matching everything hublink publishes.
//
// Mostly useful for debugging with mosquitto_sub.
//
// Example: hublink/#
func (Topics) AllTopics() string {
	return topicRoot + "/#"
}
