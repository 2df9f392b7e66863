package hub

import "net/url"

// Layout identifies which of the two REST endpoint generations a hub speaks.
// Modern firmware serves the manager layout; older firmware serves v1.
// The working layout is probed once per session and cached.
type Layout string

// Endpoint layouts.
const (
	LayoutManager Layout = "manager"
	LayoutV1      Layout = "v1"
)

// Path prefixes per layout.
const (
	managerBase = "/api/manager"
	v1Base      = "/api/v1"
)

// probeOrder is the order layouts are tried during discovery.
var probeOrder = []Layout{LayoutManager, LayoutV1}

// SystemPath returns the system info endpoint.
func (l Layout) SystemPath() string {
	if l == LayoutV1 {
		return v1Base + "/system/info"
	}
	return managerBase + "/system/info"
}

// DevicesPath returns the device collection endpoint.
func (l Layout) DevicesPath() string {
	if l == LayoutV1 {
		return v1Base + "/device"
	}
	return managerBase + "/devices/device/"
}

// DevicePath returns the endpoint for a single device.
func (l Layout) DevicePath(deviceID string) string {
	if l == LayoutV1 {
		return v1Base + "/device/" + url.PathEscape(deviceID)
	}
	return managerBase + "/devices/device/" + url.PathEscape(deviceID)
}

// CapabilityPath returns the endpoint for one capability on a device.
func (l Layout) CapabilityPath(deviceID, capabilityID string) string {
	return l.DevicePath(deviceID) + "/capability/" + url.PathEscape(capabilityID)
}

// ZonesPath returns the zone collection endpoint.
func (l Layout) ZonesPath() string {
	if l == LayoutV1 {
		return v1Base + "/zone"
	}
	return managerBase + "/zones/zone"
}

// FlowsPath returns the standard flow collection endpoint.
func (l Layout) FlowsPath() string {
	if l == LayoutV1 {
		return v1Base + "/flow"
	}
	return managerBase + "/flow/flow"
}

// FlowPath returns the endpoint for a single standard flow.
func (l Layout) FlowPath(flowID string) string {
	return l.FlowsPath() + "/" + url.PathEscape(flowID)
}

// FlowTriggerPath returns the trigger endpoint for a standard flow.
func (l Layout) FlowTriggerPath(flowID string) string {
	return l.FlowPath(flowID) + "/trigger"
}

// AdvancedFlowsPath returns the advanced flow collection endpoint.
// Empty for layouts that predate advanced flows.
func (l Layout) AdvancedFlowsPath() string {
	if l == LayoutV1 {
		return ""
	}
	return managerBase + "/flow/advancedflow"
}

// AdvancedFlowPath returns the endpoint for a single advanced flow,
// or "" when the layout has no advanced flows.
func (l Layout) AdvancedFlowPath(flowID string) string {
	base := l.AdvancedFlowsPath()
	if base == "" {
		return ""
	}
	return base + "/" + url.PathEscape(flowID)
}

// AdvancedFlowTriggerPath returns the trigger endpoint for an advanced flow,
// or "" when the layout has no advanced flows.
func (l Layout) AdvancedFlowTriggerPath(flowID string) string {
	p := l.AdvancedFlowPath(flowID)
	if p == "" {
		return ""
	}
	return p + "/trigger"
}

// ScenesPath returns the scene collection endpoint.
func (l Layout) ScenesPath() string {
	if l == LayoutV1 {
		return v1Base + "/scene"
	}
	return managerBase + "/scene/scene"
}

// SceneTriggerPath returns the trigger endpoint for a scene.
func (l Layout) SceneTriggerPath(sceneID string) string {
	return l.ScenesPath() + "/" + url.PathEscape(sceneID) + "/trigger"
}

// MoodsPath returns the mood collection endpoint.
func (l Layout) MoodsPath() string {
	if l == LayoutV1 {
		return v1Base + "/mood"
	}
	return managerBase + "/moods/mood"
}

// MoodSetPath returns the activation endpoint for a mood.
func (l Layout) MoodSetPath(moodID string) string {
	return l.MoodsPath() + "/" + url.PathEscape(moodID) + "/set"
}

// LogicVariablesPath returns the logic variable collection endpoint.
func (l Layout) LogicVariablesPath() string {
	if l == LayoutV1 {
		return v1Base + "/logic/variable"
	}
	return managerBase + "/logic/variable"
}

// LogicVariablePath returns the endpoint for a single logic variable.
func (l Layout) LogicVariablePath(variableID string) string {
	return l.LogicVariablesPath() + "/" + url.PathEscape(variableID)
}
