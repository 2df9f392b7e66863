// Package hub provides the transport client for Homey-compatible smart
// home hubs in Gray Logic HubLink.
//
// The client speaks the hub's local REST API over HTTP(S), handles both
// endpoint generations hubs ship with, and translates transport failures
// into a small error taxonomy the sync engine reasons about.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                         hub package                              │
//	│                                                                  │
//	│  ┌───────────────┐   ┌────────────────┐   ┌──────────────────┐   │
//	│  │    Client     │   │     Prober     │   │      Layout      │   │
//	│  │  (client.go)  │──▶│(permissions.go)│   │  (endpoints.go)  │   │
//	│  │               │   │                │   │                  │   │
//	│  │ • REST calls  │   │ • Scope probes │   │ • manager paths  │   │
//	│  │ • Retries     │   │ • Warn-once    │   │ • v1 paths       │   │
//	│  │ • Error map   │   │ • Degradation  │   │ • Probe order    │   │
//	│  └───────────────┘   └────────────────┘   └──────────────────┘   │
//	└──────────────────────────────────────────────────────────────────┘
//	        │
//	        ▼
//	┌──────────────────────┐
//	│   Hub REST API       │
//	│ /api/manager/... or  │
//	│ /api/v1/...          │
//	└──────────────────────┘
//
// # Endpoint Layouts
//
// Modern hub firmware serves resources under /api/manager/...; older
// firmware serves a flatter /api/v1/... tree. Connect probes the system
// info endpoint in that order and locks onto the first layout that
// answers with a well-formed response. The choice is cached for the
// session; a firmware upgrade needs a reconnect anyway.
//
// # Error Taxonomy
//
//   - ErrAuthFailed: token rejected (401). The session is torn down and
//     needs operator attention.
//   - ErrPermissionMissing: token valid but lacking a scope (403). Only
//     the affected feature degrades.
//   - ErrUnavailable: the hub is unreachable or failing after retries.
//     Mirror entries go stale, never deleted.
//   - ErrNotFound: resource or endpoint absent (404).
//   - ErrInvalidValue: a capability write with an unconvertible value.
//
// # Usage
//
//	client := hub.NewClient("https://192.168.1.50", token, hub.Options{})
//	client.SetLogger(log)
//
//	info, err := client.Connect(ctx)
//	if err != nil {
//	    return err
//	}
//
//	features, err := hub.NewProber(client).Probe(ctx)
//	if err != nil {
//	    return err
//	}
//	if features.Readable(hub.FeatureDevices) {
//	    devices, _ := client.Devices(ctx)
//	    _ = devices
//	}
//
//	err = client.SetCapabilityValue(ctx, deviceID, "dim", 0.75)
//
// # Thread Safety
//
// Client and Prober are safe for concurrent use. The layout cache is
// mutex-guarded; everything else is immutable after construction.
package hub
