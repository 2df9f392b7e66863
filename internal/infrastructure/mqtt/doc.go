// Package mqtt provides the hublink event bus: broker connectivity plus
// a relay that republishes committed registry changes for downstream
// consumers (Gray Logic core, wall panels, automation).
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Fan-out of registry change notifications (Relay)
//
// # Architecture
//
// hublink is the only publisher under hublink/; the broker decouples it
// from however many consumers are listening.
//
//	hublink -> MQTT broker -> consumers
//
// The registry stays canonical. The bus is best-effort fan-out: a
// dropped message never affects what was stored, and consumers that
// need current state read the HTTP API rather than replaying events.
//
// # Topics
//
//	hublink/status                      service online/offline (retained, LWT)
//	hublink/hub/{hubID}/status          per-hub sync health (retained)
//	hublink/event/{kind}                structural change events
//	hublink/state/{key}/{capabilityID}  capability values (retained)
//
// Event kinds are the registry change kinds (created, updated, deleted)
// plus scope_migrated. Retained value topics are cleared when a device
// is deleted.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	relay := mqtt.NewRelay(client, byte(cfg.MQTT.QoS))
//	defer relay.Close()
//	reconciler.SetOnNotify(relay.Notify)
//	scopes.SetOnMigrated(relay.NotifyScopeMigration)
package mqtt
