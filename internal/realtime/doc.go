// Package realtime maintains the persistent event-stream connection to a
// hub, delivering capability value changes and device lifecycle events
// between poll cycles.
//
// # State Machine
//
//	Disabled (terminal, token lacks system read scope)
//	Disconnected -> Connecting -> Connected -> Disconnected -> ...
//
// A lost or silent connection (missed pong) drops back to Disconnected
// and is redialled with jittered exponential backoff. Every connection
// re-subscribes from scratch; the stream carries no replay, so a
// reconnect gap is always covered by the next poll cycle. Events are
// buffered in a bounded queue and delivered in order; on overflow the
// newest events are dropped and counted rather than blocking the read
// pump.
//
// The channel is an input to the synchronization coordinator: value
// events patch the canonical store directly, device add/remove events
// request a full cycle, and the connection state steers the poll
// scheduler between its fast and slow intervals.
package realtime
