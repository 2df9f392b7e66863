// Package sync keeps the device registry converged with live hub state.
//
// A Coordinator owns one hub. It serialises full discovery cycles and
// pushed value deltas through a single worker goroutine, diffing each
// snapshot against the previous generation and handing the resulting
// batch to the registry reconciler. A Scheduler paces the cycles: fast
// polling while the push channel is down, a slow safety net while it is
// up, and an independent cadence for the zone tree.
package sync
