// Package registry holds the canonical mirror of hub devices, entities,
// zones and flows.
//
// Three layers share the package. SQLiteRepository persists records and
// the sync journal. Registry serves reads from an in-memory cache and
// hands out copies so callers never share state with the cache. The
// Reconciler applies whole sync-cycle batches: every change in a batch
// commits in one transaction, the cache is updated after the commit, and
// change notifications are emitted last, in batch order. A failed or
// cancelled batch therefore leaves no trace at all.
//
// Two merge rules matter more than the rest. A device rename updates the
// device label only; entity names are fixed when the entity is created so
// downstream customisations survive. And an area assignment follows the
// hub's zone only while it still equals the last automatic assignment; an
// operator override is never reverted by a sync.
package registry
