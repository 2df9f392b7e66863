// Package scope keeps registry keys collision-free across hubs. One hub
// means bare device IDs; a second hub triggers a one-time rewrite of
// every stored key to "<hub>:<id>", with the old keys retired but kept
// so they can still be resolved.
package scope
