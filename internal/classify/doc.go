// Package classify turns hub device snapshots into entity descriptors.
//
// A hub device is a bag of capabilities with an unreliable coarse class.
// Classification decides which downstream entities that bag becomes: a
// dimmable socket is a light, a wall plug with power metering is a switch
// plus a power sensor, a thermostat is a climate entity plus temperature
// sensors.
//
// # Slots
//
// Specialised slots are scanned in priority order — cover, light,
// climate, fan, lock, media player, switch — and each claims the
// capabilities it consumes. A device fills any number of independent
// slots. Whatever remains falls through shape-based rules: known numeric
// capabilities become sensors with metadata hints, alarm booleans become
// binary sensors, setable booleans become switches, enums become selects
// or sensors, setable numbers become numbers, setable strings become
// text. A capability matching nothing still yields a raw sensor so no
// value ever disappears; maintenance actions are the one deliberate
// exception.
//
// # Rules
//
// Ambiguity (a class "light" device carrying only onoff, a device group
// mirroring its members' capabilities) is broken by the Rules table:
// versioned, data-driven class and driver overrides plus the sensor and
// binary-sensor hint maps. DefaultRules ships the built-in table; callers
// may substitute their own.
//
// # Determinism
//
// Device is pure: the same snapshot and rules always yield the same
// descriptors in the same order, which lets the sync engine diff entity
// sets structurally between cycles.
package classify
