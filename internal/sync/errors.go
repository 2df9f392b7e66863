package sync

import "errors"

// Package errors.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("sync: already started")

	// ErrUnknownDevice is returned for commands addressing a device this
	// coordinator does not own.
	ErrUnknownDevice = errors.New("sync: unknown device")

	// ErrUnknownCapability is returned for commands addressing a
	// capability the device does not carry.
	ErrUnknownCapability = errors.New("sync: unknown capability")
)
