package realtime

import "errors"

// Package-level sentinel errors.
var (
	// ErrChannelDisabled is returned by Start when the channel was built
	// disabled because the hub token lacks the system read scope.
	ErrChannelDisabled = errors.New("realtime: channel disabled")

	// ErrAlreadyStarted is returned by Start after the first call.
	ErrAlreadyStarted = errors.New("realtime: channel already started")
)
