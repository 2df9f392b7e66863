package registry

import "errors"

// Package-level sentinel errors.
var (
	// ErrRecordNotFound is returned when a device record does not exist.
	ErrRecordNotFound = errors.New("registry: record not found")

	// ErrRecordExists is returned when creating a record whose scope key
	// is already taken.
	ErrRecordExists = errors.New("registry: record already exists")

	// ErrEntityNotFound is returned when an entity does not exist.
	ErrEntityNotFound = errors.New("registry: entity not found")

	// ErrEntityExists is returned when creating an entity whose slot is
	// already filled on its device.
	ErrEntityExists = errors.New("registry: entity already exists")
)
