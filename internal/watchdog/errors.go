package watchdog

import "errors"

var (
	// ErrIllegalState is returned for operations invalid in the current
	// lifecycle, such as registering before Start.
	ErrIllegalState = errors.New("illegal state")

	// ErrInvalidArgument is returned for a malformed identity, tier or state.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned for a duplicate registration.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned by lookups of unknown identities. Unregister
	// never returns it.
	ErrNotFound = errors.New("not found")
)
