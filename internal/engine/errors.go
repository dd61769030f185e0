package engine

import "errors"

var (
	// ErrAccountExists reports that the phone number is already registered.
	ErrAccountExists = errors.New("account already exists")
	// ErrNoPendingAuth reports that no authentication flow is in progress
	// for the phone number.
	ErrNoPendingAuth = errors.New("no pending authentication")
	// ErrTransportUnavailable reports that the network could not be reached
	// even after a reconnect attempt.
	ErrTransportUnavailable = errors.New("transport unavailable")
)
