package service

import "errors"

var (
	// ErrSessionNotFound means no live session exists for the tenant/phone
	// pair on this instance.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotConnected means the session exists but is not in a state that
	// can carry traffic.
	ErrNotConnected = errors.New("session not connected")

	// ErrSessionNotLoggedIn means the session has no stored pairing and a QR
	// scan is required.
	ErrSessionNotLoggedIn = errors.New("session not logged in")

	// ErrShuttingDown rejects work while the supervisor is draining.
	ErrShuttingDown = errors.New("service is shutting down")
)
