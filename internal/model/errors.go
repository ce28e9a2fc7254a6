package model

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live engine connection.
	ErrNotConnected = errors.New("not connected to engine")

	// ErrConnectFailed is returned when a connection attempt to the engine fails.
	ErrConnectFailed = errors.New("engine connect failed")

	// ErrUnreachable is returned once reconnect attempts are exhausted.
	ErrUnreachable = errors.New("engine unreachable")

	// ErrEngineDisabled is returned when the engine integration is switched off.
	ErrEngineDisabled = errors.New("engine integration disabled")

	// ErrSessionExists is returned when a downstream session id is already attached.
	ErrSessionExists = errors.New("session already attached")

	// ErrSessionNotFound is returned when a downstream session is not attached.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPOINotFound is returned when a POI is not found.
	ErrPOINotFound = errors.New("poi not found")

	// ErrInvalidScreen is returned for a screen value outside the known set.
	ErrInvalidScreen = errors.New("invalid screen")
)
