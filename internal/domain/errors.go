package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrTunnelOccupied indicates a registry key is already claimed by an
	// active tunnel.
	ErrTunnelOccupied = errors.New("tunnel key already occupied")

	// ErrTunnelNotFound means no active tunnel exists for the given key.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidClientID is returned when a client id is not a valid DNS
	// label fragment.
	ErrInvalidClientID = errors.New("invalid client id")

	// ErrBadForwardRequest marks a malformed forwarding-request payload.
	ErrBadForwardRequest = errors.New("invalid forward request")
)

// CollisionError is returned when a forward request targets a key held by a
// live tunnel. SameClient distinguishes a connection re-registering its own
// path from a conflict with a different connection.
type CollisionError struct {
	Key        string
	SameClient bool
}

func (e *CollisionError) Error() string {
	if e.SameClient {
		return fmt.Sprintf("duplicate tunnel %s: already registered by this connection", e.Key)
	}
	return fmt.Sprintf("duplicate tunnel %s: registered by another live connection", e.Key)
}

func (e *CollisionError) Unwrap() error {
	return ErrTunnelOccupied
}
