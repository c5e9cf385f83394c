// Package store provides the durable credential slot and its implementations.
package store

import (
	"context"
	"errors"
)

// TokenKey is the fixed name the bearer token is stored under.
const TokenKey = "jwt_token"

// ErrNotFound is returned when the requested key holds no value.
var ErrNotFound = errors.New("store: key not found")

// TokenStore persists the single bearer token of a session.
// Writes must be durable before they return.
type TokenStore interface {
	// LoadToken returns the persisted token or ErrNotFound.
	LoadToken(ctx context.Context) (string, error)

	// SaveToken replaces the persisted token.
	SaveToken(ctx context.Context, token string) error

	// DeleteToken removes the persisted token. Deleting an absent token is not an error.
	DeleteToken(ctx context.Context) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}
