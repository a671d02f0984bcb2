// Package auth resolves bearer credentials to registered identities. The
// relay trusts the resolved identity for the lifetime of the connection and
// re-validates only on reconnect.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/parley-chat/parley/internal/crypto/keys"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrDuplicateUser   = errors.New("identity already registered")
)

// Identity is an authenticated user: stable ID, handle, and the registered
// RSA public key used for per-message signature checks.
type Identity struct {
	ID        string
	Username  string
	PublicKey *rsa.PublicKey
}

// Provider authenticates a bearer credential.
type Provider interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// Directory looks up registered identities. One public key per identity,
// never reused across identities.
type Directory interface {
	Lookup(ctx context.Context, identityID string) (Identity, error)
}

// MemoryDirectory is a map-backed directory. Registration itself happens
// outside the relay; the node seeds this from its users file at startup.
type MemoryDirectory struct {
	mu     sync.RWMutex
	byID   map[string]Identity
	keyIDs map[string]string
}

// NewMemoryDirectory builds an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byID:   make(map[string]Identity),
		keyIDs: make(map[string]string),
	}
}

// Register adds an identity. Reusing an ID or a public key fails.
func (d *MemoryDirectory) Register(id Identity) error {
	if id.ID == "" || id.Username == "" {
		return fmt.Errorf("id and username are required: %w", ErrUnknownIdentity)
	}
	if id.PublicKey == nil {
		return fmt.Errorf("public key is required: %w", keys.ErrInvalidKey)
	}

	fingerprint := id.PublicKey.N.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byID[id.ID]; exists {
		return fmt.Errorf("%s: %w", id.ID, ErrDuplicateUser)
	}
	if owner, exists := d.keyIDs[fingerprint]; exists {
		return fmt.Errorf("public key already bound to %s: %w", owner, ErrDuplicateUser)
	}
	d.byID[id.ID] = id
	d.keyIDs[fingerprint] = id.ID
	return nil
}

// Lookup fetches an identity by ID.
func (d *MemoryDirectory) Lookup(_ context.Context, identityID string) (Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byID[identityID]
	if !ok {
		return Identity{}, fmt.Errorf("%s: %w", identityID, ErrUnknownIdentity)
	}
	return id, nil
}

// List returns all registered identities (used by the node at startup for
// logging).
func (d *MemoryDirectory) List() []Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Identity, 0, len(d.byID))
	for _, id := range d.byID {
		out = append(out, id)
	}
	return out
}
