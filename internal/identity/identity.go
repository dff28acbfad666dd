// Package identity manages the opaque device identifier sent with every
// payload.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MetaKey is the meta table key holding the identifier.
const MetaKey = "device_id"

// MetaStore persists small string values. *store.Store implements it.
type MetaStore interface {
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Manager loads, generates and overrides the identifier. The value is
// cached after the first successful load.
type Manager struct {
	store    MetaStore
	generate bool

	mu     sync.Mutex
	loaded bool
	id     string
}

// New creates a Manager. With generate set, a missing identifier is
// replaced by a fresh UUIDv7 on first use.
func New(store MetaStore, generate bool) *Manager {
	return &Manager{store: store, generate: generate}
}

// Get returns the identifier, loading or generating it on first call.
// An empty result means payloads carry no device_id.
func (m *Manager) Get(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return m.id, nil
	}

	id, ok, err := m.store.Meta(ctx, MetaKey)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	if !ok && m.generate {
		u, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate device id: %w", err)
		}
		id = u.String()
		if err := m.store.SetMeta(ctx, MetaKey, id); err != nil {
			return "", fmt.Errorf("persist device id: %w", err)
		}
	}

	m.id = id
	m.loaded = true
	return m.id, nil
}

// Set overrides and persists the identifier. Empty clears it, and
// clearing also stops lazy generation from replacing it.
func (m *Manager) Set(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetMeta(ctx, MetaKey, id); err != nil {
		return fmt.Errorf("persist device id: %w", err)
	}
	m.id = id
	m.loaded = true
	return nil
}
