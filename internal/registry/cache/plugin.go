// Package cache defines the optional server-side sync cache: per-user
// checksum-meta caching plus cross-device sync-event publication.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
)

// SyncEvent is published when a user's dataset changes so other devices of
// the same user can refresh without polling.
type SyncEvent struct {
	UserID string    `json:"userId"`
	Kind   string    `json:"kind"` // "push", "vault-enable", "vault-disable"
	At     time.Time `json:"at"`
}

// SyncCache caches per-user checksum metas and fans out sync events.
type SyncCache interface {
	Available() bool
	GetChecksum(ctx context.Context, userID string) (*checksum.Meta, error)
	SetChecksum(ctx context.Context, userID string, meta *checksum.Meta, ttl time.Duration) error
	InvalidateChecksum(ctx context.Context, userID string) error
	PublishSyncEvent(ctx context.Context, event SyncEvent) error
}

type syncCacheKey struct{}

// WithContext returns a new context carrying the given SyncCache.
func WithContext(ctx context.Context, c SyncCache) context.Context {
	return context.WithValue(ctx, syncCacheKey{}, c)
}

// FromContext retrieves the SyncCache from the context. Returns nil if none
// was set.
func FromContext(ctx context.Context) SyncCache {
	c, _ := ctx.Value(syncCacheKey{}).(SyncCache)
	return c
}

// Loader creates a cache from config carried in the context.
type Loader func(ctx context.Context) (SyncCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
