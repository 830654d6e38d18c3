package noop

import (
	"context"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.SyncCache, error) {
			return &noopSyncCache{}, nil
		},
	})
}

type noopSyncCache struct{}

func (n *noopSyncCache) Available() bool { return false }
func (n *noopSyncCache) GetChecksum(_ context.Context, _ string) (*checksum.Meta, error) {
	return nil, nil
}
func (n *noopSyncCache) SetChecksum(_ context.Context, _ string, _ *checksum.Meta, _ time.Duration) error {
	return nil
}
func (n *noopSyncCache) InvalidateChecksum(_ context.Context, _ string) error { return nil }
func (n *noopSyncCache) PublishSyncEvent(_ context.Context, _ cache.SyncEvent) error {
	return nil
}

var _ cache.SyncCache = (*noopSyncCache)(nil)
