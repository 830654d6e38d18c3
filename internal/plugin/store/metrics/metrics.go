package metrics

import (
	"context"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/model"
	"github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/chirino/bookmark-sync/internal/security"
)

// Wrap returns a SyncStore that records StoreLatency for every operation.
func Wrap(inner store.SyncStore) store.SyncStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.SyncStore
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) PushRecords(ctx context.Context, userID string, encrypted bool, ops []store.PushOperation) ([]store.PushResult, error) {
	defer observe("push_records", time.Now())
	return m.inner.PushRecords(ctx, userID, encrypted, ops)
}

func (m *metricsStore) PullRecords(ctx context.Context, userID string, encrypted bool, cursor *string, recordType *model.RecordType, limit int) (*store.PullPage, error) {
	defer observe("pull_records", time.Now())
	return m.inner.PullRecords(ctx, userID, encrypted, cursor, recordType, limit)
}

func (m *metricsStore) DatasetChecksum(ctx context.Context, userID string) (*checksum.Meta, error) {
	defer observe("dataset_checksum", time.Now())
	return m.inner.DatasetChecksum(ctx, userID)
}

func (m *metricsStore) CountRecords(ctx context.Context, userID string, encrypted bool) (int64, error) {
	defer observe("count_records", time.Now())
	return m.inner.CountRecords(ctx, userID, encrypted)
}

func (m *metricsStore) DeleteRecordsByForm(ctx context.Context, userID string, encrypted bool) (int64, error) {
	defer observe("delete_records_by_form", time.Now())
	return m.inner.DeleteRecordsByForm(ctx, userID, encrypted)
}

func (m *metricsStore) DeleteRecordKeys(ctx context.Context, userID string, keys []store.RecordKey) error {
	defer observe("delete_record_keys", time.Now())
	return m.inner.DeleteRecordKeys(ctx, userID, keys)
}

func (m *metricsStore) GetSettings(ctx context.Context, userID string) (*model.SyncSettings, error) {
	defer observe("get_settings", time.Now())
	return m.inner.GetSettings(ctx, userID)
}

func (m *metricsStore) PutSettings(ctx context.Context, settings *model.SyncSettings) (*model.SyncSettings, error) {
	defer observe("put_settings", time.Now())
	return m.inner.PutSettings(ctx, settings)
}

func (m *metricsStore) GetVault(ctx context.Context, userID string) (*model.Vault, error) {
	defer observe("get_vault", time.Now())
	return m.inner.GetVault(ctx, userID)
}

func (m *metricsStore) PutVault(ctx context.Context, vault *model.Vault) error {
	defer observe("put_vault", time.Now())
	return m.inner.PutVault(ctx, vault)
}

func (m *metricsStore) DeleteVault(ctx context.Context, userID string) error {
	defer observe("delete_vault", time.Now())
	return m.inner.DeleteVault(ctx, userID)
}
