package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/chirino/bookmark-sync/internal/model"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return New(db, nil)
}

func bookmarkOp(id string, title string) registrystore.PushOperation {
	data, _ := json.Marshal(map[string]any{
		"id":      id,
		"url":     "https://example.com/" + id,
		"title":   title,
		"spaceId": model.PersonalSpaceID,
	})
	return registrystore.PushOperation{
		RecordID:   id,
		RecordType: model.RecordTypeBookmark,
		Data:       data,
	}
}

func TestPushRecords_NewAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	results, err := s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{bookmarkOp("b1", "First")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(1), results[0].Version)

	// Same record again bumps the version regardless of baseVersion.
	op := bookmarkOp("b1", "First edited")
	op.BaseVersion = 0
	results, err = s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{op})
	require.NoError(t, err)
	require.Equal(t, int64(2), results[0].Version)
}

func TestPushRecords_BatchTimestampsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ops := []registrystore.PushOperation{bookmarkOp("b1", "one"), bookmarkOp("b2", "two"), bookmarkOp("b3", "three")}
	results, err := s.PushRecords(ctx, "alice", false, ops)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].UpdatedAt.Before(results[1].UpdatedAt))
	require.True(t, results[1].UpdatedAt.Before(results[2].UpdatedAt))
}

func TestPushRecords_Tombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{bookmarkOp("b1", "First")})
	require.NoError(t, err)

	del := registrystore.PushOperation{RecordID: "b1", RecordType: model.RecordTypeBookmark, Deleted: true}
	results, err := s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{del})
	require.NoError(t, err)
	require.Equal(t, int64(2), results[0].Version)

	var rec model.Record
	require.NoError(t, s.DB().Where("user_id = ? AND record_id = ?", "alice", "b1").First(&rec).Error)
	require.True(t, rec.Deleted)
	require.Nil(t, rec.Data)
	require.Nil(t, rec.Ciphertext)

	count, err := s.CountRecords(ctx, "alice", false)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPushRecords_ValidatesForm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Plaintext push with ciphertext payload is rejected.
	op := registrystore.PushOperation{RecordID: "b1", RecordType: model.RecordTypeBookmark, Ciphertext: []byte{1, 2, 3}}
	_, err := s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{op})
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)

	// Unknown record type is rejected.
	op = bookmarkOp("b2", "two")
	op.RecordType = "folder"
	_, err = s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{op})
	require.ErrorAs(t, err, &verr)
}

func TestPullRecords_CursorPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ops := make([]registrystore.PushOperation, 0, 5)
	for i := 0; i < 5; i++ {
		ops = append(ops, bookmarkOp(fmt.Sprintf("b%d", i), fmt.Sprintf("title %d", i)))
	}
	_, err := s.PushRecords(ctx, "alice", false, ops)
	require.NoError(t, err)

	page, err := s.PullRecords(ctx, "alice", false, nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	seen := map[string]bool{page.Records[0].RecordID: true, page.Records[1].RecordID: true}
	cursor := page.NextCursor
	for page.HasMore {
		page, err = s.PullRecords(ctx, "alice", false, cursor, nil, 2)
		require.NoError(t, err)
		for _, r := range page.Records {
			require.False(t, seen[r.RecordID], "record %s served twice", r.RecordID)
			seen[r.RecordID] = true
		}
		cursor = page.NextCursor
	}
	require.Len(t, seen, 5)
}

func TestPullRecords_TypeFilterAndTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	spaceData, _ := json.Marshal(map[string]any{"id": "s1", "name": "Work"})
	ops := []registrystore.PushOperation{
		bookmarkOp("b1", "one"),
		{RecordID: "s1", RecordType: model.RecordTypeSpace, Data: spaceData},
	}
	_, err := s.PushRecords(ctx, "alice", false, ops)
	require.NoError(t, err)
	_, err = s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{
		{RecordID: "b1", RecordType: model.RecordTypeBookmark, Deleted: true},
	})
	require.NoError(t, err)

	rt := model.RecordTypeBookmark
	page, err := s.PullRecords(ctx, "alice", false, nil, &rt, 100)
	require.NoError(t, err)
	// Tombstones are still served so other devices can delete locally.
	require.Len(t, page.Records, 1)
	require.True(t, page.Records[0].Deleted)
	require.Empty(t, page.Records[0].Data)
}

func TestPullRecords_InvalidCursor(t *testing.T) {
	s := newTestStore(t)
	bad := "not-a-timestamp"
	_, err := s.PullRecords(context.Background(), "alice", false, &bad, nil, 10)
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestPullRecords_UserAndFormIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{bookmarkOp("b1", "one")})
	require.NoError(t, err)
	_, err = s.PushRecords(ctx, "bob", false, []registrystore.PushOperation{bookmarkOp("b2", "two")})
	require.NoError(t, err)
	_, err = s.PushRecords(ctx, "alice", true, []registrystore.PushOperation{
		{RecordID: "e1", RecordType: model.RecordTypeBookmark, Ciphertext: []byte("opaque")},
	})
	require.NoError(t, err)

	page, err := s.PullRecords(ctx, "alice", false, nil, nil, 100)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "b1", page.Records[0].RecordID)

	page, err = s.PullRecords(ctx, "alice", true, nil, nil, 100)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "e1", page.Records[0].RecordID)
}

func TestDatasetChecksum_ExcludesDeletedAndEncrypted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta, err := s.DatasetChecksum(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, meta.Count)
	empty := meta.Checksum

	_, err = s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{bookmarkOp("b1", "one")})
	require.NoError(t, err)
	_, err = s.PushRecords(ctx, "alice", true, []registrystore.PushOperation{
		{RecordID: "e1", RecordType: model.RecordTypeBookmark, Ciphertext: []byte("opaque")},
	})
	require.NoError(t, err)

	meta, err = s.DatasetChecksum(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, meta.Count)
	require.Equal(t, 1, meta.PerTypeCounts.Bookmarks)
	require.NotEqual(t, empty, meta.Checksum)

	_, err = s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{
		{RecordID: "b1", RecordType: model.RecordTypeBookmark, Deleted: true},
	})
	require.NoError(t, err)
	meta, err = s.DatasetChecksum(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, meta.Count)
	require.Equal(t, empty, meta.Checksum)
}

func TestDeleteRecordsByForm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{bookmarkOp("b1", "one"), bookmarkOp("b2", "two")})
	require.NoError(t, err)
	_, err = s.PushRecords(ctx, "alice", true, []registrystore.PushOperation{
		{RecordID: "e1", RecordType: model.RecordTypeBookmark, Ciphertext: []byte("opaque")},
	})
	require.NoError(t, err)

	n, err := s.DeleteRecordsByForm(ctx, "alice", false)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	count, err := s.CountRecords(ctx, "alice", true)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestDeleteRecordKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PushRecords(ctx, "alice", false, []registrystore.PushOperation{bookmarkOp("b1", "one"), bookmarkOp("b2", "two")})
	require.NoError(t, err)

	err = s.DeleteRecordKeys(ctx, "alice", []registrystore.RecordKey{{RecordID: "b1", RecordType: model.RecordTypeBookmark}})
	require.NoError(t, err)

	count, err := s.CountRecords(ctx, "alice", false)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestSettings_DefaultAndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.GetSettings(ctx, "alice")
	require.NoError(t, err)
	require.False(t, settings.SyncEnabled)
	require.Equal(t, model.SyncModeOff, settings.SyncMode)

	settings.SyncEnabled = true
	settings.SyncMode = model.SyncModePlaintext
	_, err = s.PutSettings(ctx, settings)
	require.NoError(t, err)

	settings, err = s.GetSettings(ctx, "alice")
	require.NoError(t, err)
	require.True(t, settings.SyncEnabled)
	require.Equal(t, model.SyncModePlaintext, settings.SyncMode)
}

func TestPutSettings_RejectsUnknownMode(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutSettings(context.Background(), &model.SyncSettings{UserID: "alice", SyncMode: "fancy"})
	var verr *registrystore.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestVault_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetVault(ctx, "alice")
	var nf *registrystore.NotFoundError
	require.ErrorAs(t, err, &nf)

	vault := &model.Vault{
		UserID:     "alice",
		WrappedKey: make([]byte, 60),
		Salt:       make([]byte, 16),
		KDFParams:  model.KDFParams{Algorithm: "PBKDF2", Iterations: 100000, SaltLength: 16, KeyLength: 256},
		Version:    1,
	}
	require.NoError(t, s.PutVault(ctx, vault))

	got, err := s.GetVault(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, 100000, got.KDFParams.Iterations)
	require.False(t, got.EnabledAt.IsZero())

	require.NoError(t, s.DeleteVault(ctx, "alice"))
	_, err = s.GetVault(ctx, "alice")
	require.ErrorAs(t, err, &nf)

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteVault(ctx, "alice"))
}
