package records_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/client/records"
	"github.com/chirino/bookmark-sync/internal/model"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *records.Store {
	t.Helper()
	s, err := records.NewStore(blob.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bookmark(id, title, url string) *model.Bookmark {
	return &model.Bookmark{
		ID:        id,
		Title:     title,
		URL:       url,
		Tags:      []string{"dev"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub", "https://github.com")))

	got, ok, err := s.Bookmark("b-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "GitHub", got.Title)

	// Replace keeps a single entry.
	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub Home", "https://github.com")))
	all, err := s.Bookmarks()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "GitHub Home", all[0].Title)
}

func TestStore_ValidationRejected(t *testing.T) {
	s := newStore(t)

	// Short title.
	require.Error(t, s.UpsertBookmark(bookmark("b-1", "ab", "https://github.com")))
	// Non-http URL.
	require.Error(t, s.UpsertBookmark(bookmark("b-1", "GitHub", "ftp://github.com")))
	// Unknown space reference.
	b := bookmark("b-1", "GitHub", "https://github.com")
	b.SpaceID = "nope"
	require.Error(t, s.UpsertBookmark(b))

	// Nothing was persisted.
	all, err := s.Bookmarks()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestStore_PersonalSpace(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.EnsurePersonalSpace())
	sp, ok, err := s.Space(model.PersonalSpaceID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Personal", sp.Name)

	// Idempotent.
	require.NoError(t, s.EnsurePersonalSpace())
	spaces, err := s.Spaces()
	require.NoError(t, err)
	require.Len(t, spaces, 1)

	require.Error(t, s.DeleteSpace(model.PersonalSpaceID))

	// Bookmarks may reference the personal space even before it exists.
	b := bookmark("b-1", "GitHub", "https://github.com")
	b.SpaceID = model.PersonalSpaceID
	require.NoError(t, s.UpsertBookmark(b))
}

func TestStore_MutationHooks(t *testing.T) {
	s := newStore(t)

	var mutations []records.Mutation
	s.OnMutate(func(m records.Mutation) { mutations = append(mutations, m) })

	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub", "https://github.com")))
	require.NoError(t, s.DeleteBookmark("b-1"))

	require.Len(t, mutations, 2)
	require.Equal(t, "b-1", mutations[0].RecordID)
	require.False(t, mutations[0].Deleted)
	require.EqualValues(t, 0, mutations[0].BaseVersion)
	require.True(t, mutations[1].Deleted)
	require.Nil(t, mutations[1].Data)

	// Deleting an absent record fires no hook.
	require.NoError(t, s.DeleteBookmark("b-1"))
	require.Len(t, mutations, 2)
}

func TestStore_ApplyRemoteSkipsHooks(t *testing.T) {
	s := newStore(t)

	fired := 0
	s.OnMutate(func(records.Mutation) { fired++ })

	data, _ := json.Marshal(bookmark("b-1", "GitHub", "https://github.com"))
	now := time.Now().UTC()
	require.NoError(t, s.ApplyRemote(model.RecordTypeBookmark, "b-1", data, 3, now, false))
	require.Zero(t, fired)

	rec, ok, err := s.Get(model.RecordTypeBookmark, "b-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, rec.SyncVersion)
	require.Equal(t, now, rec.UpdatedAt)

	// Tombstone hard-deletes.
	require.NoError(t, s.ApplyRemote(model.RecordTypeBookmark, "b-1", nil, 4, now, true))
	_, ok, err = s.Get(model.RecordTypeBookmark, "b-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_SetSyncMetaFeedsBaseVersion(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub", "https://github.com")))
	ack := time.Now().UTC()
	require.NoError(t, s.SetSyncMeta(model.RecordTypeBookmark, "b-1", 1, ack))

	var last records.Mutation
	s.OnMutate(func(m records.Mutation) { last = m })
	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub Home", "https://github.com")))
	require.EqualValues(t, 1, last.BaseVersion)
}

func TestStore_ChecksumEmptyDataset(t *testing.T) {
	s := newStore(t)

	meta, err := s.Checksum()
	require.NoError(t, err)
	empty := sha256.Sum256([]byte("[]"))
	require.Equal(t, hex.EncodeToString(empty[:]), meta.Checksum)
	require.Zero(t, meta.Count)
	require.Nil(t, meta.LastUpdate)
}

func TestStore_ChecksumMetaRoundTrip(t *testing.T) {
	s := newStore(t)

	meta, err := s.RemoteChecksum()
	require.NoError(t, err)
	require.Nil(t, meta)

	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub", "https://github.com")))
	computed, err := s.Checksum()
	require.NoError(t, err)
	require.Equal(t, 1, computed.Count)
	require.Equal(t, 1, computed.PerTypeCounts.Bookmarks)

	require.NoError(t, s.PutRemoteChecksum(computed))
	stored, err := s.RemoteChecksum()
	require.NoError(t, err)
	require.True(t, stored.Equal(computed))
}

func TestStore_ExternalChangeInvalidatesCache(t *testing.T) {
	mem := blob.NewMemoryStore()
	s, err := records.NewStore(mem)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub", "https://github.com")))

	// A sibling session writes the same kind key; our next read must observe it.
	sib, err := records.NewStore(mem.Sibling())
	require.NoError(t, err)
	defer sib.Close()
	require.NoError(t, sib.UpsertBookmark(bookmark("b-2", "Go blog", "https://go.dev/blog")))

	all, err := s.Bookmarks()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestChecksumKeeper_Debounce(t *testing.T) {
	s := newStore(t)
	keeper := records.NewChecksumKeeper(s)
	defer keeper.Stop()
	s.OnMutate(func(records.Mutation) { keeper.Trigger() })

	require.NoError(t, s.UpsertBookmark(bookmark("b-1", "GitHub", "https://github.com")))
	keeper.Flush()

	local, err := s.LocalChecksum()
	require.NoError(t, err)
	require.NotNil(t, local)
	expected, err := s.Checksum()
	require.NoError(t, err)
	require.Equal(t, expected.Checksum, local.Checksum)
}
