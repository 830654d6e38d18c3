package migrate_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/bookmark-sync/internal/client/api"
	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/client/migrate"
	"github.com/chirino/bookmark-sync/internal/client/outbox"
	"github.com/chirino/bookmark-sync/internal/client/records"
	"github.com/chirino/bookmark-sync/internal/config"
	"github.com/chirino/bookmark-sync/internal/model"
	routesync "github.com/chirino/bookmark-sync/internal/plugin/route/sync"
	routevault "github.com/chirino/bookmark-sync/internal/plugin/route/vault"
	"github.com/chirino/bookmark-sync/internal/plugin/store/gormstore"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/chirino/bookmark-sync/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestServer(t *testing.T) (*httptest.Server, *gormstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormstore.AutoMigrate(db))
	store := gormstore.New(db, nil)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))

	r := gin.New()
	routesync.MountRoutes(r, store, nil, &cfg, auth)
	routevault.MountRoutes(r, store, nil, auth)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

type stack struct {
	blobs  *blob.MemoryStore
	store  *records.Store
	engine *migrate.Engine
}

func newStack(t *testing.T, baseURL string) *stack {
	t.Helper()
	blobs := blob.NewMemoryStore()
	store, err := records.NewStore(blobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	client := api.New(baseURL, "u1")
	return &stack{blobs: blobs, store: store, engine: migrate.New(client, store, blobs)}
}

func bookmarkJSON(t *testing.T, id, title, url string, createdAt time.Time) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(&model.Bookmark{
		ID: id, Title: title, URL: url, CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return raw
}

// seedRemote writes plaintext bookmarks straight into the server datastore.
func seedRemote(t *testing.T, gs *gormstore.Store, payloads ...json.RawMessage) {
	t.Helper()
	var ops []registrystore.PushOperation
	for _, raw := range payloads {
		var b model.Bookmark
		require.NoError(t, json.Unmarshal(raw, &b))
		ops = append(ops, registrystore.PushOperation{
			RecordID:   b.ID,
			RecordType: model.RecordTypeBookmark,
			Data:       raw,
		})
	}
	_, err := gs.PushRecords(t.Context(), "u1", false, ops)
	require.NoError(t, err)
}

func addLocalBookmark(t *testing.T, s *stack, id, title, url string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, s.store.UpsertBookmark(&model.Bookmark{
		ID: id, Title: title, URL: url, CreatedAt: createdAt,
	}))
}

func pendingIDs(t *testing.T, s *stack) []string {
	t.Helper()
	box := outbox.New(s.blobs, false)
	entries, err := box.Peek(0)
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.RecordID)
	}
	return ids
}

func TestCheck_BothEmptyIsNoop(t *testing.T) {
	srv, _ := newTestServer(t)
	s := newStack(t, srv.URL)

	res, err := s.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeNoop, res.Outcome)

	// The check is one-shot.
	res, err = s.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeSkipped, res.Outcome)
}

func TestCheck_EmptyLocalAdoptsRemote(t *testing.T) {
	srv, gs := newTestServer(t)
	s := newStack(t, srv.URL)
	seedRemote(t, gs,
		bookmarkJSON(t, "r1", "Remote one", "https://one.example.com", time.Now().UTC()),
		bookmarkJSON(t, "r2", "Remote two", "https://two.example.com", time.Now().UTC()),
	)

	res, err := s.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeAppliedRemote, res.Outcome)

	books, err := s.store.Bookmarks()
	require.NoError(t, err)
	require.Len(t, books, 2)
	// Adopted records carry server versions, not pending pushes.
	require.Empty(t, pendingIDs(t, s))
}

func TestCheck_EmptyRemoteQueuesLocal(t *testing.T) {
	srv, _ := newTestServer(t)
	s := newStack(t, srv.URL)
	addLocalBookmark(t, s, "l1", "Local one", "https://one.example.com", time.Now().UTC())
	addLocalBookmark(t, s, "l2", "Local two", "https://two.example.com", time.Now().UTC())

	res, err := s.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeQueuedLocal, res.Outcome)
	require.Equal(t, 2, res.Local)
	require.ElementsMatch(t, []string{"l1", "l2"}, pendingIDs(t, s))
}

func TestCheck_SkipsWhenVaultEnabled(t *testing.T) {
	srv, gs := newTestServer(t)
	s := newStack(t, srv.URL)
	require.NoError(t, gs.PutVault(t.Context(), &model.Vault{
		UserID:     "u1",
		WrappedKey: make([]byte, 60),
		Salt:       make([]byte, 16),
		Version:    1,
	}))

	res, err := s.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeSkipped, res.Outcome)

	// Skipping for the vault does not burn the one-shot flag.
	checked, err := s.engine.Checked()
	require.NoError(t, err)
	require.False(t, checked)
}

func TestCheck_BothPopulatedIsConflict(t *testing.T) {
	srv, gs := newTestServer(t)
	s := newStack(t, srv.URL)
	seedRemote(t, gs, bookmarkJSON(t, "r1", "Remote one", "https://one.example.com", time.Now().UTC()))
	addLocalBookmark(t, s, "l1", "Local one", "https://two.example.com", time.Now().UTC())

	res, err := s.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeConflict, res.Outcome)
	require.Equal(t, 1, res.Local)
	require.Len(t, res.Remote, 1)

	// Unresolved conflicts keep the check re-runnable.
	checked, err := s.engine.Checked()
	require.NoError(t, err)
	require.False(t, checked)
}

func TestResolve_MergeDedupesByNormalizedURL(t *testing.T) {
	srv, gs := newTestServer(t)
	s := newStack(t, srv.URL)

	// Same page in both datasets once the URL is normalized; the cloud copy
	// is newer and wins. Each side also holds one unique bookmark.
	seedRemote(t, gs,
		bookmarkJSON(t, "r1", "Example cloud", "https://example.com",
			time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)),
		bookmarkJSON(t, "r2", "Cloud only", "https://cloud.example.com", time.Now().UTC()),
	)
	addLocalBookmark(t, s, "l1", "Example local", "https://www.example.com/",
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	addLocalBookmark(t, s, "l2", "Local only", "https://local.example.com", time.Now().UTC())

	res, err := s.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeConflict, res.Outcome)
	require.NoError(t, s.engine.Resolve(t.Context(), res.Remote, migrate.StrategyMerge))

	books, err := s.store.Bookmarks()
	require.NoError(t, err)
	require.Len(t, books, 3)
	byID := map[string]model.Bookmark{}
	for _, b := range books {
		byID[b.ID] = b
	}
	require.NotContains(t, byID, "l1")
	require.Equal(t, "Example cloud", byID["r1"].Title)
	require.Contains(t, byID, "l2")
	require.Contains(t, byID, "r2")

	// The whole merged dataset is queued for push and the flag is set.
	require.ElementsMatch(t, []string{"r1", "r2", "l2"}, pendingIDs(t, s))
	checked, err := s.engine.Checked()
	require.NoError(t, err)
	require.True(t, checked)
}

func TestResolve_LocalAndCloudWins(t *testing.T) {
	srv, gs := newTestServer(t)
	s := newStack(t, srv.URL)
	seedRemote(t, gs, bookmarkJSON(t, "r1", "Remote one", "https://one.example.com", time.Now().UTC()))
	addLocalBookmark(t, s, "l1", "Local one", "https://two.example.com", time.Now().UTC())

	res, err := s.engine.Check(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.engine.Resolve(t.Context(), res.Remote, migrate.StrategyLocalWins))

	books, err := s.store.Bookmarks()
	require.NoError(t, err)
	require.Len(t, books, 1)
	require.Equal(t, "l1", books[0].ID)

	// Cloud-wins on a fresh session against the same server.
	s2 := newStack(t, srv.URL)
	addLocalBookmark(t, s2, "l9", "Other local", "https://nine.example.com", time.Now().UTC())
	res2, err := s2.engine.Check(t.Context())
	require.NoError(t, err)
	require.Equal(t, migrate.OutcomeConflict, res2.Outcome)
	require.NoError(t, s2.engine.Resolve(t.Context(), res2.Remote, migrate.StrategyCloudWins))

	books2, err := s2.store.Bookmarks()
	require.NoError(t, err)
	require.Len(t, books2, 1)
	require.Equal(t, "r1", books2[0].ID)

	checked, err := s2.engine.Checked()
	require.NoError(t, err)
	require.True(t, checked)
}

func TestResolve_UnknownStrategy(t *testing.T) {
	srv, _ := newTestServer(t)
	s := newStack(t, srv.URL)
	require.Error(t, s.engine.Resolve(t.Context(), nil, migrate.Strategy("coin-flip")))
}
