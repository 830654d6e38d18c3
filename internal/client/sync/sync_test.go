package sync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chirino/bookmark-sync/internal/client/api"
	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/client/outbox"
	"github.com/chirino/bookmark-sync/internal/client/records"
	clientsync "github.com/chirino/bookmark-sync/internal/client/sync"
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

func newTestServer(t *testing.T) *httptest.Server {
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
	return srv
}

// stack is one client session wired against the test server.
type stack struct {
	blobs  *blob.MemoryStore
	store  *records.Store
	box    *outbox.Outbox
	client *api.Client
	engine *clientsync.Engine
}

func noSleep(context.Context, time.Duration) error { return nil }

func newStack(t *testing.T, baseURL, token string) *stack {
	t.Helper()
	blobs := blob.NewMemoryStore()
	store, err := records.NewStore(blobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	box := outbox.New(blobs, false)
	client := api.New(baseURL, token)
	engine := clientsync.NewEngine(client, box, clientsync.RecordsReplica{Store: store}, false,
		clientsync.WithChecksumSink(store), clientsync.WithSleep(noSleep))

	// Local mutations feed the outbox, as the orchestrator wires in production.
	store.OnMutate(func(m records.Mutation) {
		_ = box.Enqueue(outbox.Entry{
			RecordID:    m.RecordID,
			RecordType:  m.RecordType,
			Data:        m.Data,
			BaseVersion: m.BaseVersion,
			Deleted:     m.Deleted,
		})
	})
	return &stack{blobs: blobs, store: store, box: box, client: client, engine: engine}
}

func addBookmark(t *testing.T, s *stack, id, title, url string) {
	t.Helper()
	require.NoError(t, s.store.UpsertBookmark(&model.Bookmark{
		ID:        id,
		Title:     title,
		URL:       url,
		Tags:      []string{"dev"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func TestEngine_PushRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	s := newStack(t, srv.URL, "u1")

	addBookmark(t, s, "b-1", "GitHub", "https://github.com")

	out, err := s.engine.PushOnce(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, out.Pushed)
	require.Empty(t, out.Conflicts)

	// Outbox drained, server version recorded locally.
	n, err := s.box.Len()
	require.NoError(t, err)
	require.Zero(t, n)
	rec, ok, err := s.store.Get(model.RecordTypeBookmark, "b-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, rec.SyncVersion)
	require.False(t, rec.UpdatedAt.IsZero())

	// The push response checksum is now the remote authority.
	meta, err := s.store.RemoteChecksum()
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, 1, meta.Count)
}

func TestEngine_UpdateIncrementsVersion(t *testing.T) {
	srv := newTestServer(t)
	s := newStack(t, srv.URL, "u1")

	addBookmark(t, s, "b-1", "GitHub", "https://github.com")
	_, err := s.engine.PushOnce(t.Context())
	require.NoError(t, err)

	addBookmark(t, s, "b-1", "GitHub Home", "https://github.com")
	_, err = s.engine.PushOnce(t.Context())
	require.NoError(t, err)

	rec, _, err := s.store.Get(model.RecordTypeBookmark, "b-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, rec.SyncVersion)
}

func TestEngine_PullAppliesRemoteState(t *testing.T) {
	srv := newTestServer(t)
	a := newStack(t, srv.URL, "u1")
	b := newStack(t, srv.URL, "u1")

	addBookmark(t, a, "b-1", "GitHub", "https://github.com")
	addBookmark(t, a, "b-2", "Go blog", "https://go.dev/blog")
	_, err := a.engine.PushOnce(t.Context())
	require.NoError(t, err)

	applied, err := b.engine.Pull(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	got, err := b.store.Bookmarks()
	require.NoError(t, err)
	require.Len(t, got, 2)

	// A tombstone pushed by one device hard-deletes on the other.
	require.NoError(t, a.store.DeleteBookmark("b-1"))
	_, err = a.engine.PushOnce(t.Context())
	require.NoError(t, err)
	_, err = b.engine.Pull(t.Context())
	require.NoError(t, err)
	_, ok, err := b.store.Get(model.RecordTypeBookmark, "b-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_PushAllDrainsInBatches(t *testing.T) {
	srv := newTestServer(t)
	s := newStack(t, srv.URL, "u1")

	for i := 0; i < 12; i++ {
		addBookmark(t, s, "b-"+string(rune('a'+i)), "Title number ok", "https://example.com/"+string(rune('a'+i)))
	}
	small := clientsync.NewEngine(s.client, s.box, clientsync.RecordsReplica{Store: s.store}, false,
		clientsync.WithBatchSize(5), clientsync.WithSleep(noSleep))

	out, err := small.PushAll(t.Context())
	require.NoError(t, err)
	require.Equal(t, 12, out.Pushed)
	n, err := s.box.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_TransientErrorBumpsRetries(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	s := newStack(t, broken.URL, "u1")

	addBookmark(t, s, "b-1", "GitHub", "https://github.com")
	_, err := s.engine.PushOnce(t.Context())
	require.Error(t, err)
	require.True(t, api.IsTransient(err))

	entries, err := s.box.Peek(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Retries)
}

func TestOrchestrator_CheckAndSyncSkipsOnEqualChecksum(t *testing.T) {
	srv := newTestServer(t)
	a := newStack(t, srv.URL, "u1")

	addBookmark(t, a, "b-1", "GitHub", "https://github.com")
	_, err := a.engine.PushOnce(t.Context())
	require.NoError(t, err)

	orch := clientsync.NewOrchestrator(a.engine, a.client, a.store, a.blobs)
	defer orch.Stop()

	// The push already stored the authoritative checksum; nothing to pull.
	res, err := orch.CheckAndSync(t.Context())
	require.NoError(t, err)
	require.True(t, res.Skipped)

	// A second device diverges the dataset; now the pull runs.
	b := newStack(t, srv.URL, "u1")
	addBookmark(t, b, "b-2", "Go blog", "https://go.dev/blog")
	_, err = b.engine.PushOnce(t.Context())
	require.NoError(t, err)

	res, err = orch.CheckAndSync(t.Context())
	require.NoError(t, err)
	require.False(t, res.Skipped)
	all, err := a.store.Bookmarks()
	require.NoError(t, err)
	require.Len(t, all, 2)

	// And the new checksum is stored, so the next check skips again.
	res, err = orch.CheckAndSync(t.Context())
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestOrchestrator_SecondConcurrentSyncSkips(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(slow.Close)

	s := newStack(t, slow.URL, "u1")
	orch := clientsync.NewOrchestrator(s.engine, s.client, s.store, s.blobs)
	defer orch.Stop()

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		_, _ = orch.CheckAndSync(context.Background())
		close(done)
	}()
	<-started
	// Give the goroutine a moment to claim the sync slot.
	require.Eventually(t, func() bool {
		res, err := orch.Push(t.Context())
		return err == nil && res.Skipped
	}, 2*time.Second, 10*time.Millisecond)

	release <- struct{}{}
	<-done
}

func TestOrchestrator_DebouncedPush(t *testing.T) {
	srv := newTestServer(t)
	s := newStack(t, srv.URL, "u1")
	orch := clientsync.NewOrchestrator(s.engine, s.client, s.store, s.blobs,
		clientsync.WithDebounce(50*time.Millisecond))
	defer orch.Stop()
	s.store.OnMutate(func(records.Mutation) { orch.NotifyLocalChange() })

	addBookmark(t, s, "b-1", "GitHub", "https://github.com")
	addBookmark(t, s, "b-2", "Go blog", "https://go.dev/blog")

	require.Eventually(t, func() bool {
		n, err := s.box.Len()
		return err == nil && n == 0
	}, 3*time.Second, 20*time.Millisecond)

	rec, ok, err := s.store.Get(model.RecordTypeBookmark, "b-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, rec.SyncVersion)
}

func TestOrchestrator_BroadcastsSyncComplete(t *testing.T) {
	srv := newTestServer(t)
	s := newStack(t, srv.URL, "u1")
	orch := clientsync.NewOrchestrator(s.engine, s.client, s.store, s.blobs)
	defer orch.Stop()

	sibling := s.blobs.Sibling()
	notified := make(chan struct{}, 1)
	sibOrch := clientsync.NewOrchestrator(s.engine, s.client, s.store, sibling)
	unsub := sibOrch.OnSyncComplete(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	defer unsub()

	addBookmark(t, s, "b-1", "GitHub", "https://github.com")
	_, err := orch.Push(t.Context())
	require.NoError(t, err)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("sibling session never saw the completion broadcast")
	}
}

func TestOrchestrator_ResolveConflictStrategies(t *testing.T) {
	srv := newTestServer(t)
	s := newStack(t, srv.URL, "u1")
	orch := clientsync.NewOrchestrator(s.engine, s.client, s.store, s.blobs)
	defer orch.Stop()

	addBookmark(t, s, "b-1", "GitHub", "https://github.com")
	entries, err := s.box.Peek(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	conflict := registrystore.Conflict{
		RecordID:      "b-1",
		RecordType:    model.RecordTypeBookmark,
		LocalVersion:  3,
		ServerVersion: 4,
	}

	// remote-wins drops the pending local change.
	require.NoError(t, orch.ResolveConflict(t.Context(), conflict, clientsync.StrategyRemoteWins, s.box))
	n, err := s.box.Len()
	require.NoError(t, err)
	require.Zero(t, n)

	// local-wins re-enqueues against the server version.
	require.NoError(t, orch.ResolveConflict(t.Context(), conflict, clientsync.StrategyLocalWins, s.box))
	entries, err = s.box.Peek(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.EqualValues(t, 4, entries[0].BaseVersion)

	// keep-both duplicates under a fresh id and yields the original.
	require.NoError(t, orch.ResolveConflict(t.Context(), conflict, clientsync.StrategyKeepBoth, s.box))
	all, err := s.store.Bookmarks()
	require.NoError(t, err)
	require.Len(t, all, 2)
	var dup *model.Bookmark
	for i := range all {
		if all[i].ID != "b-1" {
			dup = &all[i]
		}
	}
	require.NotNil(t, dup)
	require.Equal(t, "GitHub (copy)", dup.Title)

	require.Error(t, orch.ResolveConflict(t.Context(), conflict, "shred", s.box))
}
