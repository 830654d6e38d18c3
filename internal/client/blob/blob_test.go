package blob

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()

	_, ok, err := s.Get("records:bookmark")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put("records:bookmark", []byte(`{"version":1}`)))
	v, ok, err := s.Get("records:bookmark")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"version":1}`), v)

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"records:bookmark"}, keys)

	require.NoError(t, s.Delete("records:bookmark"))
	_, ok, err = s.Get("records:bookmark")
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent key is fine.
	require.NoError(t, s.Delete("records:bookmark"))
}

func TestMemoryStore_DefensiveCopies(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Put("k", buf))
	buf[0] = 'x'

	v, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), v)

	v[0] = 'y'
	v2, _, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), v2)
}

func TestMemoryStore_SiblingNotification(t *testing.T) {
	a := NewMemoryStore()
	b := a.Sibling()

	var mu sync.Mutex
	var aEvents, bEvents []Event
	a.Subscribe(func(ev Event) {
		mu.Lock()
		aEvents = append(aEvents, ev)
		mu.Unlock()
	})
	b.Subscribe(func(ev Event) {
		mu.Lock()
		bEvents = append(bEvents, ev)
		mu.Unlock()
	})

	require.NoError(t, a.Put("k", []byte("v")))

	mu.Lock()
	defer mu.Unlock()
	// The writer never sees its own change; the sibling does.
	require.Empty(t, aEvents)
	require.Len(t, bEvents, 1)
	require.Equal(t, "k", bEvents[0].Key)
	require.False(t, bEvents[0].Deleted)

	// Sibling reads the shared data.
	v, ok, err := b.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestFileStore_RoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("records:bookmark", []byte("data")))
	v, ok, err := s.Get("records:bookmark")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("data"), v)

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"records:bookmark"}, keys)

	require.NoError(t, s.Delete("records:bookmark"))
	_, ok, err = s.Get("records:bookmark")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileStore_ExternalChangeNotifies(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewFileStore(dir)
	require.NoError(t, err)
	defer b.Close()

	events := make(chan Event, 8)
	a.Subscribe(func(ev Event) { events <- ev })

	// b's write is external from a's point of view.
	require.NoError(t, b.Put("outbox:plaintext", []byte("[]")))

	select {
	case ev := <-events:
		require.Equal(t, "outbox:plaintext", ev.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for external change event")
	}
}

func TestFileStore_SelfWritesSuppressed(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	events := make(chan Event, 8)
	s.Subscribe(func(ev Event) { events <- ev })

	require.NoError(t, s.Put("k", []byte("v")))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for self write: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
