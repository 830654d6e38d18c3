// Package blob is the client's persistence boundary: a blob-addressable
// key/value store with change notification. It stands in for browser local
// storage; the file-backed implementation gives CLI sessions durability and
// uses filesystem events as the cross-session notification channel, and the
// memory implementation lets tests model sibling sessions sharing one store.
package blob

import (
	"sync"
)

// Event reports an external change to one key: a write from another session
// (another process for the file store, a sibling for the memory store).
// Self-writes are not delivered.
type Event struct {
	Key     string
	Deleted bool
}

// Store is a blob key/value store with external-change notification.
type Store interface {
	// Get returns the value for key, or ok=false when absent.
	Get(key string) (value []byte, ok bool, err error)
	// Put stores value under key.
	Put(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Keys returns all present keys.
	Keys() ([]string, error)
	// Subscribe registers a callback for external changes. The returned
	// function unsubscribes. Callbacks run on the store's notification
	// goroutine and must not block.
	Subscribe(fn func(Event)) (unsubscribe func())
	Close() error
}

// subscribers is the shared fan-out used by both implementations.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func newSubscribers() *subscribers {
	return &subscribers{fns: map[int]func(Event){}}
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
