package blob

import "sync"

// sharedMemory is the state behind one or more memory store sessions.
type sharedMemory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// MemoryStore is an in-memory Store. Sessions created from the same
// MemoryStore via Sibling share data; a write in one session is delivered to
// the others as an external change, mirroring cross-tab notification.
type MemoryStore struct {
	shared *sharedMemory
	subs   *subscribers
	peers  *peerSet
}

type peerSet struct {
	mu    sync.Mutex
	peers map[*MemoryStore]struct{}
}

// NewMemoryStore creates an empty in-memory store session.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		shared: &sharedMemory{data: map[string][]byte{}},
		subs:   newSubscribers(),
		peers:  &peerSet{peers: map[*MemoryStore]struct{}{}},
	}
	s.peers.mu.Lock()
	s.peers.peers[s] = struct{}{}
	s.peers.mu.Unlock()
	return s
}

// Sibling returns a new session over the same underlying data. Writes from
// this session notify the sibling and vice versa.
func (s *MemoryStore) Sibling() *MemoryStore {
	sib := &MemoryStore{shared: s.shared, subs: newSubscribers(), peers: s.peers}
	s.peers.mu.Lock()
	s.peers.peers[sib] = struct{}{}
	s.peers.mu.Unlock()
	return sib
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	v, ok := s.shared.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *MemoryStore) Put(key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.shared.mu.Lock()
	s.shared.data[key] = cp
	s.shared.mu.Unlock()
	s.broadcast(Event{Key: key})
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.shared.mu.Lock()
	delete(s.shared.data, key)
	s.shared.mu.Unlock()
	s.broadcast(Event{Key: key, Deleted: true})
	return nil
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	keys := make([]string, 0, len(s.shared.data))
	for k := range s.shared.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryStore) Subscribe(fn func(Event)) func() {
	return s.subs.add(fn)
}

func (s *MemoryStore) Close() error {
	s.peers.mu.Lock()
	delete(s.peers.peers, s)
	s.peers.mu.Unlock()
	return nil
}

// broadcast delivers the event to every session except the writer.
func (s *MemoryStore) broadcast(ev Event) {
	s.peers.mu.Lock()
	peers := make([]*MemoryStore, 0, len(s.peers.peers))
	for p := range s.peers.peers {
		if p != s {
			peers = append(peers, p)
		}
	}
	s.peers.mu.Unlock()
	for _, p := range peers {
		p.subs.notify(ev)
	}
}

var _ Store = (*MemoryStore)(nil)
