// Package records owns the authoritative local copy of the signed-in user's
// records. It persists each record kind under its own blob key, keeps a
// read-through cache invalidated by cross-session change events, and reports
// every local mutation to registered hooks so the outbox and the checksum
// keeper stay current.
package records

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/model"
	"github.com/dgraph-io/ristretto/v2"
)

// storageSchemaVersion is the version field written into each record-kind blob.
const storageSchemaVersion = 1

const (
	keyPrefix         = "records:"
	localChecksumKey  = "checksum:local"
	remoteChecksumKey = "checksum:remote"
)

func keyForKind(kind model.RecordType) string {
	return keyPrefix + string(kind)
}

// StoredRecord is one record as persisted locally: the payload plus the last
// server-acknowledged sync metadata.
type StoredRecord struct {
	RecordID    string          `json:"recordId"`
	SyncVersion int64           `json:"syncVersion"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Data        json.RawMessage `json:"data"`
}

// storedSet is the blob value for one record kind.
type storedSet struct {
	Version int            `json:"version"`
	Data    []StoredRecord `json:"data"`
}

// Mutation describes one local change, delivered to mutation hooks after the
// write has been persisted.
type Mutation struct {
	RecordType  model.RecordType
	RecordID    string
	Data        json.RawMessage // nil when Deleted
	BaseVersion int64
	Deleted     bool
}

// Store is the client-side record store.
type Store struct {
	blobs blob.Store
	cache *ristretto.Cache[string, []StoredRecord]

	mu    sync.Mutex
	hooks []func(Mutation)

	unsubscribe func()
}

// NewStore creates a record store over the given blob store and wires cache
// invalidation to its external-change events.
func NewStore(blobs blob.Store) (*Store, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []StoredRecord]{
		NumCounters: 1 << 10,
		MaxCost:     1 << 6,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating record cache: %w", err)
	}
	s := &Store{blobs: blobs, cache: cache}
	s.unsubscribe = blobs.Subscribe(func(ev blob.Event) {
		if strings.HasPrefix(ev.Key, keyPrefix) {
			cache.Del(ev.Key)
		}
	})
	return s, nil
}

// Close releases the cache and the change subscription. The underlying blob
// store is not closed; the caller owns it.
func (s *Store) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cache.Close()
	return nil
}

// OnMutate registers a hook invoked after every persisted local mutation.
// Hooks run synchronously on the mutating goroutine.
func (s *Store) OnMutate(fn func(Mutation)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Store) fireMutation(m Mutation) {
	s.mu.Lock()
	hooks := make([]func(Mutation), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(m)
	}
}

// load returns the record set for kind, reading through the cache.
func (s *Store) load(kind model.RecordType) ([]StoredRecord, error) {
	key := keyForKind(kind)
	if set, ok := s.cache.Get(key); ok {
		return set, nil
	}
	raw, ok, err := s.blobs.Get(key)
	if err != nil {
		return nil, fmt.Errorf("reading %s records: %w", kind, err)
	}
	if !ok {
		return nil, nil
	}
	var set storedSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decoding %s records: %w", kind, err)
	}
	s.cache.Set(key, set.Data, 1)
	s.cache.Wait()
	return set.Data, nil
}

// persist writes the set to the blob store and only then refreshes the cache,
// so a failed write leaves the cache unchanged.
func (s *Store) persist(kind model.RecordType, set []StoredRecord) error {
	raw, err := json.Marshal(storedSet{Version: storageSchemaVersion, Data: set})
	if err != nil {
		return err
	}
	key := keyForKind(kind)
	if err := s.blobs.Put(key, raw); err != nil {
		return fmt.Errorf("persisting %s records: %w", kind, err)
	}
	// Wait flushes the set buffer so a cross-session invalidation arriving
	// later cannot be overtaken by this entry.
	s.cache.Set(key, set, 1)
	s.cache.Wait()
	return nil
}

// All returns a defensive copy of every stored record of the given kind, in
// insertion order.
func (s *Store) All(kind model.RecordType) ([]StoredRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(kind)
	if err != nil {
		return nil, err
	}
	return copySet(set), nil
}

// Get returns the stored record with the given id, if present.
func (s *Store) Get(kind model.RecordType, id string) (*StoredRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(kind)
	if err != nil {
		return nil, false, err
	}
	for i := range set {
		if set[i].RecordID == id {
			rec := copyRecord(set[i])
			return &rec, true, nil
		}
	}
	return nil, false, nil
}

// Count returns the total number of stored records across all kinds.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, kind := range model.RecordTypes() {
		set, err := s.load(kind)
		if err != nil {
			return 0, err
		}
		total += len(set)
	}
	return total, nil
}

// Upsert inserts or replaces a record of the given kind and notifies mutation
// hooks. The record's sync metadata is preserved across local edits; the
// server assigns new versions on push.
func (s *Store) Upsert(kind model.RecordType, id string, data json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown record type %q", kind)
	}
	s.mu.Lock()
	set, err := s.load(kind)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var baseVersion int64
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	replaced := false
	next := copySet(set)
	for i := range next {
		if next[i].RecordID == id {
			baseVersion = next[i].SyncVersion
			next[i].Data = cp
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, StoredRecord{RecordID: id, Data: cp})
	}
	if err := s.persist(kind, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.fireMutation(Mutation{RecordType: kind, RecordID: id, Data: cp, BaseVersion: baseVersion})
	return nil
}

// Delete removes a record locally and notifies hooks with a tombstone
// mutation so the deletion propagates through the outbox. Deleting an absent
// record is a no-op.
func (s *Store) Delete(kind model.RecordType, id string) error {
	if kind == model.RecordTypeSpace && id == model.PersonalSpaceID {
		return fmt.Errorf("the personal space cannot be deleted")
	}
	s.mu.Lock()
	set, err := s.load(kind)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var baseVersion int64
	found := false
	next := make([]StoredRecord, 0, len(set))
	for i := range set {
		if set[i].RecordID == id {
			baseVersion = set[i].SyncVersion
			found = true
			continue
		}
		next = append(next, copyRecord(set[i]))
	}
	if !found {
		s.mu.Unlock()
		return nil
	}
	if err := s.persist(kind, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.fireMutation(Mutation{RecordType: kind, RecordID: id, BaseVersion: baseVersion, Deleted: true})
	return nil
}

// ApplyRemote overwrites a record with server state during pull. Tombstones
// hard-delete the local copy. No mutation hooks fire; remote applies must not
// re-enter the outbox.
func (s *Store) ApplyRemote(kind model.RecordType, id string, data json.RawMessage, version int64, updatedAt time.Time, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(kind)
	if err != nil {
		return err
	}
	if deleted {
		next := make([]StoredRecord, 0, len(set))
		changed := false
		for i := range set {
			if set[i].RecordID == id {
				changed = true
				continue
			}
			next = append(next, copyRecord(set[i]))
		}
		if !changed {
			return nil
		}
		return s.persist(kind, next)
	}

	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	next := copySet(set)
	for i := range next {
		if next[i].RecordID == id {
			next[i].Data = cp
			next[i].SyncVersion = version
			next[i].UpdatedAt = updatedAt
			return s.persist(kind, next)
		}
	}
	next = append(next, StoredRecord{RecordID: id, Data: cp, SyncVersion: version, UpdatedAt: updatedAt})
	return s.persist(kind, next)
}

// ClearAll removes every record kind's blob key. No mutation hooks fire; this
// is the vault transition path, not a user deletion.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range model.RecordTypes() {
		key := keyForKind(kind)
		if err := s.blobs.Delete(key); err != nil {
			return fmt.Errorf("clearing %s records: %w", kind, err)
		}
		s.cache.Del(key)
	}
	return nil
}

// SetSyncMeta records the server-acknowledged version and timestamp after a
// successful push. Missing records are ignored; they may have been deleted
// while the push was in flight.
func (s *Store) SetSyncMeta(kind model.RecordType, id string, version int64, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.load(kind)
	if err != nil {
		return err
	}
	for i := range set {
		if set[i].RecordID == id {
			next := copySet(set)
			next[i].SyncVersion = version
			next[i].UpdatedAt = updatedAt
			return s.persist(kind, next)
		}
	}
	return nil
}

// Checksum computes the dataset checksum over all local records using the
// canonical serialization shared with the server.
func (s *Store) Checksum() (*checksum.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []checksum.Item
	for _, kind := range model.RecordTypes() {
		set, err := s.load(kind)
		if err != nil {
			return nil, err
		}
		for i := range set {
			items = append(items, checksum.Item{
				RecordID:   set[i].RecordID,
				RecordType: kind,
				Data:       set[i].Data,
				Version:    set[i].SyncVersion,
				UpdatedAt:  set[i].UpdatedAt,
			})
		}
	}
	return checksum.Compute(items)
}

// LocalChecksum returns the last debounced local checksum meta, or nil when
// none has been written yet.
func (s *Store) LocalChecksum() (*checksum.Meta, error) {
	return s.readMeta(localChecksumKey)
}

// PutLocalChecksum persists the local checksum meta.
func (s *Store) PutLocalChecksum(meta *checksum.Meta) error {
	return s.writeMeta(localChecksumKey, meta)
}

// RemoteChecksum returns the last server-authoritative checksum meta recorded
// by a push or pull, or nil when none has been written yet.
func (s *Store) RemoteChecksum() (*checksum.Meta, error) {
	return s.readMeta(remoteChecksumKey)
}

// PutRemoteChecksum persists the server-authoritative checksum meta.
func (s *Store) PutRemoteChecksum(meta *checksum.Meta) error {
	return s.writeMeta(remoteChecksumKey, meta)
}

func (s *Store) readMeta(key string) (*checksum.Meta, error) {
	raw, ok, err := s.blobs.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	var meta checksum.Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decoding checksum meta %q: %w", key, err)
	}
	return &meta, nil
}

func (s *Store) writeMeta(key string, meta *checksum.Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.blobs.Put(key, raw)
}

func copySet(set []StoredRecord) []StoredRecord {
	out := make([]StoredRecord, len(set))
	for i := range set {
		out[i] = copyRecord(set[i])
	}
	return out
}

func copyRecord(rec StoredRecord) StoredRecord {
	cp := rec
	cp.Data = make(json.RawMessage, len(rec.Data))
	copy(cp.Data, rec.Data)
	return cp
}
