// Package outbox is the persistent queue of local mutations awaiting server
// acknowledgement. One outbox exists per sync form, each under its own blob
// key. Entries are an ordered map keyed by (recordId, recordType): enqueueing
// over an existing key replaces the payload in place, so a record never has
// more than one pending operation and the later write supersedes the earlier.
package outbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/model"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/google/uuid"
)

const (
	plaintextKey = "outbox:plaintext"
	encryptedKey = "outbox:e2e"

	// DefaultMaxRetries is how many failed push attempts an entry survives
	// before it is surfaced as failed. Failed entries stay queued until
	// drained or cleared.
	DefaultMaxRetries = 5
)

// Entry is one pending mutation. Data is set on plaintext entries, Ciphertext
// on e2e entries; tombstones carry neither.
type Entry struct {
	OpID        string           `json:"opId"`
	RecordID    string           `json:"recordId"`
	RecordType  model.RecordType `json:"recordType"`
	BaseVersion int64            `json:"baseVersion"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Ciphertext  []byte           `json:"ciphertext,omitempty"`
	Deleted     bool             `json:"deleted"`
	CreatedAt   time.Time        `json:"createdAt"`
	Retries     int              `json:"retries"`
}

// Key returns the coalescing identity of the entry.
func (e *Entry) Key() string {
	return e.RecordID + "\x00" + string(e.RecordType)
}

// Outbox is a persisted FIFO of entries for one sync form.
type Outbox struct {
	blobs      blob.Store
	key        string
	maxRetries int

	mu sync.Mutex
}

// New creates the outbox for the given form over the blob store.
func New(blobs blob.Store, encrypted bool) *Outbox {
	key := plaintextKey
	if encrypted {
		key = encryptedKey
	}
	return &Outbox{blobs: blobs, key: key, maxRetries: DefaultMaxRetries}
}

func (o *Outbox) load() ([]Entry, error) {
	raw, ok, err := o.blobs.Get(o.key)
	if err != nil {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding outbox: %w", err)
	}
	return entries, nil
}

func (o *Outbox) persist(entries []Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := o.blobs.Put(o.key, raw); err != nil {
		return fmt.Errorf("persisting outbox: %w", err)
	}
	return nil
}

// Enqueue adds an entry, coalescing with any pending entry for the same
// record. The replacement keeps the original queue position and resets the
// retry counter; a fresh opId and createdAt are assigned.
func (o *Outbox) Enqueue(e Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e.OpID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	e.Retries = 0

	entries, err := o.load()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].Key() == e.Key() {
			entries[i] = e
			return o.persist(entries)
		}
	}
	return o.persist(append(entries, e))
}

// Peek returns up to n entries from the queue head without removing them.
// n <= 0 returns everything.
func (o *Outbox) Peek(n int) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Len returns the number of pending entries.
func (o *Outbox) Len() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load()
	return len(entries), err
}

// Remove drops acknowledged entries by opId.
func (o *Outbox) Remove(opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load()
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(opIDs))
	for _, id := range opIDs {
		drop[id] = true
	}
	next := entries[:0]
	for _, e := range entries {
		if !drop[e.OpID] {
			next = append(next, e)
		}
	}
	return o.persist(next)
}

// RemoveRecords drops entries by record identity, regardless of opId. Used
// when a conflict resolution discards a pending local change.
func (o *Outbox) RemoveRecords(keys []registrystore.RecordKey) error {
	if len(keys) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load()
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k.RecordID+"\x00"+string(k.RecordType)] = true
	}
	next := entries[:0]
	for _, e := range entries {
		if !drop[e.Key()] {
			next = append(next, e)
		}
	}
	return o.persist(next)
}

// MarkRetried increments the retry counter on the named entries after a
// non-fatal push failure.
func (o *Outbox) MarkRetried(opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load()
	if err != nil {
		return err
	}
	bump := make(map[string]bool, len(opIDs))
	for _, id := range opIDs {
		bump[id] = true
	}
	for i := range entries {
		if bump[entries[i].OpID] {
			entries[i].Retries++
		}
	}
	return o.persist(entries)
}

// Failed returns entries whose retry count reached the maximum. They remain
// queued until drained or cleared.
func (o *Outbox) Failed() ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.load()
	if err != nil {
		return nil, err
	}
	var failed []Entry
	for _, e := range entries {
		if e.Retries >= o.maxRetries {
			failed = append(failed, e)
		}
	}
	return failed, nil
}

// Clear wipes the outbox.
func (o *Outbox) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.blobs.Delete(o.key)
}
