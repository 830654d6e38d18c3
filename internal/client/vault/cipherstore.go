package vault

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/model"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
)

const (
	cipherRecordsKey = "vault:records"
	envelopeKey      = "vault:envelope"
	backupKeyPrefix  = "vault:backup:"
)

// CipherRecord is one encrypted record as persisted locally in e2e mode:
// the iv||ciphertext||tag blob plus sync metadata.
type CipherRecord struct {
	RecordID    string           `json:"recordId"`
	RecordType  model.RecordType `json:"recordType"`
	Ciphertext  []byte           `json:"ciphertext"`
	SyncVersion int64            `json:"syncVersion"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// CipherStore holds the local ciphertext replica while the vault is enabled.
// It satisfies the sync engine's replica interface for the e2e form.
type CipherStore struct {
	blobs blob.Store
	mu    sync.Mutex
}

// NewCipherStore creates a ciphertext store over the blob store.
func NewCipherStore(blobs blob.Store) *CipherStore {
	return &CipherStore{blobs: blobs}
}

func (s *CipherStore) load() ([]CipherRecord, error) {
	raw, ok, err := s.blobs.Get(cipherRecordsKey)
	if err != nil {
		return nil, fmt.Errorf("reading encrypted records: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var recs []CipherRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("decoding encrypted records: %w", err)
	}
	return recs, nil
}

func (s *CipherStore) persist(recs []CipherRecord) error {
	raw, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(cipherRecordsKey, raw); err != nil {
		return fmt.Errorf("persisting encrypted records: %w", err)
	}
	return nil
}

// All returns every stored ciphertext record.
func (s *CipherStore) All() ([]CipherRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Count returns the number of stored ciphertext records.
func (s *CipherStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	return len(recs), err
}

// Put inserts or replaces one ciphertext record.
func (s *CipherStore) Put(rec CipherRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].RecordID == rec.RecordID && recs[i].RecordType == rec.RecordType {
			recs[i] = rec
			return s.persist(recs)
		}
	}
	return s.persist(append(recs, rec))
}

// ReplaceAll swaps the whole ciphertext set in one write.
func (s *CipherStore) ReplaceAll(recs []CipherRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist(recs)
}

// Clear removes all ciphertext records.
func (s *CipherStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs.Delete(cipherRecordsKey)
}

// ApplyRemote overwrites one record with pulled server state. Tombstones
// hard-delete.
func (s *CipherStore) ApplyRemote(rec registrystore.PullRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	if rec.Deleted {
		next := recs[:0]
		for _, r := range recs {
			if r.RecordID != rec.RecordID || r.RecordType != rec.RecordType {
				next = append(next, r)
			}
		}
		return s.persist(next)
	}
	for i := range recs {
		if recs[i].RecordID == rec.RecordID && recs[i].RecordType == rec.RecordType {
			recs[i].Ciphertext = rec.Ciphertext
			recs[i].SyncVersion = rec.Version
			recs[i].UpdatedAt = rec.UpdatedAt
			return s.persist(recs)
		}
	}
	return s.persist(append(recs, CipherRecord{
		RecordID:    rec.RecordID,
		RecordType:  rec.RecordType,
		Ciphertext:  rec.Ciphertext,
		SyncVersion: rec.Version,
		UpdatedAt:   rec.UpdatedAt,
	}))
}

// AckPush records the server-assigned version after a successful e2e push.
func (s *CipherStore) AckPush(kind model.RecordType, id string, version int64, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load()
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].RecordID == id && recs[i].RecordType == kind {
			recs[i].SyncVersion = version
			recs[i].UpdatedAt = updatedAt
			return s.persist(recs)
		}
	}
	return nil
}
