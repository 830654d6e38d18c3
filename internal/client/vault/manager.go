// Package vault implements the client side of end-to-end encryption: the
// enable and disable two-phase commits, passphrase and recovery-code unlock,
// and the local ciphertext replica used while the vault is on. The data key
// lives only in volatile memory; the server never sees it.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/client/api"
	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/client/outbox"
	"github.com/chirino/bookmark-sync/internal/client/records"
	clientsync "github.com/chirino/bookmark-sync/internal/client/sync"
	"github.com/chirino/bookmark-sync/internal/model"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/chirino/bookmark-sync/internal/vaultcrypto"
	"github.com/google/uuid"
)

const (
	verifyAttempts = 5
	verifyTimeout  = 30 * time.Second
)

// RollbackError reports a failed disable whose rollback also failed. The
// backup checkpoint is preserved; the id lets the user recover manually.
type RollbackError struct {
	BackupID string
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("vault disable rollback failed, backup %s preserved: %v", e.BackupID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Manager orchestrates the vault flows for one signed-in user.
type Manager struct {
	client *api.Client
	store  *records.Store
	cstore *CipherStore
	blobs  blob.Store

	plainBox *outbox.Outbox
	e2eBox   *outbox.Outbox

	sleep      func(ctx context.Context, d time.Duration) error
	engineOpts []clientsync.Option
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSleep replaces the retry sleeper used between verification attempts,
// and is forwarded to the engines the manager builds.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) {
		m.sleep = fn
		m.engineOpts = append(m.engineOpts, clientsync.WithSleep(fn))
	}
}

// NewManager creates a vault manager over the client stores.
func NewManager(client *api.Client, store *records.Store, cstore *CipherStore, blobs blob.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:   client,
		store:    store,
		cstore:   cstore,
		blobs:    blobs,
		plainBox: outbox.New(blobs, false),
		e2eBox:   outbox.New(blobs, true),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether the server holds an envelope for the user.
func (m *Manager) Enabled(ctx context.Context) (bool, error) {
	status, err := m.client.GetVault(ctx)
	if err != nil {
		return false, err
	}
	return status.Enabled, nil
}

// EnableResult reports a completed enable.
type EnableResult struct {
	RecoveryCodes []string
	Encrypted     int
}

// Enable converts the dataset from plaintext to e2e. Phase 1 encrypts
// everything locally and is fully reversible; phase 2 uploads the envelope
// and ciphertext, flips the sync mode, and only then clears local plaintext.
// Any phase 2 failure before the mode flip restores the previous settings and
// leaves plaintext data intact.
func (m *Manager) Enable(ctx context.Context, passphrase string, recoveryCodeCount int) (*EnableResult, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("a passphrase is required")
	}

	// Phase 1: stale state from an earlier aborted enable must not survive.
	if err := m.cstore.Clear(); err != nil {
		return nil, err
	}
	if err := m.e2eBox.Clear(); err != nil {
		return nil, err
	}
	if err := m.blobs.Delete(envelopeKey); err != nil {
		return nil, err
	}

	dataKey, err := vaultcrypto.GenerateDataKey()
	if err != nil {
		return nil, err
	}
	codes, err := vaultcrypto.GenerateRecoveryCodes(recoveryCodeCount)
	if err != nil {
		return nil, err
	}
	env, err := vaultcrypto.NewEnvelope(passphrase, dataKey, codes)
	if err != nil {
		return nil, err
	}

	var cipherRecs []CipherRecord
	for _, kind := range model.RecordTypes() {
		set, err := m.store.All(kind)
		if err != nil {
			return nil, err
		}
		for i := range set {
			sealed, err := vaultcrypto.SealRecord(set[i].Data, dataKey)
			if err != nil {
				return nil, fmt.Errorf("encrypting %s %q: %w", kind, set[i].RecordID, err)
			}
			ct, err := sealed.Blob()
			if err != nil {
				return nil, err
			}
			cipherRecs = append(cipherRecs, CipherRecord{
				RecordID:    set[i].RecordID,
				RecordType:  kind,
				Ciphertext:  ct,
				SyncVersion: set[i].SyncVersion,
				UpdatedAt:   set[i].UpdatedAt,
			})
		}
	}

	// Sanity check: one freshly encrypted record must decrypt and parse
	// before anything is uploaded.
	if len(cipherRecs) > 0 {
		cr, err := vaultcrypto.CipherRecordFromBlob(cipherRecs[0].Ciphertext)
		if err != nil {
			return nil, err
		}
		plain, err := cr.OpenRecord(dataKey)
		if err != nil || !json.Valid(plain) {
			return nil, fmt.Errorf("encryption sanity check failed: %w", err)
		}
	}

	// Phase 2: server-coordinated.
	prev, err := m.client.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	upload, err := uploadFromEnvelope(env, true)
	if err != nil {
		return nil, err
	}
	if err := m.client.EnableVault(ctx, upload); err != nil {
		return nil, err
	}
	// Stale ciphertext from an earlier enable must not survive the re-key.
	if err := m.client.DisableVault(ctx, "delete-encrypted"); err != nil {
		return nil, fmt.Errorf("clearing prior encrypted records: %w", err)
	}

	if err := m.cstore.ReplaceAll(cipherRecs); err != nil {
		return nil, err
	}
	for _, rec := range cipherRecs {
		err := m.e2eBox.Enqueue(outbox.Entry{
			RecordID:    rec.RecordID,
			RecordType:  rec.RecordType,
			Ciphertext:  rec.Ciphertext,
			BaseVersion: rec.SyncVersion,
		})
		if err != nil {
			return nil, err
		}
	}
	engine := clientsync.NewEngine(m.client, m.e2eBox, m.cstore, true, m.engineOpts...)
	_, pushErr := engine.PushAll(ctx)
	pending, lenErr := m.e2eBox.Len()
	if pushErr != nil || lenErr != nil || pending > 0 {
		// Abort: restore the previous mode, drop the half-built ciphertext
		// state, keep plaintext untouched.
		if _, err := m.client.PutSettings(ctx, prev.SyncEnabled, prev.SyncMode); err != nil {
			log.Warn("Failed to restore sync settings after aborted enable", "err", err)
		}
		_ = m.cstore.Clear()
		_ = m.e2eBox.Clear()
		if pushErr != nil {
			return nil, fmt.Errorf("uploading encrypted records: %w", pushErr)
		}
		if lenErr != nil {
			return nil, lenErr
		}
		return nil, fmt.Errorf("%d encrypted records were not acknowledged", pending)
	}

	if _, err := m.client.PutSettings(ctx, true, model.SyncModeE2E); err != nil {
		return nil, err
	}
	if err := m.putLocalEnvelope(env); err != nil {
		return nil, err
	}

	// Plaintext goes away only after every upload is acknowledged.
	if err := m.client.DisableVault(ctx, "delete-plaintext"); err != nil {
		return nil, fmt.Errorf("removing server plaintext rows: %w", err)
	}
	if err := m.store.ClearAll(); err != nil {
		return nil, err
	}
	if err := m.plainBox.Clear(); err != nil {
		return nil, err
	}
	return &EnableResult{RecoveryCodes: codes, Encrypted: len(cipherRecs)}, nil
}

// DisableResult reports a completed or rolled-back disable.
type DisableResult struct {
	RolledBack bool
	BackupID   string
	Decrypted  int
}

// Disable converts the dataset from e2e back to plaintext. Phase 1 decrypts
// and uploads plaintext behind a backup checkpoint and verifies the server
// count; any phase 1 failure rolls back to the checkpoint. Phase 2 deletes
// the server ciphertext and envelope and swaps the local stores.
func (m *Manager) Disable(ctx context.Context, passphrase string) (*DisableResult, error) {
	// Server-side gate: the envelope must exist before phase 1 starts.
	if err := m.client.DisableVault(ctx, "verify"); err != nil {
		return nil, err
	}
	env, err := m.fetchEnvelope(ctx)
	if err != nil {
		return nil, err
	}
	dataKey, err := env.Unlock(passphrase)
	if err != nil {
		return nil, err
	}

	recs, err := m.cstore.All()
	if err != nil {
		return nil, err
	}

	// Backup checkpoint: from here until phase 2 completes, either the
	// server or this blob holds the canonical dataset.
	backupID := uuid.NewString()
	if err := m.writeBackup(backupID, recs, env); err != nil {
		return nil, err
	}

	type plainRecord struct {
		key  registrystore.RecordKey
		data json.RawMessage
		base int64
	}
	plain := make([]plainRecord, 0, len(recs))
	keys := make([]registrystore.RecordKey, 0, len(recs))
	for _, rec := range recs {
		cr, err := vaultcrypto.CipherRecordFromBlob(rec.Ciphertext)
		if err != nil {
			return m.rollback(ctx, backupID, nil, fmt.Errorf("corrupt ciphertext for %s: %w", rec.RecordID, err))
		}
		data, err := cr.OpenRecord(dataKey)
		if err != nil {
			return m.rollback(ctx, backupID, nil, fmt.Errorf("decrypting %s: %w", rec.RecordID, err))
		}
		key := registrystore.RecordKey{RecordID: rec.RecordID, RecordType: rec.RecordType}
		plain = append(plain, plainRecord{key: key, data: data, base: rec.SyncVersion})
		keys = append(keys, key)
	}

	if err := m.plainBox.Clear(); err != nil {
		return nil, err
	}
	for _, p := range plain {
		err := m.plainBox.Enqueue(outbox.Entry{
			RecordID:    p.key.RecordID,
			RecordType:  p.key.RecordType,
			Data:        p.data,
			BaseVersion: p.base,
		})
		if err != nil {
			return nil, err
		}
	}
	engine := clientsync.NewEngine(m.client, m.plainBox, clientsync.RecordsReplica{Store: m.store}, false,
		append(m.engineOpts, clientsync.WithChecksumSink(m.store))...)
	_, pushErr := engine.PushAll(ctx)
	pending, lenErr := m.plainBox.Len()
	if pushErr != nil || lenErr != nil || pending > 0 {
		cause := pushErr
		if cause == nil {
			cause = lenErr
		}
		if cause == nil {
			cause = fmt.Errorf("%d plaintext records were not acknowledged", pending)
		}
		return m.rollback(ctx, backupID, keys, cause)
	}

	verified, err := m.verifyPlaintextCount(ctx, int64(len(recs)))
	if err != nil {
		return m.rollback(ctx, backupID, keys, err)
	}
	if !verified {
		return m.rollback(ctx, backupID, keys, fmt.Errorf("server plaintext count does not match %d", len(recs)))
	}

	// Phase 2: irreversible.
	if err := m.client.DisableVault(ctx, "delete-encrypted"); err != nil {
		return nil, err
	}
	if err := m.client.DisableVault(ctx, "delete-vault"); err != nil {
		return nil, err
	}
	if err := m.cstore.Clear(); err != nil {
		return nil, err
	}
	if err := m.e2eBox.Clear(); err != nil {
		return nil, err
	}
	if err := m.blobs.Delete(envelopeKey); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, p := range plain {
		if err := m.store.ApplyRemote(p.key.RecordType, p.key.RecordID, p.data, p.base, now, false); err != nil {
			return nil, err
		}
	}
	// Hydrate the authoritative versions assigned during the push.
	if _, err := engine.Pull(ctx); err != nil {
		log.Warn("Post-disable pull failed; versions refresh on next sync", "err", err)
	}
	if _, err := m.client.PutSettings(ctx, true, model.SyncModePlaintext); err != nil {
		return nil, err
	}
	if err := m.blobs.Delete(backupKeyPrefix + backupID); err != nil {
		log.Warn("Failed to delete disable backup", "backupId", backupID, "err", err)
	}
	return &DisableResult{Decrypted: len(recs), BackupID: backupID}, nil
}

func (m *Manager) verifyPlaintextCount(ctx context.Context, expected int64) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		res, err := m.client.VerifyPlaintext(vctx, expected)
		cancel()
		if err == nil {
			return res.Verified, nil
		}
		lastErr = err
		if !api.IsTransient(err) {
			return false, err
		}
		if sleepErr := m.sleep(ctx, time.Second); sleepErr != nil {
			return false, sleepErr
		}
	}
	return false, fmt.Errorf("verification failed after %d attempts: %w", verifyAttempts, lastErr)
}

// rollback restores the ciphertext replica and envelope from the backup and
// best-effort removes partially uploaded plaintext rows from the server.
func (m *Manager) rollback(ctx context.Context, backupID string, uploaded []registrystore.RecordKey, cause error) (*DisableResult, error) {
	b, err := m.readBackup(backupID)
	if err != nil {
		return nil, &RollbackError{BackupID: backupID, Err: err}
	}
	if err := m.cstore.ReplaceAll(b.Records); err != nil {
		return nil, &RollbackError{BackupID: backupID, Err: err}
	}
	if err := m.putLocalEnvelope(b.Envelope); err != nil {
		return nil, &RollbackError{BackupID: backupID, Err: err}
	}
	if err := m.plainBox.Clear(); err != nil {
		return nil, &RollbackError{BackupID: backupID, Err: err}
	}
	if len(uploaded) > 0 {
		if err := m.client.Cleanup(ctx, uploaded); err != nil {
			log.Warn("Cleanup of partial plaintext rows failed", "err", err)
		}
	}
	if err := m.blobs.Delete(backupKeyPrefix + backupID); err != nil {
		log.Warn("Failed to delete disable backup after rollback", "backupId", backupID, "err", err)
	}
	return &DisableResult{RolledBack: true, BackupID: backupID}, cause
}

type backupBlob struct {
	Records   []CipherRecord           `json:"records"`
	Envelope  *vaultcrypto.KeyEnvelope `json:"envelope"`
	CreatedAt time.Time                `json:"createdAt"`
}

func (m *Manager) writeBackup(id string, recs []CipherRecord, env *vaultcrypto.KeyEnvelope) error {
	raw, err := json.Marshal(backupBlob{Records: recs, Envelope: env, CreatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := m.blobs.Put(backupKeyPrefix+id, raw); err != nil {
		return fmt.Errorf("writing disable backup: %w", err)
	}
	return nil
}

func (m *Manager) readBackup(id string) (*backupBlob, error) {
	raw, ok, err := m.blobs.Get(backupKeyPrefix + id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("backup %s not found", id)
	}
	var b backupBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decoding backup %s: %w", id, err)
	}
	return &b, nil
}

// PendingBackups lists backup checkpoint ids left by interrupted disables.
func (m *Manager) PendingBackups() ([]string, error) {
	keys, err := m.blobs.Keys()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, k := range keys {
		if len(k) > len(backupKeyPrefix) && k[:len(backupKeyPrefix)] == backupKeyPrefix {
			ids = append(ids, k[len(backupKeyPrefix):])
		}
	}
	return ids, nil
}

// Unlock unwraps the data key with the passphrase. The key is returned for
// volatile session use only; it is never persisted.
func (m *Manager) Unlock(ctx context.Context, passphrase string) ([]byte, error) {
	env, err := m.fetchEnvelope(ctx)
	if err != nil {
		return nil, err
	}
	return env.Unlock(passphrase)
}

// Recover unwraps the data key with a one-time recovery code, re-wraps it
// under the new passphrase, uploads the rotated envelope, and marks the code
// used.
func (m *Manager) Recover(ctx context.Context, code, newPassphrase string) ([]byte, error) {
	env, err := m.fetchEnvelope(ctx)
	if err != nil {
		return nil, err
	}
	dataKey, updated, err := env.UnlockWithRecoveryCode(code, newPassphrase)
	if err != nil {
		return nil, err
	}
	upload, err := uploadFromEnvelope(updated, false)
	if err != nil {
		return nil, err
	}
	if err := m.client.PutEnvelope(ctx, upload); err != nil {
		return nil, err
	}
	if err := m.putLocalEnvelope(updated); err != nil {
		return nil, err
	}
	return dataKey, nil
}

// fetchEnvelope prefers the server copy and falls back to the locally cached
// one when offline.
func (m *Manager) fetchEnvelope(ctx context.Context) (*vaultcrypto.KeyEnvelope, error) {
	status, err := m.client.GetVault(ctx)
	if err == nil {
		if !status.Enabled || status.Envelope == nil {
			return nil, fmt.Errorf("vault is not enabled")
		}
		env := envelopeFromVault(status.Envelope)
		if putErr := m.putLocalEnvelope(env); putErr != nil {
			log.Warn("Failed to cache vault envelope", "err", putErr)
		}
		return env, nil
	}
	if local, localErr := m.localEnvelope(); localErr == nil && local != nil {
		return local, nil
	}
	return nil, err
}

func (m *Manager) localEnvelope() (*vaultcrypto.KeyEnvelope, error) {
	raw, ok, err := m.blobs.Get(envelopeKey)
	if err != nil || !ok {
		return nil, err
	}
	var env vaultcrypto.KeyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding cached envelope: %w", err)
	}
	return &env, nil
}

func (m *Manager) putLocalEnvelope(env *vaultcrypto.KeyEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.blobs.Put(envelopeKey, raw)
}

func envelopeFromVault(v *model.Vault) *vaultcrypto.KeyEnvelope {
	return &vaultcrypto.KeyEnvelope{
		WrappedKey:       vaultcrypto.EncodeBase64(v.WrappedKey),
		Salt:             vaultcrypto.EncodeBase64(v.Salt),
		KDFParams:        v.KDFParams,
		Version:          v.Version,
		RecoveryWrappers: v.RecoveryWrappers,
	}
}

func uploadFromEnvelope(env *vaultcrypto.KeyEnvelope, overwrite bool) (*api.EnvelopeUpload, error) {
	wrapped, err := vaultcrypto.DecodeBase64(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	salt, err := vaultcrypto.DecodeBase64(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	return &api.EnvelopeUpload{
		WrappedKey:       wrapped,
		Salt:             salt,
		KDFParams:        env.KDFParams,
		Version:          env.Version,
		RecoveryWrappers: env.RecoveryWrappers,
		Overwrite:        overwrite,
	}, nil
}
