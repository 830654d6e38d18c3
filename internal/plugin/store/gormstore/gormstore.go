// Package gormstore implements SyncStore on a gorm database handle. The
// postgres and sqlite plugins differ only in how they open the handle and in
// how they recognize unique-constraint violations.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/model"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"gorm.io/gorm"
)

// Store is a SyncStore over a gorm handle.
type Store struct {
	db *gorm.DB
	// IsUniqueViolation recognizes backend-specific unique-constraint errors
	// so concurrent inserts of the same record can be retried as updates.
	isUniqueViolation func(error) bool
}

// New creates a Store. isUniqueViolation may be nil.
func New(db *gorm.DB, isUniqueViolation func(error) bool) *Store {
	if isUniqueViolation == nil {
		isUniqueViolation = func(error) bool { return false }
	}
	return &Store{db: db, isUniqueViolation: isUniqueViolation}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// AutoMigrate creates or updates the sync schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Record{}, &model.Vault{}, &model.SyncSettings{})
}

// cursorFormat is the wire encoding of pull cursors: the updated_at of the
// last record returned, full precision, UTC.
const cursorFormat = time.RFC3339Nano

func validateOp(op *registrystore.PushOperation, encrypted bool) error {
	if op.RecordID == "" {
		return &registrystore.ValidationError{Field: "recordId", Message: "required"}
	}
	if !op.RecordType.Valid() {
		return &registrystore.ValidationError{Field: "recordType", Message: fmt.Sprintf("unknown record type %q", op.RecordType)}
	}
	if !op.Deleted {
		if encrypted && len(op.Ciphertext) == 0 {
			return &registrystore.ValidationError{Field: "ciphertext", Message: "required in e2e mode"}
		}
		if !encrypted && len(op.Data) == 0 {
			return &registrystore.ValidationError{Field: "data", Message: "required in plaintext mode"}
		}
	}
	if encrypted && len(op.Data) > 0 {
		return &registrystore.ValidationError{Field: "data", Message: "must be empty in e2e mode"}
	}
	if !encrypted && len(op.Ciphertext) > 0 {
		return &registrystore.ValidationError{Field: "ciphertext", Message: "must be empty in plaintext mode"}
	}
	return nil
}

// PushRecords applies a batch in order inside one transaction. Acceptance is
// last-write-wins: an existing row's version is bumped regardless of the
// client's baseVersion. Each operation in the batch gets a strictly later
// updated_at so pull cursors never split a batch ambiguously.
func (s *Store) PushRecords(ctx context.Context, userID string, encrypted bool, ops []registrystore.PushOperation) ([]registrystore.PushResult, error) {
	for i := range ops {
		if err := validateOp(&ops[i], encrypted); err != nil {
			return nil, err
		}
	}

	base := time.Now().UTC()
	results := make([]registrystore.PushResult, 0, len(ops))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range ops {
			op := &ops[i]
			updatedAt := base.Add(time.Duration(i) * time.Microsecond)
			rec, err := s.upsertOne(tx, userID, encrypted, op, updatedAt)
			if err != nil {
				return err
			}
			results = append(results, registrystore.PushResult{
				RecordID:  rec.RecordID,
				Version:   rec.Version,
				UpdatedAt: rec.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) upsertOne(tx *gorm.DB, userID string, encrypted bool, op *registrystore.PushOperation, updatedAt time.Time) (*model.Record, error) {
	var rec model.Record
	err := tx.Where("user_id = ? AND record_id = ? AND record_type = ?", userID, op.RecordID, op.RecordType).
		First(&rec).Error
	switch {
	case err == nil:
		rec.Version++
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = model.Record{
			UserID:     userID,
			RecordID:   op.RecordID,
			RecordType: op.RecordType,
			Version:    1,
			CreatedAt:  updatedAt,
		}
	default:
		return nil, err
	}

	rec.Encrypted = encrypted
	rec.BaseVersion = op.BaseVersion
	rec.Deleted = op.Deleted
	rec.UpdatedAt = updatedAt
	if op.Deleted {
		// Tombstones carry no payload in either form.
		rec.Data = nil
		rec.Ciphertext = nil
	} else if encrypted {
		rec.Ciphertext = op.Ciphertext
		rec.Data = nil
	} else {
		rec.Data = op.Data
		rec.Ciphertext = nil
	}

	if err := tx.Save(&rec).Error; err != nil {
		if s.isUniqueViolation(err) {
			// Lost an insert race with another device; redo as an update.
			return s.upsertOne(tx, userID, encrypted, op, updatedAt)
		}
		return nil, err
	}
	return &rec, nil
}

// PullRecords returns one page of records of the given form, ordered by
// updated_at ascending with the surrogate id as tiebreak.
func (s *Store) PullRecords(ctx context.Context, userID string, encrypted bool, cursor *string, recordType *model.RecordType, limit int) (*registrystore.PullPage, error) {
	q := s.db.WithContext(ctx).Model(&model.Record{}).
		Where("user_id = ? AND encrypted = ?", userID, encrypted)
	if cursor != nil && *cursor != "" {
		after, err := time.Parse(cursorFormat, *cursor)
		if err != nil {
			return nil, &registrystore.ValidationError{Field: "cursor", Message: "invalid cursor"}
		}
		q = q.Where("updated_at > ?", after)
	}
	if recordType != nil {
		if !recordType.Valid() {
			return nil, &registrystore.ValidationError{Field: "recordType", Message: "unknown record type"}
		}
		q = q.Where("record_type = ?", *recordType)
	}

	var rows []model.Record
	// Fetch one extra row to detect whether more pages remain.
	if err := q.Order("updated_at ASC, id ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &registrystore.PullPage{Records: []registrystore.PullRecord{}}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for i := range rows {
		page.Records = append(page.Records, registrystore.PullRecord{
			RecordID:   rows[i].RecordID,
			RecordType: rows[i].RecordType,
			Data:       rows[i].Data,
			Ciphertext: rows[i].Ciphertext,
			Version:    rows[i].Version,
			Deleted:    rows[i].Deleted,
			UpdatedAt:  rows[i].UpdatedAt,
		})
	}
	if len(rows) > 0 {
		next := rows[len(rows)-1].UpdatedAt.UTC().Format(cursorFormat)
		page.NextCursor = &next
	}
	return page, nil
}

// DatasetChecksum hashes the user's non-deleted plaintext dataset with the
// shared canonical serialization, so it matches what clients compute locally.
func (s *Store) DatasetChecksum(ctx context.Context, userID string) (*checksum.Meta, error) {
	var rows []model.Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND encrypted = ? AND deleted = ?", userID, false, false).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	items := make([]checksum.Item, 0, len(rows))
	for i := range rows {
		items = append(items, checksum.Item{
			RecordID:   rows[i].RecordID,
			RecordType: rows[i].RecordType,
			Data:       rows[i].Data,
			Version:    rows[i].Version,
			UpdatedAt:  rows[i].UpdatedAt,
		})
	}
	return checksum.Compute(items)
}

// CountRecords counts non-deleted rows of the given form.
func (s *Store) CountRecords(ctx context.Context, userID string, encrypted bool) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Record{}).
		Where("user_id = ? AND encrypted = ? AND deleted = ?", userID, encrypted, false).
		Count(&count).Error
	return count, err
}

// DeleteRecordsByForm removes every row of the given form in one transaction.
func (s *Store) DeleteRecordsByForm(ctx context.Context, userID string, encrypted bool) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND encrypted = ?", userID, encrypted).
		Delete(&model.Record{})
	return res.RowsAffected, res.Error
}

// DeleteRecordKeys removes specific rows regardless of form.
func (s *Store) DeleteRecordKeys(ctx context.Context, userID string, keys []registrystore.RecordKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			err := tx.Where("user_id = ? AND record_id = ? AND record_type = ?", userID, key.RecordID, key.RecordType).
				Delete(&model.Record{}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSettings returns the user's settings row, or defaults when none exists.
func (s *Store) GetSettings(ctx context.Context, userID string) (*model.SyncSettings, error) {
	var settings model.SyncSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.SyncSettings{UserID: userID, SyncEnabled: false, SyncMode: model.SyncModeOff}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// PutSettings inserts or replaces the user's settings row.
func (s *Store) PutSettings(ctx context.Context, settings *model.SyncSettings) (*model.SyncSettings, error) {
	if !settings.SyncMode.Valid() {
		return nil, &registrystore.ValidationError{Field: "syncMode", Message: fmt.Sprintf("unknown sync mode %q", settings.SyncMode)}
	}
	settings.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}

// GetVault returns the user's envelope row.
func (s *Store) GetVault(ctx context.Context, userID string) (*model.Vault, error) {
	var vault model.Vault
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&vault).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "vault", ID: userID}
	}
	if err != nil {
		return nil, err
	}
	return &vault, nil
}

// PutVault inserts or replaces the user's envelope row.
func (s *Store) PutVault(ctx context.Context, vault *model.Vault) error {
	vault.UpdatedAt = time.Now().UTC()
	if vault.EnabledAt.IsZero() {
		vault.EnabledAt = vault.UpdatedAt
	}
	return s.db.WithContext(ctx).Save(vault).Error
}

// DeleteVault removes the user's envelope row. Deleting a missing vault is not
// an error; the disable flow may retry this step.
func (s *Store) DeleteVault(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.Vault{}).Error
}
