// Package store defines the SyncStore interface every datastore plugin
// implements, the wire DTOs shared by the HTTP routes and the client engine,
// and the plugin registry used to select a backend at startup.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/model"
)

// PushOperation is one client mutation in a push batch. Data is set in
// plaintext mode; Ciphertext (iv||ct||tag) in e2e mode.
type PushOperation struct {
	RecordID    string           `json:"recordId"`
	RecordType  model.RecordType `json:"recordType"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Ciphertext  []byte           `json:"ciphertext,omitempty"`
	BaseVersion int64            `json:"baseVersion"`
	Deleted     bool             `json:"deleted"`
}

// PushResult reports the server-assigned version for one accepted operation.
type PushResult struct {
	RecordID  string    `json:"recordId"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conflict describes a per-record divergence surfaced to the client.
type Conflict struct {
	RecordID      string           `json:"recordId"`
	RecordType    model.RecordType `json:"recordType"`
	LocalVersion  int64            `json:"localVersion"`
	ServerVersion int64            `json:"serverVersion"`
}

// PushResponse is the push endpoint response body.
type PushResponse struct {
	Success      bool           `json:"success"`
	Results      []PushResult   `json:"results"`
	Synced       int            `json:"synced"`
	Conflicts    []Conflict     `json:"conflicts,omitempty"`
	Checksum     string         `json:"checksum,omitempty"`
	ChecksumMeta *checksum.Meta `json:"checksumMeta,omitempty"`
}

// PullRecord is one record in a pull page. Data is set on plaintext rows,
// Ciphertext on e2e rows.
type PullRecord struct {
	RecordID   string           `json:"recordId"`
	RecordType model.RecordType `json:"recordType"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Ciphertext []byte           `json:"ciphertext,omitempty"`
	Version    int64            `json:"version"`
	Deleted    bool             `json:"deleted"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// PullPage is the pull endpoint response body, ordered by updatedAt ascending.
type PullPage struct {
	Records    []PullRecord `json:"records"`
	NextCursor *string      `json:"nextCursor"`
	HasMore    bool         `json:"hasMore"`
}

// RecordKey identifies a record independent of its stored form.
type RecordKey struct {
	RecordID   string           `json:"recordId"`
	RecordType model.RecordType `json:"recordType"`
}

// VerifyResult is the disable-flow plaintext verification response.
type VerifyResult struct {
	Verified      bool  `json:"verified"`
	ServerCount   int64 `json:"serverCount"`
	ExpectedCount int64 `json:"expectedCount"`
}

// SyncStore is the per-user record, vault, and settings datastore.
type SyncStore interface {
	// PushRecords upserts a batch of operations for one user. Versions are
	// assigned last-write-wins: existing rows get current+1, new rows get 1.
	// Operations are applied in order inside a single transaction.
	PushRecords(ctx context.Context, userID string, encrypted bool, ops []PushOperation) ([]PushResult, error)

	// PullRecords returns a page of records of the given form, ordered by
	// updated_at ascending (ties broken by surrogate id), strictly after the
	// cursor. recordType narrows the page to one kind; nil means all.
	PullRecords(ctx context.Context, userID string, encrypted bool, cursor *string, recordType *model.RecordType, limit int) (*PullPage, error)

	// DatasetChecksum computes the checksum meta over the user's non-deleted
	// plaintext records using the canonical serialization.
	DatasetChecksum(ctx context.Context, userID string) (*checksum.Meta, error)

	// CountRecords returns the number of non-deleted rows of the given form.
	CountRecords(ctx context.Context, userID string, encrypted bool) (int64, error)

	// DeleteRecordsByForm removes every row of the given form for the user in
	// one transaction. Used by the vault enable/disable commit phases.
	DeleteRecordsByForm(ctx context.Context, userID string, encrypted bool) (int64, error)

	// DeleteRecordKeys removes specific rows regardless of form. Used by the
	// disable-rollback cleanup path.
	DeleteRecordKeys(ctx context.Context, userID string, keys []RecordKey) error

	GetSettings(ctx context.Context, userID string) (*model.SyncSettings, error)
	PutSettings(ctx context.Context, settings *model.SyncSettings) (*model.SyncSettings, error)

	// GetVault returns the user's envelope row or a NotFoundError.
	GetVault(ctx context.Context, userID string) (*model.Vault, error)
	// PutVault inserts or replaces the user's envelope row.
	PutVault(ctx context.Context, vault *model.Vault) error
	DeleteVault(ctx context.Context, userID string) error
}

// Loader creates a store from config carried in the context.
type Loader func(ctx context.Context) (SyncStore, error)

// Plugin represents a datastore plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
