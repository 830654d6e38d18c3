package model

import (
	"time"
)

// RecordType discriminates the three synchronized record kinds.
type RecordType string

const (
	RecordTypeBookmark   RecordType = "bookmark"
	RecordTypeSpace      RecordType = "space"
	RecordTypePinnedView RecordType = "pinnedView"
)

// RecordTypes lists all valid record types in canonical order.
func RecordTypes() []RecordType {
	return []RecordType{RecordTypeBookmark, RecordTypeSpace, RecordTypePinnedView}
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	switch t {
	case RecordTypeBookmark, RecordTypeSpace, RecordTypePinnedView:
		return true
	}
	return false
}

// SyncMode selects how (and whether) a user's records are synchronized.
type SyncMode string

const (
	SyncModeOff       SyncMode = "off"
	SyncModePlaintext SyncMode = "plaintext"
	SyncModeE2E       SyncMode = "e2e"
)

// Valid reports whether m is a known sync mode.
func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeOff, SyncModePlaintext, SyncModeE2E:
		return true
	}
	return false
}

// PersonalSpaceID is the distinguished per-user space that always exists
// and can never be deleted.
const PersonalSpaceID = "personal"

// Record is a server-side record row. Exactly one of Data / Ciphertext is
// populated, and Encrypted agrees with which one it is.
type Record struct {
	ID         int64      `json:"-"           gorm:"primaryKey;autoIncrement"`
	UserID     string     `json:"-"           gorm:"not null;uniqueIndex:idx_records_user_record,priority:1;index:idx_records_user_updated,priority:1"`
	RecordID   string     `json:"recordId"    gorm:"not null;uniqueIndex:idx_records_user_record,priority:2"`
	RecordType RecordType `json:"recordType"  gorm:"not null;uniqueIndex:idx_records_user_record,priority:3"`
	Data       []byte     `json:"-"           gorm:"type:jsonb"` // plaintext JSON payload, null on e2e rows
	Ciphertext []byte     `json:"-"           gorm:"type:bytea"` // iv||ct||tag blob, null on plaintext rows
	Encrypted  bool       `json:"encrypted"   gorm:"not null;default:false"`
	Version    int64      `json:"version"     gorm:"not null;default:1"`
	// BaseVersion is the client-reported version the operation was based on.
	// Recorded for diagnostics; acceptance is last-write-wins.
	BaseVersion int64     `json:"-"         gorm:"not null;default:0"`
	Deleted     bool      `json:"deleted"   gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt   time.Time `json:"updatedAt" gorm:"not null;index:idx_records_user_updated,priority:2"`
}

func (Record) TableName() string { return "records" }

// KDFParams describes how a wrapping key is derived from user input.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
	SaltLength int    `json:"saltLength"`
	KeyLength  int    `json:"keyLength"`
}

// RecoveryWrapper is the data key wrapped under a recovery-code-derived key.
// A wrapper is single-use: once consumed, UsedAt is set and it is never reused.
type RecoveryWrapper struct {
	ID             string     `json:"id"`
	WrappedDataKey string     `json:"wrappedDataKey"` // base64 iv||ct||tag
	Salt           string     `json:"salt"`           // base64
	CodeHash       string     `json:"codeHash"`       // SHA-256 hex of the recovery code
	UsedAt         *time.Time `json:"usedAt,omitempty"`
}

// Vault is the per-user vault envelope row. One row per user.
type Vault struct {
	UserID           string            `json:"-"                          gorm:"primaryKey"`
	WrappedKey       []byte            `json:"wrappedKey"                 gorm:"type:bytea;not null"`
	Salt             []byte            `json:"salt"                       gorm:"type:bytea;not null"`
	KDFParams        KDFParams         `json:"kdfParams"                  gorm:"type:jsonb;serializer:json;not null"`
	Version          int               `json:"version"                    gorm:"not null;default:1"`
	RecoveryWrappers []RecoveryWrapper `json:"recoveryWrappers,omitempty" gorm:"type:jsonb;serializer:json"`
	EnabledAt        time.Time         `json:"enabledAt"                  gorm:"not null"`
	UpdatedAt        time.Time         `json:"updatedAt"                  gorm:"not null"`
}

func (Vault) TableName() string { return "vaults" }

// SyncSettings is the per-user sync configuration row.
type SyncSettings struct {
	UserID      string     `json:"-"                    gorm:"primaryKey"`
	SyncEnabled bool       `json:"syncEnabled"          gorm:"not null;default:false"`
	SyncMode    SyncMode   `json:"syncMode"             gorm:"not null;default:'off'"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	UpdatedAt   time.Time  `json:"-"                    gorm:"not null"`
}

func (SyncSettings) TableName() string { return "sync_settings" }
