package vaultcrypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/chirino/bookmark-sync/internal/model"
	"github.com/google/uuid"
)

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// ErrIncorrectPassphrase is returned when the envelope cannot be unlocked
// with the supplied passphrase.
var ErrIncorrectPassphrase = fmt.Errorf("incorrect passphrase")

// ErrRecoveryCodeUnknown is returned when no wrapper matches the entered code.
var ErrRecoveryCodeUnknown = fmt.Errorf("unknown recovery code")

// ErrRecoveryCodeUsed is returned when the matching wrapper was already consumed.
var ErrRecoveryCodeUsed = fmt.Errorf("recovery code already used")

// KeyEnvelope is the wire form of the per-user vault envelope: the data key
// wrapped under the passphrase-derived key, plus optional recovery wrappers.
type KeyEnvelope struct {
	WrappedKey       string                  `json:"wrappedKey"` // base64 iv||ct||tag
	Salt             string                  `json:"salt"`       // base64
	KDFParams        model.KDFParams         `json:"kdfParams"`
	Version          int                     `json:"version"`
	RecoveryWrappers []model.RecoveryWrapper `json:"recoveryWrappers,omitempty"`
}

// DefaultKDFParams returns the fixed KDF parameters all envelopes use.
func DefaultKDFParams() model.KDFParams {
	return model.KDFParams{
		Algorithm:  "PBKDF2",
		Iterations: KDFIterations,
		SaltLength: SaltSize,
		KeyLength:  DataKeySize * 8,
	}
}

// NewEnvelope wraps dataKey under a passphrase-derived key with a fresh salt,
// and additionally under one wrapper per recovery code.
func NewEnvelope(passphrase string, dataKey []byte, recoveryCodes []string) (*KeyEnvelope, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapKey(dataKey, DeriveWrappingKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	env := &KeyEnvelope{
		WrappedKey: EncodeBase64(wrapped),
		Salt:       EncodeBase64(salt),
		KDFParams:  DefaultKDFParams(),
		Version:    EnvelopeVersion,
	}
	for _, code := range recoveryCodes {
		wrapper, err := newRecoveryWrapper(code, dataKey)
		if err != nil {
			return nil, err
		}
		env.RecoveryWrappers = append(env.RecoveryWrappers, *wrapper)
	}
	return env, nil
}

func newRecoveryWrapper(code string, dataKey []byte) (*model.RecoveryWrapper, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapKey(dataKey, DeriveWrappingKey(code, salt))
	if err != nil {
		return nil, err
	}
	return &model.RecoveryWrapper{
		ID:             uuid.NewString(),
		WrappedDataKey: EncodeBase64(wrapped),
		Salt:           EncodeBase64(salt),
		CodeHash:       HashRecoveryCode(code),
	}, nil
}

// Unlock derives the wrapping key from the envelope salt and passphrase and
// unwraps the data key. A failed unwrap reports ErrIncorrectPassphrase.
func (e *KeyEnvelope) Unlock(passphrase string) ([]byte, error) {
	salt, err := DecodeBase64(e.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope salt: %w", err)
	}
	wrapped, err := DecodeBase64(e.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}
	dataKey, err := UnwrapKey(wrapped, DeriveWrappingKey(passphrase, salt))
	if err != nil {
		return nil, ErrIncorrectPassphrase
	}
	return dataKey, nil
}

// UnlockWithRecoveryCode finds the unused wrapper matching code, unwraps the
// data key through it, re-wraps the key under newPassphrase with a fresh salt,
// and marks the wrapper consumed. It returns the data key and the updated
// envelope that must be written back to the server.
func (e *KeyEnvelope) UnlockWithRecoveryCode(code, newPassphrase string) ([]byte, *KeyEnvelope, error) {
	hash := HashRecoveryCode(code)
	idx := -1
	for i := range e.RecoveryWrappers {
		if e.RecoveryWrappers[i].CodeHash == hash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, ErrRecoveryCodeUnknown
	}
	wrapper := e.RecoveryWrappers[idx]
	if wrapper.UsedAt != nil {
		return nil, nil, ErrRecoveryCodeUsed
	}

	salt, err := DecodeBase64(wrapper.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding wrapper salt: %w", err)
	}
	wrapped, err := DecodeBase64(wrapper.WrappedDataKey)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding wrapper key: %w", err)
	}
	dataKey, err := UnwrapKey(wrapped, DeriveWrappingKey(code, salt))
	if err != nil {
		return nil, nil, ErrRecoveryCodeUnknown
	}

	newSalt, err := GenerateSalt()
	if err != nil {
		return nil, nil, err
	}
	newWrapped, err := WrapKey(dataKey, DeriveWrappingKey(newPassphrase, newSalt))
	if err != nil {
		return nil, nil, err
	}

	updated := *e
	updated.WrappedKey = EncodeBase64(newWrapped)
	updated.Salt = EncodeBase64(newSalt)
	updated.Version = e.Version + 1
	updated.RecoveryWrappers = make([]model.RecoveryWrapper, len(e.RecoveryWrappers))
	copy(updated.RecoveryWrappers, e.RecoveryWrappers)
	now := time.Now().UTC()
	updated.RecoveryWrappers[idx].UsedAt = &now

	return dataKey, &updated, nil
}

// recovery code alphabet omits easily confused characters
const recoveryAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// GenerateRecoveryCodes returns n codes in the form XXXX-XXXX-XXXX-XXXX.
func GenerateRecoveryCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var groups []string
		for g := 0; g < 4; g++ {
			var sb strings.Builder
			for c := 0; c < 4; c++ {
				idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(recoveryAlphabet))))
				if err != nil {
					return nil, fmt.Errorf("generating recovery code: %w", err)
				}
				sb.WriteByte(recoveryAlphabet[idx.Int64()])
			}
			groups = append(groups, sb.String())
		}
		codes = append(codes, strings.Join(groups, "-"))
	}
	return codes, nil
}
