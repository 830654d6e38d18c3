// Package vaultcrypto implements the vault's cryptographic primitives:
// AES-256-GCM record encryption, PBKDF2 wrapping-key derivation, and the
// wrapped data-key format shared with every client implementation.
//
// Wire format for a wrapped key: iv(12) || ciphertext(N) || tag(16).
// For the 32-byte data key the wrapped blob is always 60 bytes.
package vaultcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DataKeySize is the symmetric data key length in bytes.
	DataKeySize = 32
	// IVSize is the AES-GCM nonce length in bytes.
	IVSize = 12
	// TagSize is the AES-GCM authentication tag length in bytes.
	TagSize = 16
	// SaltSize is the PBKDF2 salt length in bytes.
	SaltSize = 16
	// KDFIterations is the PBKDF2-HMAC-SHA256 iteration count.
	KDFIterations = 100_000
	// WrappedKeySize is len(iv)+len(data key)+len(tag).
	WrappedKeySize = IVSize + DataKeySize + TagSize
)

// ErrDecryptFailed is returned when a ciphertext cannot be opened, either
// because the key is wrong or the data was tampered with.
var ErrDecryptFailed = fmt.Errorf("decryption failed: wrong key or tampered ciphertext")

// GenerateDataKey returns a fresh random 32-byte data key.
func GenerateDataKey() ([]byte, error) {
	return randomBytes(DataKeySize, "data key")
}

// GenerateSalt returns a fresh random 16-byte KDF salt.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize, "salt")
}

// DeriveWrappingKey derives a 32-byte wrapping key from a passphrase and salt
// using PBKDF2-HMAC-SHA256 with KDFIterations iterations.
func DeriveWrappingKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, KDFIterations, DataKeySize, sha256.New)
}

// Encrypt seals plaintext under key with AES-256-GCM and a fresh random IV.
// Every call produces a distinct IV, so encrypting identical plaintext twice
// yields distinct ciphertexts.
func Encrypt(plaintext, key []byte) (iv, ciphertext, tag []byte, err error) {
	iv, err = randomBytes(IVSize, "iv")
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// gcm.Seal appends the tag to the ciphertext; split them for the wire format.
	return iv, sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:], nil
}

// Decrypt opens an (iv, ciphertext, tag) triple produced by Encrypt.
func Decrypt(iv, ciphertext, tag, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// WrapKey encrypts dataKey under wrappingKey and returns iv||ciphertext||tag.
func WrapKey(dataKey, wrappingKey []byte) ([]byte, error) {
	iv, ct, tag, err := Encrypt(dataKey, wrappingKey)
	if err != nil {
		return nil, err
	}
	wrapped := make([]byte, 0, len(iv)+len(ct)+len(tag))
	wrapped = append(wrapped, iv...)
	wrapped = append(wrapped, ct...)
	wrapped = append(wrapped, tag...)
	return wrapped, nil
}

// UnwrapKey decrypts a WrapKey blob back to the data key.
func UnwrapKey(wrapped, wrappingKey []byte) ([]byte, error) {
	if len(wrapped) < IVSize+TagSize+1 {
		return nil, fmt.Errorf("wrapped key too short: %d bytes", len(wrapped))
	}
	iv := wrapped[:IVSize]
	tag := wrapped[len(wrapped)-TagSize:]
	ct := wrapped[IVSize : len(wrapped)-TagSize]
	return Decrypt(iv, ct, tag, wrappingKey)
}

// HashRecoveryCode returns the SHA-256 hex digest of a recovery code.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// EncodeBase64 encodes binary wire fields with the standard alphabet.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a standard-alphabet base64 wire field.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CipherRecord is an encrypted record payload split into its wire parts,
// each base64-encoded for JSON transport.
type CipherRecord struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// SealRecord encrypts a record payload under the data key.
func SealRecord(data, dataKey []byte) (*CipherRecord, error) {
	iv, ct, tag, err := Encrypt(data, dataKey)
	if err != nil {
		return nil, err
	}
	return &CipherRecord{
		IV:         EncodeBase64(iv),
		Ciphertext: EncodeBase64(ct),
		Tag:        EncodeBase64(tag),
	}, nil
}

// OpenRecord decrypts a CipherRecord back to the record payload.
func (c *CipherRecord) OpenRecord(dataKey []byte) ([]byte, error) {
	iv, err := DecodeBase64(c.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}
	ct, err := DecodeBase64(c.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	tag, err := DecodeBase64(c.Tag)
	if err != nil {
		return nil, fmt.Errorf("decoding tag: %w", err)
	}
	return Decrypt(iv, ct, tag, dataKey)
}

// Blob returns the record as a single iv||ciphertext||tag byte sequence, the
// form pushed to the server in e2e mode.
func (c *CipherRecord) Blob() ([]byte, error) {
	iv, err := DecodeBase64(c.IV)
	if err != nil {
		return nil, err
	}
	ct, err := DecodeBase64(c.Ciphertext)
	if err != nil {
		return nil, err
	}
	tag, err := DecodeBase64(c.Tag)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, len(iv)+len(ct)+len(tag))
	blob = append(blob, iv...)
	blob = append(blob, ct...)
	blob = append(blob, tag...)
	return blob, nil
}

// CipherRecordFromBlob splits an iv||ciphertext||tag blob back into parts.
func CipherRecordFromBlob(blob []byte) (*CipherRecord, error) {
	if len(blob) < IVSize+TagSize+1 {
		return nil, fmt.Errorf("ciphertext blob too short: %d bytes", len(blob))
	}
	return &CipherRecord{
		IV:         EncodeBase64(blob[:IVSize]),
		Ciphertext: EncodeBase64(blob[IVSize : len(blob)-TagSize]),
		Tag:        EncodeBase64(blob[len(blob)-TagSize:]),
	}, nil
}

func randomBytes(n int, what string) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating %s: %w", what, err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM: %w", err)
	}
	return gcm, nil
}
