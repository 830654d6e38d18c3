// Package vault mounts the vault envelope endpoints and the server-side legs
// of the enable/disable two-phase commits. The server only stores the wrapped
// key material; unwrapping happens exclusively on clients.
package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/model"
	registrycache "github.com/chirino/bookmark-sync/internal/registry/cache"
	registryroute "github.com/chirino/bookmark-sync/internal/registry/route"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/chirino/bookmark-sync/internal/security"
	"github.com/chirino/bookmark-sync/internal/vaultcrypto"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the vault routes. Called after store initialization.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, cache registrycache.SyncCache, auth gin.HandlerFunc) {
	g := r.Group("/vault", auth)

	g.GET("", func(c *gin.Context) { getVault(c, store) })
	g.POST("/enable", func(c *gin.Context) { enableVault(c, store, cache) })
	g.PUT("/envelope", func(c *gin.Context) { putEnvelope(c, store) })
	g.POST("/disable", func(c *gin.Context) { disableVault(c, store, cache) })
	g.GET("/disable/verify-plaintext", func(c *gin.Context) { verifyPlaintext(c, store) })
	g.POST("/disable/cleanup", func(c *gin.Context) { cleanup(c, store) })
}

// envelopeBody is the wire form of the vault envelope. Byte slices travel as
// standard base64 through encoding/json.
type envelopeBody struct {
	WrappedKey       []byte                  `json:"wrappedKey"`
	Salt             []byte                  `json:"salt"`
	KDFParams        model.KDFParams         `json:"kdfParams"`
	Version          int                     `json:"version"`
	RecoveryWrappers []model.RecoveryWrapper `json:"recoveryWrappers,omitempty"`
	Overwrite        bool                    `json:"overwrite,omitempty"`
}

func (b *envelopeBody) validate() error {
	if len(b.WrappedKey) != vaultcrypto.WrappedKeySize {
		return fmt.Errorf("wrappedKey must be %d bytes, got %d", vaultcrypto.WrappedKeySize, len(b.WrappedKey))
	}
	if len(b.Salt) != vaultcrypto.SaltSize {
		return fmt.Errorf("salt must be %d bytes, got %d", vaultcrypto.SaltSize, len(b.Salt))
	}
	if b.KDFParams.Algorithm != "PBKDF2" {
		return fmt.Errorf("unsupported kdf algorithm %q", b.KDFParams.Algorithm)
	}
	for i := range b.RecoveryWrappers {
		w := &b.RecoveryWrappers[i]
		wrapped, err := base64.StdEncoding.DecodeString(w.WrappedDataKey)
		if err != nil {
			return fmt.Errorf("recovery wrapper %d: wrappedDataKey is not base64", i)
		}
		salt, err := base64.StdEncoding.DecodeString(w.Salt)
		if err != nil {
			return fmt.Errorf("recovery wrapper %d: salt is not base64", i)
		}
		if w.ID == "" || len(wrapped) != vaultcrypto.WrappedKeySize || len(salt) != vaultcrypto.SaltSize || w.CodeHash == "" {
			return fmt.Errorf("recovery wrapper %d is malformed", i)
		}
	}
	return nil
}

func getVault(c *gin.Context, store registrystore.SyncStore) {
	vault, err := store.GetVault(c.Request.Context(), security.GetUserID(c))
	var notFound *registrystore.NotFoundError
	if errors.As(err, &notFound) {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "envelope": vault})
}

func enableVault(c *gin.Context, store registrystore.SyncStore, cache registrycache.SyncCache) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()

	var body envelopeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// An envelope may only be replaced after a disable, or when the client
	// explicitly asks to overwrite.
	if _, err := store.GetVault(ctx, userID); err == nil && !body.Overwrite {
		c.JSON(http.StatusConflict, gin.H{"error": "vault already enabled"})
		return
	} else if err != nil {
		var notFound *registrystore.NotFoundError
		if !errors.As(err, &notFound) {
			handleError(c, err)
			return
		}
	}

	// Stale ciphertext rows from an earlier aborted enable must not leak into
	// the new keyspace.
	if _, err := store.DeleteRecordsByForm(ctx, userID, true); err != nil {
		handleError(c, err)
		return
	}

	version := body.Version
	if version <= 0 {
		version = 1
	}
	vault := &model.Vault{
		UserID:           userID,
		WrappedKey:       body.WrappedKey,
		Salt:             body.Salt,
		KDFParams:        body.KDFParams,
		Version:          version,
		RecoveryWrappers: body.RecoveryWrappers,
		EnabledAt:        time.Now().UTC(),
	}
	if err := store.PutVault(ctx, vault); err != nil {
		handleError(c, err)
		return
	}
	notify(c, cache, userID, "vault-enable")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func putEnvelope(c *gin.Context, store registrystore.SyncStore) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()

	var body envelopeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existing, err := store.GetVault(ctx, userID)
	if err != nil {
		handleError(c, err)
		return
	}
	existing.WrappedKey = body.WrappedKey
	existing.Salt = body.Salt
	existing.KDFParams = body.KDFParams
	existing.Version = body.Version
	existing.RecoveryWrappers = body.RecoveryWrappers
	if err := store.PutVault(ctx, existing); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type disableRequest struct {
	Action string `json:"action"`
}

func disableVault(c *gin.Context, store registrystore.SyncStore, cache registrycache.SyncCache) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()

	var req disableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Action {
	case "verify":
		// Confirms the envelope exists before the client starts phase 1.
		if _, err := store.GetVault(ctx, userID); err != nil {
			handleError(c, err)
			return
		}
		count, err := store.CountRecords(ctx, userID, true)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "encryptedCount": count})

	case "delete-encrypted":
		n, err := store.DeleteRecordsByForm(ctx, userID, true)
		if err != nil {
			handleError(c, err)
			return
		}
		notify(c, cache, userID, "vault-disable")
		c.JSON(http.StatusOK, gin.H{"success": true, "deleted": n})

	case "delete-plaintext":
		n, err := store.DeleteRecordsByForm(ctx, userID, false)
		if err != nil {
			handleError(c, err)
			return
		}
		notify(c, cache, userID, "vault-disable")
		c.JSON(http.StatusOK, gin.H{"success": true, "deleted": n})

	case "delete-vault":
		if err := store.DeleteVault(ctx, userID); err != nil {
			handleError(c, err)
			return
		}
		notify(c, cache, userID, "vault-disable")
		c.JSON(http.StatusOK, gin.H{"success": true})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func verifyPlaintext(c *gin.Context, store registrystore.SyncStore) {
	userID := security.GetUserID(c)

	var expected int64
	if _, err := fmt.Sscanf(c.Query("expectedCount"), "%d", &expected); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expectedCount is required"})
		return
	}
	count, err := store.CountRecords(c.Request.Context(), userID, false)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, registrystore.VerifyResult{
		Verified:      count == expected,
		ServerCount:   count,
		ExpectedCount: expected,
	})
}

type cleanupRequest struct {
	RecordIDs   []string           `json:"recordIds"`
	RecordTypes []model.RecordType `json:"recordTypes"`
}

func cleanup(c *gin.Context, store registrystore.SyncStore) {
	userID := security.GetUserID(c)

	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.RecordIDs) != len(req.RecordTypes) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recordIds and recordTypes must have the same length"})
		return
	}
	keys := make([]registrystore.RecordKey, 0, len(req.RecordIDs))
	for i := range req.RecordIDs {
		keys = append(keys, registrystore.RecordKey{RecordID: req.RecordIDs[i], RecordType: req.RecordTypes[i]})
	}
	if err := store.DeleteRecordKeys(c.Request.Context(), userID, keys); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func notify(c *gin.Context, cache registrycache.SyncCache, userID, kind string) {
	if cache == nil || !cache.Available() {
		return
	}
	ctx := c.Request.Context()
	if err := cache.InvalidateChecksum(ctx, userID); err != nil {
		log.Warn("Failed to invalidate checksum cache", "err", err)
	}
	event := registrycache.SyncEvent{UserID: userID, Kind: kind, At: time.Now().UTC()}
	if err := cache.PublishSyncEvent(ctx, event); err != nil {
		log.Warn("Failed to publish sync event", "err", err)
	}
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	default:
		log.Error("Request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
