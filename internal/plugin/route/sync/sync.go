// Package sync mounts the record synchronization endpoints: push, pull, and
// checksum for both the plaintext and encrypted record forms, plus the
// per-user sync settings resource.
package sync

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/config"
	"github.com/chirino/bookmark-sync/internal/model"
	registrycache "github.com/chirino/bookmark-sync/internal/registry/cache"
	registryroute "github.com/chirino/bookmark-sync/internal/registry/route"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/chirino/bookmark-sync/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the sync routes. Called after store initialization so the
// store is available.
func MountRoutes(r *gin.Engine, store registrystore.SyncStore, cache registrycache.SyncCache, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/sync", auth, noCache())

	g.POST("/plaintext/push", func(c *gin.Context) { pushRecords(c, store, cache, cfg, false) })
	g.GET("/plaintext/pull", func(c *gin.Context) { pullRecords(c, store, cfg, false) })
	g.GET("/plaintext/checksum", func(c *gin.Context) { getChecksum(c, store, cache, cfg) })

	g.POST("/encrypted/push", func(c *gin.Context) { pushRecords(c, store, cache, cfg, true) })
	g.GET("/encrypted/pull", func(c *gin.Context) { pullRecords(c, store, cfg, true) })

	g.GET("/settings", func(c *gin.Context) { getSettings(c, store) })
	g.PUT("/settings", func(c *gin.Context) { putSettings(c, store) })
}

// noCache keeps intermediaries from serving stale sync state.
func noCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

type pushRequest struct {
	Operations []registrystore.PushOperation `json:"operations"`
}

func pushRecords(c *gin.Context, store registrystore.SyncStore, cache registrycache.SyncCache, cfg *config.Config, encrypted bool) {
	userID := security.GetUserID(c)

	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Operations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operations is required"})
		return
	}
	if len(req.Operations) > cfg.PushBatchMaxOps {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("too many operations: %d exceeds the maximum of %d", len(req.Operations), cfg.PushBatchMaxOps),
		})
		return
	}

	results, err := store.PushRecords(c.Request.Context(), userID, encrypted, req.Operations)
	if err != nil {
		handleError(c, err)
		return
	}

	form := formLabel(encrypted)
	if security.PushOperationsTotal != nil {
		security.PushOperationsTotal.WithLabelValues(form).Add(float64(len(results)))
	}

	resp := registrystore.PushResponse{
		Success: true,
		Results: results,
		Synced:  len(results),
	}
	if !encrypted {
		// Return the post-push dataset checksum so the client can skip its next
		// checksum round trip.
		meta, err := store.DatasetChecksum(c.Request.Context(), userID)
		if err != nil {
			handleError(c, err)
			return
		}
		if security.ChecksumComputationsTotal != nil {
			security.ChecksumComputationsTotal.Inc()
		}
		resp.Checksum = meta.Checksum
		resp.ChecksumMeta = meta
		if cache != nil && cache.Available() {
			if err := cache.SetChecksum(c.Request.Context(), userID, meta, 0); err != nil {
				log.Warn("Failed to update checksum cache", "err", err)
			}
		}
	} else if cache != nil && cache.Available() {
		if err := cache.InvalidateChecksum(c.Request.Context(), userID); err != nil {
			log.Warn("Failed to invalidate checksum cache", "err", err)
		}
	}
	if cache != nil && cache.Available() {
		event := registrycache.SyncEvent{UserID: userID, Kind: "push", At: time.Now().UTC()}
		if err := cache.PublishSyncEvent(c.Request.Context(), event); err != nil {
			log.Warn("Failed to publish sync event", "err", err)
		}
	}

	c.JSON(http.StatusOK, resp)
}

func pullRecords(c *gin.Context, store registrystore.SyncStore, cfg *config.Config, encrypted bool) {
	userID := security.GetUserID(c)

	limit := queryInt(c, "limit", cfg.PullDefaultLimit)
	if limit <= 0 {
		limit = cfg.PullDefaultLimit
	}
	if limit > cfg.PullMaxLimit {
		limit = cfg.PullMaxLimit
	}

	var recordType *model.RecordType
	if v := c.Query("recordType"); v != "" {
		rt := model.RecordType(v)
		if !rt.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown record type %q", v)})
			return
		}
		recordType = &rt
	}

	page, err := store.PullRecords(c.Request.Context(), userID, encrypted, queryPtr(c, "cursor"), recordType, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	if security.PullRecordsTotal != nil {
		security.PullRecordsTotal.WithLabelValues(formLabel(encrypted)).Add(float64(len(page.Records)))
	}
	c.JSON(http.StatusOK, page)
}

func getChecksum(c *gin.Context, store registrystore.SyncStore, cache registrycache.SyncCache, cfg *config.Config) {
	userID := security.GetUserID(c)
	ctx := c.Request.Context()

	if cache != nil && cache.Available() {
		meta, err := cache.GetChecksum(ctx, userID)
		if err != nil {
			log.Warn("Checksum cache lookup failed", "err", err)
		} else if meta != nil {
			if security.ChecksumCacheHitsTotal != nil {
				security.ChecksumCacheHitsTotal.Inc()
			}
			c.JSON(http.StatusOK, meta)
			return
		}
		if security.ChecksumCacheMissesTotal != nil {
			security.ChecksumCacheMissesTotal.Inc()
		}
	}

	meta, err := store.DatasetChecksum(ctx, userID)
	if err != nil {
		handleError(c, err)
		return
	}
	if security.ChecksumComputationsTotal != nil {
		security.ChecksumComputationsTotal.Inc()
	}
	if cache != nil && cache.Available() {
		if err := cache.SetChecksum(ctx, userID, meta, 0); err != nil {
			log.Warn("Failed to update checksum cache", "err", err)
		}
	}
	c.JSON(http.StatusOK, meta)
}

func getSettings(c *gin.Context, store registrystore.SyncStore) {
	settings, err := store.GetSettings(c.Request.Context(), security.GetUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type settingsRequest struct {
	SyncEnabled bool           `json:"syncEnabled"`
	SyncMode    model.SyncMode `json:"syncMode"`
}

func putSettings(c *gin.Context, store registrystore.SyncStore) {
	userID := security.GetUserID(c)

	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings, err := store.GetSettings(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	settings.SyncEnabled = req.SyncEnabled
	settings.SyncMode = req.SyncMode
	settings, err = store.PutSettings(c.Request.Context(), settings)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func formLabel(encrypted bool) string {
	if encrypted {
		return "encrypted"
	}
	return "plaintext"
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "conflicts": conflict.Conflicts})
	default:
		log.Error("Request failed", "path", c.Request.URL.Path, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryPtr(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}
