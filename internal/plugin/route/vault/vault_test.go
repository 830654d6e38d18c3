package vault_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/bookmark-sync/internal/config"
	"github.com/chirino/bookmark-sync/internal/model"
	routesync "github.com/chirino/bookmark-sync/internal/plugin/route/sync"
	"github.com/chirino/bookmark-sync/internal/plugin/route/vault"
	"github.com/chirino/bookmark-sync/internal/plugin/store/gormstore"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/chirino/bookmark-sync/internal/security"
	"github.com/chirino/bookmark-sync/internal/vaultcrypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) (*gin.Engine, *gormstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormstore.AutoMigrate(db))
	store := gormstore.New(db, nil)

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))

	r := gin.New()
	vault.MountRoutes(r, store, nil, auth)
	routesync.MountRoutes(r, store, nil, &cfg, auth)
	return r, store
}

func doJSON(t *testing.T, r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func testEnvelope(t *testing.T) map[string]any {
	t.Helper()
	dataKey, err := vaultcrypto.GenerateDataKey()
	require.NoError(t, err)
	env, err := vaultcrypto.NewEnvelope("correct horse battery", dataKey, nil)
	require.NoError(t, err)
	return map[string]any{
		"wrappedKey": env.WrappedKey,
		"salt":       env.Salt,
		"kdfParams":  env.KDFParams,
		"version":    env.Version,
	}
}

func encryptedOp(t *testing.T, id string) map[string]any {
	t.Helper()
	return map[string]any{
		"recordId":    id,
		"recordType":  "bookmark",
		"ciphertext":  []byte("opaque-" + id),
		"baseVersion": 0,
		"deleted":     false,
	}
}

func TestVault_GetWhenDisabled(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/vault", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, false, resp["enabled"])
	require.Nil(t, resp["envelope"])
}

func TestVault_EnableAndGet(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/vault/enable", "u1", testEnvelope(t))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/vault", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Enabled  bool         `json:"enabled"`
		Envelope *model.Vault `json:"envelope"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Enabled)
	require.Len(t, resp.Envelope.WrappedKey, vaultcrypto.WrappedKeySize)
	require.Len(t, resp.Envelope.Salt, vaultcrypto.SaltSize)
	require.Equal(t, "PBKDF2", resp.Envelope.KDFParams.Algorithm)
	require.Equal(t, 100000, resp.Envelope.KDFParams.Iterations)
}

func TestVault_SecondEnableNeedsOverwrite(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/vault/enable", "u1", testEnvelope(t))
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/vault/enable", "u1", testEnvelope(t))
	require.Equal(t, http.StatusConflict, w.Code)

	env := testEnvelope(t)
	env["overwrite"] = true
	w = doJSON(t, r, http.MethodPost, "/vault/enable", "u1", env)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestVault_EnableClearsStaleCiphertext(t *testing.T) {
	r, store := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/sync/encrypted/push", "u1", map[string]any{
		"operations": []any{encryptedOp(t, "b-1")},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/vault/enable", "u1", testEnvelope(t))
	require.Equal(t, http.StatusOK, w.Code)

	count, err := store.CountRecords(t.Context(), "u1", true)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestVault_EnableRejectsMalformedEnvelope(t *testing.T) {
	r, _ := newTestRouter(t)

	env := testEnvelope(t)
	env["wrappedKey"] = []byte{1, 2, 3}
	w := doJSON(t, r, http.MethodPost, "/vault/enable", "u1", env)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVault_PutEnvelope(t *testing.T) {
	r, store := newTestRouter(t)

	// Replacing an envelope that does not exist is a 404.
	w := doJSON(t, r, http.MethodPut, "/vault/envelope", "u1", testEnvelope(t))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/vault/enable", "u1", testEnvelope(t))
	require.Equal(t, http.StatusOK, w.Code)

	env := testEnvelope(t)
	env["version"] = 2
	w = doJSON(t, r, http.MethodPut, "/vault/envelope", "u1", env)
	require.Equal(t, http.StatusOK, w.Code)

	vault, err := store.GetVault(t.Context(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), vault.Version)
}

func TestVault_DisableActions(t *testing.T) {
	r, store := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/vault/enable", "u1", testEnvelope(t))
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPost, "/sync/encrypted/push", "u1", map[string]any{
		"operations": []any{encryptedOp(t, "b-1"), encryptedOp(t, "b-2"), encryptedOp(t, "b-3")},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/vault/disable", "u1", map[string]any{"action": "verify"})
	require.Equal(t, http.StatusOK, w.Code)
	var verify map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verify))
	require.Equal(t, float64(3), verify["encryptedCount"])

	w = doJSON(t, r, http.MethodPost, "/vault/disable", "u1", map[string]any{"action": "delete-encrypted"})
	require.Equal(t, http.StatusOK, w.Code)
	count, err := store.CountRecords(t.Context(), "u1", true)
	require.NoError(t, err)
	require.Zero(t, count)

	w = doJSON(t, r, http.MethodPost, "/vault/disable", "u1", map[string]any{"action": "delete-vault"})
	require.Equal(t, http.StatusOK, w.Code)
	_, err = store.GetVault(t.Context(), "u1")
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)

	w = doJSON(t, r, http.MethodPost, "/vault/disable", "u1", map[string]any{"action": "shred"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVault_VerifyPlaintext(t *testing.T) {
	r, _ := newTestRouter(t)

	op := map[string]any{
		"recordId":   "b-1",
		"recordType": "bookmark",
		"data": map[string]any{
			"id": "b-1", "title": "GitHub", "url": "https://github.com",
		},
		"baseVersion": 0,
	}
	w := doJSON(t, r, http.MethodPost, "/sync/plaintext/push", "u1", map[string]any{"operations": []any{op}})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/vault/disable/verify-plaintext?expectedCount=1", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res registrystore.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Verified)
	require.Equal(t, int64(1), res.ServerCount)

	w = doJSON(t, r, http.MethodGet, "/vault/disable/verify-plaintext?expectedCount=2", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.False(t, res.Verified)

	w = doJSON(t, r, http.MethodGet, "/vault/disable/verify-plaintext", "u1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVault_Cleanup(t *testing.T) {
	r, store := newTestRouter(t)

	op := map[string]any{
		"recordId":   "b-1",
		"recordType": "bookmark",
		"data": map[string]any{
			"id": "b-1", "title": "GitHub", "url": "https://github.com",
		},
		"baseVersion": 0,
	}
	w := doJSON(t, r, http.MethodPost, "/sync/plaintext/push", "u1", map[string]any{"operations": []any{op}})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/vault/disable/cleanup", "u1", map[string]any{
		"recordIds":   []string{"b-1"},
		"recordTypes": []string{"bookmark"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	count, err := store.CountRecords(t.Context(), "u1", false)
	require.NoError(t, err)
	require.Zero(t, count)

	w = doJSON(t, r, http.MethodPost, "/vault/disable/cleanup", "u1", map[string]any{
		"recordIds":   []string{"b-1", "b-2"},
		"recordTypes": []string{"bookmark"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}
