// Package api is the client's HTTP binding to the sync service. It speaks the
// same wire DTOs the server handlers do and translates HTTP status codes back
// into the typed errors the engine branches on.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/model"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
)

// StatusError is a non-2xx response that is not a recognized typed error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusUnauthorized
}

// IsTransient reports whether err is worth retrying: a 5xx or a transport
// failure. Typed client errors (conflict, validation, not-found) are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	var conflict *registrystore.ConflictError
	var validation *registrystore.ValidationError
	var notFound *registrystore.NotFoundError
	if errors.As(err, &conflict) || errors.As(err, &validation) || errors.As(err, &notFound) {
		return false
	}
	return true
}

// Client talks to one sync server on behalf of one signed-in user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Client. token is sent as a bearer token; with no OIDC on the
// server it doubles as the user id.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			return json.Unmarshal(data, out)
		}
		return nil
	}
	return decodeError(resp.StatusCode, data)
}

func decodeError(code int, body []byte) error {
	var payload struct {
		Error     string                   `json:"error"`
		Field     string                   `json:"field"`
		Conflicts []registrystore.Conflict `json:"conflicts"`
	}
	_ = json.Unmarshal(body, &payload)
	switch code {
	case http.StatusConflict:
		return &registrystore.ConflictError{Message: payload.Error, Conflicts: payload.Conflicts}
	case http.StatusBadRequest:
		return &registrystore.ValidationError{Field: payload.Field, Message: payload.Error}
	case http.StatusNotFound:
		return &registrystore.NotFoundError{Resource: payload.Error}
	default:
		return &StatusError{Code: code, Message: payload.Error}
	}
}

func modePath(encrypted bool) string {
	if encrypted {
		return "encrypted"
	}
	return "plaintext"
}

// Push uploads a batch of operations.
func (c *Client) Push(ctx context.Context, encrypted bool, ops []registrystore.PushOperation) (*registrystore.PushResponse, error) {
	var resp registrystore.PushResponse
	body := map[string]any{"operations": ops}
	if err := c.do(ctx, http.MethodPost, "/sync/"+modePath(encrypted)+"/push", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches one page of records.
func (c *Client) Pull(ctx context.Context, encrypted bool, cursor *string, limit int) (*registrystore.PullPage, error) {
	q := url.Values{}
	if cursor != nil && *cursor != "" {
		q.Set("cursor", *cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/sync/" + modePath(encrypted) + "/pull"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page registrystore.PullPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Checksum fetches the authoritative plaintext dataset checksum meta.
func (c *Client) Checksum(ctx context.Context) (*checksum.Meta, error) {
	var meta checksum.Meta
	if err := c.do(ctx, http.MethodGet, "/sync/plaintext/checksum", nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetSettings fetches the server-side sync settings.
func (c *Client) GetSettings(ctx context.Context) (*model.SyncSettings, error) {
	var settings model.SyncSettings
	if err := c.do(ctx, http.MethodGet, "/sync/settings", nil, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// PutSettings updates the server-side sync settings.
func (c *Client) PutSettings(ctx context.Context, enabled bool, mode model.SyncMode) (*model.SyncSettings, error) {
	var settings model.SyncSettings
	body := map[string]any{"syncEnabled": enabled, "syncMode": mode}
	if err := c.do(ctx, http.MethodPut, "/sync/settings", body, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// VaultStatus is the GET /vault response.
type VaultStatus struct {
	Enabled  bool         `json:"enabled"`
	Envelope *model.Vault `json:"envelope,omitempty"`
}

// GetVault fetches envelope existence and metadata.
func (c *Client) GetVault(ctx context.Context) (*VaultStatus, error) {
	var status VaultStatus
	if err := c.do(ctx, http.MethodGet, "/vault", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// EnvelopeUpload is the body for vault enable and envelope replacement.
type EnvelopeUpload struct {
	WrappedKey       []byte                  `json:"wrappedKey"`
	Salt             []byte                  `json:"salt"`
	KDFParams        model.KDFParams         `json:"kdfParams"`
	Version          int                     `json:"version"`
	RecoveryWrappers []model.RecoveryWrapper `json:"recoveryWrappers,omitempty"`
	Overwrite        bool                    `json:"overwrite,omitempty"`
}

// EnableVault stores the initial envelope.
func (c *Client) EnableVault(ctx context.Context, env *EnvelopeUpload) error {
	return c.do(ctx, http.MethodPost, "/vault/enable", env, nil)
}

// PutEnvelope replaces the envelope (after recovery rotation).
func (c *Client) PutEnvelope(ctx context.Context, env *EnvelopeUpload) error {
	return c.do(ctx, http.MethodPut, "/vault/envelope", env, nil)
}

// DisableVault runs one server-side disable action: "verify",
// "delete-encrypted", "delete-plaintext", or "delete-vault".
func (c *Client) DisableVault(ctx context.Context, action string) error {
	return c.do(ctx, http.MethodPost, "/vault/disable", map[string]string{"action": action}, nil)
}

// VerifyPlaintext asks the server to confirm the expected plaintext row count.
func (c *Client) VerifyPlaintext(ctx context.Context, expectedCount int64) (*registrystore.VerifyResult, error) {
	var res registrystore.VerifyResult
	path := "/vault/disable/verify-plaintext?expectedCount=" + strconv.FormatInt(expectedCount, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cleanup removes partially uploaded rows during a disable rollback.
func (c *Client) Cleanup(ctx context.Context, keys []registrystore.RecordKey) error {
	ids := make([]string, len(keys))
	types := make([]model.RecordType, len(keys))
	for i, k := range keys {
		ids[i] = k.RecordID
		types[i] = k.RecordType
	}
	body := map[string]any{"recordIds": ids, "recordTypes": types}
	return c.do(ctx, http.MethodPost, "/vault/disable/cleanup", body, nil)
}
