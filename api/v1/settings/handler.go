package settings

import (
	"strings"

	"gobii_runner/internal/httpx"
	"gobii_runner/internal/store"

	"github.com/gin-gonic/gin"
)

// Handler manages the Gobii API key
type Handler struct {
	credentials store.CredentialStore
}

// NewHandler creates a new settings handler
func NewHandler(credentials store.CredentialStore) *Handler {
	return &Handler{credentials: credentials}
}

// APIKeyRequest is the body of POST /settings/api-key
type APIKeyRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

// APIKeyResponse never contains the full key
type APIKeyResponse struct {
	Configured bool   `json:"configured"`
	Masked     string `json:"masked,omitempty"`
}

// GetAPIKey handles GET /api/v1/settings/api-key
func (h *Handler) GetAPIKey(c *gin.Context) {
	key, ok, err := h.credentials.Get(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrStoreError("failed to load API key", err))
		return
	}
	if !ok {
		httpx.OK(c, APIKeyResponse{})
		return
	}
	httpx.OK(c, APIKeyResponse{Configured: true, Masked: MaskKey(key)})
}

// SetAPIKey handles POST /api/v1/settings/api-key
func (h *Handler) SetAPIKey(c *gin.Context) {
	var req APIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamMissing("apiKey is required"))
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		httpx.FailErr(c, httpx.ErrParamInvalid("apiKey must not be blank"))
		return
	}

	if err := h.credentials.Set(c.Request.Context(), key); err != nil {
		httpx.FailErr(c, httpx.ErrStoreError("failed to save API key", err))
		return
	}
	httpx.OK(c, APIKeyResponse{Configured: true, Masked: MaskKey(key)})
}

// DeleteAPIKey handles POST /api/v1/settings/api-key/delete
func (h *Handler) DeleteAPIKey(c *gin.Context) {
	if err := h.credentials.Delete(c.Request.Context()); err != nil {
		httpx.FailErr(c, httpx.ErrStoreError("failed to delete API key", err))
		return
	}
	httpx.OK(c, APIKeyResponse{})
}

// MaskKey keeps the last four characters of key
func MaskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
