// Package admin implements the management HTTP surface spec §6 groups
// under /api/v1: tenant/key CRUD, quota usage and cache stats
// inspection, and stubs for the compliance-preset endpoints it names
// but whose backing YAML loader is out of scope (§1).
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/user/pii-airlock/internal/audit"
	"github.com/user/pii-airlock/internal/cache"
	"github.com/user/pii-airlock/internal/quota"
	"github.com/user/pii-airlock/internal/store"
)

type AdminHandler struct {
	tenantStore store.TenantStore
	quotaEnf    *quota.Enforcer
	respCache   *cache.Cache
	auditSink   audit.Sink
	apiKey      string // Admin API Key for protection
}

func NewAdminHandler(ts store.TenantStore, quotaEnf *quota.Enforcer, respCache *cache.Cache, auditSink audit.Sink, apiKey string) *AdminHandler {
	return &AdminHandler{
		tenantStore: ts,
		quotaEnf:    quotaEnf,
		respCache:   respCache,
		auditSink:   auditSink,
		apiKey:      apiKey,
	}
}

// Protected Middleware
func (h *AdminHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key != h.apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Admin Key"})
			return
		}
		c.Next()
	}
}

type CreateTenantRequest struct {
	TenantID      string   `json:"tenant_id" binding:"required"`
	Name          string   `json:"name" binding:"required"`
	APIKey        string   `json:"api_key" binding:"required"`
	RPMLimit      int      `json:"rpm_limit"`
	TPMLimit      int      `json:"tpm_limit"`
	AllowedModels []string `json:"allowed_models"`
}

func (h *AdminHandler) CreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Validate Defaults
	if req.RPMLimit == 0 {
		req.RPMLimit = 100
	}
	if req.TPMLimit == 0 {
		req.TPMLimit = 100000
	}
	if len(req.AllowedModels) == 0 {
		req.AllowedModels = []string{"*"}
	}

	tenant := &store.Tenant{
		TenantID:      req.TenantID,
		Name:          req.Name,
		APIKey:        req.APIKey,
		RPMLimit:      req.RPMLimit,
		TPMLimit:      req.TPMLimit,
		AllowedModels: req.AllowedModels,
		IsActive:      true,
	}

	if err := h.tenantStore.CreateTenant(context.Background(), tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create tenant"})
		return
	}

	c.JSON(http.StatusCreated, tenant)
}

// RotateKeyRequest renames a tenant's API key in place — "keys" in
// spec §6 is this store's existing api_key field, not a separate
// table, so rotation is a CreateTenant with a fresh key and the same
// tenant_id.
type RotateKeyRequest struct {
	TenantID  string `json:"tenant_id" binding:"required"`
	NewAPIKey string `json:"new_api_key" binding:"required"`
}

// RotateKey issues a new API key for an existing tenant by looking it
// up under its current key and re-saving it under the new one.
func (h *AdminHandler) RotateKey(c *gin.Context) {
	var req RotateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	oldKey := c.Query("current_api_key")
	tenant, err := h.tenantStore.GetTenant(c.Request.Context(), oldKey)
	if err != nil || tenant == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found for current_api_key"})
		return
	}

	tenant.APIKey = req.NewAPIKey
	if err := h.tenantStore.CreateTenant(c.Request.Context(), tenant); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate key"})
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// QuotaUsageResponse reports every configured (type, period) counter for
// a tenant, per spec §6's /api/v1/quota/usage.
type QuotaUsageResponse struct {
	TenantID string             `json:"tenant_id"`
	Usage    []QuotaUsageDetail `json:"usage"`
}

type QuotaUsageDetail struct {
	QuotaType   string `json:"quota_type"`
	Period      string `json:"period"`
	Current     int64  `json:"current"`
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
}

// QuotaUsage reports live usage counters for a tenant across every
// quota type/period combination configured for it.
func (h *AdminHandler) QuotaUsage(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	resp := QuotaUsageResponse{TenantID: tenantID}
	for _, qt := range []quota.Type{quota.TypeRequests, quota.TypeTokens} {
		for _, period := range []quota.Period{quota.PeriodHourly, quota.PeriodDaily, quota.PeriodMonthly} {
			current, start, end, ok := h.quotaEnf.Usage(tenantID, qt, period)
			if !ok {
				continue
			}
			resp.Usage = append(resp.Usage, QuotaUsageDetail{
				QuotaType:   string(qt),
				Period:      string(period),
				Current:     current,
				WindowStart: start.Format("2006-01-02T15:04:05Z07:00"),
				WindowEnd:   end.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CacheStatsResponse reports the response cache's global size, per
// spec §6's /api/v1/cache/stats. Per-tenant invalidation is exposed via
// a query parameter rather than a separate route.
type CacheStatsResponse struct {
	TotalEntries int `json:"total_entries"`
}

func (h *AdminHandler) CacheStats(c *gin.Context) {
	if invalidate := c.Query("invalidate_tenant"); invalidate != "" {
		removed := h.respCache.InvalidateTenant(invalidate)
		c.JSON(http.StatusOK, gin.H{"invalidated": removed, "tenant_id": invalidate})
		return
	}
	c.JSON(http.StatusOK, CacheStatsResponse{TotalEntries: h.respCache.Size()})
}

// Compliance preset endpoints are named in spec §6 but their backing
// YAML loader (config/compliance_loader.py in the original) is out of
// scope per spec.md §1 — these stubs return 501 rather than silently
// no-op, so a caller can tell the feature is unimplemented rather than
// mistaking an empty 200 for "no presets configured".
func (h *AdminHandler) CompliancePresets(c *gin.Context)    { complianceNotImplemented(c) }
func (h *AdminHandler) ComplianceStatus(c *gin.Context)     { complianceNotImplemented(c) }
func (h *AdminHandler) ComplianceActivate(c *gin.Context)   { complianceNotImplemented(c) }
func (h *AdminHandler) ComplianceDeactivate(c *gin.Context) { complianceNotImplemented(c) }
func (h *AdminHandler) ComplianceReload(c *gin.Context)     { complianceNotImplemented(c) }

func complianceNotImplemented(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "compliance preset management is not implemented"})
}

// AuditRecent serves spec §6's /api/v1/audit/* surface: the most
// recent retained events, optionally filtered by tenant_id and capped
// by a limit query parameter. Only the in-memory ring-buffer sink
// exposes a Recent() listing; file/database sinks are queried directly
// by operators instead of through this endpoint.
func (h *AdminHandler) AuditRecent(c *gin.Context) {
	memSink, ok := h.auditSink.(*audit.MemorySink)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit event listing requires the memory audit store"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events := memSink.Recent()
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.TenantID == tenantID {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}
