// tenants.go implements operator endpoints over all tenant chains: listing
// tenants, verifying any tenant's chain and snapshotting it to archive storage.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizsuite/auditchain/internal/api/apierr"
	"github.com/bizsuite/auditchain/internal/db/repositories"
	"github.com/bizsuite/auditchain/internal/export"
	"github.com/bizsuite/auditchain/internal/middleware"
	"github.com/bizsuite/auditchain/internal/service"
)

// TenantStatsSource reports per-tenant entry counts. The SQL chain repository
// implements it; the in-memory store does not.
type TenantStatsSource interface {
	TenantStats(ctx context.Context) ([]repositories.TenantStats, error)
}

// TenantsHandler handles tenant administration requests
type TenantsHandler struct {
	svc      *service.AuditService
	stats    TenantStatsSource
	archiver *export.Archiver
}

// NewTenantsHandler creates a new tenants handler. stats and archiver may be
// nil; archiving then answers 503.
func NewTenantsHandler(svc *service.AuditService, stats TenantStatsSource, archiver *export.Archiver) *TenantsHandler {
	return &TenantsHandler{
		svc:      svc,
		stats:    stats,
		archiver: archiver,
	}
}

// TenantSummary is one row of the tenant listing. Entries and LastSeq are
// only filled in when the store can count them.
type TenantSummary struct {
	TenantID string `json:"tenant_id"`
	Entries  *int64 `json:"entries,omitempty"`
	LastSeq  *int64 `json:"last_seq,omitempty"`
}

// ListTenants lists every tenant with at least one entry.
// GET /api/v1/admin/tenants
func (h *TenantsHandler) ListTenants(c *gin.Context) {
	ctx := c.Request.Context()
	var tenants []TenantSummary

	if h.stats != nil {
		stats, err := h.stats.TenantStats(ctx)
		if err != nil {
			apierr.Respond(c, err, "failed to list tenants")
			return
		}
		tenants = make([]TenantSummary, 0, len(stats))
		for i := range stats {
			s := stats[i]
			tenants = append(tenants, TenantSummary{TenantID: s.TenantID, Entries: &s.Entries, LastSeq: &s.LastSeq})
		}
	} else {
		ids, err := h.svc.Tenants(ctx)
		if err != nil {
			apierr.Respond(c, err, "failed to list tenants")
			return
		}
		tenants = make([]TenantSummary, 0, len(ids))
		for _, id := range ids {
			tenants = append(tenants, TenantSummary{TenantID: id})
		}
	}

	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

// VerifyTenant walks one tenant's chain.
// GET /api/v1/admin/tenants/:tenant/verify
func (h *TenantsHandler) VerifyTenant(c *gin.Context) {
	result, err := h.svc.VerifyChain(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		apierr.Respond(c, err, "failed to verify audit chain")
		return
	}
	c.JSON(http.StatusOK, result)
}

// ArchiveTenant verifies the tenant's chain and snapshots it to archive
// storage. A chain that does not verify is refused with 409.
// POST /api/v1/admin/tenants/:tenant/archive
func (h *TenantsHandler) ArchiveTenant(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archiving is disabled"})
		return
	}

	tenant := c.Param("tenant")
	res, err := h.archiver.Archive(c.Request.Context(), tenant)
	if err != nil {
		var broken *export.BrokenChainError
		switch {
		case errors.As(err, &broken):
			slog.Warn("refusing to archive broken chain", "tenant_id", tenant, "reason", broken.Result.Reason)
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "result": broken.Result})
		case errors.Is(err, export.ErrEmptyChain):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			apierr.Respond(c, err, "failed to archive tenant chain")
		}
		return
	}

	slog.Info("tenant chain archived", "tenant_id", tenant, "manifest", res.ManifestPath, "entries", res.Manifest.Entries)
	c.Set(middleware.AuditDiffKey, map[string]any{
		"manifest":  res.ManifestPath,
		"entries":   res.Manifest.Entries,
		"last_hash": res.Manifest.LastHash,
		"signed":    res.SignaturePath != "",
	})
	c.JSON(http.StatusCreated, res)
}

// ListArchives lists the manifests of the tenant's archives, oldest first.
// GET /api/v1/admin/tenants/:tenant/archives
func (h *TenantsHandler) ListArchives(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archiving is disabled"})
		return
	}
	manifests, err := h.archiver.List(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		apierr.Respond(c, err, "failed to list archives")
		return
	}
	if manifests == nil {
		manifests = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"manifests": manifests})
}

// Register mounts the handlers on g.
func (h *TenantsHandler) Register(g *gin.RouterGroup) {
	g.GET("/tenants", h.ListTenants)
	g.GET("/tenants/:tenant/verify", h.VerifyTenant)
	g.POST("/tenants/:tenant/archive", h.ArchiveTenant)
	g.GET("/tenants/:tenant/archives", h.ListArchives)
}
