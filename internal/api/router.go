// Package api wires together all HTTP routes of the audit chain service.
//
// Route grouping:
//   - /health, /ready and /version are probes and carry no tenant.
//   - /api/v1/audit acts on the tenant named by X-Tenant-ID. The gateway in
//     front of this service authenticates callers and sets that header; a
//     request can never read or write another tenant's chain through it.
//   - /api/v1/admin spans tenants and is meant for operators; expose it only
//     on an internal listener or behind the gateway's admin policy. Archive
//     requests are themselves recorded in the chain of admin.operator_tenant.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizsuite/auditchain/internal/api/admin"
	"github.com/bizsuite/auditchain/internal/api/auditlog"
	"github.com/bizsuite/auditchain/internal/config"
	"github.com/bizsuite/auditchain/internal/export"
	"github.com/bizsuite/auditchain/internal/middleware"
	"github.com/bizsuite/auditchain/internal/service"
	"github.com/bizsuite/auditchain/internal/storage"
	"github.com/bizsuite/auditchain/internal/stream"
)

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Dependencies are the components the router serves. Optional components
// are nil when their feature is disabled.
type Dependencies struct {
	Config  *config.Config
	Service *service.AuditService
	Version string

	// DB is nil when the chain is held in memory.
	DB Pinger
	// Hub serves the live stream.
	Hub *stream.Hub
	// Archiver and Objects back the archive endpoints and the storage
	// readiness check.
	Archiver *export.Archiver
	Objects  storage.Storage
	// Limiter enables rate limiting.
	Limiter middleware.Limiter
	// TenantStats adds entry counts to the admin tenant listing.
	TenantStats admin.TenantStatsSource
}

// operatorAuditRoutes are the admin actions recorded in the operator chain.
var operatorAuditRoutes = middleware.AuditRoutes{
	"POST /api/v1/admin/tenants/:tenant/archive": {
		Action:      "auditchain.archives.create",
		Entity:      "tenant",
		EntityParam: "tenant",
	},
}

// NewRouter creates and configures the Gin router
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	middleware.Setup(router, deps.Config, deps.Limiter)

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Objects))
	router.GET("/version", versionHandler(deps.Version))

	// A nil *stream.Hub must not become a non-nil interface.
	var streamServer auditlog.StreamServer
	if deps.Hub != nil {
		streamServer = deps.Hub
	}

	v1 := router.Group("/api/v1")
	{
		auditGroup := v1.Group("/audit", middleware.TenantMiddleware())
		auditlog.NewHandler(deps.Service, streamServer).Register(auditGroup)

		adminGroup := v1.Group("/admin")
		if op := deps.Config.Admin.OperatorTenant; op != "" {
			adminGroup.Use(
				middleware.OperatorMiddleware(op),
				middleware.AuditRecorder(deps.Service, operatorAuditRoutes),
			)
		}
		admin.NewTenantsHandler(deps.Service, deps.TenantStats, deps.Archiver).Register(adminGroup)
	}

	return router
}

// healthCheckHandler is the liveness probe. It fails only when the database
// is unreachable.
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessProbePath is a known-absent object; Exists on it exercises
// credentials and connectivity without creating state.
const readinessProbePath = ".readiness-probe"

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the archive storage
// backend so that a readiness gate fails when archiving would error.
func readinessHandler(db Pinger, objects storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				checks["database"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "database not ready",
				})
				return
			}
			checks["database"] = "healthy"
		} else {
			checks["database"] = "memory"
		}

		if objects != nil {
			if _, err := objects.Exists(c.Request.Context(), readinessProbePath); err != nil {
				checks["storage"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "storage backend not ready",
				})
				return
			}
			checks["storage"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     version,
			"api_version": "v1",
		})
	}
}
