// setup.go installs the standard middleware chain on a router.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/bizsuite/auditchain/internal/config"
)

// Setup installs, in order: panic recovery, request IDs, metrics, request
// logging, security headers and CORS. limiter may be nil to disable rate
// limiting; it is installed last so rejected requests are still logged and
// counted.
func Setup(r *gin.Engine, cfg *config.Config, limiter Limiter) {
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(SecurityHeadersMiddleware(APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	r.Use(CORSMiddleware(CORSConfig{
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		AllowedMethods: cfg.Security.CORS.AllowedMethods,
	}))
	if limiter != nil {
		r.Use(RateLimitMiddleware(limiter))
	}
}
