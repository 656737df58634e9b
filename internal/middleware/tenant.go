// tenant.go resolves the tenant and actor of a request. Authentication and
// permission checks happen upstream; the gateway forwards the caller's
// tenant and user as trusted headers.
package middleware

import (
	"net/http"
	"unicode"

	"github.com/gin-gonic/gin"
)

const (
	// TenantHeader carries the tenant the request acts on.
	TenantHeader = "X-Tenant-ID"
	// ActorHeader carries the acting user; absent for system-initiated calls.
	ActorHeader = "X-Actor-ID"

	// TenantIDKey and ActorIDKey are the gin.Context keys set by TenantMiddleware.
	TenantIDKey = "tenant_id"
	ActorIDKey  = "actor_id"

	maxHeaderIDLen = 128
)

// TenantMiddleware requires X-Tenant-ID and stores it, together with the
// optional X-Actor-ID, on the gin context.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader(TenantHeader)
		if tenant == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": TenantHeader + " header is required"})
			return
		}
		if !validHeaderID(tenant) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + TenantHeader + " header"})
			return
		}
		c.Set(TenantIDKey, tenant)

		if actor := c.GetHeader(ActorHeader); actor != "" {
			if !validHeaderID(actor) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + ActorHeader + " header"})
				return
			}
			c.Set(ActorIDKey, actor)
		}
		c.Next()
	}
}

// OperatorMiddleware attributes cross-tenant admin requests to tenant, the
// operators' own chain, so operator actions are recorded without touching the
// chains they act on. X-Actor-ID is honoured as in TenantMiddleware.
func OperatorMiddleware(tenant string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(TenantIDKey, tenant)
		if actor := c.GetHeader(ActorHeader); actor != "" {
			if !validHeaderID(actor) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + ActorHeader + " header"})
				return
			}
			c.Set(ActorIDKey, actor)
		}
		c.Next()
	}
}

// TenantID returns the tenant resolved by TenantMiddleware.
func TenantID(c *gin.Context) string {
	return c.GetString(TenantIDKey)
}

// ActorID returns the acting user, or nil for system-initiated requests.
func ActorID(c *gin.Context) *string {
	actor := c.GetString(ActorIDKey)
	if actor == "" {
		return nil
	}
	return &actor
}

func validHeaderID(s string) bool {
	if len(s) > maxHeaderIDLen {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
