// audit.go provides Gin middleware that records successful mutating requests
// of embedding business handlers into the tenant's audit chain.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizsuite/auditchain/internal/chain"
)

const (
	// AuditActionKey lets a handler override the recorded action.
	AuditActionKey = "audit_action"
	// AuditEntityIDKey lets a handler name the entity it created, whose ID is
	// not yet in the route.
	AuditEntityIDKey = "audit_entity_id"
	// AuditDiffKey holds the diff a handler wants recorded.
	AuditDiffKey = "audit_diff"
	// AuditSkipKey, when set to true, suppresses recording for the request.
	AuditSkipKey = "audit_skip"

	recordTimeout = 5 * time.Second
)

// ActionRecorder records an action without failing the caller.
// service.AuditService satisfies it.
type ActionRecorder interface {
	RecordAction(ctx context.Context, in chain.ActionInput) *chain.Entry
}

// AuditRoute describes what a route records.
type AuditRoute struct {
	// Action is the dotted verb, e.g. "crm.contacts.update"
	Action string
	// Entity is the logical object type, e.g. "contact"
	Entity string
	// EntityParam names the route parameter that holds the entity ID
	EntityParam string
}

// AuditRoutes maps "METHOD /route/template" (gin's FullPath) to the action
// recorded for it.
type AuditRoutes map[string]AuditRoute

// AuditRecorder records every successful POST, PUT, PATCH or DELETE whose
// route appears in routes. It runs after the handler and records before the
// request completes so the actions of one client keep their order in the
// chain. Recording failures are logged by the recorder and never change the
// response.
func AuditRecorder(rec ActionRecorder, routes AuditRoutes) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return
		}
		if status := c.Writer.Status(); status < 200 || status >= 300 || c.GetBool(AuditSkipKey) {
			return
		}
		route, ok := routes[c.Request.Method+" "+c.FullPath()]
		if !ok {
			return
		}

		in := chain.ActionInput{
			TenantID:    TenantID(c),
			ActorUserID: ActorID(c),
			Action:      route.Action,
			Entity:      route.Entity,
		}
		if action := c.GetString(AuditActionKey); action != "" {
			in.Action = action
		}
		if route.EntityParam != "" {
			in.EntityID = c.Param(route.EntityParam)
		}
		if id := c.GetString(AuditEntityIDKey); id != "" {
			in.EntityID = id
		}
		if diff, ok := c.Get(AuditDiffKey); ok {
			in.Diff = diff
		} else {
			in.Diff = map[string]any{"method": c.Request.Method, "status": c.Writer.Status()}
		}

		// The client may already have gone; the action happened regardless.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), recordTimeout)
		defer cancel()
		if rec.RecordAction(ctx, in) == nil {
			slog.Warn("request not recorded in audit chain",
				"request_id", RequestIDFromContext(ctx),
				"tenant_id", in.TenantID,
				"action", in.Action)
		}
	}
}
