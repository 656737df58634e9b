// Package auditlog implements the tenant-scoped /api/v1/audit endpoints:
// appending actions, reading and verifying entries, exporting a chain and the
// live websocket feed. Every route runs behind middleware.TenantMiddleware.
package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bizsuite/auditchain/internal/api/apierr"
	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/export"
	"github.com/bizsuite/auditchain/internal/middleware"
	"github.com/bizsuite/auditchain/internal/service"
)

// StreamServer upgrades a request into a live feed of one tenant's entries.
type StreamServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, tenantID string)
}

// Handler handles audit log API requests
type Handler struct {
	svc    *service.AuditService
	stream StreamServer
}

// NewHandler creates a new audit log handler. stream may be nil, in which case
// the live feed answers 404.
func NewHandler(svc *service.AuditService, stream StreamServer) *Handler {
	return &Handler{svc: svc, stream: stream}
}

// AppendRequest is the body of POST /api/v1/audit.
type AppendRequest struct {
	Action   string          `json:"action"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Diff     json.RawMessage `json:"diff"`
}

// Pagination describes the page returned by List.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// ListResponse is the body of GET /api/v1/audit.
type ListResponse struct {
	Entries    []*chain.Entry `json:"entries"`
	Pagination Pagination     `json:"pagination"`
	NextCursor *string        `json:"next_cursor"`
}

// Append records an action for the request tenant.
// POST /api/v1/audit
func (h *Handler) Append(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	in := chain.ActionInput{
		TenantID:    middleware.TenantID(c),
		ActorUserID: middleware.ActorID(c),
		Action:      req.Action,
		Entity:      req.Entity,
		EntityID:    req.EntityID,
	}
	if len(req.Diff) > 0 {
		in.Diff = req.Diff
	}

	entry, err := h.svc.Append(c.Request.Context(), in)
	if err != nil {
		apierr.Respond(c, err, "failed to record action")
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// List returns a page of the tenant's entries, newest first. Paging works
// either by offset or by passing back next_cursor as cursor.
// GET /api/v1/audit
func (h *Handler) List(c *gin.Context) {
	opts := chain.ListOptions{
		TenantID: middleware.TenantID(c),
		Entity:   c.Query("entity"),
		EntityID: c.Query("entity_id"),
	}

	var err error
	if opts.Limit, err = intQuery(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.Offset, err = intQuery(c, "offset"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cursor := c.Query("cursor"); cursor != "" {
		seq, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || seq <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		opts.BeforeSeq = seq
	}
	opts.Limit = chain.NormalizeLimit(opts.Limit)

	entries, err := h.svc.ListActivity(c.Request.Context(), opts)
	if err != nil {
		apierr.Respond(c, err, "failed to list audit entries")
		return
	}

	resp := ListResponse{
		Entries:    entries,
		Pagination: Pagination{Limit: opts.Limit, Offset: opts.Offset, Count: len(entries)},
	}
	if len(entries) == opts.Limit && entries[len(entries)-1].Seq > 1 {
		next := strconv.FormatInt(entries[len(entries)-1].Seq, 10)
		resp.NextCursor = &next
	}
	c.JSON(http.StatusOK, resp)
}

// Get returns one entry of the request tenant.
// GET /api/v1/audit/:hash
func (h *Handler) Get(c *gin.Context) {
	hash := c.Param("hash")
	entry, err := h.svc.GetEntry(c.Request.Context(), hash)
	if err != nil {
		apierr.Respond(c, err, "failed to get audit entry")
		return
	}
	if entry.TenantID != middleware.TenantID(c) {
		apierr.Respond(c, &chain.NotFoundError{Hash: hash}, "")
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Verify recomputes the hash of one entry of the request tenant.
// GET /api/v1/audit/:hash/verify
func (h *Handler) Verify(c *gin.Context) {
	hash := c.Param("hash")
	result, err := h.svc.VerifyByHash(c.Request.Context(), hash)
	if err != nil {
		apierr.Respond(c, err, "failed to verify audit entry")
		return
	}
	if result.Record == nil || result.Record.TenantID != middleware.TenantID(c) {
		apierr.Respond(c, &chain.NotFoundError{Hash: hash}, "")
		return
	}
	c.JSON(http.StatusOK, result)
}

// VerifyChain walks the request tenant's whole chain.
// GET /api/v1/audit/chain/verify
func (h *Handler) VerifyChain(c *gin.Context) {
	result, err := h.svc.VerifyChain(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		apierr.Respond(c, err, "failed to verify audit chain")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Export streams the request tenant's chain in insertion order.
// GET /api/v1/audit/export?format=jsonl|json|csv
func (h *Handler) Export(c *gin.Context) {
	format, err := export.ParseFormat(c.DefaultQuery("format", string(export.FormatJSONL)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant := middleware.TenantID(c)
	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.%s"`, url.PathEscape(tenant), format.Extension()))
	c.Status(http.StatusOK)

	n, err := export.WriteChain(c.Request.Context(), h.svc.Store(), tenant, c.Writer, format)
	if err != nil {
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Type")
			c.Writer.Header().Del("Content-Disposition")
			apierr.Respond(c, err, "failed to export audit chain")
			return
		}
		// Headers are gone; the truncated body is all the client will see.
		slog.Error("audit export aborted", "tenant_id", tenant, "entries", n, "error", err)
		_ = c.Error(err)
		return
	}
	slog.Debug("audit chain exported", "tenant_id", tenant, "format", format, "entries", n)
}

// Stream subscribes a websocket to the request tenant's new entries.
// GET /api/v1/audit/stream
func (h *Handler) Stream(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live stream is disabled"})
		return
	}
	h.stream.ServeWS(c.Writer, c.Request, middleware.TenantID(c))
}

var errNegative = errors.New("must be a non-negative integer")

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s %w", name, errNegative)
	}
	return v, nil
}

// Register mounts the handlers on g, which must run TenantMiddleware. The
// static routes share a segment with :hash; gin matches them first.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("", h.Append)
	g.GET("", h.List)
	g.GET("/chain/verify", h.VerifyChain)
	g.GET("/export", h.Export)
	g.GET("/stream", h.Stream)
	g.GET("/:hash", h.Get)
	g.GET("/:hash/verify", h.Verify)
}
