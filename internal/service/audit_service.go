// Package service is the narrow interface business-action code uses to write
// to and read from the audit chain. It ties the appender and verifier to the
// post-commit fan-out: every committed entry is handed to the configured
// shippers and to live stream subscribers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bizsuite/auditchain/internal/audit"
	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/safego"
)

// defaultShipTimeout bounds one round of shipping for a single entry.
const defaultShipTimeout = 10 * time.Second

// Publisher receives committed entries for live delivery. It must not block.
type Publisher interface {
	Publish(entry *chain.Entry)
}

// AuditService records and verifies audit entries.
type AuditService struct {
	store     chain.Store
	appender  *chain.Appender
	verifier  *chain.Verifier
	shipper   audit.Shipper
	publisher Publisher

	shipTimeout time.Duration
	inflight    sync.WaitGroup
}

// NewAuditService creates the service. shipper and publisher may be nil.
func NewAuditService(store chain.Store, cfg chain.AppenderConfig, shipper audit.Shipper, publisher Publisher) *AuditService {
	return &AuditService{
		store:       store,
		appender:    chain.NewAppender(store, cfg),
		verifier:    chain.NewVerifier(store),
		shipper:     shipper,
		publisher:   publisher,
		shipTimeout: defaultShipTimeout,
	}
}

// Store returns the underlying chain store.
func (s *AuditService) Store() chain.Store {
	return s.store
}

// Append records an action at the tip of the tenant's chain and returns the
// persisted entry. Errors are returned to the caller.
func (s *AuditService) Append(ctx context.Context, in chain.ActionInput) (*chain.Entry, error) {
	entry, err := s.appender.Append(ctx, in)
	if err != nil {
		return nil, err
	}
	s.fanOut(entry)
	return entry, nil
}

// RecordAction is called by business handlers after their own mutation has
// committed. A failure to record is logged and yields nil; it never fails the
// business action that triggered it.
func (s *AuditService) RecordAction(ctx context.Context, in chain.ActionInput) *chain.Entry {
	entry, err := s.Append(ctx, in)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, chain.ErrContention) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "failed to record audit action",
			"tenant_id", in.TenantID,
			"action", in.Action,
			"entity", in.Entity,
			"entity_id", in.EntityID,
			"error", err)
		return nil
	}
	return entry
}

// fanOut hands a committed entry to live subscribers and, off the request
// path, to the shippers.
func (s *AuditService) fanOut(entry *chain.Entry) {
	if s.publisher != nil {
		s.publisher.Publish(entry)
	}
	if s.shipper == nil {
		return
	}
	s.inflight.Add(1)
	safego.Go("audit-ship", func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.shipTimeout)
		defer cancel()
		if err := s.shipper.Ship(ctx, entry); err != nil {
			slog.Warn("failed to ship audit entry", "tenant_id", entry.TenantID, "hash", entry.Hash, "error", err)
		}
	})
}

// GetRecentActivity returns the tenant's newest entries, optionally narrowed
// to one entity ID, newest first.
func (s *AuditService) GetRecentActivity(ctx context.Context, tenantID, entityID string, limit int) ([]*chain.Entry, error) {
	return s.ListActivity(ctx, chain.ListOptions{TenantID: tenantID, EntityID: entityID, Limit: limit})
}

// ListActivity returns a page of the tenant's entries, newest first.
func (s *AuditService) ListActivity(ctx context.Context, opts chain.ListOptions) ([]*chain.Entry, error) {
	if opts.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", chain.ErrInvalidInput)
	}
	if opts.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", chain.ErrInvalidInput)
	}
	opts.Limit = chain.NormalizeLimit(opts.Limit)
	entries, err := s.store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return entries, nil
}

// GetEntry returns the entry stored under hash.
func (s *AuditService) GetEntry(ctx context.Context, hash string) (*chain.Entry, error) {
	if !chain.IsHash(hash) {
		return nil, fmt.Errorf("%w: %q is not a hex SHA-256 hash", chain.ErrInvalidInput, hash)
	}
	entry, err := s.store.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	if entry == nil {
		return nil, &chain.NotFoundError{Hash: hash}
	}
	return entry, nil
}

// VerifyByHash recomputes the hash of a single stored entry.
func (s *AuditService) VerifyByHash(ctx context.Context, hash string) (*chain.EntryResult, error) {
	if !chain.IsHash(hash) {
		return nil, fmt.Errorf("%w: %q is not a hex SHA-256 hash", chain.ErrInvalidInput, hash)
	}
	return s.verifier.VerifyEntry(ctx, hash)
}

// VerifyChain walks the tenant's whole chain.
func (s *AuditService) VerifyChain(ctx context.Context, tenantID string) (*chain.ChainResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", chain.ErrInvalidInput)
	}
	return s.verifier.VerifyChain(ctx, tenantID)
}

// Tenants lists the tenants that have at least one entry.
func (s *AuditService) Tenants(ctx context.Context) ([]string, error) {
	return s.store.Tenants(ctx)
}

// Close waits for in-flight shipping and then closes the shipper.
func (s *AuditService) Close() error {
	s.inflight.Wait()
	if s.shipper != nil {
		return s.shipper.Close()
	}
	return nil
}
