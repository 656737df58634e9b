// chain_repository.go implements ChainRepository, the SQL chain.Store. The same
// queries serve PostgreSQL and SQLite; only the append statement differs between
// the two dialects. Appends are a single INSERT ... SELECT guarded by the tenant
// tip, so a writer holding a stale tip inserts nothing, and two writers racing on
// the same tip are separated by the (tenant_id, prev_hash) unique constraint.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/db/models"
)

const entryColumns = `id, tenant_id, seq, actor_user_id, action, entity, entity_id, diff, created_at, prev_hash, hash`

// postgresAppendQuery casts the parameters whose target column has no
// assignment cast from text.
const postgresAppendQuery = `
	INSERT INTO audit_entries (id, tenant_id, seq, actor_user_id, action, entity, entity_id, diff, created_at, prev_hash, hash)
	SELECT CAST(? AS uuid), ?,
		COALESCE((SELECT MAX(seq) FROM audit_entries WHERE tenant_id = ?), 0) + 1,
		?, ?, ?, ?, CAST(? AS jsonb), now(), ?, ?
	WHERE COALESCE((SELECT hash FROM audit_entries WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1), ?) = ?
	RETURNING seq, created_at
`

const sqliteAppendQuery = `
	INSERT INTO audit_entries (id, tenant_id, seq, actor_user_id, action, entity, entity_id, diff, created_at, prev_hash, hash)
	SELECT ?, ?,
		COALESCE((SELECT MAX(seq) FROM audit_entries WHERE tenant_id = ?), 0) + 1,
		?, ?, ?, ?, ?, ?, ?, ?
	WHERE COALESCE((SELECT hash FROM audit_entries WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1), ?) = ?
	RETURNING seq, created_at
`

// ChainRepository handles audit chain database operations
type ChainRepository struct {
	db     *sqlx.DB
	sqlite bool
	now    func() time.Time
}

// NewChainRepository creates a new ChainRepository. The dialect follows the
// driver name the handle was opened with.
func NewChainRepository(db *sqlx.DB) *ChainRepository {
	return &ChainRepository{
		db:     db,
		sqlite: strings.HasPrefix(db.DriverName(), "sqlite"),
		now:    time.Now,
	}
}

var _ chain.Store = (*ChainRepository)(nil)

// Latest returns the tenant's highest-seq entry, or nil when the chain is empty.
func (r *ChainRepository) Latest(ctx context.Context, tenantID string) (*chain.Entry, error) {
	query := r.db.Rebind(`SELECT ` + entryColumns + ` FROM audit_entries WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`)
	return r.getOne(ctx, query, tenantID)
}

// Get returns the entry with the given hash, or nil when none exists.
func (r *ChainRepository) Get(ctx context.Context, hash string) (*chain.Entry, error) {
	query := r.db.Rebind(`SELECT ` + entryColumns + ` FROM audit_entries WHERE hash = ?`)
	return r.getOne(ctx, query, hash)
}

func (r *ChainRepository) getOne(ctx context.Context, query string, args ...any) (*chain.Entry, error) {
	var row models.AuditEntry
	err := r.db.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return row.ToEntry(), nil
}

// Append inserts entry if its PrevHash is still the tenant's tip. A stale tip or
// a unique violation is reported as chain.ErrConflict.
func (r *ChainRepository) Append(ctx context.Context, entry *chain.Entry) (*chain.Entry, error) {
	row := models.FromEntry(entry)
	row.ID = uuid.NewString()

	query := postgresAppendQuery
	args := []any{row.ID, row.TenantID, row.TenantID, row.ActorUserID, row.Action, row.Entity, row.EntityID, string(row.Diff)}
	if r.sqlite {
		query = sqliteAppendQuery
		args = append(args, r.now().UTC().Format(models.TimestampLayout))
	}
	args = append(args, row.PrevHash, row.Hash, row.TenantID, chain.GenesisHash, row.PrevHash)

	var (
		seq       int64
		createdAt models.Timestamp
	)
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(query), args...).Scan(&seq, &createdAt)
	if err == sql.ErrNoRows {
		return nil, chain.ErrConflict
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, chain.ErrConflict
		}
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	row.Seq = seq
	row.CreatedAt = createdAt
	return row.ToEntry(), nil
}

// List returns a page of a tenant's entries, newest first.
func (r *ChainRepository) List(ctx context.Context, opts chain.ListOptions) ([]*chain.Entry, error) {
	var (
		conditions = []string{"tenant_id = ?"}
		args       = []any{opts.TenantID}
	)
	if opts.Entity != "" {
		conditions = append(conditions, "entity = ?")
		args = append(args, opts.Entity)
	}
	if opts.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, opts.EntityID)
	}
	if opts.BeforeSeq > 0 {
		conditions = append(conditions, "seq < ?")
		args = append(args, opts.BeforeSeq)
	}

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, chain.NormalizeLimit(opts.Limit), offset)

	query := r.db.Rebind(`SELECT ` + entryColumns + ` FROM audit_entries WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY seq DESC LIMIT ? OFFSET ?`)

	var rows []models.AuditEntry
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return toEntries(rows), nil
}

// Walk streams the tenant's entries after afterSeq in seq order, one batch per
// query, so arbitrarily long chains are verified in bounded memory.
func (r *ChainRepository) Walk(ctx context.Context, tenantID string, afterSeq int64, batch int, fn func(*chain.Entry) error) error {
	if batch <= 0 {
		batch = chain.DefaultWalkBatch
	}
	query := r.db.Rebind(`SELECT ` + entryColumns + ` FROM audit_entries WHERE tenant_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`)

	for {
		var rows []models.AuditEntry
		if err := r.db.SelectContext(ctx, &rows, query, tenantID, afterSeq, batch); err != nil {
			return fmt.Errorf("failed to walk audit chain: %w", err)
		}
		for _, e := range toEntries(rows) {
			if err := fn(e); err != nil {
				return err
			}
			afterSeq = e.Seq
		}
		if len(rows) < batch {
			return nil
		}
	}
}

// Tenants returns every tenant that has at least one entry.
func (r *ChainRepository) Tenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.SelectContext(ctx, &tenants, `SELECT DISTINCT tenant_id FROM audit_entries ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// TenantStats summarises one tenant chain.
type TenantStats struct {
	TenantID string `db:"tenant_id" json:"tenant_id"`
	Entries  int64  `db:"entries" json:"entries"`
	LastSeq  int64  `db:"last_seq" json:"last_seq"`
}

// TenantStats returns entry counts per tenant.
func (r *ChainRepository) TenantStats(ctx context.Context) ([]TenantStats, error) {
	var stats []TenantStats
	err := r.db.SelectContext(ctx, &stats, `
		SELECT tenant_id, COUNT(*) AS entries, MAX(seq) AS last_seq
		FROM audit_entries
		GROUP BY tenant_id
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant stats: %w", err)
	}
	return stats, nil
}

func toEntries(rows []models.AuditEntry) []*chain.Entry {
	entries := make([]*chain.Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].ToEntry())
	}
	return entries
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
