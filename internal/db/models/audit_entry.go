// Package models - audit_entry.go defines the row shape of audit_entries and its
// conversion to and from chain.Entry.
package models

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bizsuite/auditchain/internal/canonical"
	"github.com/bizsuite/auditchain/internal/chain"
)

// AuditEntry is one row of audit_entries as scanned by sqlx.
type AuditEntry struct {
	ID          string         `db:"id"`
	TenantID    string         `db:"tenant_id"`
	Seq         int64          `db:"seq"`
	ActorUserID sql.NullString `db:"actor_user_id"` // NULL for system actions
	Action      string         `db:"action"`
	Entity      string         `db:"entity"`
	EntityID    string         `db:"entity_id"`
	Diff        []byte         `db:"diff"` // JSONB
	CreatedAt   Timestamp      `db:"created_at"`
	PrevHash    string         `db:"prev_hash"`
	Hash        string         `db:"hash"`
}

// ToEntry converts the row to a chain.Entry. The diff is re-encoded canonically
// because jsonb does not preserve the bytes it was given. A stored diff that no
// longer encodes is kept as stored; the verifier reports it as tampered.
func (r *AuditEntry) ToEntry() *chain.Entry {
	diff, err := canonical.Normalize(r.Diff)
	if err != nil {
		diff = append([]byte(nil), r.Diff...)
	}
	e := &chain.Entry{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Seq:       r.Seq,
		Action:    r.Action,
		Entity:    r.Entity,
		EntityID:  r.EntityID,
		Diff:      diff,
		CreatedAt: r.CreatedAt.Time,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}
	if r.ActorUserID.Valid {
		actor := r.ActorUserID.String
		e.ActorUserID = &actor
	}
	return e
}

// FromEntry builds a row from an entry that is about to be inserted.
func FromEntry(e *chain.Entry) *AuditEntry {
	r := &AuditEntry{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Seq:       e.Seq,
		Action:    e.Action,
		Entity:    e.Entity,
		EntityID:  e.EntityID,
		Diff:      e.Diff,
		CreatedAt: Timestamp{e.CreatedAt},
		PrevHash:  e.PrevHash,
		Hash:      e.Hash,
	}
	if e.ActorUserID != nil {
		r.ActorUserID = sql.NullString{String: *e.ActorUserID, Valid: true}
	}
	if len(r.Diff) == 0 {
		r.Diff = []byte("null")
	}
	return r
}

// Timestamp scans created_at from either backend: PostgreSQL returns
// time.Time, SQLite returns the RFC 3339 text the repository wrote.
type Timestamp struct {
	time.Time
}

// TimestampLayout is the text form used for created_at in SQLite. It is fixed
// width so that lexical order matches time order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case int64:
		t.Time = time.Unix(0, v).UTC()
	default:
		return fmt.Errorf("cannot scan %T into Timestamp", src)
	}
	return nil
}

func (t *Timestamp) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
