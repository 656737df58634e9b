// Package chain implements the per-tenant hash chain behind the audit log.
//
// Every entry names the hash of its predecessor for the same tenant, and its own
// hash covers the tenant, action, entity, entity ID, diff and that predecessor
// hash. Rewriting any of those fields, or splicing entries in or out, changes a
// hash that a later entry depends on. The first entry of a tenant points at
// GenesisHash.
//
// Appends are optimistic: the store enforces that no two entries of a tenant
// share a prev_hash, the Appender retries when it loses that race, and the
// Verifier walks a chain in insertion order to locate the first break.
package chain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bizsuite/auditchain/internal/canonical"
	"github.com/bizsuite/auditchain/pkg/checksum"
)

// GenesisHash is the prev_hash of the first entry in every tenant chain. No
// SHA-256 output is all zeros in practice, and it has the same width as a real
// hash so the column can stay fixed-width.
var GenesisHash = strings.Repeat("0", checksum.Size)

// Entry is one persisted audit record. Entries are never updated or deleted.
type Entry struct {
	ID          string          `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	Seq         int64           `json:"seq" db:"seq"`
	ActorUserID *string         `json:"actor_user_id" db:"actor_user_id"`
	Action      string          `json:"action" db:"action"`
	Entity      string          `json:"entity" db:"entity"`
	EntityID    string          `json:"entity_id" db:"entity_id"`
	Diff        json.RawMessage `json:"diff" db:"diff"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	PrevHash    string          `json:"prev_hash" db:"prev_hash"`
	Hash        string          `json:"hash" db:"hash"`
}

// MarshalJSON renders the entry. A diff that is not valid JSON, which only a
// tampered row can hold, is rendered as a JSON string so the record can still
// be reported.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	p := plain(e)
	switch {
	case len(p.Diff) == 0:
		p.Diff = nil
	case !json.Valid(p.Diff):
		p.Diff, _ = json.Marshal(string(e.Diff))
	}
	return json.Marshal(p)
}

// Fact is the hashed subset of an entry.
type Fact struct {
	TenantID string
	Action   string
	Entity   string
	EntityID string
	Diff     any
	PrevHash string
}

// Fact returns the hashed fields of the entry.
func (e *Entry) Fact() Fact {
	return Fact{
		TenantID: e.TenantID,
		Action:   e.Action,
		Entity:   e.Entity,
		EntityID: e.EntityID,
		Diff:     e.Diff,
		PrevHash: e.PrevHash,
	}
}

// Encode returns the canonical encoding of the fact. Members are emitted in the
// fixed order tenantId, action, entity, entityId, diff, prevHash; the diff
// itself is key-sorted.
func (f Fact) Encode() ([]byte, error) {
	return canonical.Encode(canonical.Fields{
		{Name: "tenantId", Value: f.TenantID},
		{Name: "action", Value: f.Action},
		{Name: "entity", Value: f.Entity},
		{Name: "entityId", Value: f.EntityID},
		{Name: "diff", Value: f.Diff},
		{Name: "prevHash", Value: f.PrevHash},
	})
}

// ComputeHash returns the hex SHA-256 of the fact's canonical encoding. The
// appender and the verifier both hash through here.
func ComputeHash(f Fact) (string, error) {
	b, err := f.Encode()
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", &canonical.EncodingError{Err: fmt.Errorf("empty encoding")}
	}
	return checksum.SHA256Hex(b), nil
}

// IsHash reports whether s is a well-formed entry hash (or the genesis sentinel).
func IsHash(s string) bool {
	return checksum.IsHex(s)
}

// ActionInput is what a caller supplies to record an action. The store assigns
// Seq, CreatedAt and ID; the appender assigns PrevHash and Hash.
type ActionInput struct {
	TenantID    string  `json:"tenant_id"`
	ActorUserID *string `json:"actor_user_id,omitempty"`
	Action      string  `json:"action"`
	Entity      string  `json:"entity"`
	EntityID    string  `json:"entity_id"`
	Diff        any     `json:"diff,omitempty"`
}

const (
	maxTenantLen   = 128
	maxActionLen   = 128
	maxEntityLen   = 64
	maxEntityIDLen = 256
	maxActorLen    = 256
)

var actionPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_-]+)*$`)

// Validate checks the identifying fields. The diff is checked by encoding it.
func (in ActionInput) Validate() error {
	switch {
	case in.TenantID == "":
		return invalidf("tenant_id is required")
	case len(in.TenantID) > maxTenantLen:
		return invalidf("tenant_id exceeds %d characters", maxTenantLen)
	case in.Action == "":
		return invalidf("action is required")
	case len(in.Action) > maxActionLen:
		return invalidf("action exceeds %d characters", maxActionLen)
	case !actionPattern.MatchString(in.Action):
		return invalidf("action %q must be a dotted verb such as crm.contacts.create", in.Action)
	case in.Entity == "":
		return invalidf("entity is required")
	case len(in.Entity) > maxEntityLen:
		return invalidf("entity exceeds %d characters", maxEntityLen)
	case in.EntityID == "":
		return invalidf("entity_id is required")
	case len(in.EntityID) > maxEntityIDLen:
		return invalidf("entity_id exceeds %d characters", maxEntityIDLen)
	case in.ActorUserID != nil && len(*in.ActorUserID) > maxActorLen:
		return invalidf("actor_user_id exceeds %d characters", maxActorLen)
	}
	return nil
}

// Pagination defaults for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListOptions selects a page of one tenant's entries, newest first. BeforeSeq,
// when positive, is a cursor: only entries with a smaller seq are returned.
type ListOptions struct {
	TenantID  string
	Entity    string
	EntityID  string
	Limit     int
	Offset    int
	BeforeSeq int64
}

// NormalizeLimit clamps a requested page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
