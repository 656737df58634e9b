package chain

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It applies the same tip and uniqueness
// rules as the SQL stores under a single mutex, so it can back single-process
// deployments and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Entry
	byHash map[string]*Entry
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]*Entry),
		byHash: make(map[string]*Entry),
		now:    time.Now,
	}
}

func (s *MemoryStore) Latest(_ context.Context, tenantID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.chains[tenantID]
	if len(entries) == 0 {
		return nil, nil
	}
	return cloneEntry(entries[len(entries)-1]), nil
}

func (s *MemoryStore) Append(_ context.Context, entry *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.chains[entry.TenantID]
	tip := GenesisHash
	if len(entries) > 0 {
		tip = entries[len(entries)-1].Hash
	}
	if entry.PrevHash != tip {
		return nil, ErrConflict
	}
	if _, exists := s.byHash[entry.Hash]; exists {
		return nil, ErrConflict
	}

	stored := cloneEntry(entry)
	stored.ID = uuid.NewString()
	stored.Seq = int64(len(entries)) + 1
	stored.CreatedAt = s.now().UTC()
	s.chains[entry.TenantID] = append(entries, stored)
	s.byHash[stored.Hash] = stored
	return cloneEntry(stored), nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := NormalizeLimit(opts.Limit)
	entries := s.chains[opts.TenantID]
	out := make([]*Entry, 0, limit)
	skipped := 0
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		if opts.BeforeSeq > 0 && e.Seq >= opts.BeforeSeq {
			continue
		}
		if opts.Entity != "" && e.Entity != opts.Entity {
			continue
		}
		if opts.EntityID != "" && e.EntityID != opts.EntityID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (s *MemoryStore) Walk(ctx context.Context, tenantID string, afterSeq int64, batch int, fn func(*Entry) error) error {
	if batch <= 0 {
		batch = DefaultWalkBatch
	}
	for {
		s.mu.RLock()
		entries := s.chains[tenantID]
		start := int(afterSeq)
		if start > len(entries) {
			start = len(entries)
		}
		end := start + batch
		if end > len(entries) {
			end = len(entries)
		}
		page := make([]*Entry, 0, end-start)
		for _, e := range entries[start:end] {
			page = append(page, cloneEntry(e))
		}
		s.mu.RUnlock()

		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
			afterSeq = e.Seq
		}
		if len(page) < batch {
			return nil
		}
	}
}

func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]string, 0, len(s.chains))
	for t, entries := range s.chains {
		if len(entries) > 0 {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

func cloneEntry(e *Entry) *Entry {
	c := *e
	if e.Diff != nil {
		c.Diff = append([]byte(nil), e.Diff...)
	}
	if e.ActorUserID != nil {
		actor := *e.ActorUserID
		c.ActorUserID = &actor
	}
	return &c
}
