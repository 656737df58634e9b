package chain

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawEntry(t *testing.T, tenant, prev string, diff string) *Entry {
	t.Helper()
	e := &Entry{TenantID: tenant, Action: "create", Entity: "contact", EntityID: "c1", Diff: []byte(diff), PrevHash: prev}
	h, err := ComputeHash(e.Fact())
	require.NoError(t, err)
	e.Hash = h
	return e
}

func TestMemoryStore_AppendRejectsStaleTip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Append(ctx, rawEntry(t, "T1", GenesisHash, `1`))
	require.NoError(t, err)

	// A second writer that also read the empty chain.
	_, err = s.Append(ctx, rawEntry(t, "T1", GenesisHash, `2`))
	assert.True(t, errors.Is(err, ErrConflict))

	// Unknown predecessor.
	_, err = s.Append(ctx, rawEntry(t, "T1", strings.Repeat("9", 64), `3`))
	assert.True(t, errors.Is(err, ErrConflict))

	second, err := s.Append(ctx, rawEntry(t, "T1", first.Hash, `4`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	stored, err := s.Append(ctx, rawEntry(t, "T1", GenesisHash, `{"a":1}`))
	require.NoError(t, err)

	stored.Diff[2] = 'X'
	stored.Action = "mutated"

	again, err := s.Get(ctx, stored.Hash)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again.Diff))
	assert.Equal(t, "create", again.Action)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	e, err := NewMemoryStore().Get(context.Background(), GenesisHash)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := newTestAppender(s, 3)
	for i, id := range []string{"c1", "c2", "c1", "c3", "c1"} {
		_, err := a.Append(ctx, contactInput("T1", "crm.contacts.update", id, map[string]any{"i": i}))
		require.NoError(t, err)
	}
	_, err := a.Append(ctx, ActionInput{TenantID: "T1", Action: "hrms.roles.change", Entity: "role", EntityID: "c1"})
	require.NoError(t, err)
	_, err = a.Append(ctx, contactInput("T2", "create", "c1", nil))
	require.NoError(t, err)

	all, err := s.List(ctx, ListOptions{TenantID: "T1"})
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 0; i < len(all)-1; i++ {
		assert.Greater(t, all[i].Seq, all[i+1].Seq, "newest first")
	}

	c1, err := s.List(ctx, ListOptions{TenantID: "T1", EntityID: "c1"})
	require.NoError(t, err)
	assert.Len(t, c1, 4)

	contactsC1, err := s.List(ctx, ListOptions{TenantID: "T1", Entity: "contact", EntityID: "c1"})
	require.NoError(t, err)
	assert.Len(t, contactsC1, 3)

	page, err := s.List(ctx, ListOptions{TenantID: "T1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(4), page[0].Seq)

	cursor, err := s.List(ctx, ListOptions{TenantID: "T1", Limit: 2, BeforeSeq: 3})
	require.NoError(t, err)
	require.Len(t, cursor, 2)
	assert.Equal(t, int64(2), cursor[0].Seq)
	assert.Equal(t, int64(1), cursor[1].Seq)
}

func TestMemoryStore_WalkAndTenants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedChain(t, s, "b", 7)
	seedChain(t, s, "a", 1)

	var seqs []int64
	err := s.Walk(ctx, "b", 2, 2, func(e *Entry) error {
		seqs = append(seqs, e.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, seqs)

	stop := errors.New("stop")
	calls := 0
	err = s.Walk(ctx, "b", 0, 3, func(e *Entry) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)

	tenants, err := s.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tenants)
}
