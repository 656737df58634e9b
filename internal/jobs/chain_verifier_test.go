package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/export"
	"github.com/bizsuite/auditchain/internal/telemetry"
)

// tamperStore rewrites the diff of every entry of one tenant on read.
type tamperStore struct {
	*chain.MemoryStore
	tenant string
}

func (s *tamperStore) Walk(ctx context.Context, tenantID string, afterSeq int64, batch int, fn func(*chain.Entry) error) error {
	return s.MemoryStore.Walk(ctx, tenantID, afterSeq, batch, func(e *chain.Entry) error {
		if tenantID == s.tenant {
			e.Diff = json.RawMessage(`{"amount":1000000}`)
		}
		return fn(e)
	})
}

type failingTenantsStore struct {
	*chain.MemoryStore
}

func (failingTenantsStore) Tenants(context.Context) ([]string, error) {
	return nil, errors.New("connection refused")
}

type fakeArchiver struct {
	mu      sync.Mutex
	tenants []string
	err     error
}

func (f *fakeArchiver) ArchiveIfChanged(_ context.Context, tenantID string) (*export.ArchiveResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = append(f.tenants, tenantID)
	if f.err != nil {
		return nil, false, f.err
	}
	return &export.ArchiveResult{ManifestPath: tenantID + "/manifest.json"}, true, nil
}

func seed(t *testing.T, store chain.Store, tenant string, n int) {
	t.Helper()
	a := chain.NewAppender(store, chain.AppenderConfig{})
	for i := 0; i < n; i++ {
		_, err := a.Append(context.Background(), chain.ActionInput{
			TenantID: tenant,
			Action:   "finance.invoices.update",
			Entity:   "invoice",
			EntityID: "inv-1",
			Diff:     map[string]any{"amount": i},
		})
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// NewChainVerificationJob — interval defaulting
// ---------------------------------------------------------------------------

func TestNewChainVerificationJob_ZeroInterval_DefaultsHourly(t *testing.T) {
	j := NewChainVerificationJob(chain.NewMemoryStore(), nil, 0)
	if j.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", j.interval)
	}
	if j.stopChan == nil {
		t.Error("stopChan should not be nil")
	}
}

func TestNewChainVerificationJob_CustomInterval(t *testing.T) {
	j := NewChainVerificationJob(chain.NewMemoryStore(), nil, 15*time.Minute)
	if j.interval != 15*time.Minute {
		t.Errorf("interval = %v, want 15m", j.interval)
	}
}

// ---------------------------------------------------------------------------
// RunOnce
// ---------------------------------------------------------------------------

func TestRunOnce_AllValid(t *testing.T) {
	mem := chain.NewMemoryStore()
	seed(t, mem, "acme", 3)
	seed(t, mem, "globex", 2)

	res := NewChainVerificationJob(mem, nil, time.Hour).RunOnce(context.Background())
	if res.Tenants != 2 {
		t.Errorf("Tenants = %d, want 2", res.Tenants)
	}
	if res.Entries != 5 {
		t.Errorf("Entries = %d, want 5", res.Entries)
	}
	if len(res.Broken) != 0 {
		t.Errorf("Broken = %v, want none", res.Broken)
	}
	if got := testutil.ToFloat64(telemetry.ChainBrokenTenants); got != 0 {
		t.Errorf("broken tenants gauge = %v, want 0", got)
	}
}

func TestRunOnce_ReportsBrokenTenant(t *testing.T) {
	mem := chain.NewMemoryStore()
	seed(t, mem, "acme", 2)
	seed(t, mem, "globex", 2)
	archiver := &fakeArchiver{}

	j := NewChainVerificationJob(&tamperStore{MemoryStore: mem, tenant: "globex"}, archiver, time.Hour)
	res := j.RunOnce(context.Background())

	if len(res.Broken) != 1 {
		t.Fatalf("Broken = %d, want 1", len(res.Broken))
	}
	if res.Broken[0].TenantID != "globex" {
		t.Errorf("broken tenant = %q, want globex", res.Broken[0].TenantID)
	}
	if res.Broken[0].Reason != chain.ReasonHashMismatch {
		t.Errorf("reason = %q, want %q", res.Broken[0].Reason, chain.ReasonHashMismatch)
	}
	if got := testutil.ToFloat64(telemetry.ChainBrokenTenants); got != 1 {
		t.Errorf("broken tenants gauge = %v, want 1", got)
	}

	// Only the intact chain is archived
	if len(archiver.tenants) != 1 || archiver.tenants[0] != "acme" {
		t.Errorf("archived tenants = %v, want [acme]", archiver.tenants)
	}
	if res.Archived != 1 {
		t.Errorf("Archived = %d, want 1", res.Archived)
	}
}

func TestRunOnce_ArchiveFailureIsLogged(t *testing.T) {
	mem := chain.NewMemoryStore()
	seed(t, mem, "acme", 1)
	archiver := &fakeArchiver{err: errors.New("bucket not found")}

	res := NewChainVerificationJob(mem, archiver, time.Hour).RunOnce(context.Background())
	if res.Archived != 0 {
		t.Errorf("Archived = %d, want 0", res.Archived)
	}
	if res.Tenants != 1 {
		t.Errorf("Tenants = %d, want 1", res.Tenants)
	}
}

func TestRunOnce_StoreFailure(t *testing.T) {
	telemetry.ChainBrokenTenants.Set(3)
	res := NewChainVerificationJob(failingTenantsStore{chain.NewMemoryStore()}, nil, time.Hour).RunOnce(context.Background())
	if res.Tenants != 0 {
		t.Errorf("Tenants = %d, want 0", res.Tenants)
	}
	if got := testutil.ToFloat64(telemetry.ChainBrokenTenants); got != 3 {
		t.Errorf("gauge should be untouched by an incomplete sweep, got %v", got)
	}
	telemetry.ChainBrokenTenants.Set(0)
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestChainVerificationJob_Start_CancelContext(t *testing.T) {
	j := NewChainVerificationJob(chain.NewMemoryStore(), nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		j.Start(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("Start did not return after context cancellation")
	}
}

func TestChainVerificationJob_Start_StopChannel(t *testing.T) {
	j := NewChainVerificationJob(chain.NewMemoryStore(), nil, time.Hour)

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	j.Stop()
	j.Stop() // second call must not panic

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Error("Start did not return after Stop()")
	}
}
