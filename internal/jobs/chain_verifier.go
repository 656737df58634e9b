// chain_verifier.go implements the ChainVerificationJob background job, which periodically
// re-verifies every tenant chain and reports tampering as a metric and a log line.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/export"
	"github.com/bizsuite/auditchain/internal/telemetry"
)

// ChainArchiver snapshots a tenant chain when it moved since the last archive.
type ChainArchiver interface {
	ArchiveIfChanged(ctx context.Context, tenantID string) (*export.ArchiveResult, bool, error)
}

// SweepResult summarizes one verification run.
type SweepResult struct {
	Tenants  int
	Entries  int64
	Broken   []*chain.ChainResult
	Archived int
	Duration time.Duration
}

// ChainVerificationJob periodically verifies all tenant chains
type ChainVerificationJob struct {
	verifier *chain.Verifier
	archiver ChainArchiver
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewChainVerificationJob creates a new chain verification job. archiver may
// be nil, in which case verified chains are not archived.
func NewChainVerificationJob(store chain.Store, archiver ChainArchiver, interval time.Duration) *ChainVerificationJob {
	if interval <= 0 {
		interval = time.Hour
	}

	return &ChainVerificationJob{
		verifier: chain.NewVerifier(store),
		archiver: archiver,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the verification job and blocks until it is stopped
func (j *ChainVerificationJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("chain verification job started", "interval", j.interval, "archive_after", j.archiver != nil)

	// Run immediately on start
	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopChan:
			slog.Info("chain verification job stopped")
			return
		case <-ctx.Done():
			slog.Info("chain verification job context cancelled")
			return
		}
	}
}

// Stop stops the verification job. It is safe to call more than once.
func (j *ChainVerificationJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

// RunOnce verifies every tenant chain, updates the broken-chain gauge and,
// when an archiver is configured, archives each chain that verified cleanly.
func (j *ChainVerificationJob) RunOnce(ctx context.Context) *SweepResult {
	start := time.Now()
	res := &SweepResult{}
	defer func() {
		res.Duration = time.Since(start)
		telemetry.ChainVerificationSweepDuration.Observe(res.Duration.Seconds())
	}()

	results, err := j.verifier.VerifyAll(ctx)
	if err != nil {
		// VerifyAll returns what it verified before the failure; the gauge
		// is left alone since the sweep is incomplete.
		slog.Error("chain verification sweep failed", "verified_tenants", len(results), "error", err)
		return res
	}

	tenants := make([]string, 0, len(results))
	for tenantID := range results {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)

	for _, tenantID := range tenants {
		r := results[tenantID]
		res.Tenants++
		res.Entries += r.EntriesChecked
		if !r.Valid {
			res.Broken = append(res.Broken, r)
			attrs := []any{
				"tenant_id", tenantID,
				"broken_index", r.BrokenIndex,
				"reason", r.Reason,
				"expected_hash", r.ExpectedHash,
				"actual_hash", r.ActualHash,
			}
			if r.BrokenAt != nil {
				attrs = append(attrs, "hash", r.BrokenAt.Hash, "seq", r.BrokenAt.Seq)
			}
			slog.Error("audit chain integrity violation", attrs...)
			continue
		}
		if j.archiver == nil {
			continue
		}
		archived, made, err := j.archiver.ArchiveIfChanged(ctx, tenantID)
		if err != nil {
			slog.Error("failed to archive verified chain", "tenant_id", tenantID, "error", err)
			continue
		}
		if made {
			res.Archived++
			slog.Debug("verified chain archived", "tenant_id", tenantID, "manifest", archived.ManifestPath)
		}
	}

	telemetry.ChainBrokenTenants.Set(float64(len(res.Broken)))
	slog.Info("chain verification sweep completed",
		"tenants", res.Tenants,
		"entries", res.Entries,
		"broken", len(res.Broken),
		"archived", res.Archived,
		"duration", time.Since(start))
	return res
}
