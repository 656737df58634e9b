package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/bizsuite/auditchain/internal/canonical"
	"github.com/bizsuite/auditchain/internal/telemetry"
)

// AppenderConfig bounds the optimistic retry loop.
type AppenderConfig struct {
	// MaxAttempts is the number of read-tip/append rounds before giving up.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff.
	MaxDelay time.Duration
}

// DefaultAppenderConfig returns the retry settings used when none are configured.
func DefaultAppenderConfig() AppenderConfig {
	return AppenderConfig{
		MaxAttempts: 8,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
	}
}

// Appender adds entries to tenant chains.
type Appender struct {
	store Store
	cfg   AppenderConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// NewAppender creates an Appender over store. Zero config fields take defaults.
func NewAppender(store Store, cfg AppenderConfig) *Appender {
	def := DefaultAppenderConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Appender{store: store, cfg: cfg, sleep: sleepContext}
}

// Append records one action at the tip of the tenant's chain.
//
// The tip is read, the new entry hashed against it and handed to the store. If
// the store reports ErrConflict another writer appended first; the loop backs
// off and starts again from a fresh tip. After MaxAttempts conflicts a
// *ContentionError is returned.
func (a *Appender) Append(ctx context.Context, in ActionInput) (*Entry, error) {
	start := time.Now()
	defer func() { telemetry.ChainAppendDuration.Observe(time.Since(start).Seconds()) }()

	if err := in.Validate(); err != nil {
		telemetry.ChainAppendsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	diff, err := canonical.Encode(in.Diff)
	if err != nil {
		telemetry.ChainAppendsTotal.WithLabelValues("encoding").Inc()
		return nil, fmt.Errorf("failed to encode diff: %w", err)
	}

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := a.sleep(ctx, a.backoff(attempt)); err != nil {
				telemetry.ChainAppendsTotal.WithLabelValues("error").Inc()
				return nil, err
			}
		}

		stored, err := a.attempt(ctx, in, diff)
		if err == nil {
			telemetry.ChainAppendsTotal.WithLabelValues("ok").Inc()
			return stored, nil
		}
		if !errors.Is(err, ErrConflict) {
			outcome := "error"
			if errors.Is(err, canonical.ErrEncoding) {
				outcome = "encoding"
			}
			telemetry.ChainAppendsTotal.WithLabelValues(outcome).Inc()
			return nil, err
		}

		telemetry.ChainAppendConflictsTotal.Inc()
		slog.Debug("chain tip conflict, retrying",
			"tenant_id", in.TenantID, "action", in.Action, "attempt", attempt)
	}

	telemetry.ChainAppendsTotal.WithLabelValues("contention").Inc()
	return nil, &ContentionError{TenantID: in.TenantID, Attempts: a.cfg.MaxAttempts}
}

func (a *Appender) attempt(ctx context.Context, in ActionInput, diff []byte) (*Entry, error) {
	prev, err := a.store.Latest(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tip: %w", err)
	}
	prevHash := GenesisHash
	if prev != nil {
		prevHash = prev.Hash
	}

	entry := &Entry{
		TenantID:    in.TenantID,
		ActorUserID: in.ActorUserID,
		Action:      in.Action,
		Entity:      in.Entity,
		EntityID:    in.EntityID,
		Diff:        json.RawMessage(diff),
		PrevHash:    prevHash,
	}
	entry.Hash, err = ComputeHash(entry.Fact())
	if err != nil {
		return nil, err
	}

	stored, err := a.store.Append(ctx, entry)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append entry: %w", err)
	}
	return stored, nil
}

// backoff returns a jittered delay in [d/2, d] where d doubles per attempt.
func (a *Appender) backoff(attempt int) time.Duration {
	d := a.cfg.BaseDelay
	for i := 2; i < attempt && d < a.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
