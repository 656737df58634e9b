// Package audit ships committed chain entries to external sinks such as a
// SIEM webhook, a local JSONL file or a NATS JetStream subject. Shipping
// happens after the entry is durable in the chain store and is best effort: a
// failing sink is logged and counted but never rolls back or blocks an append.
// The chain itself stays the source of truth, and a sink that missed entries
// can be backfilled from an export.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/telemetry"
)

// Shipper defines the interface for audit entry shipping
type Shipper interface {
	// Ship sends a committed entry to the destination
	Ship(ctx context.Context, entry *chain.Entry) error
	// Close flushes buffered entries and releases resources
	Close() error
}

// ShipperConfig holds configuration for one shipper
type ShipperConfig struct {
	// Enabled determines if this shipper is active
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Type is the shipper type (file, webhook, nats)
	Type string `mapstructure:"type" json:"type"`
	// Actions restricts the shipper to entries whose action matches one of
	// these globs (e.g. "crm.*"). Empty means every entry.
	Actions []string `mapstructure:"actions" json:"actions,omitempty"`

	Webhook *WebhookConfig `mapstructure:"webhook" json:"webhook,omitempty"`
	File    *FileConfig    `mapstructure:"file" json:"file,omitempty"`
	NATS    *NATSConfig    `mapstructure:"nats" json:"nats,omitempty"`
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	// URL is the webhook endpoint
	URL string `mapstructure:"url" json:"url"`
	// Headers are additional HTTP headers to send
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	// Timeout is the HTTP request timeout
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// BatchSize is how many entries to batch before sending (0 = no batching)
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
	// FlushInterval is how often to flush batched entries
	FlushInterval time.Duration `mapstructure:"flush_interval" json:"flush_interval"`
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	// Path is the JSONL file path
	Path string `mapstructure:"path" json:"path"`
	// MaxSizeMB is the maximum file size before rotation
	MaxSizeMB int `mapstructure:"max_size_mb" json:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep
	MaxBackups int `mapstructure:"max_backups" json:"max_backups"`
}

type namedShipper struct {
	name    string
	shipper Shipper
}

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []namedShipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a new multi-shipper from configs
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{
		shippers: make([]namedShipper, 0, len(configs)),
	}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				err = fmt.Errorf("webhook config is required for webhook shipper")
				break
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				err = fmt.Errorf("file config is required for file shipper")
				break
			}
			shipper, err = NewFileShipper(cfg.File)
		case "nats":
			if cfg.NATS == nil {
				err = fmt.Errorf("nats config is required for nats shipper")
				break
			}
			shipper, err = NewNATSShipper(context.Background(), cfg.NATS)
		default:
			err = fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err == nil && len(cfg.Actions) > 0 {
			var filtered *FilteredShipper
			if filtered, err = NewFilteredShipper(shipper, cfg.Actions); err != nil {
				_ = shipper.Close()
			} else {
				shipper = filtered
			}
		}
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.Add(cfg.Type, shipper)
	}

	return ms, nil
}

// Add registers an already constructed shipper under name.
func (ms *MultiShipper) Add(name string, shipper Shipper) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.shippers = append(ms.shippers, namedShipper{name: name, shipper: shipper})
}

// Len returns the number of active shippers.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends an entry to all configured shippers. A failing shipper does not
// stop delivery to the others; all failures are returned joined.
func (ms *MultiShipper) Ship(ctx context.Context, entry *chain.Entry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.shipper.Ship(ctx, entry); err != nil {
			telemetry.ShipperErrorsTotal.WithLabelValues(s.name).Inc()
			slog.Error("audit shipper failed",
				"shipper", s.name,
				"tenant_id", entry.TenantID,
				"hash", entry.Hash,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, s := range ms.shippers {
		if err := s.shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
