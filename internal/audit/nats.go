package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bizsuite/auditchain/internal/chain"
)

// NATSConfig holds NATS JetStream shipper configuration
type NATSConfig struct {
	URL string `mapstructure:"url" json:"url"`
	// Stream is created when missing, bound to "<SubjectPrefix>.>".
	Stream string `mapstructure:"stream" json:"stream"`
	// SubjectPrefix defaults to "audit"; entries publish to
	// "<prefix>.<tenant>.<action>".
	SubjectPrefix string        `mapstructure:"subject_prefix" json:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
}

// jetStreamPublisher is the part of nats.JetStreamContext the shipper uses.
type jetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSShipper publishes entries to JetStream. The entry hash is sent as the
// Nats-Msg-Id header so the stream deduplicates redeliveries.
type NATSShipper struct {
	conn    *nats.Conn
	js      jetStreamPublisher
	prefix  string
	timeout time.Duration
}

// NewNATSShipper connects to NATS and makes sure the stream exists.
func NewNATSShipper(ctx context.Context, cfg *NATSConfig) (*NATSShipper, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats: url is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "audit"
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "AUDIT"
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("auditchain"))
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	if err := ensureStream(ctx, js, stream, prefix+".>"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: ensure stream %s: %w", stream, err)
	}

	return newNATSShipper(conn, js, prefix, cfg.Timeout), nil
}

func newNATSShipper(conn *nats.Conn, js jetStreamPublisher, prefix string, timeout time.Duration) *NATSShipper {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &NATSShipper{conn: conn, js: js, prefix: prefix, timeout: timeout}
}

func ensureStream(ctx context.Context, js nats.JetStreamContext, name, subject string) error {
	info, err := js.StreamInfo(name, nats.Context(ctx))
	if err == nil {
		for _, s := range info.Config.Subjects {
			if s == subject {
				return nil
			}
		}
		info.Config.Subjects = append(info.Config.Subjects, subject)
		_, err = js.UpdateStream(&info.Config, nats.Context(ctx))
		return err
	}

	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		}, nats.Context(ctx))
	}
	return err
}

// Subject returns the subject an entry is published on.
func (s *NATSShipper) Subject(entry *chain.Entry) string {
	return s.prefix + "." + subjectToken(entry.TenantID) + "." + entry.Action
}

// subjectToken replaces characters that would split or wildcard a subject.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (s *NATSShipper) Ship(ctx context.Context, entry *chain.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := nats.NewMsg(s.Subject(entry))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, entry.Hash)
	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

func (s *NATSShipper) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
