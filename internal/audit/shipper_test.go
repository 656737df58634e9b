package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bizsuite/auditchain/internal/audit"
	"github.com/bizsuite/auditchain/internal/chain"
)

func sampleEntry(action string) *chain.Entry {
	actor := "u1"
	return &chain.Entry{
		ID:          "e1",
		TenantID:    "acme",
		Seq:         1,
		ActorUserID: &actor,
		Action:      action,
		Entity:      "contact",
		EntityID:    "c1",
		Diff:        json.RawMessage(`{"name":"Ann"}`),
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		PrevHash:    chain.GenesisHash,
		Hash:        "3f0a",
	}
}

// recordingShipper captures shipped entries.
type recordingShipper struct {
	mu      sync.Mutex
	entries []*chain.Entry
	err     error
	closed  bool
}

func (r *recordingShipper) Ship(_ context.Context, e *chain.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingShipper) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingShipper) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ---------------------------------------------------------------------------
// MultiShipper — via NewMultiShipper factory
// ---------------------------------------------------------------------------

func TestNewMultiShipper_Empty(t *testing.T) {
	ms, err := audit.NewMultiShipper(nil)
	if err != nil {
		t.Fatalf("NewMultiShipper(nil) error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
	if err := ms.Ship(context.Background(), sampleEntry("crm.contacts.create")); err != nil {
		t.Errorf("Ship() on empty multi-shipper = %v, want nil", err)
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() on empty multi-shipper = %v, want nil", err)
	}
}

func TestNewMultiShipper_DisabledConfigSkipped(t *testing.T) {
	cfgs := []audit.ShipperConfig{
		{Enabled: false, Type: "webhook", Webhook: &audit.WebhookConfig{URL: "http://example.com"}},
	}
	ms, err := audit.NewMultiShipper(cfgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
}

func TestNewMultiShipper_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		cfg  audit.ShipperConfig
	}{
		{"unknown type", audit.ShipperConfig{Enabled: true, Type: "syslog"}},
		{"webhook nil config", audit.ShipperConfig{Enabled: true, Type: "webhook"}},
		{"webhook empty url", audit.ShipperConfig{Enabled: true, Type: "webhook", Webhook: &audit.WebhookConfig{}}},
		{"file nil config", audit.ShipperConfig{Enabled: true, Type: "file"}},
		{"nats nil config", audit.ShipperConfig{Enabled: true, Type: "nats"}},
		{"nats empty url", audit.ShipperConfig{Enabled: true, Type: "nats", NATS: &audit.NATSConfig{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audit.NewMultiShipper([]audit.ShipperConfig{tt.cfg}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNewMultiShipper_InvalidActionGlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	cfgs := []audit.ShipperConfig{
		{Enabled: true, Type: "file", File: &audit.FileConfig{Path: path}, Actions: []string{"crm.[unterminated"}},
	}
	if _, err := audit.NewMultiShipper(cfgs); err == nil {
		t.Error("expected error for invalid glob, got nil")
	}
}

func TestMultiShipper_ContinuesAfterShipperError(t *testing.T) {
	failing := &recordingShipper{err: errors.New("sink down")}
	ok := &recordingShipper{}

	ms, _ := audit.NewMultiShipper(nil)
	ms.Add("failing", failing)
	ms.Add("ok", ok)

	err := ms.Ship(context.Background(), sampleEntry("crm.contacts.create"))
	if err == nil {
		t.Error("Ship() = nil, want error from first shipper")
	}
	if ok.count() != 1 {
		t.Errorf("second shipper received %d entries, want 1", ok.count())
	}

	if err := ms.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if !failing.closed || !ok.closed {
		t.Error("Close() did not close every shipper")
	}
}

// ---------------------------------------------------------------------------
// FilteredShipper
// ---------------------------------------------------------------------------

func TestFilteredShipper_Globs(t *testing.T) {
	next := &recordingShipper{}
	f, err := audit.NewFilteredShipper(next, []string{"crm.*", "hrms.roles.*"})
	if err != nil {
		t.Fatalf("NewFilteredShipper: %v", err)
	}

	tests := []struct {
		action string
		want   bool
	}{
		{"crm.contacts.create", true},
		{"crm.deals.update", true},
		{"hrms.roles.assign", true},
		{"hrms.employees.create", false},
		{"finance.invoices.void", false},
	}
	for _, tt := range tests {
		if got := f.Matches(tt.action); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.action, got, tt.want)
		}
		_ = f.Ship(context.Background(), sampleEntry(tt.action))
	}
	if next.count() != 3 {
		t.Errorf("forwarded %d entries, want 3", next.count())
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

func TestWebhookShipper_ShipEntry(t *testing.T) {
	var received bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		received.ReadFrom(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:     srv.URL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper error: %v", err)
	}
	defer ws.Close()

	entry := sampleEntry("crm.contacts.create")
	if err := ws.Ship(context.Background(), entry); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	var decoded chain.Entry
	if err := json.Unmarshal(received.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	if decoded.Hash != entry.Hash || decoded.TenantID != entry.TenantID {
		t.Errorf("decoded = %+v, want hash %s tenant %s", decoded, entry.Hash, entry.TenantID)
	}
	if string(decoded.Diff) != `{"name":"Ann"}` {
		t.Errorf("diff = %s", decoded.Diff)
	}
}

func TestWebhookShipper_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{URL: srv.URL, Timeout: 5 * time.Second})
	defer ws.Close()

	if err := ws.Ship(context.Background(), sampleEntry("a.b")); err == nil {
		t.Error("Ship() = nil, want error for 500 response")
	}
}

func TestWebhookShipper_CustomHeader(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Auth-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:     srv.URL,
		Timeout: 5 * time.Second,
		Headers: map[string]string{"X-Auth-Token": "secret"},
	})
	defer ws.Close()

	ws.Ship(context.Background(), sampleEntry("a.b"))
	if gotToken != "secret" {
		t.Errorf("X-Auth-Token = %q, want secret", gotToken)
	}
}

func TestWebhookShipper_BatchFlushedOnClose(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]chain.Entry
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []chain.Entry
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:           srv.URL,
		Timeout:       5 * time.Second,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := ws.Ship(context.Background(), sampleEntry("crm.contacts.create")); err != nil {
			t.Fatalf("Ship() error: %v", err)
		}
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != 3 {
		t.Errorf("delivered %d entries in %d batches, want 3", total, len(batches))
	}
}

func TestWebhookShipper_BatchSizeTriggersFlush(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:           srv.URL,
		BatchSize:     2,
		FlushInterval: time.Hour,
	})
	defer ws.Close()

	ws.Ship(context.Background(), sampleEntry("a.b"))
	ws.Ship(context.Background(), sampleEntry("a.b"))

	deadline := time.Now().Add(2 * time.Second)
	for requests.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 after a full batch", requests.Load())
	}
}

func TestWebhookShipper_CloseTwice(t *testing.T) {
	ws, err := audit.NewWebhookShipper(&audit.WebhookConfig{
		URL:     "http://localhost:0",
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
	ws.Close()
}

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func TestFileShipper_ShipEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	fs, err := audit.NewFileShipper(&audit.FileConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileShipper error: %v", err)
	}

	entry := sampleEntry("crm.contacts.create")
	if err := fs.Ship(context.Background(), entry); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var decoded chain.Entry
	if err := json.Unmarshal(bytes.TrimRight(data, "\n"), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Hash != entry.Hash || decoded.Action != entry.Action {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestFileShipper_MultipleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi.jsonl")

	fs, _ := audit.NewFileShipper(&audit.FileConfig{Path: path})
	for i := 0; i < 5; i++ {
		fs.Ship(context.Background(), sampleEntry("crm.contacts.update"))
	}
	fs.Close()

	data, _ := os.ReadFile(path)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 5 {
		t.Errorf("file has %d lines, want 5", count)
	}
}

func TestFileShipper_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotate.jsonl")
	// Pre-fill past the 1 MB threshold so the next write rotates.
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 1024*1024), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs, err := audit.NewFileShipper(&audit.FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewFileShipper: %v", err)
	}
	if err := fs.Ship(context.Background(), sampleEntry("a.b")); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}
	fs.Close()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated backup: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() >= 1024*1024 {
		t.Errorf("current file size = %d, want a fresh file", info.Size())
	}
}

func TestNewFileShipper_InvalidPath(t *testing.T) {
	if _, err := audit.NewFileShipper(&audit.FileConfig{Path: filepath.Join(t.TempDir(), "missing", "audit.jsonl")}); err == nil {
		t.Error("expected error for nonexistent directory, got nil")
	}
}

func TestMultiShipper_FileWithFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm.jsonl")
	ms, err := audit.NewMultiShipper([]audit.ShipperConfig{
		{Enabled: true, Type: "file", File: &audit.FileConfig{Path: path}, Actions: []string{"crm.*"}},
	})
	if err != nil {
		t.Fatalf("NewMultiShipper: %v", err)
	}
	ms.Ship(context.Background(), sampleEntry("crm.contacts.create"))
	ms.Ship(context.Background(), sampleEntry("hrms.roles.assign"))
	ms.Close()

	data, _ := os.ReadFile(path)
	if n := bytes.Count(data, []byte("\n")); n != 1 {
		t.Errorf("file has %d lines, want 1", n)
	}
}
