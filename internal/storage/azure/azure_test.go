package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/bizsuite/auditchain/internal/config"
	"github.com/bizsuite/auditchain/internal/storage"
	"github.com/bizsuite/auditchain/pkg/checksum"
)

type storedBlob struct {
	content      []byte
	metadata     map[string]string
	lastModified time.Time
}

type blobServer struct {
	mu    sync.Mutex
	blobs map[string]*storedBlob // key: blob name within "archives"
}

// newTestStorage points an AzureStorage at an httptest server imitating
// enough of the Blob REST API for the archive operations.
func newTestStorage(t *testing.T) (*AzureStorage, *blobServer) {
	t.Helper()

	bs := &blobServer{blobs: map[string]*storedBlob{}}
	const container = "archives"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/")
		q := r.URL.Query()

		if p == container && q.Get("restype") == "container" {
			switch {
			case r.Method == http.MethodPut:
				w.WriteHeader(http.StatusCreated)
			case r.Method == http.MethodGet && q.Get("comp") == "list":
				bs.listBlobs(w, q.Get("prefix"))
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}

		name := strings.TrimPrefix(p, container+"/")
		bs.mu.Lock()
		defer bs.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			if _, exists := bs.blobs[name]; exists && r.Header.Get("If-None-Match") == "*" {
				w.Header().Set("x-ms-error-code", "BlobAlreadyExists")
				w.WriteHeader(http.StatusConflict)
				return
			}
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for k, v := range r.Header {
				lk := strings.ToLower(k)
				if strings.HasPrefix(lk, "x-ms-meta-") && len(v) > 0 {
					meta[strings.TrimPrefix(lk, "x-ms-meta-")] = v[0]
				}
			}
			bs.blobs[name] = &storedBlob{content: data, metadata: meta, lastModified: time.Now().UTC()}
			w.WriteHeader(http.StatusCreated)

		case http.MethodGet:
			b, ok := bs.blobs[name]
			if !ok {
				w.Header().Set("x-ms-error-code", "BlobNotFound")
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b.content)))
			w.WriteHeader(http.StatusOK)
			w.Write(b.content)

		case http.MethodHead:
			b, ok := bs.blobs[name]
			if !ok {
				w.Header().Set("x-ms-error-code", "BlobNotFound")
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b.content)))
			w.Header().Set("Last-Modified", b.lastModified.Format(http.TimeFormat))
			for k, v := range b.metadata {
				w.Header().Set("x-ms-meta-"+k, v)
			}
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := azblob.NewClientWithNoCredential(srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create azblob client: %v", err)
	}

	return &AzureStorage{
		client:        client,
		containerName: container,
		accountName:   "account",
		accountKey:    "a2V5",
	}, bs
}

func (bs *blobServer) listBlobs(w http.ResponseWriter, prefix string) {
	bs.mu.Lock()
	var names []string
	for name := range bs.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	bs.mu.Unlock()
	sort.Strings(names)

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?><EnumerationResults ContainerName="archives"><Prefix>%s</Prefix><Blobs>`, prefix)
	for _, name := range names {
		fmt.Fprintf(w, `<Blob><Name>%s</Name><Properties></Properties></Blob>`, name)
	}
	fmt.Fprint(w, `</Blobs><NextMarker /></EnumerationResults>`)
}

func TestUploadDownloadAndExists(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	data := []byte(`{"id":"e1"}` + "\n")

	res, err := s.Upload(ctx, "acme/entries.jsonl", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Size != int64(len(data)) {
		t.Fatalf("unexpected size: got %d want %d", res.Size, len(data))
	}
	if res.Checksum != checksum.SHA256Hex(data) {
		t.Fatalf("unexpected checksum %s", res.Checksum)
	}

	rc, err := s.Download(ctx, "acme/entries.jsonl")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("download content mismatch: %q", string(got))
	}

	exists, err := s.Exists(ctx, "acme/entries.jsonl")
	if err != nil {
		t.Fatalf("Exists returned error: %v", err)
	}
	if !exists {
		t.Fatalf("Exists = false, want true")
	}

	exists, err = s.Exists(ctx, "acme/other.jsonl")
	if err != nil {
		t.Fatalf("Exists for missing blob returned error: %v", err)
	}
	if exists {
		t.Fatalf("Exists = true for missing blob, want false")
	}
}

func TestUpload_RefusesOverwrite(t *testing.T) {
	s, bs := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "acme/manifest.json", strings.NewReader("first"), 5); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, err := s.Upload(ctx, "acme/manifest.json", strings.NewReader("second"), 6); err == nil {
		t.Fatalf("second Upload succeeded, want error")
	}
	bs.mu.Lock()
	got := string(bs.blobs["acme/manifest.json"].content)
	bs.mu.Unlock()
	if got != "first" {
		t.Fatalf("blob content = %q, want the original upload", got)
	}
}

func TestDownload_NotFound(t *testing.T) {
	s, _ := newTestStorage(t)
	_, err := s.Download(context.Background(), "acme/missing.jsonl")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Download error = %v, want storage.ErrNotFound", err)
	}
}

func TestGetMetadata_UsesStoredChecksum(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	data := []byte("content-for-metadata")

	res, err := s.Upload(ctx, "acme/meta.json", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	meta, err := s.GetMetadata(ctx, "acme/meta.json")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Fatalf("metadata size mismatch: %d", meta.Size)
	}
	if meta.Checksum != res.Checksum {
		t.Fatalf("checksum = %s, want %s", meta.Checksum, res.Checksum)
	}
}

func TestGetMetadata_ComputesWhenMissing(t *testing.T) {
	s, bs := newTestStorage(t)
	data := []byte("uploaded-without-metadata")
	bs.mu.Lock()
	bs.blobs["acme/foreign.jsonl"] = &storedBlob{content: data, metadata: map[string]string{}, lastModified: time.Now().UTC()}
	bs.mu.Unlock()

	meta, err := s.GetMetadata(context.Background(), "acme/foreign.jsonl")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.Checksum != checksum.SHA256Hex(data) {
		t.Fatalf("computed checksum = %s, want %s", meta.Checksum, checksum.SHA256Hex(data))
	}
}

func TestGetURL(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "acme/entries.jsonl", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	u, err := s.GetURL(ctx, "acme/entries.jsonl", time.Hour)
	if err != nil {
		t.Fatalf("GetURL failed: %v", err)
	}
	if !strings.HasPrefix(u, "https://account.blob.core.windows.net/archives/") || !strings.Contains(u, "sig=") {
		t.Fatalf("unexpected SAS URL: %s", u)
	}

	if _, err := s.GetURL(ctx, "acme/nonexistent.jsonl", time.Hour); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetURL error = %v, want storage.ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	for _, name := range []string{"acme/2/manifest.json", "acme/1/manifest.json", "globex/1/manifest.json"} {
		if _, err := s.Upload(ctx, name, strings.NewReader("m"), 1); err != nil {
			t.Fatalf("Upload(%s) failed: %v", name, err)
		}
	}

	got, err := s.List(ctx, "acme/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 || got[0] != "acme/1/manifest.json" || got[1] != "acme/2/manifest.json" {
		t.Fatalf("List = %v", got)
	}
}

func TestEnsureContainer_NoError(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.EnsureContainer(context.Background()); err != nil {
		t.Fatalf("EnsureContainer failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// New() — constructor validation (no cloud connection required)
// ---------------------------------------------------------------------------

func TestNew_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AzureStorageConfig
	}{
		{"account name", config.AzureStorageConfig{AccountKey: "a2V5", ContainerName: "archives"}},
		{"account key", config.AzureStorageConfig{AccountName: "acct", ContainerName: "archives"}},
		{"container", config.AzureStorageConfig{AccountName: "acct", AccountKey: "a2V5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(&tt.cfg); err == nil {
				t.Errorf("New() = nil error, want error for missing %s", tt.name)
			}
		})
	}
}
