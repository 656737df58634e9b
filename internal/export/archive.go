package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/storage"
	"github.com/bizsuite/auditchain/internal/telemetry"
	"github.com/bizsuite/auditchain/pkg/checksum"
)

// ManifestVersion is written into every manifest.
const ManifestVersion = 1

// Object names inside an archive directory.
const (
	EntriesObject   = "entries.jsonl"
	ManifestObject  = "manifest.json"
	SignatureSuffix = ".asc"
)

var (
	// ErrEmptyChain is returned when archiving a tenant without entries.
	ErrEmptyChain = errors.New("tenant chain is empty")

	// ErrChainBroken is matched by *BrokenChainError.
	ErrChainBroken = errors.New("tenant chain failed verification")
)

// BrokenChainError refuses to archive a chain that does not verify.
type BrokenChainError struct {
	Result *chain.ChainResult
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("tenant %s chain broken at index %d (%s); not archiving",
		e.Result.TenantID, e.Result.BrokenIndex, e.Result.Reason)
}

func (e *BrokenChainError) Is(target error) bool { return target == ErrChainBroken }

// Manifest describes one archived snapshot of a tenant chain.
type Manifest struct {
	Version     int       `json:"version"`
	TenantID    string    `json:"tenant_id"`
	Entries     int64     `json:"entries"`
	FirstHash   string    `json:"first_hash"`
	LastHash    string    `json:"last_hash"`
	LastSeq     int64     `json:"last_seq"`
	EntriesPath string    `json:"entries_path"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	SigningKey  string    `json:"signing_key,omitempty"`
}

// ArchiveResult locates the objects written by Archive.
type ArchiveResult struct {
	Manifest      *Manifest `json:"manifest"`
	ManifestPath  string    `json:"manifest_path"`
	SignaturePath string    `json:"signature_path,omitempty"`
}

// Archiver snapshots tenant chains into an object store.
type Archiver struct {
	store   chain.Store
	objects storage.Storage
	signer  *Signer
	prefix  string
	now     func() time.Time
}

// NewArchiver creates an Archiver. signer may be nil, in which case manifests
// are uploaded unsigned.
func NewArchiver(store chain.Store, objects storage.Storage, signer *Signer, prefix string) *Archiver {
	return &Archiver{
		store:   store,
		objects: objects,
		signer:  signer,
		prefix:  strings.Trim(prefix, "/"),
		now:     time.Now,
	}
}

// TenantPrefix is the object prefix under which a tenant's archives live.
func TenantPrefix(prefix, tenantID string) string {
	return path.Join(strings.Trim(prefix, "/"), url.PathEscape(tenantID)) + "/"
}

var errStopArchive = errors.New("stop archive")

// Archive verifies tenantID's chain and, if intact, uploads it as jsonl
// together with a manifest and, when a signer is configured, a detached
// signature over the manifest. Verification and export happen in the same
// pass, so the archive holds exactly the entries that were verified even
// while appends continue.
func (a *Archiver) Archive(ctx context.Context, tenantID string) (*ArchiveResult, error) {
	res, err := a.archive(ctx, tenantID)
	if err != nil {
		telemetry.ArchivesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	telemetry.ArchivesTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (a *Archiver) archive(ctx context.Context, tenantID string) (*ArchiveResult, error) {
	var buf bytes.Buffer
	ew, err := NewWriter(&buf, FormatJSONL)
	if err != nil {
		return nil, err
	}
	checker := chain.NewChecker(tenantID, true)
	var first string

	err = a.store.Walk(ctx, tenantID, 0, chain.DefaultWalkBatch, func(e *chain.Entry) error {
		if !checker.Check(e) {
			return errStopArchive
		}
		if first == "" {
			first = e.Hash
		}
		return ew.Write(e)
	})
	if err != nil && !errors.Is(err, errStopArchive) {
		return nil, fmt.Errorf("failed to read chain for tenant %s: %w", tenantID, err)
	}

	result := checker.Result()
	if !result.Valid {
		return nil, &BrokenChainError{Result: result}
	}
	if result.EntriesChecked == 0 {
		return nil, ErrEmptyChain
	}
	if err := ew.Close(); err != nil {
		return nil, err
	}

	created := a.now().UTC()
	dir := path.Join(TenantPrefix(a.prefix, tenantID),
		fmt.Sprintf("%s-%010d", created.Format("20060102T150405.000000000Z"), result.EntriesChecked))

	entriesPath := path.Join(dir, EntriesObject)
	data := buf.Bytes()
	upload, err := a.objects.Upload(ctx, entriesPath, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to upload archive entries: %w", err)
	}

	manifest := &Manifest{
		Version:     ManifestVersion,
		TenantID:    tenantID,
		Entries:     result.EntriesChecked,
		FirstHash:   first,
		LastHash:    result.LastHash,
		LastSeq:     result.EntriesChecked,
		EntriesPath: entriesPath,
		SHA256:      upload.Checksum,
		Size:        upload.Size,
		CreatedAt:   created,
	}
	if a.signer != nil {
		manifest.SigningKey = a.signer.KeyID()
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	manifestJSON = append(manifestJSON, '\n')

	out := &ArchiveResult{Manifest: manifest, ManifestPath: path.Join(dir, ManifestObject)}

	// The signature goes up before the manifest; a manifest without its
	// signature would read as an unsigned archive.
	if a.signer != nil {
		sig, err := a.signer.Sign(manifestJSON)
		if err != nil {
			return nil, err
		}
		out.SignaturePath = out.ManifestPath + SignatureSuffix
		if _, err := a.objects.Upload(ctx, out.SignaturePath, bytes.NewReader(sig), int64(len(sig))); err != nil {
			return nil, fmt.Errorf("failed to upload manifest signature: %w", err)
		}
	}
	if _, err := a.objects.Upload(ctx, out.ManifestPath, bytes.NewReader(manifestJSON), int64(len(manifestJSON))); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}

	slog.Info("tenant chain archived",
		"tenant_id", tenantID,
		"entries", manifest.Entries,
		"last_hash", manifest.LastHash,
		"manifest", out.ManifestPath,
		"signed", a.signer != nil)
	return out, nil
}

// ArchiveIfChanged archives tenantID unless its newest archive already ends
// at the current chain tip. The boolean reports whether an archive was made.
func (a *Archiver) ArchiveIfChanged(ctx context.Context, tenantID string) (*ArchiveResult, bool, error) {
	tip, err := a.store.Latest(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read chain tip: %w", err)
	}
	if tip == nil {
		return nil, false, nil
	}

	latest, err := LatestManifest(ctx, a.objects, a.prefix, tenantID)
	if err != nil {
		return nil, false, err
	}
	if latest != nil && latest.LastHash == tip.Hash {
		return nil, false, nil
	}

	res, err := a.Archive(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// List returns the manifest paths of tenantID's archives in this archiver's
// store, oldest first.
func (a *Archiver) List(ctx context.Context, tenantID string) ([]string, error) {
	return ListArchives(ctx, a.objects, a.prefix, tenantID)
}

// ListArchives returns the manifest paths of tenantID's archives, oldest first.
func ListArchives(ctx context.Context, objects storage.Storage, prefix, tenantID string) ([]string, error) {
	paths, err := objects.List(ctx, TenantPrefix(prefix, tenantID))
	if err != nil {
		return nil, err
	}
	var manifests []string
	for _, p := range paths {
		if path.Base(p) == ManifestObject {
			manifests = append(manifests, p)
		}
	}
	return manifests, nil
}

// LatestManifest returns tenantID's newest manifest, or nil if it has none.
func LatestManifest(ctx context.Context, objects storage.Storage, prefix, tenantID string) (*Manifest, error) {
	manifests, err := ListArchives(ctx, objects, prefix, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	if len(manifests) == 0 {
		return nil, nil
	}
	m, _, err := ReadManifest(ctx, objects, manifests[len(manifests)-1])
	return m, err
}

// ReadManifest downloads and decodes a manifest, also returning its raw
// bytes for signature checks.
func ReadManifest(ctx context.Context, objects storage.Storage, manifestPath string) (*Manifest, []byte, error) {
	raw, err := readObject(ctx, objects, manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("invalid manifest %s: %w", manifestPath, err)
	}
	return &m, raw, nil
}

func readObject(ctx context.Context, objects storage.Storage, p string) ([]byte, error) {
	rc, err := objects.Download(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// VerifyReport is the outcome of checking an archive offline.
type VerifyReport struct {
	Manifest         *Manifest          `json:"manifest"`
	ChecksumValid    bool               `json:"checksum_valid"`
	SignaturePresent bool               `json:"signature_present"`
	SignatureChecked bool               `json:"signature_checked"`
	SignatureValid   bool               `json:"signature_valid"`
	Chain            *chain.ChainResult `json:"chain"`
	Problems         []string           `json:"problems,omitempty"`
}

// Valid reports whether every check that ran passed.
func (r *VerifyReport) Valid() bool {
	return len(r.Problems) == 0
}

func (r *VerifyReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// VerifyArchive checks an archive against its manifest: the entries object's
// SHA-256, the manifest signature when publicKey is given, and the chain
// itself recomputed from the archived entries. Failed checks are listed in
// the report; an error means the archive could not be read at all.
func VerifyArchive(ctx context.Context, objects storage.Storage, manifestPath, publicKey string) (*VerifyReport, error) {
	manifest, manifestRaw, err := ReadManifest(ctx, objects, manifestPath)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{Manifest: manifest}

	sigPath := manifestPath + SignatureSuffix
	report.SignaturePresent, err = objects.Exists(ctx, sigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to check manifest signature: %w", err)
	}
	switch {
	case publicKey != "" && report.SignaturePresent:
		sig, err := readObject(ctx, objects, sigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest signature: %w", err)
		}
		report.SignatureChecked = true
		if err := VerifySignature(publicKey, manifestRaw, sig); err != nil {
			report.problem("manifest signature: %v", err)
		} else {
			report.SignatureValid = true
		}
	case publicKey != "":
		report.problem("manifest is not signed")
	}

	data, err := readObject(ctx, objects, manifest.EntriesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived entries: %w", err)
	}
	ok, err := checksum.VerifySHA256(bytes.NewReader(data), manifest.SHA256)
	if err != nil {
		return nil, err
	}
	report.ChecksumValid = ok
	if !ok {
		report.problem("entries sha256 does not match manifest")
	}

	checker := chain.NewChecker(manifest.TenantID, true)
	var first string
	err = ReadJSONL(bytes.NewReader(data), func(e *chain.Entry) error {
		if first == "" {
			first = e.Hash
		}
		checker.Check(e)
		return nil
	})
	if err != nil {
		report.problem("entries: %v", err)
	}
	report.Chain = checker.Result()

	switch {
	case !report.Chain.Valid:
		report.problem("chain broken at index %d: %s", report.Chain.BrokenIndex, report.Chain.Reason)
	case report.Chain.EntriesChecked != manifest.Entries:
		report.problem("manifest lists %d entries, archive holds %d", manifest.Entries, report.Chain.EntriesChecked)
	case report.Chain.LastHash != manifest.LastHash:
		report.problem("manifest last_hash %s does not match archived chain tip %s", manifest.LastHash, report.Chain.LastHash)
	case first != manifest.FirstHash:
		report.problem("manifest first_hash %s does not match first archived entry %s", manifest.FirstHash, first)
	}
	return report, nil
}
