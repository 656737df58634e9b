// Package export streams tenant chains out of the store in chain order and
// snapshots them into signed archives.
//
// Every export format carries the stored fields unchanged, including the
// canonical diff and both hashes, so an exported chain can be re-verified
// without access to the database.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bizsuite/auditchain/internal/chain"
)

// Format is an export encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// ParseFormat accepts a format name; the empty string selects jsonl.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSONL, nil
	case FormatJSONL, FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (must be jsonl, json or csv)", s)
	}
}

// ContentType is the HTTP media type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/x-ndjson"
	}
}

// Extension is the file name extension of the format, without a dot.
func (f Format) Extension() string {
	return string(f)
}

// CSVHeader names the CSV columns in order.
var CSVHeader = []string{
	"id", "tenant_id", "seq", "actor_user_id", "action", "entity", "entity_id",
	"diff", "created_at", "prev_hash", "hash",
}

// EntryWriter encodes entries one at a time.
type EntryWriter interface {
	Write(e *chain.Entry) error
	// Close finishes the document. It does not close the underlying writer.
	Close() error
}

// NewWriter returns an EntryWriter for the format.
func NewWriter(w io.Writer, f Format) (EntryWriter, error) {
	switch f {
	case FormatJSONL:
		return &jsonlWriter{enc: json.NewEncoder(w)}, nil
	case FormatJSON:
		return &jsonArrayWriter{w: w}, nil
	case FormatCSV:
		return &csvWriter{w: csv.NewWriter(w)}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", f)
	}
}

type jsonlWriter struct {
	enc *json.Encoder
}

func (j *jsonlWriter) Write(e *chain.Entry) error { return j.enc.Encode(e) }
func (j *jsonlWriter) Close() error               { return nil }

type jsonArrayWriter struct {
	w       io.Writer
	started bool
}

func (j *jsonArrayWriter) Write(e *chain.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	sep := ",\n"
	if !j.started {
		sep = "[\n"
		j.started = true
	}
	if _, err := io.WriteString(j.w, sep); err != nil {
		return err
	}
	_, err = j.w.Write(b)
	return err
}

func (j *jsonArrayWriter) Close() error {
	end := "\n]\n"
	if !j.started {
		end = "[]\n"
	}
	_, err := io.WriteString(j.w, end)
	return err
}

type csvWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

func (c *csvWriter) header() error {
	if c.wroteHeader {
		return nil
	}
	c.wroteHeader = true
	return c.w.Write(CSVHeader)
}

func (c *csvWriter) Write(e *chain.Entry) error {
	if err := c.header(); err != nil {
		return err
	}
	actor := ""
	if e.ActorUserID != nil {
		actor = *e.ActorUserID
	}
	return c.w.Write([]string{
		e.ID,
		e.TenantID,
		strconv.FormatInt(e.Seq, 10),
		actor,
		e.Action,
		e.Entity,
		e.EntityID,
		string(e.Diff),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
		e.Hash,
	})
}

func (c *csvWriter) Close() error {
	if err := c.header(); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// WriteChain streams tenantID's chain from genesis to w in the given format
// and returns the number of entries written.
func WriteChain(ctx context.Context, store chain.Store, tenantID string, w io.Writer, f Format) (int64, error) {
	ew, err := NewWriter(w, f)
	if err != nil {
		return 0, err
	}

	var n int64
	err = store.Walk(ctx, tenantID, 0, chain.DefaultWalkBatch, func(e *chain.Entry) error {
		if err := ew.Write(e); err != nil {
			return fmt.Errorf("failed to write entry %d: %w", e.Seq, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("failed to export chain for tenant %s: %w", tenantID, err)
	}
	if err := ew.Close(); err != nil {
		return n, fmt.Errorf("failed to finish export: %w", err)
	}
	return n, nil
}

// ReadJSONL decodes a jsonl export, calling fn for each entry in file order.
func ReadJSONL(r io.Reader, fn func(*chain.Entry) error) error {
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var e chain.Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("invalid entry %d: %w", line, err)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
}
