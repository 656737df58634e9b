package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizsuite/auditchain/internal/chain"
)

func seedStore(t *testing.T, tenant string, n int) (*chain.MemoryStore, []*chain.Entry) {
	t.Helper()
	store := chain.NewMemoryStore()
	a := chain.NewAppender(store, chain.AppenderConfig{})
	actor := "u-42"
	entries := make([]*chain.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := a.Append(context.Background(), chain.ActionInput{
			TenantID:    tenant,
			ActorUserID: &actor,
			Action:      "crm.contacts.update",
			Entity:      "contact",
			EntityID:    "c1",
			Diff:        map[string]any{"step": i, "name": "Ann, \"the first\""},
		})
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return store, entries
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSONL, false},
		{"jsonl", FormatJSONL, false},
		{"JSON", FormatJSON, false},
		{" csv ", FormatCSV, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "application/x-ndjson", FormatJSONL.ContentType())
	assert.Equal(t, "application/json", FormatJSON.ContentType())
	assert.Equal(t, "text/csv; charset=utf-8", FormatCSV.ContentType())
}

func TestWriteChain_JSONLRoundTripVerifies(t *testing.T) {
	store, entries := seedStore(t, "acme", 5)

	var buf bytes.Buffer
	n, err := WriteChain(context.Background(), store, "acme", &buf, FormatJSONL)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, 5, strings.Count(buf.String(), "\n"))

	checker := chain.NewChecker("acme", true)
	var read []*chain.Entry
	require.NoError(t, ReadJSONL(&buf, func(e *chain.Entry) error {
		read = append(read, e)
		assert.True(t, checker.Check(e))
		return nil
	}))
	require.Len(t, read, 5)
	assert.Equal(t, entries[0].Hash, read[0].Hash)
	assert.Equal(t, entries[4].Hash, checker.Result().LastHash)
	assert.True(t, checker.Result().Valid)
}

func TestWriteChain_JSONArray(t *testing.T) {
	store, entries := seedStore(t, "acme", 3)

	var buf bytes.Buffer
	_, err := WriteChain(context.Background(), store, "acme", &buf, FormatJSON)
	require.NoError(t, err)

	var decoded []chain.Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 3)
	for i := range decoded {
		assert.Equal(t, entries[i].Hash, decoded[i].Hash)
		assert.Equal(t, int64(i+1), decoded[i].Seq)
	}
}

func TestWriteChain_EmptyChain(t *testing.T) {
	store := chain.NewMemoryStore()

	var jsonBuf, csvBuf bytes.Buffer
	n, err := WriteChain(context.Background(), store, "nobody", &jsonBuf, FormatJSON)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.JSONEq(t, `[]`, jsonBuf.String())

	_, err = WriteChain(context.Background(), store, "nobody", &csvBuf, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(CSVHeader, ",")+"\n", csvBuf.String())
}

func TestWriteChain_CSV(t *testing.T) {
	store, entries := seedStore(t, "acme", 2)

	var buf bytes.Buffer
	_, err := WriteChain(context.Background(), store, "acme", &buf, FormatCSV)
	require.NoError(t, err)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, CSVHeader, records[0])

	row := records[1]
	assert.Equal(t, entries[0].ID, row[0])
	assert.Equal(t, "acme", row[1])
	assert.Equal(t, "1", row[2])
	assert.Equal(t, "u-42", row[3])
	assert.Equal(t, string(entries[0].Diff), row[7])
	assert.Equal(t, chain.GenesisHash, row[9])
	assert.Equal(t, entries[0].Hash, row[10])
	assert.Equal(t, entries[0].Hash, records[2][9])
}

func TestNewWriter_UnknownFormat(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, Format("xml"))
	assert.Error(t, err)
}

func TestReadJSONL_InvalidLine(t *testing.T) {
	err := ReadJSONL(strings.NewReader("{\"hash\":\"x\"}\n{not json}\n"), func(*chain.Entry) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid entry 2")
}
