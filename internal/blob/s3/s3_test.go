package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/ledger"
)

type memBlobs struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	multipart map[string]int64
	failPut   error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{
		objects:   make(map[string][]byte),
		types:     make(map[string]string),
		multipart: make(map[string]int64),
	}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if m.failPut != nil {
		return m.failPut
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) PutMultipart(_ context.Context, path string, data io.Reader, partSize int64) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.multipart[path] = partSize
	return nil
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://e2.example.com", normaliseEndpoint("http://e2.example.com", true))
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.ErrorContains(t, err, "bucket")
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.ErrorContains(t, err, "region")
}

func TestArchivePath(t *testing.T) {
	at := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/trades/2025-01-31/1738281600.jsonl", archivePath("trades", at))
}

func TestArchiveLedger(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemory()
	at := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, led.Append(ctx, domain.TradeResult{
			ID:          id,
			Outcome:     domain.OutcomeSuccess,
			RealizedPnL: decimal.RequireFromString("1.5"),
			CompletedAt: at,
		}))
	}

	blobs := newMemBlobs()
	a := NewArchiver(blobs)
	key, n, err := a.ArchiveLedger(ctx, led, 2, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "application/x-ndjson", blobs.types[key])

	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[key]))
	var ids []string
	for sc.Scan() {
		var res domain.TradeResult
		require.NoError(t, json.Unmarshal(sc.Bytes(), &res))
		assert.True(t, res.RealizedPnL.Equal(decimal.RequireFromString("1.5")))
		ids = append(ids, res.ID)
	}
	assert.Equal(t, []string{"t3", "t2"}, ids)
}

func TestArchiveLedgerEmptyAndFailure(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	key, n, err := NewArchiver(blobs).ArchiveLedger(ctx, ledger.NewMemory(), 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)

	led := ledger.NewMemory()
	require.NoError(t, led.Append(ctx, domain.TradeResult{ID: "t1"}))
	blobs.failPut = errors.New("boom")
	_, _, err = NewArchiver(blobs).ArchiveLedger(ctx, led, 10, time.Now())
	assert.ErrorContains(t, err, "boom")
}

func TestUploadRecordings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("timestamp\n1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("timestamp\n2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	blobs := newMemBlobs()
	keys, err := NewArchiver(blobs).UploadRecordings(context.Background(), dir, "recordings/2025-01-31")
	require.NoError(t, err)
	assert.Equal(t, []string{"recordings/2025-01-31/a.csv", "recordings/2025-01-31/b.csv"}, keys)
	assert.Equal(t, "timestamp\n2\n", string(blobs.objects["recordings/2025-01-31/a.csv"]))
	assert.Equal(t, int64(DefaultPartSize), blobs.multipart["recordings/2025-01-31/b.csv"])
}
