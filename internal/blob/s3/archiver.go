package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// DefaultPartSize is the part size used when uploading recordings.
const DefaultPartSize = 8 * 1024 * 1024

// Archiver copies local artifacts into object storage: the recent trade
// ledger as JSONL and recorded per-venue CSV files. It only depends on
// domain.BlobWriter.
type Archiver struct {
	writer   domain.BlobWriter
	partSize int64
}

// NewArchiver creates an Archiver on w.
func NewArchiver(w domain.BlobWriter) *Archiver {
	return &Archiver{writer: w, partSize: DefaultPartSize}
}

// ArchiveLedger uploads up to limit of the newest ledger entries to
// archive/trades/YYYY-MM-DD/<unix>.jsonl and returns the key and count.
// Nothing is uploaded for an empty ledger.
func (a *Archiver) ArchiveLedger(ctx context.Context, ledger domain.TradeLedger, limit int, at time.Time) (string, int, error) {
	results, err := ledger.ListRecent(ctx, limit)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive ledger query: %w", err)
	}
	if len(results) == 0 {
		return "", 0, nil
	}
	buf, err := marshalJSONL(results)
	if err != nil {
		return "", 0, fmt.Errorf("s3blob: archive ledger marshal: %w", err)
	}
	key := archivePath("trades", at)
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", 0, fmt.Errorf("s3blob: archive ledger upload: %w", err)
	}
	return key, len(results), nil
}

// UploadRecordings uploads every .csv file in dir to prefix/<file name>,
// in name order, and returns the keys written.
func (a *Archiver) UploadRecordings(ctx context.Context, dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		key := path.Join(prefix, e.Name())
		if err := a.uploadFile(ctx, filepath.Join(dir, e.Name()), key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (a *Archiver) uploadFile(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("s3blob: open %s: %w", file, err)
	}
	defer f.Close()
	if err := a.writer.PutMultipart(ctx, key, f, a.partSize); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", file, err)
	}
	return nil
}

// archivePath partitions archives by day of the cutoff:
//
//	archive/trades/2025-01-31/1738281600.jsonl
func archivePath(kind string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("archive/%s/%s/%d.jsonl", kind, at.Format("2006-01-02"), at.Unix())
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
