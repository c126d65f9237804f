// Package backtest replays recorded quote snapshots through the live
// detector and pricing model against a simulated coordinator.
package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// Stream yields one venue's snapshots in recorded order. Next returns
// io.EOF once exhausted.
type Stream interface {
	Venue() string
	Next() (domain.QuoteSnapshot, error)
}

// SliceStream serves snapshots from memory.
type SliceStream struct {
	venue string
	snaps []domain.QuoteSnapshot
	pos   int
}

// NewSliceStream returns a stream over snaps, served in slice order.
func NewSliceStream(venue string, snaps []domain.QuoteSnapshot) *SliceStream {
	return &SliceStream{venue: venue, snaps: snaps}
}

func (s *SliceStream) Venue() string { return s.venue }

func (s *SliceStream) Next() (domain.QuoteSnapshot, error) {
	if s.pos >= len(s.snaps) {
		return domain.QuoteSnapshot{}, io.EOF
	}
	snap := s.snaps[s.pos]
	s.pos++
	return snap, nil
}

// CSV columns. Only timestamp is mandatory; depth columns take precedence
// over the top-of-book ones when present.
const (
	colTimestamp = "timestamp"
	colPair      = "pair"
	colBid       = "bid"
	colBidSize   = "bid_size"
	colAsk       = "ask"
	colAskSize   = "ask_size"
	colBids      = "bids"
	colAsks      = "asks"
)

var csvHeader = []string{colTimestamp, colPair, colBid, colBidSize, colAsk, colAskSize, colBids, colAsks}

// CSVOptions configures how recorded rows become snapshots.
type CSVOptions struct {
	Venue string
	// Pair is used when the file has no pair column.
	Pair string
	// DefaultLevelSize is the size assumed for a price without a size,
	// as in bid/ask-only recordings.
	DefaultLevelSize decimal.Decimal
}

// CSVStream reads snapshots from a CSV recording.
type CSVStream struct {
	opts   CSVOptions
	r      *csv.Reader
	closer io.Closer
	cols   map[string]int
	line   int
}

// NewCSVStream reads the header of r. If r is an io.Closer it is closed by
// Close.
func NewCSVStream(r io.Reader, opts CSVOptions) (*CSVStream, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("backtest: %s: read header: %w", opts.Venue, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colTimestamp]; !ok {
		return nil, fmt.Errorf("backtest: %s: missing %q column", opts.Venue, colTimestamp)
	}
	s := &CSVStream{opts: opts, r: cr, cols: cols, line: 1}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

func (s *CSVStream) Venue() string { return s.opts.Venue }

func (s *CSVStream) Next() (domain.QuoteSnapshot, error) {
	rec, err := s.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.QuoteSnapshot{}, io.EOF
		}
		return domain.QuoteSnapshot{}, fmt.Errorf("backtest: %s: %w", s.opts.Venue, err)
	}
	s.line++
	snap, err := s.parse(rec)
	if err != nil {
		return domain.QuoteSnapshot{}, fmt.Errorf("backtest: %s line %d: %w", s.opts.Venue, s.line, err)
	}
	return snap, nil
}

// Close releases the underlying reader.
func (s *CSVStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *CSVStream) field(rec []string, name string) string {
	i, ok := s.cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (s *CSVStream) parse(rec []string) (domain.QuoteSnapshot, error) {
	ts, err := ParseTimestamp(s.field(rec, colTimestamp))
	if err != nil {
		return domain.QuoteSnapshot{}, err
	}
	pair := s.field(rec, colPair)
	if pair == "" {
		pair = s.opts.Pair
	}
	bids, err := s.side(rec, colBids, colBid, colBidSize)
	if err != nil {
		return domain.QuoteSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := s.side(rec, colAsks, colAsk, colAskSize)
	if err != nil {
		return domain.QuoteSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	return domain.NewQuoteSnapshot(s.opts.Venue, pair, bids, asks, ts), nil
}

func (s *CSVStream) side(rec []string, depthCol, priceCol, sizeCol string) ([]domain.PriceLevel, error) {
	if depth := s.field(rec, depthCol); depth != "" {
		return ParseLevels(depth, s.opts.DefaultLevelSize)
	}
	price := s.field(rec, priceCol)
	if price == "" {
		return nil, nil
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", price, err)
	}
	size := s.opts.DefaultLevelSize
	if raw := s.field(rec, sizeCol); raw != "" {
		if size, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("size %q: %w", raw, err)
		}
	}
	return []domain.PriceLevel{{Price: p, Size: size}}, nil
}

// ParseLevels decodes "price:size|price:size". A level without a size gets
// def.
func ParseLevels(s string, def decimal.Decimal) ([]domain.PriceLevel, error) {
	parts := strings.Split(s, "|")
	levels := make([]domain.PriceLevel, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		priceStr, sizeStr, hasSize := strings.Cut(part, ":")
		p, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("level %q: %w", part, err)
		}
		size := def
		if hasSize {
			if size, err = decimal.NewFromString(sizeStr); err != nil {
				return nil, fmt.Errorf("level %q: %w", part, err)
			}
		}
		levels = append(levels, domain.PriceLevel{Price: p, Size: size})
	}
	return levels, nil
}

// FormatLevels is the inverse of ParseLevels. depth > 0 keeps only the best
// depth levels.
func FormatLevels(levels []domain.PriceLevel, depth int) string {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	parts := make([]string, len(levels))
	for i, lvl := range levels {
		parts[i] = lvl.Price.String() + ":" + lvl.Size.String()
	}
	return strings.Join(parts, "|")
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC3339, "2006-01-02 15:04:05" with optional
// fractional seconds, unix milliseconds, and unix seconds with an optional
// fraction. Zone-less values are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if t, ok := parseUnixFraction(s); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseUnixFraction reads "seconds.fraction" exactly, keeping at most
// nanosecond precision.
func parseUnixFraction(s string) (time.Time, bool) {
	secPart, frac, ok := strings.Cut(s, ".")
	if !ok || secPart == "" || frac == "" {
		return time.Time{}, false
	}
	if strings.Trim(frac, "0123456789") != "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, false
	}
	if len(frac) > 9 {
		frac = frac[:9]
	} else {
		frac += strings.Repeat("0", 9-len(frac))
	}
	nsec, _ := strconv.ParseUint(frac, 10, 32)
	return time.Unix(sec, int64(nsec)).UTC(), true
}

// CSVWriter appends snapshots in the format CSVStream reads. It is safe
// for concurrent use.
type CSVWriter struct {
	mu    sync.Mutex
	w     *csv.Writer
	depth int
	rows  int
}

// NewCSVWriter writes the header to w. depth limits the recorded levels per
// side; zero keeps all of them.
func NewCSVWriter(w io.Writer, depth int) (*CSVWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("backtest: write header: %w", err)
	}
	return &CSVWriter{w: cw, depth: depth}, nil
}

// Write appends one row for snap.
func (w *CSVWriter) Write(snap domain.QuoteSnapshot) error {
	row := make([]string, len(csvHeader))
	row[0] = snap.Timestamp.UTC().Format(time.RFC3339Nano)
	row[1] = snap.Pair
	if lvl, ok := snap.BestBid(); ok {
		row[2], row[3] = lvl.Price.String(), lvl.Size.String()
	}
	if lvl, ok := snap.BestAsk(); ok {
		row[4], row[5] = lvl.Price.String(), lvl.Size.String()
	}
	row[6] = FormatLevels(snap.Bids, w.depth)
	row[7] = FormatLevels(snap.Asks, w.depth)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Write(row); err != nil {
		return fmt.Errorf("backtest: write %s: %w", snap.Key(), err)
	}
	w.rows++
	return nil
}

// Flush writes buffered rows to the underlying writer.
func (w *CSVWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	return w.w.Error()
}

// Rows is the number of snapshots written.
func (w *CSVWriter) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}
