package backtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// SourceOptions apply to every file of a recording set.
type SourceOptions struct {
	// Pair is the default pair for files that name neither a pair column
	// nor a pair suffix.
	Pair             string
	DefaultLevelSize decimal.Decimal
}

// streamName splits "<venue>.csv" or "<venue>_<pair>.csv". Pair suffixes
// use '-' in place of '/'.
func streamName(file string, def string) (venue, pair string) {
	base := strings.TrimSuffix(path.Base(filepath.ToSlash(file)), path.Ext(file))
	venue, suffix, ok := strings.Cut(base, "_")
	if !ok || suffix == "" {
		return venue, def
	}
	return venue, strings.ReplaceAll(suffix, "-", "/")
}

func isRecording(name string) bool {
	return strings.EqualFold(path.Ext(name), ".csv")
}

// OpenDir opens every CSV recording in dir, sorted by file name. The
// caller closes the streams with CloseStreams.
func OpenDir(dir string, opts SourceOptions) ([]*CSVStream, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backtest: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isRecording(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("backtest: no recordings in %s: %w", dir, domain.ErrNotFound)
	}

	streams := make([]*CSVStream, 0, len(names))
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			_ = CloseStreams(streams)
			return nil, fmt.Errorf("backtest: open %s: %w", name, err)
		}
		venue, pair := streamName(name, opts.Pair)
		s, err := NewCSVStream(f, CSVOptions{Venue: venue, Pair: pair, DefaultLevelSize: opts.DefaultLevelSize})
		if err != nil {
			_ = f.Close()
			_ = CloseStreams(streams)
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, nil
}

// OpenBlob opens every CSV recording stored under prefix.
func OpenBlob(ctx context.Context, r domain.BlobReader, prefix string, opts SourceOptions) ([]*CSVStream, error) {
	infos, err := r.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("backtest: list %s: %w", prefix, err)
	}
	var paths []string
	for _, info := range infos {
		if isRecording(info.Path) {
			paths = append(paths, info.Path)
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("backtest: no recordings under %s: %w", prefix, domain.ErrNotFound)
	}

	streams := make([]*CSVStream, 0, len(paths))
	for _, p := range paths {
		body, err := r.Get(ctx, p)
		if err != nil {
			_ = CloseStreams(streams)
			return nil, fmt.Errorf("backtest: get %s: %w", p, err)
		}
		venue, pair := streamName(p, opts.Pair)
		s, err := NewCSVStream(body, CSVOptions{Venue: venue, Pair: pair, DefaultLevelSize: opts.DefaultLevelSize})
		if err != nil {
			_ = body.Close()
			_ = CloseStreams(streams)
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, nil
}

// CloseStreams closes every stream and joins the errors.
func CloseStreams(streams []*CSVStream) error {
	var errs []error
	for _, s := range streams {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsStreams converts CSV streams to the Stream interface.
func AsStreams(in []*CSVStream) []Stream {
	out := make([]Stream, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
