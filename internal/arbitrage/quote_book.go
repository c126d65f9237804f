package arbitrage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// bookEntry holds the latest snapshot of one (venue, pair) key. Each entry
// has its own lock so feeds for unrelated keys never contend.
type bookEntry struct {
	mu        sync.RWMutex
	snap      domain.QuoteSnapshot
	has       bool
	suspended bool
}

// QuoteBook keeps the most recent snapshot per (venue, pair). The outer
// lock only guards the key index and is taken exclusively when a key is
// seen for the first time.
type QuoteBook struct {
	mu      sync.RWMutex
	entries map[domain.QuoteKey]*bookEntry
	venues  map[string][]string // pair -> sorted venues
}

// NewQuoteBook returns an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		entries: make(map[domain.QuoteKey]*bookEntry),
		venues:  make(map[string][]string),
	}
}

func (b *QuoteBook) entry(key domain.QuoteKey) *bookEntry {
	b.mu.RLock()
	e, ok := b.entries[key]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e
	}
	e = &bookEntry{}
	b.entries[key] = e
	vs := append(b.venues[key.Pair], key.Venue)
	sort.Strings(vs)
	b.venues[key.Pair] = vs
	return e
}

func (b *QuoteBook) lookup(key domain.QuoteKey) (*bookEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	return e, ok
}

// Update replaces the snapshot for the key of snap. A snapshot older than
// the stored one is rejected with ErrOutOfOrder. A suspended key keeps
// storing data but stays hidden until Resume.
func (b *QuoteBook) Update(snap domain.QuoteSnapshot) error {
	e := b.entry(snap.Key())
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.has && snap.Timestamp.Before(e.snap.Timestamp) {
		return fmt.Errorf("quote book: %s at %s before %s: %w",
			snap.Key(), snap.Timestamp.Format("15:04:05.000"), e.snap.Timestamp.Format("15:04:05.000"), domain.ErrOutOfOrder)
	}
	e.snap = snap
	e.has = true
	return nil
}

// Latest returns the stored snapshot unless the key is unknown or
// suspended.
func (b *QuoteBook) Latest(venue, pair string) (domain.QuoteSnapshot, bool) {
	e, ok := b.lookup(domain.QuoteKey{Venue: venue, Pair: pair})
	if !ok {
		return domain.QuoteSnapshot{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.has || e.suspended {
		return domain.QuoteSnapshot{}, false
	}
	return e.snap, true
}

// Venues returns every venue that has published pair, sorted.
func (b *QuoteBook) Venues(pair string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.venues[pair]...)
}

// Suspend hides every key of venue from Latest until Resume.
func (b *QuoteBook) Suspend(venue string) {
	b.setSuspended(venue, true)
}

// Resume makes the venue's last known snapshots visible again.
func (b *QuoteBook) Resume(venue string) {
	b.setSuspended(venue, false)
}

func (b *QuoteBook) setSuspended(venue string, v bool) {
	b.mu.RLock()
	var targets []*bookEntry
	for k, e := range b.entries {
		if k.Venue == venue {
			targets = append(targets, e)
		}
	}
	b.mu.RUnlock()
	for _, e := range targets {
		e.mu.Lock()
		e.suspended = v
		e.mu.Unlock()
	}
}

// Coverage reports how many keys are currently usable out of all known.
func (b *QuoteBook) Coverage() (active, total int) {
	b.mu.RLock()
	entries := make([]*bookEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.mu.RUnlock()
	for _, e := range entries {
		e.mu.RLock()
		if e.has && !e.suspended {
			active++
		}
		e.mu.RUnlock()
	}
	return active, len(entries)
}

var _ domain.QuoteSource = (*QuoteBook)(nil)
