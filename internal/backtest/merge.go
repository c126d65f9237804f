package backtest

import (
	"container/heap"
	"errors"
	"fmt"
	"io"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

type mergeItem struct {
	snap   domain.QuoteSnapshot
	stream int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if !h[i].snap.Timestamp.Equal(h[j].snap.Timestamp) {
		return h[i].snap.Timestamp.Before(h[j].snap.Timestamp)
	}
	return h[i].stream < h[j].stream
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// Merger is a k-way merge of venue streams by timestamp. Ties go to the
// stream listed first. A stream whose timestamps go backwards fails the
// merge with domain.ErrOutOfOrder instead of being reordered.
type Merger struct {
	streams []Stream
	h       mergeHeap
	primed  bool
}

// NewMerger merges streams.
func NewMerger(streams []Stream) *Merger {
	return &Merger{streams: streams}
}

func (m *Merger) prime() error {
	m.primed = true
	for i, s := range m.streams {
		snap, err := s.Next()
		if errors.Is(err, io.EOF) {
			continue
		}
		if err != nil {
			return err
		}
		m.h = append(m.h, mergeItem{snap: snap, stream: i})
	}
	heap.Init(&m.h)
	return nil
}

// Next returns the globally earliest remaining snapshot, or io.EOF.
func (m *Merger) Next() (domain.QuoteSnapshot, error) {
	if !m.primed {
		if err := m.prime(); err != nil {
			return domain.QuoteSnapshot{}, err
		}
	}
	if m.h.Len() == 0 {
		return domain.QuoteSnapshot{}, io.EOF
	}

	it := heap.Pop(&m.h).(mergeItem)
	s := m.streams[it.stream]
	next, err := s.Next()
	switch {
	case errors.Is(err, io.EOF):
	case err != nil:
		return domain.QuoteSnapshot{}, err
	case next.Timestamp.Before(it.snap.Timestamp):
		return domain.QuoteSnapshot{}, fmt.Errorf("backtest: stream %s: %s after %s: %w",
			s.Venue(), next.Timestamp.Format("2006-01-02T15:04:05.000"), it.snap.Timestamp.Format("2006-01-02T15:04:05.000"), domain.ErrOutOfOrder)
	default:
		heap.Push(&m.h, mergeItem{snap: next, stream: it.stream})
	}
	return it.snap, nil
}
