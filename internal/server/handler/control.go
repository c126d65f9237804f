// Package handler implements the operator endpoints of the control server.
package handler

import (
	"log/slog"
	"net/http"
)

// Execution is the part of the executor the control endpoints drive.
type Execution interface {
	Halted() bool
	Resume()
}

// CoverageReporter reports how many quote keys are usable.
type CoverageReporter interface {
	Coverage() (active, total int)
}

// QueueStats exposes the detection queue counters.
type QueueStats interface {
	Len() int
	Dropped() int64
}

// Status is the body of GET /status.
type Status struct {
	Mode        string `json:"mode"`
	Halted      bool   `json:"halted"`
	QueueDepth  int    `json:"queue_depth"`
	Dropped     int64  `json:"dropped"`
	ActiveFeeds int    `json:"active_feeds"`
	QuoteKeys   int    `json:"quote_keys"`
}

// ControlHandler serves execution status and the operator resume action.
type ControlHandler struct {
	mode    string
	exec    Execution
	book    CoverageReporter
	queue   QueueStats
	journal TradeJournal
	logger  *slog.Logger
}

// NewControlHandler creates a ControlHandler. journal may be nil, in which
// case the trade routes answer 503.
func NewControlHandler(mode string, exec Execution, book CoverageReporter, queue QueueStats, journal TradeJournal, logger *slog.Logger) *ControlHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlHandler{
		mode:    mode,
		exec:    exec,
		book:    book,
		queue:   queue,
		journal: journal,
		logger:  logger.With(slog.String("handler", "control")),
	}
}

// GetStatus reports the halt flag, queue depth and feed coverage.
// GET /status
func (h *ControlHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	active, total := h.book.Coverage()
	writeJSON(w, http.StatusOK, Status{
		Mode:        h.mode,
		Halted:      h.exec.Halted(),
		QueueDepth:  h.queue.Len(),
		Dropped:     h.queue.Dropped(),
		ActiveFeeds: active,
		QuoteKeys:   total,
	})
}

// Resume clears an unwind-failure halt. It is the operator's
// acknowledgement of the residual exposure.
// POST /resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	wasHalted := h.exec.Halted()
	h.exec.Resume()
	h.logger.WarnContext(r.Context(), "resume requested",
		slog.Bool("was_halted", wasHalted),
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"was_halted": wasHalted})
}
