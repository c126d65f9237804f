package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// TradeJournal reads and corrects the trade ledger.
type TradeJournal interface {
	Recent(ctx context.Context, limit int) ([]domain.TradeResult, error)
	Correct(ctx context.Context, id string, delta decimal.Decimal, note string) (domain.TradeResult, error)
	Events(ctx context.Context, after string, count int) ([]domain.StreamMessage, error)
}

// legView is the JSON form of one trade leg.
type legView struct {
	Venue     string `json:"venue"`
	Side      string `json:"side"`
	Requested string `json:"requested"`
	Filled    string `json:"filled"`
	AvgPrice  string `json:"avg_price"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// TradeView is the JSON form of a ledger entry.
type TradeView struct {
	ID          string    `json:"id"`
	Opportunity string    `json:"opportunity_id"`
	Pair        string    `json:"pair"`
	Outcome     string    `json:"outcome"`
	Buy         legView   `json:"buy"`
	Sell        legView   `json:"sell"`
	Unwind      *legView  `json:"unwind,omitempty"`
	PnL         string    `json:"pnl"`
	Fees        string    `json:"fees"`
	Residual    string    `json:"residual"`
	CorrectsID  string    `json:"corrects_id,omitempty"`
	Note        string    `json:"note,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

func newLegView(l domain.TradeLeg) legView {
	return legView{
		Venue:     l.Venue,
		Side:      string(l.Side),
		Requested: l.RequestedSize.String(),
		Filled:    l.FilledSize.String(),
		AvgPrice:  l.AvgPrice.String(),
		State:     string(l.State),
		Attempts:  l.Attempts,
		Error:     l.Error,
	}
}

func newTradeView(res domain.TradeResult) TradeView {
	v := TradeView{
		ID:          res.ID,
		Opportunity: res.OpportunityID,
		Pair:        res.Buy.Pair,
		Outcome:     string(res.Outcome),
		Buy:         newLegView(res.Buy),
		Sell:        newLegView(res.Sell),
		PnL:         res.RealizedPnL.String(),
		Fees:        res.Fees.String(),
		Residual:    res.ResidualExposure.String(),
		CorrectsID:  res.CorrectsID,
		Note:        res.Note,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	if res.Unwind != nil {
		u := newLegView(*res.Unwind)
		v.Unwind = &u
	}
	return v
}

// ListTrades returns the newest ledger entries.
// GET /trades?limit=N
func (h *ControlHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal not available")
		return
	}
	limit, err := queryInt(r, "limit", defaultTradeLimit, maxTradeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list trades failed")
		return
	}
	out := make([]TradeView, 0, len(list))
	for _, res := range list {
		out = append(out, newTradeView(res))
	}
	writeJSON(w, http.StatusOK, out)
}

type correctRequest struct {
	Delta string `json:"delta"`
	Note  string `json:"note"`
}

// CorrectTrade appends a correction entry for an existing trade.
// POST /trades/{id}/correct
func (h *ControlHandler) CorrectTrade(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal not available")
		return
	}
	id := r.PathValue("id")
	var req correctRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	delta, err := decimal.NewFromString(req.Delta)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delta: "+err.Error())
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}

	corr, err := h.journal.Correct(r.Context(), id, delta, req.Note)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "trade "+id+" not found")
		return
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "correct trade failed",
			slog.String("trade_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "correct trade failed")
		return
	}
	h.logger.WarnContext(r.Context(), "trade corrected by operator",
		slog.String("trade_id", id),
		slog.String("correction_id", corr.ID),
		slog.String("delta", delta.String()),
	)
	writeJSON(w, http.StatusCreated, newTradeView(corr))
}

// eventView is one entry of the outcome event stream.
type eventView struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents tails the durable outcome event stream.
// GET /events?after=ID&count=N
func (h *ControlHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "trade journal not available")
		return
	}
	count, err := queryInt(r, "count", defaultTradeLimit, maxTradeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := h.journal.Events(r.Context(), r.URL.Query().Get("after"), count)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "event stream not configured")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "read events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "read events failed")
		return
	}
	out := make([]eventView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, eventView{ID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	writeJSON(w, http.StatusOK, out)
}

// queryInt parses a positive integer query parameter, clamped to ceiling.
func queryInt(r *http.Request, key string, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid " + key + ": " + raw)
	}
	return min(n, ceiling), nil
}
