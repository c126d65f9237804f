// Package service holds the application services that sit between the
// executor and the infrastructure adapters.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
	"github.com/alanyoungcy/venuearb/internal/notify"
)

// Bus channel and stream names for outcome events.
const (
	TradesChannel = "trades"
	LedgerStream  = "trade_ledger"
)

// OutcomeEvent is the JSON published for every ledger entry.
type OutcomeEvent struct {
	Event         string    `json:"event"`
	TradeID       string    `json:"trade_id"`
	OpportunityID string    `json:"opportunity_id"`
	Outcome       string    `json:"outcome"`
	BuyVenue      string    `json:"buy_venue"`
	SellVenue     string    `json:"sell_venue"`
	Pair          string    `json:"pair"`
	Size          string    `json:"size"`
	BuyFilled     string    `json:"buy_filled"`
	SellFilled    string    `json:"sell_filled"`
	PnL           string    `json:"pnl"`
	Fees          string    `json:"fees"`
	Residual      string    `json:"residual"`
	CorrectsID    string    `json:"corrects_id,omitempty"`
	Note          string    `json:"note,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
	DurationMs    int64     `json:"duration_ms"`
}

// NewOutcomeEvent flattens res into an event.
func NewOutcomeEvent(res domain.TradeResult) OutcomeEvent {
	event := "trade_outcome"
	if res.CorrectsID != "" {
		event = "trade_correction"
	}
	return OutcomeEvent{
		Event:         event,
		TradeID:       res.ID,
		OpportunityID: res.OpportunityID,
		Outcome:       string(res.Outcome),
		BuyVenue:      res.Buy.Venue,
		SellVenue:     res.Sell.Venue,
		Pair:          res.Buy.Pair,
		Size:          res.Buy.RequestedSize.String(),
		BuyFilled:     res.Buy.FilledSize.String(),
		SellFilled:    res.Sell.FilledSize.String(),
		PnL:           res.RealizedPnL.String(),
		Fees:          res.Fees.String(),
		Residual:      res.ResidualExposure.String(),
		CorrectsID:    res.CorrectsID,
		Note:          res.Note,
		CompletedAt:   res.CompletedAt,
		DurationMs:    res.Duration().Milliseconds(),
	}
}

// OutcomeService records finalized trades. The ledger append is the only
// step whose failure is returned; publishing and alerting are best effort.
type OutcomeService struct {
	ledger  domain.TradeLedger
	bus     domain.SignalBus
	alerter notify.Alerter
	metrics *metrics.Collector
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// NewOutcomeService wires the service. bus, alerter and m may be nil.
func NewOutcomeService(ledger domain.TradeLedger, bus domain.SignalBus, alerter notify.Alerter, m *metrics.Collector, logger *slog.Logger) *OutcomeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeService{
		ledger:  ledger,
		bus:     bus,
		alerter: alerter,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logger.With(slog.String("component", "outcomes")),
	}
}

// SetClock overrides the time source and ID generator used for
// corrections.
func (s *OutcomeService) SetClock(now func() time.Time, newID func() string) {
	s.now = now
	s.newID = newID
}

// Record appends res to the ledger, then publishes and alerts. A critical
// outcome is alerted even when the append fails.
func (s *OutcomeService) Record(ctx context.Context, res domain.TradeResult) error {
	if err := s.ledger.Append(ctx, res); err != nil {
		if res.Outcome.Critical() {
			s.alert(ctx, res)
		}
		return fmt.Errorf("outcomes: append %s: %w", res.ID, err)
	}
	if res.CorrectsID == "" {
		s.metrics.RecordOutcome(string(res.Outcome), res.Duration(), res.RealizedPnL.InexactFloat64())
	}
	s.publish(ctx, res)
	s.alert(ctx, res)
	return nil
}

// Correct appends an entry adjusting the realized PnL of trade id by
// delta. The original entry is left untouched.
func (s *OutcomeService) Correct(ctx context.Context, id string, delta decimal.Decimal, note string) (domain.TradeResult, error) {
	if id == "" {
		return domain.TradeResult{}, fmt.Errorf("outcomes: correct: empty original id")
	}
	original, err := s.ledger.Get(ctx, id)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("outcomes: correct %s: %w", id, err)
	}
	corr := domain.NewCorrection(original, s.newID(), delta, note, s.now())
	if err := s.Record(ctx, corr); err != nil {
		return domain.TradeResult{}, err
	}
	s.logger.InfoContext(ctx, "ledger correction appended",
		slog.String("trade_id", corr.ID),
		slog.String("corrects", original.ID),
		slog.String("delta", delta.String()),
	)
	return corr, nil
}

// Recent lists the newest ledger entries.
func (s *OutcomeService) Recent(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	list, err := s.ledger.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("outcomes: list recent: %w", err)
	}
	return list, nil
}

// Events reads up to count outcome events published after the stream entry
// after ("0" reads from the start).
func (s *OutcomeService) Events(ctx context.Context, after string, count int) ([]domain.StreamMessage, error) {
	if s.bus == nil {
		return nil, fmt.Errorf("outcomes: no event bus: %w", domain.ErrNotFound)
	}
	if after == "" {
		after = "0"
	}
	msgs, err := s.bus.StreamRead(ctx, LedgerStream, after, count)
	if err != nil {
		return nil, fmt.Errorf("outcomes: read events: %w", err)
	}
	return msgs, nil
}

func (s *OutcomeService) publish(ctx context.Context, res domain.TradeResult) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(NewOutcomeEvent(res))
	if err != nil {
		s.logger.WarnContext(ctx, "encode outcome event failed", slog.String("trade_id", res.ID), slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, TradesChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish outcome failed", slog.String("trade_id", res.ID), slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, LedgerStream, payload); err != nil {
		s.logger.WarnContext(ctx, "append outcome stream failed", slog.String("trade_id", res.ID), slog.String("error", err.Error()))
	}
}

func (s *OutcomeService) alert(ctx context.Context, res domain.TradeResult) {
	if res.CorrectsID != "" {
		return
	}
	title := fmt.Sprintf("Trade %s: %s", res.Outcome, res.Opportunity.Key())
	msg := fmt.Sprintf("id=%s buy=%s/%s sell=%s/%s pnl=%s residual=%s",
		res.ID,
		res.Buy.FilledSize, res.Buy.RequestedSize,
		res.Sell.FilledSize, res.Sell.RequestedSize,
		res.RealizedPnL, res.ResidualExposure,
	)
	if res.Note != "" {
		msg += " note=" + res.Note
	}

	var err error
	if res.Outcome.Critical() {
		s.logger.ErrorContext(ctx, "residual exposure needs operator action",
			slog.String("trade_id", res.ID),
			slog.String("combo", res.Opportunity.Key().String()),
			slog.String("residual", res.ResidualExposure.String()),
		)
		if s.alerter != nil {
			err = s.alerter.NotifyAll(ctx, "CRITICAL "+title, msg)
		}
	} else if s.alerter != nil {
		err = s.alerter.Notify(ctx, "trade_"+string(res.Outcome), title, msg)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "outcome alert failed", slog.String("trade_id", res.ID), slog.String("error", err.Error()))
	}
}
