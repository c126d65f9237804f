// Package executor realizes opportunities as coordinated two-leg trades.
// The Executor drains the detection queue; the Coordinator runs the leg
// protocol for a single opportunity.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
)

// Trader executes one opportunity. *Coordinator implements it.
type Trader interface {
	Execute(ctx context.Context, opp domain.Opportunity) (domain.TradeResult, error)
}

// Executor reads opportunities from a channel, discards those that went
// stale in the queue and runs the rest concurrently, bounded by
// maxOpen. An unwind failure halts new trades until Resume is called.
type Executor struct {
	oppCh   <-chan domain.Opportunity
	trader  Trader
	maxOpen int
	maxAge  time.Duration
	now     func() time.Time
	metrics *metrics.Collector
	logger  *slog.Logger

	slots  chan struct{}
	halted atomic.Bool
	wg     sync.WaitGroup
	onHalt func(tradeID string, err error)
}

// NewExecutor creates an Executor. maxOpen <= 0 allows one trade at a time.
func NewExecutor(
	oppCh <-chan domain.Opportunity,
	trader Trader,
	maxOpen int,
	maxAge time.Duration,
	m *metrics.Collector,
	logger *slog.Logger,
) *Executor {
	if maxOpen <= 0 {
		maxOpen = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		oppCh:   oppCh,
		trader:  trader,
		maxOpen: maxOpen,
		maxAge:  maxAge,
		now:     time.Now,
		metrics: m,
		logger:  logger.With(slog.String("component", "executor")),
		slots:   make(chan struct{}, maxOpen),
	}
}

// SetClock replaces the clock used for the hand-off freshness check.
// Must be called before Run.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// OnHalt registers fn to be called when an unwind failure halts new
// trades. Must be called before Run.
func (e *Executor) OnHalt(fn func(tradeID string, err error)) {
	e.onHalt = fn
}

// Run processes opportunities until ctx is cancelled or the channel is
// closed. Trades already executing are waited for before it returns.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.Int("max_open_trades", e.maxOpen))
	defer e.logger.Info("executor stopped")
	defer e.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-e.oppCh:
			if !ok {
				return nil
			}
			if err := e.process(ctx, opp); err != nil {
				e.logger.Debug("opportunity discarded",
					slog.String("opp_id", opp.ID),
					slog.String("reason", err.Error()),
				)
			}
		}
	}
}

// errMaxOpen reports that every trade slot is taken.
var errMaxOpen = errors.New("max open trades reached")

// process applies the hand-off checks and starts the trade. A non-nil
// error names the reason the opportunity was discarded.
func (e *Executor) process(ctx context.Context, opp domain.Opportunity) error {
	// 1. Halted after an unwind failure.
	if e.halted.Load() {
		e.metrics.RecordDiscard("halted")
		e.logger.Warn("execution halted, opportunity discarded",
			slog.String("opp_id", opp.ID),
			slog.String("combo", opp.Key().String()),
		)
		return fmt.Errorf("executor: %s: %w", opp.ID, domain.ErrHalted)
	}

	// 2. Freshness at hand-off.
	if !opp.Fresh(e.now(), e.maxAge) {
		e.metrics.RecordDiscard("stale_at_handoff")
		return fmt.Errorf("executor: %s at hand-off: %w", opp.ID, domain.ErrStaleData)
	}

	// 3. Open trade ceiling.
	select {
	case e.slots <- struct{}{}:
	default:
		e.metrics.RecordDiscard("max_open_trades")
		return fmt.Errorf("executor: %s: %w", opp.ID, errMaxOpen)
	}

	log := e.logger.With(
		slog.String("opp_id", opp.ID),
		slog.String("combo", opp.Key().String()),
	)

	// Trades run to completion even if ctx is cancelled mid-flight so the
	// unwind path stays reachable.
	tradeCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.slots }()
		e.execute(tradeCtx, opp, log)
	}()
	return nil
}

func (e *Executor) execute(ctx context.Context, opp domain.Opportunity, log *slog.Logger) {
	res, err := e.trader.Execute(ctx, opp)
	switch {
	case err == nil:
		log.Debug("trade done", slog.String("trade_id", res.ID), slog.String("outcome", string(res.Outcome)))
	case errors.Is(err, domain.ErrInFlight):
		e.metrics.RecordDiscard("in_flight")
		log.Debug("combination already in flight, opportunity discarded")
	case errors.Is(err, domain.ErrUnwindFailure):
		first := !e.halted.Swap(true)
		log.Error("unwind failure, halting new trades until resumed",
			slog.String("trade_id", res.ID),
			slog.String("error", err.Error()),
		)
		if first && e.onHalt != nil {
			e.onHalt(res.ID, err)
		}
	default:
		log.Error("trade execution failed", slog.String("error", err.Error()))
	}
}

// Halted reports whether new trades are blocked by an unwind failure.
func (e *Executor) Halted() bool {
	return e.halted.Load()
}

// Resume clears the halt. It is the operator's acknowledgement of the
// residual exposure.
func (e *Executor) Resume() {
	if e.halted.Swap(false) {
		e.logger.Warn("execution resumed by operator")
	}
}

var _ fmt.Stringer = (*Executor)(nil)

func (e *Executor) String() string {
	return fmt.Sprintf("Executor(max_open=%d, halted=%t)", e.maxOpen, e.halted.Load())
}

var _ Trader = (*Coordinator)(nil)
