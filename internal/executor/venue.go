package executor

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/venuearb/internal/domain"
	"github.com/alanyoungcy/venuearb/internal/metrics"
)

// RetryingVenue wraps a venue adapter with the retry policy and an optional
// request limiter. Every call goes through the same policy, so retry
// behaviour never depends on the call site.
type RetryingVenue struct {
	inner   domain.VenueAdapter
	policy  RetryPolicy
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewRetryingVenue decorates inner. A nil limiter disables pacing.
func NewRetryingVenue(inner domain.VenueAdapter, policy RetryPolicy, limiter *rate.Limiter, m *metrics.Collector, logger *slog.Logger) *RetryingVenue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingVenue{
		inner:   inner,
		policy:  policy,
		limiter: limiter,
		metrics: m,
		logger:  logger.With(slog.String("component", "venue"), slog.String("venue", inner.Name())),
	}
}

func (v *RetryingVenue) Name() string { return v.inner.Name() }

// Submit places req and reports how many attempts it took. The request is
// resent unchanged on every attempt so the client order ID stays stable.
func (v *RetryingVenue) Submit(ctx context.Context, req domain.OrderRequest) (domain.LegHandle, int, error) {
	var h domain.LegHandle
	attempts, err := v.policy.Do(ctx, func(ctx context.Context) error {
		if err := v.pace(ctx); err != nil {
			return err
		}
		var err error
		h, err = v.inner.SubmitOrder(ctx, req)
		v.metrics.RecordVenueRequest(v.Name(), "submit", err)
		if err != nil && domain.IsTransient(err) {
			v.logger.Warn("submit failed, will retry",
				slog.String("client_order_id", req.ClientOrderID),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		return domain.LegHandle{}, attempts, fmt.Errorf("executor: submit %s: %w", req.ClientOrderID, err)
	}
	if h.Venue == "" {
		h.Venue = v.Name()
	}
	if h.ClientOrderID == "" {
		h.ClientOrderID = req.ClientOrderID
	}
	return h, attempts, nil
}

// SubmitOrder implements domain.VenueAdapter.
func (v *RetryingVenue) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.LegHandle, error) {
	h, _, err := v.Submit(ctx, req)
	return h, err
}

func (v *RetryingVenue) LegStatus(ctx context.Context, h domain.LegHandle) (domain.LegStatus, error) {
	var st domain.LegStatus
	_, err := v.policy.Do(ctx, func(ctx context.Context) error {
		if err := v.pace(ctx); err != nil {
			return err
		}
		var err error
		st, err = v.inner.LegStatus(ctx, h)
		v.metrics.RecordVenueRequest(v.Name(), "status", err)
		return err
	})
	if err != nil {
		return domain.LegStatus{}, fmt.Errorf("executor: status %s: %w", h.ClientOrderID, err)
	}
	return st, nil
}

func (v *RetryingVenue) CancelOrder(ctx context.Context, h domain.LegHandle) error {
	_, err := v.policy.Do(ctx, func(ctx context.Context) error {
		if err := v.pace(ctx); err != nil {
			return err
		}
		err := v.inner.CancelOrder(ctx, h)
		v.metrics.RecordVenueRequest(v.Name(), "cancel", err)
		return err
	})
	if err != nil {
		return fmt.Errorf("executor: cancel %s: %w", h.ClientOrderID, err)
	}
	return nil
}

func (v *RetryingVenue) pace(ctx context.Context) error {
	if v.limiter == nil {
		return nil
	}
	if err := v.limiter.Wait(ctx); err != nil {
		return domain.NewVenueError(v.Name(), "pace", domain.VenueErrTimeout, err)
	}
	return nil
}

var _ domain.VenueAdapter = (*RetryingVenue)(nil)
