package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/zap"
)

// RetryPolicy bounds every broker call.
type RetryPolicy struct {
	Timeout    time.Duration
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// ResilientBroker wraps a Broker with a per-call timeout and bounded
// retries. Order placement is attempted once: a timed out order may still
// have reached the exchange, and a second attempt could double the fill.
type ResilientBroker struct {
	inner   domain.Broker
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ domain.Broker = (*ResilientBroker)(nil)

func NewResilientBroker(inner domain.Broker, policy RetryPolicy, logger *zap.Logger, metrics *observability.Metrics) *ResilientBroker {
	if policy.Timeout <= 0 {
		policy.Timeout = 10 * time.Second
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BackoffMin <= 0 {
		policy.BackoffMin = 200 * time.Millisecond
	}
	if policy.BackoffMax < policy.BackoffMin {
		policy.BackoffMax = policy.BackoffMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &ResilientBroker{
		inner:   inner,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Bybit retCodes that mean "try again later" rather than a rejection.
var transientRetCodes = map[int]bool{
	10006: true, // too many visits
	10016: true, // server error or system busy
	10018: true, // ip rate limit
}

// retryable reports whether err is worth another attempt. Validation errors
// and exchange rejections are final; rate limits and busy replies are not.
func retryable(err error) bool {
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return transientRetCodes[apiErr.Code]
	}
	return true
}

func (r *ResilientBroker) call(ctx context.Context, method string, retries int, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() {
		r.metrics.BrokerCallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	bo := &backoff.Backoff{Min: r.policy.BackoffMin, Max: r.policy.BackoffMax, Factor: 2, Jitter: true}

	var err error
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		err = fn(callCtx)
		cancel()

		if err == nil {
			r.metrics.BrokerCalls.WithLabelValues(method, "ok").Inc()
			return nil
		}
		if attempt >= retries || !retryable(err) || ctx.Err() != nil {
			break
		}

		wait := bo.Duration()
		r.logger.Warn("Broker call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			break
		}
	}

	r.metrics.BrokerCalls.WithLabelValues(method, "error").Inc()
	r.logger.Error("Broker call failed", zap.String("method", method), zap.Error(err))
	return err
}

func (r *ResilientBroker) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	var out *domain.AccountSnapshot
	err := r.call(ctx, "GetAccountSnapshot", r.policy.MaxRetries, func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetAccountSnapshot(ctx)
		return err
	})
	return out, err
}

func (r *ResilientBroker) GetOpenPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var out []domain.BrokerPosition
	err := r.call(ctx, "GetOpenPositions", r.policy.MaxRetries, func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetOpenPositions(ctx)
		return err
	})
	return out, err
}

func (r *ResilientBroker) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	err := r.call(ctx, "GetOpenOrders", r.policy.MaxRetries, func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetOpenOrders(ctx)
		return err
	})
	return out, err
}

func (r *ResilientBroker) PlaceMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	var out *domain.Order
	err := r.call(ctx, "PlaceMarketOrder", 0, func(ctx context.Context) error {
		var err error
		out, err = r.inner.PlaceMarketOrder(ctx, symbol, side, quantity)
		return err
	})
	return out, err
}

func (r *ResilientBroker) PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, side domain.Side, quantity float64) (*domain.Order, error) {
	var out *domain.Order
	err := r.call(ctx, "PlaceReduceOnlyMarketOrder", 0, func(ctx context.Context) error {
		var err error
		out, err = r.inner.PlaceReduceOnlyMarketOrder(ctx, symbol, side, quantity)
		return err
	})
	return out, err
}

func (r *ResilientBroker) CancelAllOrders(ctx context.Context, symbol string) error {
	return r.call(ctx, "CancelAllOrders", r.policy.MaxRetries, func(ctx context.Context) error {
		return r.inner.CancelAllOrders(ctx, symbol)
	})
}

func (r *ResilientBroker) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	return r.call(ctx, "ChangeLeverage", r.policy.MaxRetries, func(ctx context.Context) error {
		return r.inner.ChangeLeverage(ctx, symbol, leverage)
	})
}
