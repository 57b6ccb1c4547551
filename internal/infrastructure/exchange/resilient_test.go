package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/zap/zaptest"
)

// flakyBroker fails the first n calls of every method.
type flakyBroker struct {
	*PaperBroker
	failures int
	err      error
	calls    map[string]int
}

func newFlakyBroker(failures int, err error) *flakyBroker {
	return &flakyBroker{
		PaperBroker: NewPaperBroker(1000),
		failures:    failures,
		err:         err,
		calls:       make(map[string]int),
	}
}

func (f *flakyBroker) fail(method string) error {
	f.calls[method]++
	if f.calls[method] <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyBroker) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	if err := f.fail("GetAccountSnapshot"); err != nil {
		return nil, err
	}
	return f.PaperBroker.GetAccountSnapshot(ctx)
}

func (f *flakyBroker) PlaceReduceOnlyMarketOrder(ctx context.Context, symbol string, side domain.Side, qty float64) (*domain.Order, error) {
	if err := f.fail("PlaceReduceOnlyMarketOrder"); err != nil {
		return nil, err
	}
	return f.PaperBroker.PlaceReduceOnlyMarketOrder(ctx, symbol, side, qty)
}

func (f *flakyBroker) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := f.fail("CancelAllOrders"); err != nil {
		return err
	}
	return f.PaperBroker.CancelAllOrders(ctx, symbol)
}

func newTestResilient(t *testing.T, inner domain.Broker, retries int) (*ResilientBroker, *observability.Metrics) {
	metrics := observability.NewNopMetrics()
	r := NewResilientBroker(inner, RetryPolicy{
		Timeout:    time.Second,
		MaxRetries: retries,
		BackoffMin: time.Millisecond,
		BackoffMax: time.Millisecond,
	}, zaptest.NewLogger(t), metrics)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, metrics
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	inner := newFlakyBroker(2, errors.New("connection reset"))
	r, metrics := newTestResilient(t, inner, 3)

	snap, err := r.GetAccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, snap.WalletBalance)
	assert.Equal(t, 3, inner.calls["GetAccountSnapshot"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BrokerCalls.WithLabelValues("GetAccountSnapshot", "ok")))
}

func TestResilient_GivesUpAfterMaxRetries(t *testing.T) {
	inner := newFlakyBroker(10, errors.New("timeout"))
	r, metrics := newTestResilient(t, inner, 2)

	err := r.CancelAllOrders(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls["CancelAllOrders"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BrokerCalls.WithLabelValues("CancelAllOrders", "error")))
}

func TestResilient_DoesNotRetryOrdersOrRejections(t *testing.T) {
	inner := newFlakyBroker(1, errors.New("timeout"))
	r, _ := newTestResilient(t, inner, 3)

	_, err := r.PlaceReduceOnlyMarketOrder(context.Background(), "BTCUSDT", domain.SideShort, 1)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls["PlaceReduceOnlyMarketOrder"])

	rejected := newFlakyBroker(5, &APIError{Code: 10001, Message: "params error"})
	r, _ = newTestResilient(t, rejected, 3)
	_, err = r.GetAccountSnapshot(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, rejected.calls["GetAccountSnapshot"])
}

func TestResilient_RetriesRateLimitedReads(t *testing.T) {
	for _, code := range []int{10006, 10016, 10018} {
		inner := newFlakyBroker(2, &APIError{Code: code, Message: "busy"})
		r, _ := newTestResilient(t, inner, 3)

		_, err := r.GetAccountSnapshot(context.Background())
		require.NoError(t, err, "code %d", code)
		assert.Equal(t, 3, inner.calls["GetAccountSnapshot"], "code %d", code)
	}

	// orders still go out once
	inner := newFlakyBroker(1, &APIError{Code: 10006, Message: "too many visits"})
	r, _ := newTestResilient(t, inner, 3)
	_, err := r.PlaceReduceOnlyMarketOrder(context.Background(), "BTCUSDT", domain.SideShort, 1)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls["PlaceReduceOnlyMarketOrder"])
}
