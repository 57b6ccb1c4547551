package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/infrastructure/exchange"
	"github.com/vitos/futures_guard/internal/infrastructure/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeGate struct {
	active atomic.Bool
}

func (g *fakeGate) IsActive() bool { return g.active.Load() }

// scriptedSource emits one signal while no record is open. It panics on
// the first call when panicOnce is set.
type scriptedSource struct {
	mu        sync.Mutex
	calls     int
	panicOnce bool
	signal    domain.Signal
}

func (s *scriptedSource) Signals(_ context.Context, open []*domain.Position) ([]domain.Signal, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()

	if first && s.panicOnce {
		panic("strategy bug")
	}
	if len(open) > 0 || s.signal.Symbol == "" {
		return nil, nil
	}
	return []domain.Signal{s.signal}, nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeCapitalGuard struct {
	canOpen atomic.Bool
}

func (c *fakeCapitalGuard) GetCapitalState(_ context.Context) (*domain.CapitalState, error) {
	return &domain.CapitalState{Status: domain.CapitalHealthy}, nil
}

func (c *fakeCapitalGuard) GetAvailableForNewPosition(_ context.Context, _ float64) (*domain.Headroom, error) {
	return &domain.Headroom{CanOpenNew: c.canOpen.Load()}, nil
}

func (c *fakeCapitalGuard) RecordHourly(_ context.Context) (bool, error) {
	return false, nil
}

type orchestratorFixture struct {
	broker     *exchange.PaperBroker
	ledger     *storage.MemoryLedger
	source     *scriptedSource
	gate       *fakeGate
	capital    *fakeCapitalGuard
	heartbeats *HeartbeatRegistry
	bot        *BotOrchestrator
}

func newOrchestratorFixture(t *testing.T, mutate func(*config.Config)) *orchestratorFixture {
	cfg := testProvider(func(c *config.Config) {
		c.Lifecycle.Intervals = config.LoopIntervals{
			Primary:    10 * time.Millisecond,
			Pyramiding: 10 * time.Millisecond,
			Sniper:     10 * time.Millisecond,
			DCA:        10 * time.Millisecond,
			TimeExit:   10 * time.Millisecond,
			Metrics:    10 * time.Millisecond,
		}
		c.Lifecycle.StopTimeout = 2 * time.Second
		if mutate != nil {
			mutate(c)
		}
	})
	logger := zaptest.NewLogger(t)

	f := &orchestratorFixture{
		broker:  exchange.NewPaperBroker(10000),
		ledger:  storage.NewMemoryLedger(),
		source:  &scriptedSource{},
		gate:    &fakeGate{},
		capital: &fakeCapitalGuard{},
	}
	f.capital.canOpen.Store(true)
	f.heartbeats = NewHeartbeatRegistry(cfg, nil)

	f.bot = NewBotOrchestrator(OrchestratorOptions{
		Broker:     f.broker,
		Ledger:     f.ledger,
		Executor:   NewTradeExecutor(f.broker, f.ledger, nil, logger),
		Signals:    map[string]domain.SignalSource{LoopPrimary: f.source},
		Breaker:    f.gate,
		Capital:    f.capital,
		Heartbeats: f.heartbeats,
		Config:     cfg,
		Logger:     logger,
	})
	t.Cleanup(func() {
		_ = f.bot.Stop(context.Background())
	})
	return f
}

func (f *orchestratorFixture) openRecords(t *testing.T) []*domain.Position {
	t.Helper()
	open, err := f.ledger.ListPositions(context.Background(), domain.PositionFilter{Status: domain.StatusOpen})
	require.NoError(t, err)
	return open
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()

	assert.Equal(t, domain.LifecycleStopped, f.bot.State())
	assert.ErrorIs(t, f.bot.Pause("x"), domain.ErrNotRunning)
	assert.ErrorIs(t, f.bot.Resume(), domain.ErrNotRunning)
	assert.ErrorIs(t, f.bot.Stop(ctx), domain.ErrNotRunning)
	assert.ErrorIs(t, f.bot.Restart(ctx), domain.ErrNotRunning)

	require.NoError(t, f.bot.Start(ctx, true))
	assert.Equal(t, domain.LifecycleRunning, f.bot.State())
	assert.True(t, f.bot.DryRun())
	assert.ErrorIs(t, f.bot.Start(ctx, true), domain.ErrAlreadyRunning)

	require.NoError(t, f.bot.Pause("maintenance"))
	assert.Equal(t, domain.LifecyclePaused, f.bot.State())
	assert.Equal(t, "maintenance", f.bot.PauseReason())
	assert.ErrorIs(t, f.bot.Start(ctx, true), domain.ErrAlreadyRunning)

	require.NoError(t, f.bot.Resume())
	assert.Equal(t, domain.LifecycleRunning, f.bot.State())
	assert.Empty(t, f.bot.PauseReason())

	require.NoError(t, f.bot.Stop(ctx))
	assert.Equal(t, domain.LifecycleStopped, f.bot.State())
	assert.ErrorIs(t, f.bot.Stop(ctx), domain.ErrNotRunning)
}

func TestOrchestrator_StartFailsWhenBrokerDown(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.broker.FailOn("GetAccountSnapshot", errors.New("connection refused"))

	err := f.bot.Start(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	assert.Equal(t, domain.LifecycleStopped, f.bot.State())
	assert.Empty(t, f.heartbeats.Check(), "no loop was launched")
}

func TestOrchestrator_HeartbeatsFollowLifecycle(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.bot.Start(ctx, true))
	entries := f.heartbeats.Check()
	require.Len(t, entries, len(TradingLoops))

	require.Eventually(t, func() bool {
		for _, e := range f.heartbeats.Check() {
			if e.LastSuccess.IsZero() {
				return false
			}
		}
		return true
	}, waitFor, tick)

	require.NoError(t, f.bot.Stop(ctx))
	assert.Empty(t, f.heartbeats.Check())
}

func TestOrchestrator_DryRunOpensWithoutOrders(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.source.signal = domain.Signal{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.01, Price: 50000}

	require.NoError(t, f.bot.Start(context.Background(), true))
	require.Eventually(t, func() bool { return len(f.openRecords(t)) == 1 }, waitFor, tick)

	rec := f.openRecords(t)[0]
	assert.Equal(t, LoopPrimary, rec.Source)
	assert.Equal(t, "paper", rec.Exchange)
	assert.Equal(t, 50000.0, rec.EntryPrice)
	assert.Empty(t, f.broker.PlacedOrders())
}

func TestOrchestrator_LiveOpensOrder(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.broker.SetPrice("ETHUSDT", 3000)
	f.source.signal = domain.Signal{Symbol: "ETHUSDT", Side: domain.SideShort, Quantity: 0.5, Leverage: 5}

	require.NoError(t, f.bot.Start(context.Background(), false))
	require.Eventually(t, func() bool { return len(f.openRecords(t)) == 1 }, waitFor, tick)

	orders := f.broker.PlacedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideShort, orders[0].Side)
	assert.False(t, orders[0].ReduceOnly)
	assert.Equal(t, 3000.0, f.openRecords(t)[0].EntryPrice)
}

func TestOrchestrator_BreakerBlocksEntries(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.gate.active.Store(true)
	f.source.signal = domain.Signal{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.01, Price: 50000}

	require.NoError(t, f.bot.Start(context.Background(), true))
	assert.Never(t, func() bool { return f.source.Calls() > 0 }, 100*time.Millisecond, tick)

	// loops stay alive while blocked
	for _, e := range f.heartbeats.Check() {
		assert.Equal(t, domain.HeartbeatOK, e.Status)
	}

	f.gate.active.Store(false)
	require.Eventually(t, func() bool { return len(f.openRecords(t)) == 1 }, waitFor, tick)
}

func TestOrchestrator_PauseBlocksEntries(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.source.signal = domain.Signal{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.01, Price: 50000}

	// hold entries with the gate until the pause is in place
	f.gate.active.Store(true)
	require.NoError(t, f.bot.Start(context.Background(), true))
	require.NoError(t, f.bot.Pause("operator"))
	f.gate.active.Store(false)

	assert.Never(t, func() bool { return f.source.Calls() > 0 }, 100*time.Millisecond, tick)
	assert.Empty(t, f.openRecords(t))

	require.NoError(t, f.bot.Resume())
	require.Eventually(t, func() bool { return len(f.openRecords(t)) == 1 }, waitFor, tick)
}

func TestOrchestrator_NoHeadroomSkipsEntries(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.capital.canOpen.Store(false)
	f.source.signal = domain.Signal{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.01, Price: 50000}

	require.NoError(t, f.bot.Start(context.Background(), true))
	require.Eventually(t, func() bool { return f.source.Calls() >= 3 }, waitFor, tick)
	assert.Empty(t, f.openRecords(t))
}

func TestOrchestrator_PanicDoesNotKillLoop(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.source.panicOnce = true
	f.source.signal = domain.Signal{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.01, Price: 50000}

	require.NoError(t, f.bot.Start(context.Background(), true))
	require.Eventually(t, func() bool { return len(f.openRecords(t)) == 1 }, waitFor, tick)

	assert.GreaterOrEqual(t, f.bot.ErrorCount(), int64(1))
	assert.Equal(t, domain.LifecycleRunning, f.bot.State())
}

func TestOrchestrator_TimeExitClosesExpired(t *testing.T) {
	f := newOrchestratorFixture(t, func(c *config.Config) {
		c.Lifecycle.MaxHold = 48 * time.Hour
	})
	ctx := context.Background()
	f.broker.SetPosition("BTCUSDT", 1, 100)
	f.broker.SetPrice("BTCUSDT", 105)
	require.NoError(t, f.ledger.SavePosition(ctx, openRecord("old", "BTCUSDT", domain.SideLong, 1, 100, time.Now().Add(-49*time.Hour))))
	require.NoError(t, f.ledger.SavePosition(ctx, openRecord("fresh", "ETHUSDT", domain.SideLong, 1, 100, time.Now())))

	require.NoError(t, f.bot.Start(ctx, false))
	require.Eventually(t, func() bool {
		p, err := f.ledger.GetPosition(ctx, "old")
		return err == nil && !p.IsOpen()
	}, waitFor, tick)

	old, err := f.ledger.GetPosition(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, CloseReasonTimeExit, old.CloseReason)
	assert.Equal(t, 105.0, old.ExitPrice)

	fresh, err := f.ledger.GetPosition(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.IsOpen())

	orders := f.broker.PlacedOrders()
	require.NotEmpty(t, orders)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, domain.SideShort, orders[0].Side)
}

func TestOrchestrator_RestartKeepsModeAndPause(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.bot.Start(ctx, true))
	require.NoError(t, f.bot.Pause("circuit breaker: drawdown"))

	require.NoError(t, f.bot.Restart(ctx))
	assert.Equal(t, domain.LifecyclePaused, f.bot.State())
	assert.True(t, f.bot.DryRun())
	assert.Equal(t, "circuit breaker: drawdown", f.bot.PauseReason())
	assert.Len(t, f.heartbeats.Check(), len(TradingLoops))
}

func TestOrchestrator_RestartStartsLoopsPaused(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()
	f.source.signal = domain.Signal{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: 0.01, Price: 50000}

	// stretch the window between spawning loops and returning from start
	var slowStart atomic.Bool
	f.bot.logger = zaptest.NewLogger(t, zaptest.WrapOptions(zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "Bot started" && slowStart.Load() {
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	})))

	f.gate.active.Store(true)
	require.NoError(t, f.bot.Start(ctx, true))
	require.NoError(t, f.bot.Pause("operator"))
	f.gate.active.Store(false)

	slowStart.Store(true)
	require.NoError(t, f.bot.Restart(ctx))
	assert.Equal(t, domain.LifecyclePaused, f.bot.State())

	assert.Never(t, func() bool { return f.source.Calls() > 0 }, 100*time.Millisecond, tick)
	assert.Empty(t, f.openRecords(t))
}

// stallingBroker blocks account and position reads until the call's
// deadline once stalled is set.
type stallingBroker struct {
	*exchange.PaperBroker
	stalled atomic.Bool
}

func (b *stallingBroker) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	if b.stalled.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.PaperBroker.GetAccountSnapshot(ctx)
}

func (b *stallingBroker) GetOpenPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if b.stalled.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.PaperBroker.GetOpenPositions(ctx)
}

func TestOrchestrator_BrokerOutageIsNotFrozen(t *testing.T) {
	const interval = 20 * time.Millisecond
	cfg := testProvider(func(c *config.Config) {
		c.Lifecycle.Intervals = config.LoopIntervals{
			Primary: interval, Pyramiding: interval, Sniper: interval,
			DCA: interval, TimeExit: interval, Metrics: interval,
		}
		c.Lifecycle.StopTimeout = 2 * time.Second
		c.Risk.CapitalCacheTTL = 0
		c.Broker = config.BrokerConfig{
			Timeout:    20 * time.Millisecond,
			MaxRetries: 2,
			BackoffMin: 5 * time.Millisecond,
			BackoffMax: 10 * time.Millisecond,
		}
		// the smallest thresholds the config accepts
		c.Watchdog.Thresholds = map[string]time.Duration{"reconciler": 10 * time.Minute}
		for _, loop := range TradingLoops {
			c.Watchdog.Thresholds[loop] = interval + 2*c.Broker.CallBudget()
		}
	})
	require.NoError(t, cfg.Current().Validate())

	ctx := context.Background()
	inner := &stallingBroker{PaperBroker: exchange.NewPaperBroker(10000)}
	b := cfg.Current().Broker
	broker := exchange.NewResilientBroker(inner, exchange.RetryPolicy{
		Timeout:    b.Timeout,
		MaxRetries: b.MaxRetries,
		BackoffMin: b.BackoffMin,
		BackoffMax: b.BackoffMax,
	}, zap.NewNop(), nil)

	ledger := storage.NewMemoryLedger()
	require.NoError(t, ledger.SavePosition(ctx, openRecord("btc", "BTCUSDT", domain.SideLong, 1, 100, time.Now())))
	heartbeats := NewHeartbeatRegistry(cfg, nil)
	bot := NewBotOrchestrator(OrchestratorOptions{
		Broker:     broker,
		Ledger:     ledger,
		Capital:    NewCapitalMonitor(broker, cfg, zap.NewNop(), nil),
		Heartbeats: heartbeats,
		Config:     cfg,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = bot.Stop(context.Background()) })

	metricsEntry := func() domain.HeartbeatEntry {
		for _, e := range heartbeats.Check() {
			if e.Component == LoopMetrics {
				return e
			}
		}
		return domain.HeartbeatEntry{}
	}

	require.NoError(t, bot.Start(ctx, true))
	require.Eventually(t, func() bool { return !metricsEntry().LastSuccess.IsZero() }, waitFor, tick)

	inner.stalled.Store(true)
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, e := range heartbeats.Check() {
			require.NotEqual(t, domain.HeartbeatFrozen, e.Status, "%s age %s threshold %s", e.Component, e.Age, e.Threshold)
		}
		time.Sleep(tick)
	}

	// alive, but no iteration has completed during the outage
	assert.Greater(t, bot.ErrorCount(), int64(0))
	assert.Greater(t, time.Since(metricsEntry().LastSuccess), 300*time.Millisecond)
}

func TestOrchestrator_MetricsLoopMarksToMarket(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()
	prices := NewPriceBook(0)
	prices.Update("SOLUSDT", 25)
	f.bot.prices = prices
	require.NoError(t, f.ledger.SavePosition(ctx, openRecord("sol", "SOLUSDT", domain.SideLong, 2, 20, time.Now())))

	require.NoError(t, f.bot.Start(ctx, true))
	require.Eventually(t, func() bool {
		p, err := f.ledger.GetPosition(ctx, "sol")
		return err == nil && p.CurrentPrice == 25
	}, waitFor, tick)
}
