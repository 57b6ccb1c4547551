package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	LoopPrimary    = "primary"
	LoopPyramiding = "pyramiding"
	LoopSniper     = "sniper"
	LoopDCA        = "dca"
	LoopTimeExit   = "time_exit"
	LoopMetrics    = "metrics"

	CloseReasonTimeExit = "time_exit"
)

// TradingLoops lists every loop the orchestrator runs.
var TradingLoops = []string{LoopPrimary, LoopPyramiding, LoopSniper, LoopDCA, LoopTimeExit, LoopMetrics}

// LoopToken is shared by the loops of one run. Loops check it between
// iterations; nothing in flight is interrupted.
type LoopToken struct {
	stop     chan struct{}
	stopOnce sync.Once
	paused   atomic.Bool
	dryRun   bool
}

func newLoopToken(dryRun bool) *LoopToken {
	return &LoopToken{stop: make(chan struct{}), dryRun: dryRun}
}

func (t *LoopToken) Done() <-chan struct{} { return t.stop }

func (t *LoopToken) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *LoopToken) Paused() bool { return t.paused.Load() }

func (t *LoopToken) DryRun() bool { return t.dryRun }

func (t *LoopToken) cancel() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Gate reports whether new risk-taking is blocked.
type Gate interface {
	IsActive() bool
}

// CapitalGuard is what the loops need from the capital monitor.
type CapitalGuard interface {
	GetCapitalState(ctx context.Context) (*domain.CapitalState, error)
	GetAvailableForNewPosition(ctx context.Context, maxMarginPct float64) (*domain.Headroom, error)
	RecordHourly(ctx context.Context) (bool, error)
}

// OrchestratorOptions wires the orchestrator. Signals maps entry loop names
// to their source; a loop without a source only heartbeats.
type OrchestratorOptions struct {
	Broker     domain.Broker
	Ledger     domain.Ledger
	Executor   domain.EntryExecutor
	Signals    map[string]domain.SignalSource
	Breaker    Gate
	Capital    CapitalGuard
	Heartbeats *HeartbeatRegistry
	Locks      *SymbolLocks
	Prices     *PriceBook
	Config     *config.Provider
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// BotOrchestrator owns the trading loops: STOPPED -> RUNNING <-> PAUSED -> STOPPED.
type BotOrchestrator struct {
	broker     domain.Broker
	ledger     domain.Ledger
	executor   domain.EntryExecutor
	signals    map[string]domain.SignalSource
	breaker    Gate
	capital    CapitalGuard
	heartbeats *HeartbeatRegistry
	locks      *SymbolLocks
	prices     *PriceBook
	cfg        *config.Provider
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu          sync.Mutex
	state       domain.LifecycleState
	token       *LoopToken
	wg          *sync.WaitGroup
	dryRun      bool
	pauseReason string

	errorCount atomic.Int64
	timeNow    func() time.Time
}

type loopSpec struct {
	name     string
	interval func(config.LoopIntervals) time.Duration
	trading  bool // skipped while paused or while the breaker is active
	run      func(ctx context.Context, token *LoopToken) error
}

func NewBotOrchestrator(opts OrchestratorOptions) *BotOrchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.Locks == nil {
		opts.Locks = NewSymbolLocks()
	}
	if opts.Heartbeats == nil {
		opts.Heartbeats = NewHeartbeatRegistry(opts.Config, opts.Metrics)
	}
	if opts.Signals == nil {
		opts.Signals = map[string]domain.SignalSource{}
	}
	return &BotOrchestrator{
		broker:     opts.Broker,
		ledger:     opts.Ledger,
		executor:   opts.Executor,
		signals:    opts.Signals,
		breaker:    opts.Breaker,
		capital:    opts.Capital,
		heartbeats: opts.Heartbeats,
		locks:      opts.Locks,
		prices:     opts.Prices,
		cfg:        opts.Config,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		state:      domain.LifecycleStopped,
		timeNow:    time.Now,
	}
}

func (o *BotOrchestrator) loops() []loopSpec {
	return []loopSpec{
		{name: LoopPrimary, interval: func(i config.LoopIntervals) time.Duration { return i.Primary }, trading: true, run: o.entryLoop(LoopPrimary)},
		{name: LoopPyramiding, interval: func(i config.LoopIntervals) time.Duration { return i.Pyramiding }, trading: true, run: o.entryLoop(LoopPyramiding)},
		{name: LoopSniper, interval: func(i config.LoopIntervals) time.Duration { return i.Sniper }, trading: true, run: o.entryLoop(LoopSniper)},
		{name: LoopDCA, interval: func(i config.LoopIntervals) time.Duration { return i.DCA }, trading: true, run: o.entryLoop(LoopDCA)},
		{name: LoopTimeExit, interval: func(i config.LoopIntervals) time.Duration { return i.TimeExit }, trading: true, run: o.closeExpired},
		{name: LoopMetrics, interval: func(i config.LoopIntervals) time.Duration { return i.Metrics }, run: o.refreshMetrics},
	}
}

// Start probes the broker and launches every loop. An unreachable broker
// leaves the bot STOPPED; there is no retry.
func (o *BotOrchestrator) Start(ctx context.Context, dryRun bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.start(ctx, dryRun, false, "")
}

// start launches the loops, already paused when paused is set. Caller
// holds o.mu.
func (o *BotOrchestrator) start(ctx context.Context, dryRun, paused bool, pauseReason string) error {
	if o.state != domain.LifecycleStopped {
		return domain.ErrAlreadyRunning
	}
	if _, err := o.broker.GetAccountSnapshot(ctx); err != nil {
		o.logger.Error("Broker unreachable, bot stays stopped", zap.Error(err))
		return fmt.Errorf("%w: %w", domain.ErrBrokerUnavailable, err)
	}

	token := newLoopToken(dryRun)
	token.paused.Store(paused)
	wg := &sync.WaitGroup{}
	for _, spec := range o.loops() {
		o.heartbeats.Register(spec.name)
		wg.Add(1)
		go o.runLoop(token, spec, wg)
	}

	o.token = token
	o.wg = wg
	o.dryRun = dryRun
	o.pauseReason = pauseReason
	if paused {
		o.setState(domain.LifecyclePaused)
	} else {
		o.setState(domain.LifecycleRunning)
	}

	o.logger.Info("Bot started",
		zap.Bool("dry_run", dryRun),
		zap.Bool("paused", paused),
		zap.Int("loops", len(TradingLoops)))
	return nil
}

// Stop signals every loop and waits for them up to lifecycle.stop_timeout
// or ctx. Loops stuck in a broker call finish it and exit afterwards.
func (o *BotOrchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == domain.LifecycleStopped {
		return domain.ErrNotRunning
	}
	o.token.cancel()

	done := make(chan struct{})
	wg := o.wg
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(o.cfg.Current().Lifecycle.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Warn("Loops still finishing an iteration after stop timeout")
	case <-ctx.Done():
		o.logger.Warn("Stop interrupted before loops exited", zap.Error(ctx.Err()))
	}

	o.heartbeats.Unregister(TradingLoops...)
	o.token = nil
	o.wg = nil
	o.pauseReason = ""
	o.setState(domain.LifecycleStopped)

	o.logger.Info("Bot stopped")
	return nil
}

// Pause keeps loops heartbeating but skips their trading actions.
func (o *BotOrchestrator) Pause(reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == domain.LifecycleStopped {
		return domain.ErrNotRunning
	}
	o.token.paused.Store(true)
	o.pauseReason = reason
	o.setState(domain.LifecyclePaused)

	o.logger.Warn("Bot paused", zap.String("reason", reason))
	return nil
}

func (o *BotOrchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == domain.LifecycleStopped {
		return domain.ErrNotRunning
	}
	o.token.paused.Store(false)
	o.pauseReason = ""
	o.setState(domain.LifecycleRunning)

	o.logger.Info("Bot resumed")
	return nil
}

// Restart stops and starts the loops in the same dry-run mode. A paused bot
// comes back with its loops paused from their first iteration. A stopped
// bot is not restarted.
func (o *BotOrchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	state, dryRun, reason := o.state, o.dryRun, o.pauseReason
	o.mu.Unlock()

	if state == domain.LifecycleStopped {
		return domain.ErrNotRunning
	}
	if err := o.Stop(ctx); err != nil && !errors.Is(err, domain.ErrNotRunning) {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.start(ctx, dryRun, state == domain.LifecyclePaused, reason)
}

func (o *BotOrchestrator) State() domain.LifecycleState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *BotOrchestrator) DryRun() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dryRun
}

func (o *BotOrchestrator) PauseReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pauseReason
}

// ErrorCount is the number of failed or panicked iterations since creation.
func (o *BotOrchestrator) ErrorCount() int64 {
	return o.errorCount.Load()
}

func (o *BotOrchestrator) setState(s domain.LifecycleState) {
	o.state = s
	switch s {
	case domain.LifecycleRunning:
		o.metrics.LifecycleState.Set(1)
	case domain.LifecyclePaused:
		o.metrics.LifecycleState.Set(2)
	default:
		o.metrics.LifecycleState.Set(0)
	}
}

func (o *BotOrchestrator) runLoop(token *LoopToken, spec loopSpec, wg *sync.WaitGroup) {
	defer wg.Done()
	o.logger.Info("Loop started", zap.String("loop", spec.name))

	for {
		if token.Stopped() {
			o.logger.Info("Loop stopped", zap.String("loop", spec.name))
			return
		}

		o.iterate(token, spec)

		timer := time.NewTimer(spec.interval(o.cfg.Current().Lifecycle.Intervals))
		select {
		case <-token.Done():
			timer.Stop()
			o.logger.Info("Loop stopped", zap.String("loop", spec.name))
			return
		case <-timer.C:
		}
	}
}

// iterate runs one iteration. Errors and panics are logged and counted and
// never end the loop.
func (o *BotOrchestrator) iterate(token *LoopToken, spec loopSpec) {
	defer func() {
		if r := recover(); r != nil {
			o.errorCount.Add(1)
			o.metrics.LoopPanics.WithLabelValues(spec.name).Inc()
			o.metrics.LoopIterations.WithLabelValues(spec.name, "panic").Inc()
			o.logger.Error("Loop iteration panicked",
				zap.String("loop", spec.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	o.heartbeats.Beat(spec.name)

	if spec.trading {
		if token.Paused() {
			o.metrics.LoopIterations.WithLabelValues(spec.name, "paused").Inc()
			return
		}
		if o.breaker != nil && o.breaker.IsActive() {
			o.metrics.LoopIterations.WithLabelValues(spec.name, "breaker").Inc()
			o.logger.Debug("Circuit breaker active, skipping action", zap.String("loop", spec.name))
			return
		}
	}

	if err := spec.run(context.Background(), token); err != nil {
		o.errorCount.Add(1)
		o.metrics.LoopIterations.WithLabelValues(spec.name, "error").Inc()
		o.logger.Error("Loop iteration failed", zap.String("loop", spec.name), zap.Error(err))
		return
	}

	o.heartbeats.Success(spec.name)
	o.metrics.LoopIterations.WithLabelValues(spec.name, "ok").Inc()
}

func (o *BotOrchestrator) entryLoop(source string) func(ctx context.Context, token *LoopToken) error {
	return func(ctx context.Context, token *LoopToken) error {
		src := o.signals[source]
		if src == nil || o.executor == nil {
			return nil
		}

		open, err := o.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.StatusOpen})
		if err != nil {
			return fmt.Errorf("list open positions: %w", err)
		}
		signals, err := src.Signals(ctx, open)
		if err != nil {
			return fmt.Errorf("%s signals: %w", source, err)
		}

		maxMargin := o.cfg.Current().Risk.MaxMarginPct
		var errs error
		for _, sig := range signals {
			if token.Stopped() || token.Paused() || (o.breaker != nil && o.breaker.IsActive()) {
				break
			}
			o.heartbeats.Beat(source)
			if o.capital != nil {
				headroom, err := o.capital.GetAvailableForNewPosition(ctx, maxMargin)
				if err != nil {
					return multierr.Append(errs, fmt.Errorf("margin headroom: %w", err))
				}
				if !headroom.CanOpenNew {
					o.logger.Info("No margin headroom, skipping entries",
						zap.String("loop", source),
						zap.Float64("margin_pct", headroom.MarginUsedPct))
					break
				}
			}

			o.heartbeats.Beat(source)
			unlock := o.locks.Lock(sig.Symbol)
			_, err := o.executor.Open(ctx, sig, source, token.DryRun())
			unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			o.metrics.EntriesOpened.WithLabelValues(source).Inc()
		}
		return errs
	}
}

// closeExpired closes records held longer than lifecycle.max_hold.
func (o *BotOrchestrator) closeExpired(ctx context.Context, token *LoopToken) error {
	maxHold := o.cfg.Current().Lifecycle.MaxHold
	if maxHold <= 0 {
		return nil
	}
	open, err := o.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.StatusOpen})
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	cutoff := o.timeNow().Add(-maxHold)
	var errs error
	for _, p := range open {
		if !p.OpenedAt.Before(cutoff) {
			continue
		}
		o.heartbeats.Beat(LoopTimeExit)
		if err := o.exitPosition(ctx, p.ID, p.Symbol, token.DryRun()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (o *BotOrchestrator) exitPosition(ctx context.Context, id, symbol string, dryRun bool) error {
	unlock := o.locks.Lock(symbol)
	defer unlock()

	p, err := o.ledger.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if !p.IsOpen() {
		return nil
	}

	price := p.MarkPrice()
	if o.prices != nil {
		if last, ok := o.prices.Get(symbol); ok {
			price = last
		}
	}
	if !dryRun {
		order, err := o.broker.PlaceReduceOnlyMarketOrder(ctx, symbol, p.Side.Opposite(), p.Quantity)
		if err != nil {
			return fmt.Errorf("time exit %s %s: %w", symbol, id, err)
		}
		if order.Price > 0 {
			price = order.Price
		}
	}

	if err := o.ledger.ClosePosition(ctx, id, price, o.timeNow(), CloseReasonTimeExit); err != nil {
		return fmt.Errorf("close %s: %w", id, err)
	}
	o.metrics.TimeExitsClosed.Inc()
	o.logger.Info("Position closed after max hold",
		zap.String("id", id),
		zap.String("symbol", symbol),
		zap.Duration("held", o.timeNow().Sub(p.OpenedAt)),
		zap.Bool("dry_run", dryRun))
	return nil
}

// refreshMetrics marks open records to market, refreshes capital gauges and
// records the hourly capital snapshot. It beats before every broker call so
// a broker outage reads as slow progress, not a frozen loop.
func (o *BotOrchestrator) refreshMetrics(ctx context.Context, _ *LoopToken) error {
	open, err := o.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.StatusOpen})
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	o.metrics.OpenPositions.Set(float64(len(open)))

	var errs error
	marks := make(map[string]float64)
	if len(open) > 0 {
		o.heartbeats.Beat(LoopMetrics)
		positions, err := o.broker.GetOpenPositions(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("broker positions: %w", err))
		}
		for _, bp := range positions {
			if bp.MarkPrice > 0 {
				marks[bp.Symbol] = bp.MarkPrice
			}
		}
	}

	for _, p := range open {
		price := marks[p.Symbol]
		if o.prices != nil {
			if last, ok := o.prices.Get(p.Symbol); ok {
				price = last
			}
		}
		if price <= 0 || price == p.CurrentPrice {
			continue
		}
		if err := o.markToMarket(ctx, p.ID, p.Symbol, price); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if o.capital != nil {
		o.heartbeats.Beat(LoopMetrics)
		if _, err := o.capital.GetCapitalState(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		o.heartbeats.Beat(LoopMetrics)
		if _, err := o.capital.RecordHourly(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (o *BotOrchestrator) markToMarket(ctx context.Context, id, symbol string, price float64) error {
	unlock := o.locks.Lock(symbol)
	defer unlock()

	p, err := o.ledger.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if !p.IsOpen() {
		return nil
	}
	p.CurrentPrice = price
	return o.ledger.UpdatePosition(ctx, p)
}
