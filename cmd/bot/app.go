package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/infrastructure/exchange"
	"github.com/vitos/futures_guard/internal/infrastructure/logger"
	"github.com/vitos/futures_guard/internal/infrastructure/storage"
	"github.com/vitos/futures_guard/internal/observability"
	"github.com/vitos/futures_guard/internal/usecase"
	"go.uber.org/zap"
)

// app holds every component, wired once at process start.
type app struct {
	cfg     *config.Provider
	log     *zap.Logger
	audit   *zap.Logger
	metrics *observability.Metrics

	bybit       *exchange.BybitAdapter // nil in paper mode
	broker      domain.Broker
	ledger      domain.Ledger
	closeLedger func() error

	locks      *usecase.SymbolLocks
	heartbeats *usecase.HeartbeatRegistry
	prices     *usecase.PriceBook

	capital      *usecase.CapitalMonitor
	breaker      *usecase.CircuitBreaker
	orchestrator *usecase.BotOrchestrator
	reconciler   *usecase.PositionReconciler
	emergency    *usecase.EmergencyControl
	watchdog     *usecase.Watchdog
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	audit, err := logger.NewFileLogger(cfg.Logging.AuditFile, cfg.Logging.Level)
	if err != nil {
		log.Error("Failed to init audit logger, using default", zap.Error(err))
		audit = log
	}
	audit = audit.Named("audit")

	a := &app{
		cfg:     config.NewProvider(configPath, cfg, log),
		log:     log,
		audit:   audit,
		metrics: observability.NewMetrics(nil, ""),
	}

	if err := a.initLedger(cfg); err != nil {
		return nil, err
	}
	a.initBroker(cfg)

	a.locks = usecase.NewSymbolLocks()
	a.heartbeats = usecase.NewHeartbeatRegistry(a.cfg, a.metrics)
	a.prices = usecase.NewPriceBook(time.Minute)

	a.capital = usecase.NewCapitalMonitor(a.broker, a.cfg, log, a.metrics)
	a.breaker = usecase.NewCircuitBreaker(a.cfg, audit, a.metrics)

	executor := usecase.NewTradeExecutor(a.broker, a.ledger, a.prices, log)
	a.orchestrator = usecase.NewBotOrchestrator(usecase.OrchestratorOptions{
		Broker:   a.broker,
		Ledger:   a.ledger,
		Executor: executor,
		// strategies register their SignalSource per loop name here
		Signals:    map[string]domain.SignalSource{},
		Breaker:    a.breaker,
		Capital:    a.capital,
		Heartbeats: a.heartbeats,
		Locks:      a.locks,
		Prices:     a.prices,
		Config:     a.cfg,
		Logger:     log,
		Metrics:    a.metrics,
	})
	a.reconciler = usecase.NewPositionReconciler(a.broker, a.ledger, a.locks, a.heartbeats, log, a.metrics)
	a.emergency = usecase.NewEmergencyControl(a.broker, a.orchestrator, audit, a.metrics)

	a.breaker.SetPauser(a.orchestrator)
	a.breaker.SetCanceller(a.emergency)
	a.breaker.SetEmergencyStopper(a.emergency)

	var sampler usecase.ResourceSampler
	if ps, err := usecase.NewProcessSampler(ctx, cfg.Watchdog.Resources.DiskPath); err != nil {
		log.Warn("Resource sampling disabled", zap.Error(err))
	} else {
		sampler = ps
	}
	a.watchdog = usecase.NewWatchdog(usecase.WatchdogOptions{
		Config:     a.cfg,
		Heartbeats: a.heartbeats,
		Sampler:    sampler,
		Lifecycle:  a.orchestrator,
		Breaker:    a.breaker,
		Capital:    a.capital,
		Logger:     audit,
		Metrics:    a.metrics,
	})
	return a, nil
}

func (a *app) initLedger(cfg *config.Config) error {
	switch cfg.Storage.Driver {
	case "memory":
		a.ledger = storage.NewMemoryLedger()
		a.closeLedger = func() error { return nil }
	default:
		store, err := storage.NewSQLiteLedger(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("init sqlite: %w", err)
		}
		a.ledger = store
		a.closeLedger = store.Close
	}
	return nil
}

func (a *app) initBroker(cfg *config.Config) {
	var inner domain.Broker
	if cfg.Exchange.Paper {
		a.log.Info("Using paper broker", zap.Float64("balance", cfg.Exchange.PaperBalance))
		inner = exchange.NewPaperBroker(cfg.Exchange.PaperBalance)
	} else {
		a.bybit = exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
			cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, a.log)
		inner = a.bybit
	}

	a.broker = exchange.NewResilientBroker(inner, exchange.RetryPolicy{
		Timeout:    cfg.Broker.Timeout,
		MaxRetries: cfg.Broker.MaxRetries,
		BackoffMin: cfg.Broker.BackoffMin,
		BackoffMax: cfg.Broker.BackoffMax,
	}, a.log, a.metrics)
}

// tickerSymbols is every symbol with a ledger record or broker exposure.
func (a *app) tickerSymbols(ctx context.Context, extra []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range extra {
		add(s)
	}

	if open, err := a.ledger.ListPositions(ctx, domain.PositionFilter{Status: domain.StatusOpen}); err != nil {
		a.log.Warn("Failed to list ledger symbols", zap.Error(err))
	} else {
		for _, p := range open {
			add(p.Symbol)
		}
	}
	if positions, err := a.broker.GetOpenPositions(ctx); err != nil {
		a.log.Warn("Failed to list broker symbols", zap.Error(err))
	} else {
		for _, p := range positions {
			add(p.Symbol)
		}
	}
	return out
}

func (a *app) close() {
	if err := a.closeLedger(); err != nil {
		a.log.Error("Failed to close ledger", zap.Error(err))
	}
	_ = a.audit.Sync()
	_ = a.log.Sync()
}
