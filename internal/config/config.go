package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full bot configuration. Every section has defaults, so an
// empty file yields a runnable dry-run setup.
type Config struct {
	Exchange struct {
		Name         string  `yaml:"name"`
		APIKey       string  `yaml:"api_key"`
		APISecret    string  `yaml:"api_secret"`
		RESTEndpoint string  `yaml:"rest_endpoint"`
		WSEndpoint   string  `yaml:"ws_endpoint"`
		Paper        bool    `yaml:"paper"`
		PaperBalance float64 `yaml:"paper_balance"`
	} `yaml:"exchange"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite or memory
		Path   string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level     string `yaml:"level"`
		AuditFile string `yaml:"audit_file"`
	} `yaml:"logging"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Lifecycle LifecycleConfig      `yaml:"lifecycle"`
	Risk      RiskConfig           `yaml:"risk"`
	Breaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	Watchdog  WatchdogConfig       `yaml:"watchdog"`
	Reconcile ReconcileConfig      `yaml:"reconcile"`
	Broker    BrokerConfig         `yaml:"broker"`
}

type LifecycleConfig struct {
	DryRun      bool          `yaml:"dry_run"`
	Intervals   LoopIntervals `yaml:"intervals"`
	MaxHold     time.Duration `yaml:"max_hold"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// LoopIntervals is the wait between iterations of each trading loop.
type LoopIntervals struct {
	Primary    time.Duration `yaml:"primary"`
	Pyramiding time.Duration `yaml:"pyramiding"`
	Sniper     time.Duration `yaml:"sniper"`
	DCA        time.Duration `yaml:"dca"`
	TimeExit   time.Duration `yaml:"time_exit"`
	Metrics    time.Duration `yaml:"metrics"`
}

// RiskConfig holds the capital classification cutoffs. All comparisons
// are strict: margin above a cutoff, pnl below a loss limit.
type RiskConfig struct {
	EmergencyMarginPct  float64       `yaml:"emergency_margin_pct"`
	CriticalMarginPct   float64       `yaml:"critical_margin_pct"`
	WarningMarginPct    float64       `yaml:"warning_margin_pct"`
	EmergencyLossPct    float64       `yaml:"emergency_loss_pct"`
	WarningLossPct      float64       `yaml:"warning_loss_pct"`
	ZoneYellowPct       float64       `yaml:"zone_yellow_pct"`
	ZoneOrangePct       float64       `yaml:"zone_orange_pct"`
	ZoneRedPct          float64       `yaml:"zone_red_pct"`
	MaxMarginPct        float64       `yaml:"max_margin_pct"`
	MaxLeverage         float64       `yaml:"max_leverage"`
	CapitalCacheTTL     time.Duration `yaml:"capital_cache_ttl"`
	TrendThresholdPct   float64       `yaml:"trend_threshold_pct"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
	SnapshotHistorySize int           `yaml:"snapshot_history_size"`
}

// CircuitBreakerConfig picks what a trigger does: pause the loops (and
// optionally cancel orders) so cooldown can resume them, or, with
// StopOnTrigger, an emergency stop that needs an operator to start again.
type CircuitBreakerConfig struct {
	CooldownHours         float64 `yaml:"cooldown_hours"`
	CancelOrdersOnTrigger bool    `yaml:"cancel_orders_on_trigger"`
	StopOnTrigger         bool    `yaml:"stop_on_trigger"`
}

type WatchdogConfig struct {
	Interval         time.Duration            `yaml:"interval"`
	Thresholds       map[string]time.Duration `yaml:"thresholds"`
	DefaultThreshold time.Duration            `yaml:"default_threshold"`
	SlowRatio        float64                  `yaml:"slow_ratio"`
	MaxHeals         int                      `yaml:"max_heals"`
	HealWindow       time.Duration            `yaml:"heal_window"`
	HistorySize      int                      `yaml:"history_size"`
	Resources        ResourceThresholds       `yaml:"resources"`
}

type ResourceThresholds struct {
	MemoryWarningMB  float64 `yaml:"memory_warning_mb"`
	MemoryCriticalMB float64 `yaml:"memory_critical_mb"`
	CPUWarningPct    float64 `yaml:"cpu_warning_pct"`
	CPUCriticalPct   float64 `yaml:"cpu_critical_pct"`
	DiskWarningPct   float64 `yaml:"disk_warning_pct"`
	DiskCriticalPct  float64 `yaml:"disk_critical_pct"`
	DiskPath         string  `yaml:"disk_path"`
}

type ReconcileConfig struct {
	Mode     string        `yaml:"mode"`
	Interval time.Duration `yaml:"interval"`
}

// BrokerConfig bounds every broker call.
type BrokerConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`
}

// Load decodes a yaml file over the defaults, so a key set to zero stays
// zero, and lets .env / environment variables override the exchange
// credentials.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	// Missing .env is normal in production where the env is injected.
	_ = godotenv.Load()
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	setString(&c.Exchange.Name, "bybit")
	setString(&c.Exchange.RESTEndpoint, "https://api.bybit.com")
	setString(&c.Exchange.WSEndpoint, "wss://stream.bybit.com/v5/public/linear")
	setFloat(&c.Exchange.PaperBalance, 10000)
	setString(&c.Storage.Driver, "sqlite")
	setString(&c.Storage.Path, "bot.db")
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.AuditFile, "logs/audit.log")
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	l := &c.Lifecycle
	setDuration(&l.Intervals.Primary, 60*time.Second)
	setDuration(&l.Intervals.Pyramiding, 120*time.Second)
	setDuration(&l.Intervals.Sniper, 30*time.Second)
	setDuration(&l.Intervals.DCA, 300*time.Second)
	setDuration(&l.Intervals.TimeExit, 60*time.Second)
	setDuration(&l.Intervals.Metrics, 30*time.Second)
	setDuration(&l.MaxHold, 48*time.Hour)
	setDuration(&l.StopTimeout, 30*time.Second)

	r := &c.Risk
	setFloat(&r.EmergencyMarginPct, 90)
	setFloat(&r.CriticalMarginPct, 75)
	setFloat(&r.WarningMarginPct, 50)
	setFloat(&r.EmergencyLossPct, 10)
	setFloat(&r.WarningLossPct, 5)
	setFloat(&r.ZoneYellowPct, 50)
	setFloat(&r.ZoneOrangePct, 75)
	setFloat(&r.ZoneRedPct, 90)
	setFloat(&r.MaxMarginPct, 50)
	setFloat(&r.MaxLeverage, 10)
	setDuration(&r.CapitalCacheTTL, 5*time.Second)
	setFloat(&r.TrendThresholdPct, 2)
	setDuration(&r.SnapshotInterval, time.Hour)
	if r.SnapshotHistorySize == 0 {
		r.SnapshotHistorySize = 24
	}

	setFloat(&c.Breaker.CooldownHours, 2)

	w := &c.Watchdog
	setDuration(&w.Interval, 10*time.Second)
	setDuration(&w.DefaultThreshold, 180*time.Second)
	setFloat(&w.SlowRatio, 0.7)
	if w.MaxHeals == 0 {
		w.MaxHeals = 3
	}
	setDuration(&w.HealWindow, time.Hour)
	if w.HistorySize == 0 {
		w.HistorySize = 100
	}
	if w.Thresholds == nil {
		w.Thresholds = map[string]time.Duration{
			"primary":    180 * time.Second,
			"pyramiding": 360 * time.Second,
			"sniper":     150 * time.Second,
			"dca":        420 * time.Second,
			"time_exit":  180 * time.Second,
			"metrics":    150 * time.Second,
			"reconciler": 420 * time.Second,
		}
	}
	res := &w.Resources
	setFloat(&res.MemoryWarningMB, 1024)
	setFloat(&res.MemoryCriticalMB, 2048)
	setFloat(&res.CPUWarningPct, 80)
	setFloat(&res.CPUCriticalPct, 95)
	setFloat(&res.DiskWarningPct, 85)
	setFloat(&res.DiskCriticalPct, 95)
	setString(&res.DiskPath, "/")

	setString(&c.Reconcile.Mode, "strict")
	setDuration(&c.Reconcile.Interval, 5*time.Minute)

	b := &c.Broker
	setDuration(&b.Timeout, 10*time.Second)
	if b.MaxRetries == 0 {
		b.MaxRetries = 3
	}
	setDuration(&b.BackoffMin, 200*time.Millisecond)
	setDuration(&b.BackoffMax, 5*time.Second)
}

// Validate rejects configs the safety core cannot run with.
func (c *Config) Validate() error {
	r := c.Risk
	if !(r.WarningMarginPct < r.CriticalMarginPct && r.CriticalMarginPct < r.EmergencyMarginPct) {
		return fmt.Errorf("risk margin cutoffs must increase: warning %.1f, critical %.1f, emergency %.1f",
			r.WarningMarginPct, r.CriticalMarginPct, r.EmergencyMarginPct)
	}
	if r.WarningLossPct > r.EmergencyLossPct {
		return fmt.Errorf("risk warning_loss_pct %.1f exceeds emergency_loss_pct %.1f", r.WarningLossPct, r.EmergencyLossPct)
	}
	if c.Watchdog.SlowRatio <= 0 || c.Watchdog.SlowRatio >= 1 {
		return fmt.Errorf("watchdog slow_ratio must be in (0, 1), got %.2f", c.Watchdog.SlowRatio)
	}
	if c.Breaker.CooldownHours < 0 {
		return fmt.Errorf("circuit_breaker cooldown_hours must not be negative")
	}
	if r.MaxLeverage <= 0 {
		return fmt.Errorf("risk max_leverage must be positive, got %.1f", r.MaxLeverage)
	}
	if r.CapitalCacheTTL < 0 || c.Lifecycle.MaxHold < 0 {
		return fmt.Errorf("risk capital_cache_ttl and lifecycle max_hold must not be negative")
	}
	if c.Lifecycle.StopTimeout <= 0 || c.Watchdog.Interval <= 0 {
		return fmt.Errorf("lifecycle stop_timeout and watchdog interval must be positive")
	}
	if c.Watchdog.MaxHeals < 0 || c.Watchdog.HistorySize <= 0 || r.SnapshotHistorySize <= 0 {
		return fmt.Errorf("watchdog max_heals must not be negative and history sizes must be positive")
	}

	b := c.Broker
	if b.Timeout <= 0 || b.MaxRetries < 0 || b.BackoffMin <= 0 || b.BackoffMax < b.BackoffMin {
		return fmt.Errorf("broker needs timeout > 0, max_retries >= 0 and 0 < backoff_min <= backoff_max")
	}
	budget := time.Duration(brokerCallsPerBeat) * b.CallBudget()
	for _, l := range c.supervisedLoops() {
		if l.interval <= 0 {
			return fmt.Errorf("%s interval must be positive", l.name)
		}
		// A loop stuck retrying broker calls still beats and must not look frozen.
		if need := l.interval + budget; c.Watchdog.ThresholdFor(l.name) < need {
			return fmt.Errorf("watchdog threshold for %s is %s, below interval %s plus broker budget %s",
				l.name, c.Watchdog.ThresholdFor(l.name), l.interval, budget)
		}
	}

	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// Loops beat at least once every brokerCallsPerBeat broker calls.
const brokerCallsPerBeat = 2

// CallBudget is the longest one broker call can take with every retry used.
func (b BrokerConfig) CallBudget() time.Duration {
	return time.Duration(b.MaxRetries+1)*b.Timeout + time.Duration(b.MaxRetries)*b.BackoffMax
}

type supervisedLoop struct {
	name     string
	interval time.Duration
}

func (c *Config) supervisedLoops() []supervisedLoop {
	i := c.Lifecycle.Intervals
	return []supervisedLoop{
		{"primary", i.Primary},
		{"pyramiding", i.Pyramiding},
		{"sniper", i.Sniper},
		{"dca", i.DCA},
		{"time_exit", i.TimeExit},
		{"metrics", i.Metrics},
		{"reconciler", c.Reconcile.Interval},
	}
}

// Cooldown is the breaker cooldown as a duration.
func (c CircuitBreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours * float64(time.Hour))
}

// ThresholdFor returns the heartbeat staleness threshold of a component.
func (w WatchdogConfig) ThresholdFor(component string) time.Duration {
	if d, ok := w.Thresholds[component]; ok && d > 0 {
		return d
	}
	return w.DefaultThreshold
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
