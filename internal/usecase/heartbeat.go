package usecase

import (
	"sort"
	"sync"
	"time"

	"github.com/vitos/futures_guard/internal/config"
	"github.com/vitos/futures_guard/internal/domain"
	"github.com/vitos/futures_guard/internal/observability"
)

type heartbeat struct {
	lastBeat    time.Time
	lastSuccess time.Time
}

// HeartbeatRegistry records one liveness beat per loop iteration. Loops
// write, the watchdog reads.
type HeartbeatRegistry struct {
	cfg     *config.Provider
	metrics *observability.Metrics

	mu      sync.RWMutex
	entries map[string]*heartbeat
	timeNow func() time.Time
}

func NewHeartbeatRegistry(cfg *config.Provider, metrics *observability.Metrics) *HeartbeatRegistry {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &HeartbeatRegistry{
		cfg:     cfg,
		metrics: metrics,
		entries: make(map[string]*heartbeat),
		timeNow: time.Now,
	}
}

// Register starts tracking component as if it had just beaten.
func (r *HeartbeatRegistry) Register(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[component] = &heartbeat{lastBeat: r.timeNow()}
}

// Unregister stops tracking component. A deliberately stopped loop must not
// look frozen.
func (r *HeartbeatRegistry) Unregister(components ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range components {
		delete(r.entries, c)
		r.metrics.HeartbeatAge.DeleteLabelValues(c)
	}
}

// Beat marks component alive. Beats of unregistered components are
// dropped, so a loop that outlives its Stop cannot resurrect its entry.
func (r *HeartbeatRegistry) Beat(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hb, ok := r.entries[component]; ok {
		hb.lastBeat = r.timeNow()
	}
}

// Success records that component finished an iteration without error.
func (r *HeartbeatRegistry) Success(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hb, ok := r.entries[component]; ok {
		hb.lastSuccess = r.timeNow()
	}
}

// Reset makes every registered component look freshly beaten.
func (r *HeartbeatRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.timeNow()
	for _, hb := range r.entries {
		hb.lastBeat = now
	}
}

// Check evaluates every component against its threshold, sorted by name.
func (r *HeartbeatRegistry) Check() []domain.HeartbeatEntry {
	wd := r.cfg.Current().Watchdog
	now := r.timeNow()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.HeartbeatEntry, 0, len(r.entries))
	for name, hb := range r.entries {
		threshold := wd.ThresholdFor(name)
		age := now.Sub(hb.lastBeat)
		out = append(out, domain.HeartbeatEntry{
			Component:   name,
			LastBeat:    hb.lastBeat,
			LastSuccess: hb.lastSuccess,
			Threshold:   threshold,
			Age:         age,
			Status:      HeartbeatStatusFor(age, threshold, wd.SlowRatio),
		})
		r.metrics.HeartbeatAge.WithLabelValues(name).Set(age.Seconds())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// HeartbeatStatusFor is FROZEN past threshold, SLOW past slowRatio of it.
func HeartbeatStatusFor(age, threshold time.Duration, slowRatio float64) domain.HeartbeatStatus {
	switch {
	case age > threshold:
		return domain.HeartbeatFrozen
	case float64(age) > slowRatio*float64(threshold):
		return domain.HeartbeatSlow
	default:
		return domain.HeartbeatOK
	}
}
