package domain

import "time"

type HeartbeatStatus string

const (
	HeartbeatOK     HeartbeatStatus = "OK"
	HeartbeatSlow   HeartbeatStatus = "SLOW"
	HeartbeatFrozen HeartbeatStatus = "FROZEN"
)

// HeartbeatEntry is the liveness record of one named loop. LastSuccess is
// the last iteration whose action completed; a loop can beat while making
// no progress.
type HeartbeatEntry struct {
	Component   string          `json:"component"`
	LastBeat    time.Time       `json:"last_beat"`
	LastSuccess time.Time       `json:"last_success"`
	Threshold   time.Duration   `json:"threshold"`
	Age         time.Duration   `json:"age"`
	Status      HeartbeatStatus `json:"status"`
}

type ResourceLevel string

const (
	ResourceOK       ResourceLevel = "OK"
	ResourceWarning  ResourceLevel = "WARNING"
	ResourceCritical ResourceLevel = "CRITICAL"
)

// ResourceSample is one reading of process memory, cpu and disk.
type ResourceSample struct {
	MemoryMB    float64       `json:"memory_mb"`
	CPUPercent  float64       `json:"cpu_percent"`
	DiskPercent float64       `json:"disk_percent"`
	Level       ResourceLevel `json:"level"`
	Reasons     []string      `json:"reasons,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// BreakerState is INACTIVE when Active is false; the other fields are only
// meaningful while active.
type BreakerState struct {
	Active        bool      `json:"active"`
	Reason        string    `json:"reason,omitempty"`
	TriggeredAt   time.Time `json:"triggered_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

type HealthLevel string

const (
	HealthOK       HealthLevel = "OK"
	HealthDegraded HealthLevel = "DEGRADED"
	HealthCritical HealthLevel = "CRITICAL"
)

// HealthSnapshot is appended to the watchdog history on every tick.
type HealthSnapshot struct {
	Timestamp     time.Time   `json:"timestamp"`
	Status        HealthLevel `json:"status"`
	MemoryMB      float64     `json:"memory_mb"`
	CPUPercent    float64     `json:"cpu_percent"`
	DiskPercent   float64     `json:"disk_percent"`
	ErrorCount    int64       `json:"error_count"`
	BreakerActive bool        `json:"breaker_active"`
}

type LifecycleState string

const (
	LifecycleStopped LifecycleState = "STOPPED"
	LifecycleRunning LifecycleState = "RUNNING"
	LifecyclePaused  LifecycleState = "PAUSED"
)

// HealthStatus is the aggregate returned by the watchdog.
type HealthStatus struct {
	Status        HealthLevel      `json:"status"`
	Lifecycle     LifecycleState   `json:"lifecycle"`
	Heartbeats    []HeartbeatEntry `json:"heartbeats"`
	Resources     ResourceSample   `json:"resources"`
	Breaker       BreakerState     `json:"breaker"`
	HealsLastHour int              `json:"heals_last_hour"`
	History       []HealthSnapshot `json:"history"`
}
