package domain

import "time"

type CapitalStatus string

const (
	CapitalHealthy   CapitalStatus = "HEALTHY"
	CapitalWarning   CapitalStatus = "WARNING"
	CapitalCritical  CapitalStatus = "CRITICAL"
	CapitalEmergency CapitalStatus = "EMERGENCY"
)

// CapitalSnapshot is an immutable point-in-time view of account health.
type CapitalSnapshot struct {
	WalletBalance    float64   `json:"wallet_balance"`
	AvailableBalance float64   `json:"available_balance"`
	MarginUsed       float64   `json:"margin_used"`
	MarginUsedPct    float64   `json:"margin_used_pct"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct"`
	BuyingPower      float64   `json:"buying_power"`
	Timestamp        time.Time `json:"timestamp"`
}

type MarginZone string

const (
	ZoneGreen  MarginZone = "GREEN"
	ZoneYellow MarginZone = "YELLOW"
	ZoneOrange MarginZone = "ORANGE"
	ZoneRed    MarginZone = "RED"
)

// MarginAction is the advisory action for a margin zone.
type MarginAction string

const (
	ActionNormal          MarginAction = "NORMAL"
	ActionPauseNewEntries MarginAction = "PAUSE_NEW_ENTRIES"
	ActionReducePositions MarginAction = "REDUCE_POSITIONS"
	ActionEmergencyClose  MarginAction = "EMERGENCY_CLOSE"
)

type CapitalTrend string

const (
	TrendGrowing   CapitalTrend = "GROWING"
	TrendDeclining CapitalTrend = "DECLINING"
	TrendStable    CapitalTrend = "STABLE"
)

// CapitalState is what GetCapitalState returns to callers.
type CapitalState struct {
	Snapshot CapitalSnapshot `json:"snapshot"`
	Status   CapitalStatus   `json:"status"`
	Zone     MarginZone      `json:"zone"`
	Action   MarginAction    `json:"action"`
	Trend    CapitalTrend    `json:"trend"`
}

// Headroom answers whether a new position fits under a margin cap.
type Headroom struct {
	CanOpenNew      bool    `json:"can_open_new"`
	HeadroomPct     float64 `json:"headroom_pct"`
	HeadroomCapital float64 `json:"headroom_capital"`
	MarginUsedPct   float64 `json:"margin_used_pct"`
}
