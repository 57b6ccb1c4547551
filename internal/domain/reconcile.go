package domain

import (
	"fmt"
	"strings"
	"time"
)

type ReconcileMode string

const (
	ReconcileNormal ReconcileMode = "NORMAL"
	ReconcileStrict ReconcileMode = "STRICT"
)

// ParseReconcileMode accepts "normal" or "strict" in any case.
func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ReconcileNormal):
		return ReconcileNormal, nil
	case string(ReconcileStrict):
		return ReconcileStrict, nil
	}
	return "", fmt.Errorf("%w: reconcile mode %q", ErrInvalidInput, s)
}

// ReconcileReport is produced per reconciliation call and not persisted.
type ReconcileReport struct {
	Mode         ReconcileMode `json:"mode"`
	ClosedStale  int           `json:"closed_stale"`
	ClosedStrict int           `json:"closed_strict"`
	BrokerOpen   []string      `json:"broker_open"`
	ClosedIDs    []string      `json:"closed_ids,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Closed is the total number of ledger records closed.
func (r *ReconcileReport) Closed() int {
	return r.ClosedStale + r.ClosedStrict
}
