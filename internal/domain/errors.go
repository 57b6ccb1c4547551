package domain

import "errors"

var (
	// ErrNotFound is returned when a ledger record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyRunning is returned by Start on a running orchestrator.
	ErrAlreadyRunning = errors.New("bot already running")

	// ErrNotRunning is returned by lifecycle calls that need a running bot.
	ErrNotRunning = errors.New("bot not running")

	// ErrInvalidPercent is returned when a reduce percentage is outside (0, 100].
	ErrInvalidPercent = errors.New("percent must be in (0, 100]")

	// ErrBrokerUnavailable wraps failures to reach the broker at startup.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)
