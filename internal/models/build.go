package models

import (
	"time"

	"github.com/google/uuid"
)

type BuildStatus string

const (
	BuildStatusQueued     BuildStatus = "queued"
	BuildStatusInProgress BuildStatus = "in_progress"
	BuildStatusComplete   BuildStatus = "complete"
	BuildStatusFailed     BuildStatus = "failed"
)

// Failure reasons stored on failed builds.
const (
	FailureWorkerError   = "worker_error"
	FailureInvalidOutput = "invalid_output"
	FailureUnreachable   = "worker_unreachable"
	FailureTimeout       = "timeout"
)

// Terminal reports whether no further transition is allowed.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusComplete || s == BuildStatusFailed
}

// Rank orders statuses so observers can tell whether a read moved forward.
func (s BuildStatus) Rank() int {
	switch s {
	case BuildStatusQueued:
		return 0
	case BuildStatusInProgress:
		return 1
	case BuildStatusComplete, BuildStatusFailed:
		return 2
	}
	return -1
}

// Valid reports whether s is a known status.
func (s BuildStatus) Valid() bool {
	return s.Rank() >= 0
}

type Build struct {
	ID            uuid.UUID   `json:"id"`
	UserID        uuid.UUID   `json:"user_id"`
	Bot           string      `json:"bot"`
	Request       string      `json:"request"`
	Status        BuildStatus `json:"status"`
	Result        *string     `json:"result"`
	FailureReason *string     `json:"failure_reason,omitempty"`
	Charged       bool        `json:"-"`
	Refunded      bool        `json:"refunded"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at"`
}
