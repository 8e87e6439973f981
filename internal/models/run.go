package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run statuses
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run types. Exclusive types allow at most one active run at a time.
const (
	RunTypeDailyCycle = "DAILY_CYCLE"
)

// Valid state transitions: from -> []to. The queued state exists only on
// the async trigger path; sync triggers insert directly as running.
var ValidRunTransitions = map[string][]string{
	RunStatusQueued:    {RunStatusRunning, RunStatusFailed},
	RunStatusRunning:   {RunStatusCompleted, RunStatusFailed},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
}

func IsValidRunTransition(from, to string) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalRunStatus reports whether a status releases exclusivity.
func IsTerminalRunStatus(status string) bool {
	return status == RunStatusCompleted || status == RunStatusFailed
}

type AutomationRun struct {
	RunID        uuid.UUID       `json:"run_id"`
	RunType      string          `json:"run_type"`
	Status       string          `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ActorID      string          `json:"actor_id"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
