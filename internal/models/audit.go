package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known action types. The payload of an event is a variant keyed by
// its action type; domain collaborators add their own types freely.
const (
	ActionCCPAlertCreated = "CCP_ALERT_CREATED"
	ActionRunStepDone     = "RUN_STEP_COMPLETED"
	ActionRunCompleted    = "RUN_COMPLETED"
	ActionRunFailed       = "RUN_FAILED"
	ActionRunMarkedStuck  = "RUN_MARKED_STUCK"
	ActionPackGenerated   = "PACK_GENERATED"
	ActionPackVerified    = "PACK_VERIFIED"
	ActionChainVerified   = "CHAIN_VERIFIED"
)

// AuditEvent is one immutable row of the hash-chained ledger.
// Payload holds the exact canonical JSON bytes that were hashed.
type AuditEvent struct {
	Seq        int64           `json:"seq"`
	EventID    uuid.UUID       `json:"event_id"`
	ActorID    string          `json:"actor_id"`
	ActionType string          `json:"action_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	EventTime  time.Time       `json:"event_time"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PrevHash   string          `json:"prev_hash"`
	EventHash  string          `json:"event_hash"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EventFilter narrows ledger reads. Nil pointers mean "no constraint".
type EventFilter struct {
	ActorID    *string
	ActionType *string
	EntityType *string
	EntityID   *string
	FromTS     *time.Time
	ToTS       *time.Time
	Limit      int
}
