package events

import "context"

// Event types
const (
	EventAuditAppended    = "audit_event_appended"
	EventRunStatusChanged = "run_status_changed"
	EventPackGenerated    = "pack_generated"
)

// Streams
const (
	StreamAudit      = "events:audit"
	StreamAutomation = "events:automation"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
