package audit

import (
	"context"
	"time"
)

type EventType string

const (
	EventSessionCreated      EventType = "session_created"
	EventSessionConnected    EventType = "session_connected"
	EventUpstreamFailed      EventType = "upstream_failed"
	EventAgentHandoff        EventType = "agent_handoff"
	EventSessionDisconnected EventType = "session_disconnected"
	EventSessionExpired      EventType = "session_expired"
)

// Event is one session lifecycle record.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Type      EventType `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists session lifecycle events.
type Store interface {
	Record(ctx context.Context, event Event) error
	RecentByUser(ctx context.Context, userID string, limit int) ([]Event, error)
	Close() error
}
