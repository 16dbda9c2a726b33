package common

import (
	"time"

	"github.com/google/uuid"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting client, e.g. "customer:Lan" or "operator"
	Producer string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name, e.g. sendMessage
	Type string `json:"type"`
	// Room the event is addressed to, empty for unscoped events
	Room string `json:"room,omitempty"`
}

// NewMeta stamps a fresh event id and time.
func NewMeta(eventType, room, producer string) Meta {
	id := uuid.NewString()
	return Meta{
		ID:            id,
		CorrelationID: id,
		Producer:      producer,
		Time:          time.Now().UTC(),
		Type:          eventType,
		Room:          room,
	}
}
