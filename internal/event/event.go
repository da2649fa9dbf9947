package event

import (
	"encoding/json"
	"time"
)

// EphemeralVersion marks an event that was never appended to the log.
const EphemeralVersion int64 = -1

// Metadata carries the request context of an event. All fields are optional.
type Metadata struct {
	UserID        string `json:"userId,omitempty"`
	UserRole      string `json:"userRole,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	IPAddress     string `json:"ipAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	Source        string `json:"source,omitempty"`
}

// DomainEvent is one immutable entry of the event log.
type DomainEvent struct {
	ID            string          `json:"id"`
	Version       int64           `json:"version"`
	Type          Type            `json:"type"`
	Category      Category        `json:"category"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Ephemeral reports whether the event only exists in process memory.
func (e DomainEvent) Ephemeral() bool {
	return e.Version == EphemeralVersion
}

// Draft is an event that has not been assigned an id, version or timestamp yet.
// Payload is marshalled to JSON when the draft is appended.
type Draft struct {
	Type          Type
	Category      Category
	AggregateType string
	AggregateID   string
	Payload       any
	Metadata      Metadata
}
