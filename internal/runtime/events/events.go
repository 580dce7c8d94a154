// Package events defines the contract every domain event published on a bus
// satisfies.
package events

import (
	"time"

	"github.com/drblury/socialbus/internal/runtime/ids"
)

// Event is an immutable domain fact. TypeTag must be stable across releases
// and unique per concrete shape; it must also be callable on the zero value,
// because subscribers derive the tag of E before any instance exists.
type Event interface {
	TypeTag() string
	EventID() string
	CorrelationID() string
	OccurredAt() time.Time
}

// Header carries the identity shared by every event. Concrete events embed it
// by value.
type Header struct {
	ID          string    `json:"id"`
	Correlation string    `json:"correlation_id"`
	Timestamp   time.Time `json:"occurred_at"`
}

// NewHeader stamps a fresh ULID and the current UTC time. The ULID and the
// timestamp share the same instant, so ids sort in creation order.
func NewHeader(correlationID string) Header {
	now := time.Now().UTC()
	return Header{
		ID:          ids.NewAt(now),
		Correlation: correlationID,
		Timestamp:   now,
	}
}

func (h Header) EventID() string       { return h.ID }
func (h Header) CorrelationID() string { return h.Correlation }
func (h Header) OccurredAt() time.Time { return h.Timestamp }

// TagOf returns the type tag of E without an instance.
func TagOf[E Event]() string {
	var zero E
	return zero.TypeTag()
}
