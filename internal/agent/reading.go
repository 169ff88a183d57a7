// Package agent is the sensor-side half of the relay: the durable sample
// buffer and the delivery state machine that drains it to the collector.
package agent

import (
	"time"

	"github.com/google/uuid"
)

// Reading is one locally generated sample. Sent is optimistic: it flips
// true as soon as the transport accepts the write, and may be rolled back
// if the session dies before the peer plausibly saw it.
type Reading struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Sent      bool      `json:"sent"`
}

// AggregatePoint is one server-pushed aggregate received over the wire.
type AggregatePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}
