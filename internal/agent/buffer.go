package agent

import (
	"github.com/google/uuid"
)

// SampleBuffer is the ordered log of locally generated readings. It is
// pure data plus an explicit Save boundary; the DeliveryClient owns all
// locking and calls Save after each batch of mutations.
type SampleBuffer struct {
	store    StateStore
	readings []Reading
}

// NewSampleBuffer loads any previously persisted readings.
func NewSampleBuffer(store StateStore) (*SampleBuffer, error) {
	readings, err := store.LoadReadings()
	if err != nil {
		return nil, err
	}
	return &SampleBuffer{store: store, readings: readings}, nil
}

func (b *SampleBuffer) Append(r Reading) {
	b.readings = append(b.readings, r)
}

// MarkSent flips the reading's sent flag; reports whether the id was found.
func (b *SampleBuffer) MarkSent(id uuid.UUID) bool {
	for i := range b.readings {
		if b.readings[i].ID == id {
			b.readings[i].Sent = true
			return true
		}
	}
	return false
}

// RollbackUnsent marks the newest min(window, len) readings unsent so they
// are retransmitted on the next session. The transport gives no
// per-message acknowledgement, so after a peer reset the tail of the
// buffer may or may not have been seen; re-sending it trades duplicates
// (which the collector tolerates) for never losing a sample. Re-marking
// an already-unsent reading is a no-op, so the call is idempotent.
func (b *SampleBuffer) RollbackUnsent(window int) int {
	if window <= 0 {
		return 0
	}
	n := len(b.readings)
	start := n - window
	if start < 0 {
		start = 0
	}
	for i := start; i < n; i++ {
		b.readings[i].Sent = false
	}
	return n - start
}

// Unsent returns the readings still owed to the collector, oldest first.
func (b *SampleBuffer) Unsent() []Reading {
	var out []Reading
	for _, r := range b.readings {
		if !r.Sent {
			out = append(out, r)
		}
	}
	return out
}

// All returns a copy of the full log, oldest first.
func (b *SampleBuffer) All() []Reading {
	out := make([]Reading, len(b.readings))
	copy(out, b.readings)
	return out
}

func (b *SampleBuffer) Len() int {
	return len(b.readings)
}

// Clear drops every buffered reading. This is an explicit user action,
// never something the delivery machinery does on its own.
func (b *SampleBuffer) Clear() {
	b.readings = nil
}

// Save persists the current log in full.
func (b *SampleBuffer) Save() error {
	return b.store.SaveReadings(b.readings)
}
