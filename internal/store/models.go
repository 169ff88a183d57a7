package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Connection is the liveness row for one client install. One row per
// client id; bumped on every handshake and inbound message, never removed
// by the protocol itself (it doubles as an audit trail).
type Connection struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID  string    `gorm:"size:36;uniqueIndex;not null" json:"client_id"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

func (Connection) TableName() string { return "relay_connections" }

func (c *Connection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// ReceivedReading is one sensor sample accepted from a client. Append-only
// and deliberately not de-duplicated: the agent over-retransmits after a
// reset and duplicate samples are harmless downstream.
type ReceivedReading struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID   string    `gorm:"size:36;index;not null" json:"client_id"`
	Value      float64   `json:"value"`
	CreatedAt  time.Time `json:"created_at"` // the client's sample time
	IngestedAt time.Time `json:"ingested_at"`
}

func (ReceivedReading) TableName() string { return "relay_received_readings" }

func (r *ReceivedReading) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// QueuedMessage is a server-originated payload awaiting delivery. It is
// not bound to any client until a delivery record is written for it.
type QueuedMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (QueuedMessage) TableName() string { return "relay_queued_messages" }

func (q *QueuedMessage) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}

// DeliveryRecord marks one queued message as handed to one client. The
// composite primary key is the de-duplication guard: a queued message is
// pending for a client iff no row exists for the pair. Both parents
// cascade so that removing a connection or a queued message can never
// leave orphaned delivery records.
type DeliveryRecord struct {
	ClientID        string        `gorm:"size:36;primaryKey" json:"client_id"`
	QueuedMessageID uuid.UUID     `gorm:"type:uuid;primaryKey" json:"queued_message_id"`
	Connection      Connection    `gorm:"foreignKey:ClientID;references:ClientID;constraint:OnDelete:CASCADE" json:"-"`
	QueuedMessage   QueuedMessage `gorm:"foreignKey:QueuedMessageID;constraint:OnDelete:CASCADE" json:"-"`
	DeliveredAt     time.Time     `json:"delivered_at"`
}

func (DeliveryRecord) TableName() string { return "relay_delivery_records" }
