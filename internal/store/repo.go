// Package store is the collector's durable state: connection liveness,
// accepted readings, the outbound message queue, and the delivery records
// that gate re-delivery across reconnects.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrDuplicateDelivery means a delivery record for the
	// (client, queued message) pair already exists. Two connection handlers
	// serving the same client can both observe a message as pending; the
	// loser of the insert race gets this and treats it as success.
	ErrDuplicateDelivery = errors.New("message already delivered to client")

	// ErrUnknownClient is returned for liveness lookups on a client id
	// that has never completed a handshake.
	ErrUnknownClient = errors.New("unknown client")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{TranslateError: true, Logger: gormLogger},
	)
}

// OpenSQLite opens a file-backed database for single-node deployments and
// tests. Foreign key enforcement is off by default in sqlite; the DSN
// switch keeps the delivery-record cascades honest.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", path)
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
}

func New(db *gorm.DB) (*Repo, error) {
	// Parents first so the delivery record FKs have something to point at.
	if err := db.AutoMigrate(&Connection{}, &ReceivedReading{}, &QueuedMessage{}, &DeliveryRecord{}); err != nil {
		return nil, fmt.Errorf("migrate relay schema: %w", err)
	}
	return &Repo{db: db}, nil
}

// --- Connection registry ---

// UpsertConnection records first contact or bumps last_seen on an
// existing row.
func (r *Repo) UpsertConnection(ctx context.Context, clientID string, now time.Time) error {
	conn := Connection{ClientID: clientID, LastSeen: now.UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_seen": now.UTC()}),
	}).Create(&conn).Error
}

func (r *Repo) LastSeen(ctx context.Context, clientID string) (time.Time, error) {
	var conn Connection
	err := r.db.WithContext(ctx).Where("client_id = ?", clientID).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, ErrUnknownClient
	}
	if err != nil {
		return time.Time{}, err
	}
	return conn.LastSeen, nil
}

func (r *Repo) ListConnections(ctx context.Context) ([]Connection, error) {
	var rows []Connection
	if err := r.db.WithContext(ctx).Order("last_seen desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteConnection is an explicit admin action, not part of the protocol.
// Dependent delivery records go with it via the FK cascade.
func (r *Repo) DeleteConnection(ctx context.Context, clientID string) error {
	return r.db.WithContext(ctx).Where("client_id = ?", clientID).Delete(&Connection{}).Error
}

// --- Inbound readings ---

func (r *Repo) RecordReading(ctx context.Context, clientID string, value float64, sampledAt time.Time) error {
	reading := ReceivedReading{
		ClientID:   clientID,
		Value:      value,
		CreatedAt:  sampledAt.UTC(),
		IngestedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&reading).Error
}

func (r *Repo) RecentReadings(ctx context.Context, limit int) ([]ReceivedReading, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ReceivedReading
	err := r.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ReadingsForClient(ctx context.Context, clientID string, limit int) ([]ReceivedReading, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ReceivedReading
	err := r.db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// --- Outbound queue + delivery tracking ---

func (r *Repo) Enqueue(ctx context.Context, payload string, now time.Time) (uuid.UUID, error) {
	msg := QueuedMessage{Payload: payload, CreatedAt: now.UTC()}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return uuid.Nil, err
	}
	return msg.ID, nil
}

// PendingFor returns every queued message with no delivery record for the
// client, oldest first. Queue membership is independent of connection
// state: messages enqueued before a client's first handshake still show up
// here.
func (r *Repo) PendingFor(ctx context.Context, clientID string) ([]QueuedMessage, error) {
	var rows []QueuedMessage
	err := r.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM relay_delivery_records dr WHERE dr.queued_message_id = relay_queued_messages.id AND dr.client_id = ?)", clientID).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkDelivered inserts the delivery record for the pair. Atomicity with
// respect to PendingFor rests on the composite primary key, not an
// application lock, so multiple collector processes stay correct. A
// conflict surfaces as ErrDuplicateDelivery; referential violations (no
// such connection or message) are rejected by the FKs and returned as-is.
func (r *Repo) MarkDelivered(ctx context.Context, clientID string, messageID uuid.UUID) error {
	rec := DeliveryRecord{
		ClientID:        clientID,
		QueuedMessageID: messageID,
		DeliveredAt:     time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Omit("Connection", "QueuedMessage").Create(&rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateDelivery
	}
	return err
}

// DeleteQueuedMessage removes a queued message and, via cascade, every
// delivery record that references it.
func (r *Repo) DeleteQueuedMessage(ctx context.Context, messageID uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", messageID).Delete(&QueuedMessage{}).Error
}
