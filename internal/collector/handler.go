// Package collector serves the websocket endpoint sensor agents connect
// to: handshake, inbound reading ingest, and the queued-message push loop
// gated by delivery records.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/peppasd/fog-hw/internal/observability"
	"github.com/peppasd/fog-hw/internal/protocol"
	"github.com/peppasd/fog-hw/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pingInterval     = 25 * time.Second
)

// Publisher mirrors accepted readings to a side channel (MQTT in
// production). Nil disables the fanout.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Config struct {
	// PushInterval is how often a live session checks the outbound queue.
	PushInterval time.Duration
	// Fanout and TopicPrefix configure the optional reading mirror.
	Fanout      Publisher
	TopicPrefix string
	// Tracer for per-reading ingest spans; the global tracer when nil.
	Tracer oteltrace.Tracer
}

type Handler struct {
	repo     *store.Repo
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(repo *store.Repo, cfg Config) *Handler {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 10 * time.Second
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "relay/readings/"
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("relay-collector")
	}
	return &Handler{
		repo: repo,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The first frame must be the handshake; everything else is a
	// protocol violation and ends the attempt before any state exists.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		slog.Debug("handshake read failed", "error", err)
		return
	}
	hello, err := protocol.ParseConn(string(raw))
	if err != nil {
		observability.ParseFailures.Inc()
		slog.Warn("rejecting connection with bad handshake", "frame", string(raw), "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx := r.Context()
	if err := h.repo.UpsertConnection(ctx, hello.ClientID, time.Now()); err != nil {
		slog.Error("connection upsert failed", "client_id", hello.ClientID, "error", err)
		return
	}

	observability.ActiveConnections.Inc()
	defer observability.ActiveConnections.Dec()
	slog.Info("client connected", "client_id", hello.ClientID)

	done := make(chan struct{})
	go h.writePump(ctx, conn, hello.ClientID, done)
	h.readPump(ctx, conn, hello.ClientID)
	close(done)
	slog.Info("client session ended", "client_id", hello.ClientID)
}

// readPump consumes frames until the transport dies or the client sends
// DISCONN. Malformed frames are logged and dropped; the session survives.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, clientID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("read ended", "client_id", clientID, "error", err)
			return
		}
		frame := string(raw)
		tag, err := protocol.TagOf(frame)
		if err != nil {
			observability.ParseFailures.Inc()
			slog.Warn("dropping frame with unknown tag", "client_id", clientID, "frame", frame)
			continue
		}

		switch tag {
		case protocol.TagSensor:
			msg, err := protocol.ParseSensor(frame)
			if err != nil {
				observability.ParseFailures.Inc()
				slog.Warn("dropping malformed sensor frame", "client_id", clientID, "frame", frame, "error", err)
				continue
			}
			h.ingest(ctx, msg)
		case protocol.TagConn:
			// Repeat handshake doubles as a heartbeat, but only for the
			// identity that opened the session.
			hb, err := protocol.ParseConn(frame)
			if err != nil {
				observability.ParseFailures.Inc()
				continue
			}
			if hb.ClientID != clientID {
				slog.Warn("dropping heartbeat for different identity", "client_id", clientID, "frame_id", hb.ClientID)
				continue
			}
			if err := h.repo.UpsertConnection(ctx, clientID, time.Now()); err != nil {
				slog.Error("heartbeat upsert failed", "client_id", clientID, "error", err)
			}
		case protocol.TagDisconn:
			// Graceful close notice. The connection row and its last_seen
			// stay untouched; liveness history is an audit trail.
			slog.Info("client disconnecting", "client_id", clientID)
			return
		default:
			observability.ParseFailures.Inc()
			slog.Warn("dropping frame not valid client-to-server", "client_id", clientID, "tag", tag)
		}
	}
}

func (h *Handler) ingest(ctx context.Context, msg protocol.SensorMsg) {
	ctx, span := h.cfg.Tracer.Start(ctx, "collector.ingest",
		oteltrace.WithAttributes(attribute.String("client_id", msg.ClientID)))
	defer span.End()

	sampledAt := time.Unix(msg.Timestamp, 0).UTC()
	if err := h.repo.RecordReading(ctx, msg.ClientID, msg.Value, sampledAt); err != nil {
		span.RecordError(err)
		slog.Error("reading insert failed", "client_id", msg.ClientID, "error", err)
		return
	}
	if err := h.repo.UpsertConnection(ctx, msg.ClientID, time.Now()); err != nil {
		span.RecordError(err)
		slog.Error("last_seen update failed", "client_id", msg.ClientID, "error", err)
	}
	observability.ReadingsIngested.WithLabelValues(msg.ClientID).Inc()

	if h.cfg.Fanout != nil {
		payload, err := json.Marshal(map[string]any{
			"client_id": msg.ClientID,
			"value":     msg.Value,
			"ts":        sampledAt.Format(time.RFC3339),
		})
		if err == nil {
			if err := h.cfg.Fanout.Publish(h.cfg.TopicPrefix+msg.ClientID, payload); err != nil {
				slog.Warn("reading fanout failed", "client_id", msg.ClientID, "error", err)
			}
		}
	}
}

// writePump pushes pending queued messages on connect and then on a fixed
// interval, and keeps intermediaries alive with pings. Only this goroutine
// writes to the socket.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, clientID string, done <-chan struct{}) {
	h.pushPending(ctx, conn, clientID)

	push := time.NewTicker(h.cfg.PushInterval)
	defer push.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-push.C:
			if !h.pushPending(ctx, conn, clientID) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// pushPending delivers every message still owed to the client, oldest
// first, recording each delivery as it goes. Returns false once the
// transport is unusable; anything not yet recorded stays pending for the
// next session.
func (h *Handler) pushPending(ctx context.Context, conn *websocket.Conn, clientID string) bool {
	pending, err := h.repo.PendingFor(ctx, clientID)
	if err != nil {
		slog.Error("pending lookup failed", "client_id", clientID, "error", err)
		return true
	}
	for _, msg := range pending {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
			slog.Debug("push write failed", "client_id", clientID, "error", err)
			return false
		}
		err := h.repo.MarkDelivered(ctx, clientID, msg.ID)
		switch {
		case err == nil:
			observability.MessagesDelivered.Inc()
		case errors.Is(err, store.ErrDuplicateDelivery):
			// A concurrent session for the same identity got there first.
			// The client sees the message twice, which it tolerates.
			observability.DuplicateDeliveries.Inc()
		default:
			slog.Error("delivery record insert failed", "client_id", clientID, "message_id", msg.ID, "error", err)
		}
	}
	return true
}
