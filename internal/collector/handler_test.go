package collector

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/peppasd/fog-hw/internal/protocol"
	"github.com/peppasd/fog-hw/internal/store"
)

const (
	agentA = "0f5a1c3e-8b2d-4e6f-9a7c-1d3e5f7a9b0c"
	agentB = "9e8d7c6b-5a4f-4e3d-8c2b-1a0f9e8d7c6b"
)

var testDBSeq atomic.Int64

func openTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:collector_test_%d?mode=memory&cache=shared&_foreign_keys=on", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	return repo
}

func startCollector(t *testing.T, repo *store.Repo, cfg Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(repo, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func dialAs(t *testing.T, srv *httptest.Server, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.FormatConn(clientID))); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readFrame reads one text frame or fails; readNoFrame asserts silence for
// the given window.
func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(raw)
}

func readNoFrame(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %q", string(raw))
	}
}

func TestSessionIngestsAndKeepsLivenessHistory(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	srv := startCollector(t, repo, Config{})
	conn := dialAs(t, srv, agentA)

	frame := protocol.FormatSensor(agentA, 1700000000, 0.42)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitUntil(t, "reading persisted", func() bool {
		rows, err := repo.ReadingsForClient(ctx, agentA, 10)
		return err == nil && len(rows) == 1
	})
	rows, err := repo.ReadingsForClient(ctx, agentA, 10)
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if rows[0].Value != 0.42 {
		t.Fatalf("unexpected value %v", rows[0].Value)
	}
	if rows[0].CreatedAt.Unix() != 1700000000 {
		t.Fatalf("sample time not preserved: %v", rows[0].CreatedAt)
	}

	lastSeen, err := repo.LastSeen(ctx, agentA)
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	if lastSeen.IsZero() {
		t.Fatal("last_seen not recorded")
	}

	// A graceful close notice ends the session but the registry row and
	// its last_seen survive as history.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.FormatDisconn(agentA))); err != nil {
		t.Fatalf("write disconn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	after, err := repo.LastSeen(ctx, agentA)
	if err != nil {
		t.Fatalf("last seen after disconnect: %v", err)
	}
	if !after.Equal(lastSeen) {
		t.Fatalf("last_seen changed by disconnect: %v vs %v", after, lastSeen)
	}
	conns, err := repo.ListConnections(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conns) != 1 || conns[0].ClientID != agentA {
		t.Fatalf("registry row lost after disconnect: %v", conns)
	}
}

func TestQueuedMessagePushedOncePerClient(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	srv := startCollector(t, repo, Config{PushInterval: 50 * time.Millisecond})

	payload := protocol.FormatData(1700000100, 21.5)
	if _, err := repo.Enqueue(ctx, payload, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	conn := dialAs(t, srv, agentA)
	if got := readFrame(t, conn); got != payload {
		t.Fatalf("expected queued payload, got %q", got)
	}
	waitUntil(t, "delivery record", func() bool {
		pending, err := repo.PendingFor(ctx, agentA)
		return err == nil && len(pending) == 0
	})
	_ = conn.Close()

	// The same identity reconnecting gets nothing: the delivery record
	// gates re-push across sessions.
	again := dialAs(t, srv, agentA)
	readNoFrame(t, again, 300*time.Millisecond)

	// A different identity still has the message pending.
	other := dialAs(t, srv, agentB)
	if got := readFrame(t, other); got != payload {
		t.Fatalf("expected payload for second client, got %q", got)
	}
}

func TestBadHandshakeCreatesNoState(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	srv := startCollector(t, repo, Config{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A sensor frame before CONN is a protocol violation: the server
	// drops the attempt without registering the client.
	frame := protocol.FormatSensor(agentA, 1700000000, 1)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected server to close the connection")
	}

	if _, err := repo.LastSeen(ctx, agentA); err != store.ErrUnknownClient {
		t.Fatalf("expected unknown client, got %v", err)
	}
	rows, err := repo.RecentReadings(ctx, 10)
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("reading persisted from rejected session: %v", rows)
	}
}

func TestHeartbeatBoundToSessionIdentity(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	srv := startCollector(t, repo, Config{})
	conn := dialAs(t, srv, agentA)

	// A heartbeat carrying a different identity must not register or
	// refresh anyone; the session itself stays up.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.FormatConn(agentB))); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	frame := protocol.FormatSensor(agentA, 1700000300, 2)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitUntil(t, "reading persisted", func() bool {
		rows, err := repo.ReadingsForClient(ctx, agentA, 10)
		return err == nil && len(rows) == 1
	})

	if _, err := repo.LastSeen(ctx, agentB); err != store.ErrUnknownClient {
		t.Fatalf("foreign heartbeat registered a client: %v", err)
	}
	// The session's own identity still heartbeats fine.
	before, err := repo.LastSeen(ctx, agentA)
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.FormatConn(agentA))); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	waitUntil(t, "heartbeat bump", func() bool {
		seen, err := repo.LastSeen(ctx, agentA)
		return err == nil && seen.After(before)
	})
}

func TestMalformedFramesLeaveNoDurableState(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	srv := startCollector(t, repo, Config{})
	conn := dialAs(t, srv, agentA)

	bad := []string{
		"GARBAGE#xyz",
		"SENSOR#" + agentA + "#notanumber#3.2",
		"SENSOR#" + agentA + "#1700000000",
		"SENSOR#short-id#1700000000#3.2",
	}
	for _, frame := range bad {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write %q: %v", frame, err)
		}
	}
	// A valid frame after the garbage proves the session survived.
	good := protocol.FormatSensor(agentA, 1700000200, 7)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(good)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitUntil(t, "valid reading persisted", func() bool {
		rows, err := repo.ReadingsForClient(ctx, agentA, 10)
		return err == nil && len(rows) == 1
	})
	rows, _ := repo.ReadingsForClient(ctx, agentA, 10)
	if rows[0].Value != 7 {
		t.Fatalf("unexpected surviving reading: %v", rows)
	}
}
