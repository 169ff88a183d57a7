package agent

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peppasd/fog-hw/internal/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Sampler produces one measurement per sampling tick. The generation
// strategy (hardware probe, synthetic source) is injected by the caller.
type Sampler func() float64

type Config struct {
	ServerURL         string
	ClientID          string
	SampleInterval    time.Duration
	ReconnectInterval time.Duration
	RollbackWindow    int
	Sample            Sampler
	Dialer            *websocket.Dialer
}

// DeliveryClient owns the one logical connection to the collector. The
// sampling timer, the reconnect timer and the socket read pump all mutate
// shared state, so every mutation goes through one mutex; the socket is
// only written under it, which also satisfies the transport's
// single-writer requirement.
type DeliveryClient struct {
	cfg    Config
	dialer *websocket.Dialer

	mu            sync.Mutex
	buf           *SampleBuffer
	store         StateStore
	aggregates    []AggregatePoint
	state         State
	wantConnected bool
	conn          *websocket.Conn
	reconnect     *time.Timer

	sampleStop chan struct{}
	sampleOnce sync.Once
}

func NewDeliveryClient(cfg Config, store StateStore) (*DeliveryClient, error) {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.RollbackWindow <= 0 {
		cfg.RollbackWindow = 3
	}
	buf, err := NewSampleBuffer(store)
	if err != nil {
		return nil, err
	}
	aggregates, err := store.LoadAggregates()
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &DeliveryClient{
		cfg:        cfg,
		dialer:     dialer,
		buf:        buf,
		store:      store,
		aggregates: aggregates,
		sampleStop: make(chan struct{}),
	}, nil
}

// Start launches the sampling loop. Sampling runs in every connection
// state; only the immediate send is gated on being connected.
func (c *DeliveryClient) Start() {
	go c.sampleLoop()
}

// Stop tears the client down: disconnects and stops sampling. After Stop
// returns no timer callback touches the client again.
func (c *DeliveryClient) Stop() {
	c.Disconnect()
	c.sampleOnce.Do(func() { close(c.sampleStop) })
}

func (c *DeliveryClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Readings returns a snapshot of the buffered log.
func (c *DeliveryClient) Readings() []Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.All()
}

// Aggregates returns a snapshot of the received server pushes.
func (c *DeliveryClient) Aggregates() []AggregatePoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AggregatePoint, len(c.aggregates))
	copy(out, c.aggregates)
	return out
}

// ClearReadings empties the sample buffer on explicit user request.
func (c *DeliveryClient) ClearReadings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Clear()
	return c.buf.Save()
}

// Connect asks for the link to come up. It returns immediately; the dial
// happens in the background and failures feed the reconnect loop.
func (c *DeliveryClient) Connect() {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.wantConnected = true
	c.state = Connecting
	c.mu.Unlock()
	go c.dial()
}

// Disconnect is user-directed and terminal for the session: best-effort
// close notice, cancel the reconnect loop, close the transport. It never
// waits for the peer.
func (c *DeliveryClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantConnected = false
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.conn != nil {
		_ = c.writeLocked(protocol.FormatDisconn(c.cfg.ClientID))
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
}

func (c *DeliveryClient) dial() {
	conn, _, err := c.dialer.Dial(c.cfg.ServerURL, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.wantConnected {
		// The user disconnected while the dial was in flight.
		if conn != nil {
			_ = conn.Close()
		}
		c.state = Disconnected
		return
	}
	if err != nil {
		slog.Warn("connect failed", "server", c.cfg.ServerURL, "error", err)
		c.state = Disconnected
		c.scheduleReconnectLocked()
		return
	}

	c.conn = conn
	c.state = Connected
	slog.Info("connected", "server", c.cfg.ServerURL)

	if err := c.writeLocked(protocol.FormatConn(c.cfg.ClientID)); err != nil {
		c.transportFailedLocked(err)
		return
	}
	c.flushUnsentLocked()
	if c.conn == nil {
		// The flush itself hit a transport error.
		return
	}
	go c.readPump(conn)
}

// flushUnsentLocked retransmits every unsent reading, oldest first, before
// the sampling timer contributes new ones. Persisted once at the end of
// the batch.
func (c *DeliveryClient) flushUnsentLocked() {
	unsent := c.buf.Unsent()
	for _, r := range unsent {
		if err := c.writeLocked(protocol.FormatSensor(c.cfg.ClientID, r.Timestamp.Unix(), r.Value)); err != nil {
			c.transportFailedLocked(err)
			break
		}
		c.buf.MarkSent(r.ID)
	}
	if len(unsent) > 0 {
		if err := c.buf.Save(); err != nil {
			slog.Error("buffer save failed after flush", "error", err)
		}
		slog.Info("flushed buffered readings", "count", len(unsent))
	}
}

func (c *DeliveryClient) sampleLoop() {
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sampleStop:
			return
		case <-ticker.C:
			c.sampleTick(time.Now())
		}
	}
}

// sampleTick appends exactly one new reading, persists it, and attempts
// an immediate send when connected.
func (c *DeliveryClient) sampleTick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Reading{ID: uuid.New(), Timestamp: now.UTC(), Value: c.cfg.Sample()}
	c.buf.Append(r)
	if err := c.buf.Save(); err != nil {
		// The reading stays unsent and in memory; it is flushed once a
		// later save succeeds.
		slog.Error("buffer save failed", "error", err)
		return
	}

	if c.state != Connected {
		return
	}
	if err := c.writeLocked(protocol.FormatSensor(c.cfg.ClientID, r.Timestamp.Unix(), r.Value)); err != nil {
		c.transportFailedLocked(err)
		return
	}
	// Optimistic: the transport accepted the write, which is not proof of
	// delivery. A later peer reset rolls this back.
	c.buf.MarkSent(r.ID)
	if err := c.buf.Save(); err != nil {
		slog.Error("buffer save failed", "error", err)
	}
}

func (c *DeliveryClient) readPump(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(conn, err)
			return
		}
		c.handleFrame(string(raw))
	}
}

func (c *DeliveryClient) handleFrame(frame string) {
	msg, err := protocol.ParseData(frame)
	if err != nil {
		slog.Warn("dropping malformed server frame", "frame", frame, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregates = append(c.aggregates, AggregatePoint{
		Timestamp: time.Unix(msg.Timestamp, 0).UTC(),
		Value:     msg.Value,
	})
	if err := c.store.SaveAggregates(c.aggregates); err != nil {
		slog.Error("aggregate save failed", "error", err)
	}
}

// transportClosed is the read pump's exit path. A pump for a connection
// we already replaced or tore down is stale and does nothing.
func (c *DeliveryClient) transportClosed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	slog.Warn("connection lost", "error", err)
	c.transportFailedLocked(err)
}

// transportFailedLocked handles any transport error: roll back the
// optimistic tail of the buffer, drop to Disconnected, and keep retrying
// while the user still wants the link up.
func (c *DeliveryClient) transportFailedLocked(err error) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected

	if isPeerReset(err) {
		if n := c.buf.RollbackUnsent(c.cfg.RollbackWindow); n > 0 {
			if saveErr := c.buf.Save(); saveErr != nil {
				slog.Error("buffer save failed after rollback", "error", saveErr)
			}
			slog.Info("rolled back optimistic sends", "count", n)
		}
	}
	if c.wantConnected {
		c.scheduleReconnectLocked()
	}
}

// scheduleReconnectLocked arms a fixed-period retry. The callback
// re-checks intent under the mutex, so a Disconnect that returned before
// the timer fired turns the callback into a no-op.
func (c *DeliveryClient) scheduleReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.mu.Lock()
		if !c.wantConnected || c.state != Disconnected {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
		c.mu.Unlock()
		c.dial()
	})
}

func (c *DeliveryClient) writeLocked(frame string) error {
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// isPeerReset reports whether the error looks like the peer went away
// rather than a user-directed normal closure.
func isPeerReset(err error) bool {
	return !websocket.IsCloseError(err, websocket.CloseNormalClosure)
}
