// package session owns the realtime connection to one Companion Server: the
// connection state machine, the reconnect policy, the authoritative in-memory
// snapshot and the listener fan-out.
//
// A Manager is constructed with a request layer client (which may carry no
// token yet), connects on demand, and keeps itself connected with bounded
// exponential backoff until Disconnect tears it down. Consumers subscribe a
// [Listener] at any time and immediately receive the current cached snapshot,
// then every subsequent replacement in publish order.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/ytmd-tools/ytmdctl/internal/api"
	"github.com/ytmd-tools/ytmdctl/internal/models"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
)

// State is the externally visible connection state. The Manager is its single
// writer.
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

// ErrClosed is returned by Connect after Disconnect has torn the manager down.
var ErrClosed = fmt.Errorf("session manager closed")

const (
	backoffFloor   = time.Second
	backoffCeiling = 300 * time.Second

	// Liveness: the server is expected to answer pings; a read deadline
	// miss counts as a channel drop and follows the normal reconnect path.
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// Listener receives every published snapshot. Implementations must be
// comparable (a pointer type is the norm): subscription identity is the
// listener value itself.
type Listener interface {
	OnState(models.Snapshot)
}

// Manager maintains the push channel to one server and fans state out to
// subscribers. All exported methods are safe for concurrent use.
type Manager struct {
	client *api.Client
	logger *log.Logger

	mu          sync.Mutex
	state       State
	attempting  bool // a connection attempt is in flight
	attempted   bool // at least one attempt has ever been made
	closed      bool
	snapshot    models.Snapshot
	subscribers map[Listener]struct{}
	conn        *websocket.Conn

	delay           time.Duration
	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}

	dispatch *dispatcher

	// Overridable timing knobs, fixed at construction.
	floor, ceiling time.Duration
	pingEvery      time.Duration
	pongDeadline   time.Duration
}

// NewManager creates a manager around the given request layer client. The
// client may have been built without a token; connecting will then only work
// if the server does not require authorization.
func NewManager(client *api.Client, logger *log.Logger) *Manager {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	m := &Manager{
		client:       client,
		logger:       logger,
		snapshot:     models.Snapshot{},
		subscribers:  make(map[Listener]struct{}),
		delay:        backoffFloor,
		floor:        backoffFloor,
		ceiling:      backoffCeiling,
		pingEvery:    pingInterval,
		pongDeadline: pongWait,
	}
	m.dispatch = newDispatcher(logger)
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the current cached snapshot; empty while
// disconnected or before the first fetch.
func (m *Manager) Snapshot() models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot.Clone()
}

// Subscribe registers a listener. Registering the same listener twice is a
// no-op. The current cached snapshot (possibly empty) is delivered to the new
// listener asynchronously, before any later publication reaches it.
//
// The replay is enqueued under the same lock that guards the cache, so a
// concurrent publish cannot slip a newer snapshot into the queue ahead of the
// replay of an older one.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.subscribers[l]; ok {
		return
	}
	m.subscribers[l] = struct{}{}
	m.dispatch.replay(l, m.snapshot.Clone())
}

// Unsubscribe removes a listener; removing an unknown listener is a no-op.
func (m *Manager) Unsubscribe(l Listener) {
	m.mu.Lock()
	delete(m.subscribers, l)
	m.mu.Unlock()
}

// Command sends a command to the server immediately, even while a reconnect
// is pending. Errors surface to the caller; commands are never retried.
func (m *Manager) Command(ctx context.Context, name string, data any) (api.CommandResult, error) {
	return m.client.Command(ctx, name, data)
}

// Connect establishes the realtime channel. It is idempotent: when already
// connected or an attempt is in flight it returns immediately, and when a
// reconnect is scheduled the pending retry is cancelled in favour of an
// immediate attempt.
//
// A failure on the very first attempt is returned to the caller and no retry
// is scheduled; every later failure is swallowed and drives the backoff loop.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connected || m.attempting {
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.reconnectCancel, m.reconnectDone
	m.reconnectCancel, m.reconnectDone = nil, nil
	m.attempting = true
	m.state = Connecting
	first := !m.attempted
	m.attempted = true
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	err := m.connect(ctx, first)
	m.mu.Lock()
	m.attempting = false
	m.mu.Unlock()
	return err
}

func (m *Manager) connect(ctx context.Context, first bool) error {
	// Best-effort fetch so consumers never sit on a previous session's
	// stale view through the handshake. Published even when it fails, with
	// whatever is cached.
	snap, err := m.client.State(ctx)
	switch {
	case err == nil:
		m.publish(snap)
	case errors.Is(err, shared.ErrAuthorization):
		return m.connectFailed(first, err)
	default:
		m.logger.Debug("initial state fetch failed, proceeding to handshake", "error", err)
		m.publish(m.Snapshot())
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return m.connectFailed(first, fmt.Errorf("%w: realtime handshake: %v", shared.ErrTransport, err))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.state = Connected
	m.delay = m.floor
	m.mu.Unlock()
	m.logger.Info("connected to realtime channel", "url", m.client.RealtimeURL())

	// Fresh confirmation now that the channel is live.
	if snap, err := m.client.State(ctx); err == nil {
		m.publish(snap)
	}

	go m.readLoop(conn)
	go m.pingLoop(conn)
	return nil
}

// connectFailed resolves a failed attempt: raised once to the very first
// caller, swallowed into the backoff loop ever after.
func (m *Manager) connectFailed(first bool, err error) error {
	m.mu.Lock()
	m.state = Disconnected
	closed := m.closed
	m.mu.Unlock()

	if first {
		return err
	}
	if !closed {
		m.logger.Warn("connection attempt failed", "error", err)
		m.scheduleReconnect()
	}
	return nil
}

// dial opens the websocket and performs the auth handshake: the credential is
// sent as the first frame, matching the server's realtime namespace contract.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.client.RealtimeURL(), nil)
	if err != nil {
		return nil, err
	}

	if token := m.client.Token(); token != "" {
		auth := map[string]string{"type": "auth", "token": token}
		if err := conn.WriteJSON(auth); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// frame is one message on the realtime channel.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readLoop ingests frames until the connection drops. Parsing stays decoupled
// from delivery: publish only enqueues onto the dispatcher, so a slow consumer
// cannot stall ingestion of the next frame.
func (m *Manager) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(m.pongDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.pongDeadline))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.pongDeadline))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Debug("discarding malformed realtime frame", "error", err)
			continue
		}
		if f.Type != "state-update" {
			continue
		}

		var snap models.Snapshot
		if err := json.Unmarshal(f.Payload, &snap); err != nil {
			m.logger.Debug("discarding malformed state payload", "error", err)
			continue
		}
		m.publish(snap)
	}
}

// pingLoop keeps the channel live. A ping write failure means the transport
// is gone; the read loop observes the same failure and owns the drop.
func (m *Manager) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(m.pingEvery)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		current := m.conn
		m.mu.Unlock()
		if current != conn {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(m.pingEvery))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// handleDrop processes a channel drop: clear the snapshot, tell consumers the
// state is gone, and schedule a reconnect unless Disconnect caused the drop.
func (m *Manager) handleDrop(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection superseded this one.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = nil
	m.state = Disconnected
	closed := m.closed
	m.mu.Unlock()
	conn.Close()

	if closed {
		return
	}

	m.logger.Warn("realtime channel dropped", "error", err)
	m.publish(models.Snapshot{})
	m.scheduleReconnect()
}

// publish replaces the cached snapshot then enqueues the fan-out, preserving
// mutate-then-publish ordering. Safe to call from any goroutine. The
// recipient set is captured here, together with the cache mutation: a
// listener subscribing later must not receive this broadcast even when the
// dispatch queue is backed up behind a slow consumer.
func (m *Manager) publish(snap models.Snapshot) {
	if snap == nil {
		snap = models.Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.snapshot = snap

	recipients := make([]Listener, 0, len(m.subscribers))
	for l := range m.subscribers {
		recipients = append(recipients, l)
	}
	m.dispatch.broadcast(recipients, snap.Clone())
}

// scheduleReconnect arranges one future connection attempt, doubling the
// delay up to the ceiling. Scheduling while an attempt is already pending is
// a no-op, so at most one reconnect task ever exists.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnectDone != nil {
		m.mu.Unlock()
		return
	}
	delay := m.delay
	m.delay = nextDelay(m.delay, m.ceiling)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.reconnectCancel, m.reconnectDone = cancel, done
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect", "delay", delay)

	go func() {
		defer close(done)

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Release our own handle before re-entering Connect, which
		// would otherwise try to join it.
		m.mu.Lock()
		if m.reconnectDone == done {
			m.reconnectCancel, m.reconnectDone = nil, nil
		}
		m.mu.Unlock()

		if err := m.Connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Debug("reconnect attempt failed", "error", err)
			m.scheduleReconnect()
		}
	}()
}

// nextDelay doubles the backoff delay, saturating at the ceiling.
func nextDelay(d, ceiling time.Duration) time.Duration {
	d *= 2
	if d > ceiling {
		return ceiling
	}
	return d
}

// Disconnect tears the manager down: the pending reconnect (if any) is
// cancelled and joined, the channel closed, subscribers cleared, the fan-out
// queue drained, and the request layer's connection pool released. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = Disconnected
	cancel, done := m.reconnectCancel, m.reconnectDone
	m.reconnectCancel, m.reconnectDone = nil, nil
	conn := m.conn
	m.conn = nil
	m.subscribers = make(map[Listener]struct{})
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if conn != nil {
		conn.Close()
	}
	m.dispatch.stop()
	m.client.Close()
	m.logger.Info("session manager shut down")
}
