package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ytmd-tools/ytmdctl/internal/api"
	"github.com/ytmd-tools/ytmdctl/internal/models"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
	itesting "github.com/ytmd-tools/ytmdctl/internal/testing"
)

// rtServer stands in for a Companion Server: a JSON state endpoint plus a
// websocket realtime namespace the tests push frames through.
type rtServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	stateHits     atomic.Int64
	dialHits      atomic.Int64
	stateStatus   atomic.Int64
	refuseUpgrade atomic.Bool

	// Every accepted connection is handed to the test through this channel.
	conns chan *websocket.Conn
}

func newRTServer(t *testing.T) *rtServer {
	t.Helper()
	s := &rtServer{conns: make(chan *websocket.Conn, 8)}
	s.stateStatus.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		s.stateHits.Add(1)
		status := int(s.stateStatus.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(models.Snapshot{"seq": 0})
	})
	mux.HandleFunc("/api/v1/realtime", func(w http.ResponseWriter, r *http.Request) {
		s.dialHits.Add(1)
		if s.refuseUpgrade.Load() {
			http.Error(w, "realtime unavailable", http.StatusInternalServerError)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drain client frames (auth handshake, pings) until the peer goes away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		s.conns <- conn
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *rtServer) client(t *testing.T, token string) *api.Client {
	t.Helper()
	u, err := url.Parse(s.srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return api.NewClient(u.Hostname(), port, token, s.srv.Client())
}

func (s *rtServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a realtime connection")
		return nil
	}
}

// push writes one state-update frame over the server side of the channel.
func push(t *testing.T, conn *websocket.Conn, snap models.Snapshot) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": "state-update", "payload": snap}); err != nil {
		t.Fatalf("failed to push frame: %v", err)
	}
}

// newTestManager builds a manager with millisecond backoff so reconnect tests
// run quickly. Production ceilings stay proportional.
func newTestManager(t *testing.T, s *rtServer) *Manager {
	t.Helper()
	m := NewManager(s.client(t, "test-token"), shared.NewLogger(io.Discard))
	m.floor = 10 * time.Millisecond
	m.ceiling = 80 * time.Millisecond
	m.delay = m.floor
	t.Cleanup(m.Disconnect)
	return m
}

// waitCount blocks until the recorder has seen at least want snapshots.
func waitCount(t *testing.T, rec *itesting.SnapshotRecorder, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for rec.Count() < want {
		select {
		case <-rec.Delivered:
		case <-deadline:
			t.Fatalf("timed out waiting for %d snapshots, have %d", want, rec.Count())
		}
	}
}

// waitState blocks until the manager reaches the wanted connection state.
func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s, still %s", want, m.State())
		}
		time.Sleep(time.Millisecond)
	}
}

// seqs extracts the "seq" markers out of the recorded snapshots, skipping
// empties. JSON numbers decode as float64; snapshots published directly in
// tests carry int values.
func seqs(snaps []models.Snapshot) []int {
	var out []int
	for _, s := range snaps {
		switch v := s["seq"].(type) {
		case float64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		}
	}
	return out
}

func TestManager(t *testing.T) {
	t.Run("Connect Publishes Initial Snapshot", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		waitCount(t, rec, 1) // replay of the empty cache

		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		server.accept(t)

		if manager.State() != Connected {
			t.Errorf("expected Connected, got %s", manager.State())
		}
		waitCount(t, rec, 2)
		snaps := rec.Snapshots()
		if len(snaps[0]) != 0 {
			t.Errorf("expected empty replay first, got %v", snaps[0])
		}
		if got := seqs(snaps); len(got) == 0 || got[0] != 0 {
			t.Errorf("expected fetched snapshot with seq 0, got %v", got)
		}
		if manager.Snapshot()["seq"] != float64(0) {
			t.Errorf("expected cached snapshot, got %v", manager.Snapshot())
		}
	})

	t.Run("Frames Are Delivered In Order", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		conn := server.accept(t)

		before := rec.Count()
		for i := 1; i <= 5; i++ {
			push(t, conn, models.Snapshot{"seq": i})
		}
		waitCount(t, rec, before+5)

		got := seqs(rec.Snapshots())
		for i := 1; i < len(got); i++ {
			if got[i] < got[i-1] {
				t.Fatalf("snapshots out of order: %v", got)
			}
		}
		if got[len(got)-1] != 5 {
			t.Errorf("expected final seq 5, got %v", got)
		}
	})

	t.Run("Stalled Queue Does Not Leak Earlier Broadcasts To New Subscribers", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		// Stall the dispatch goroutine inside the blocker's replay. The
		// blocker must be released before cleanup or Disconnect would wait
		// on the stalled queue forever.
		blocker := itesting.NewBlockingListener()
		released := false
		release := func() {
			if !released {
				released = true
				close(blocker.Release)
			}
		}
		defer release()
		manager.Subscribe(blocker)
		select {
		case <-blocker.Entered:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the blocking listener's replay")
		}

		// Published while the queue is backed up, before rec subscribes.
		manager.publish(models.Snapshot{"seq": 1})

		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		release()

		// rec must see exactly its replay of the current cache, not the
		// broadcast queued before its registration plus the replay.
		waitCount(t, rec, 1)
		time.Sleep(20 * time.Millisecond)
		if rec.Count() != 1 {
			t.Fatalf("expected exactly 1 delivery for the late subscriber, got %d: %v",
				rec.Count(), rec.Snapshots())
		}
		if got := seqs(rec.Snapshots()); len(got) != 1 || got[0] != 1 {
			t.Errorf("expected replay of the cached snapshot, got %v", rec.Snapshots())
		}
	})

	t.Run("Replay Never Resurrects A Replaced Snapshot", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		const last = 300
		published := make(chan struct{})
		go func() {
			defer close(published)
			for i := 1; i <= last; i++ {
				manager.publish(models.Snapshot{"seq": i})
			}
		}()

		var recorders []*itesting.SnapshotRecorder
		for i := 0; i < 8; i++ {
			rec := itesting.NewSnapshotRecorder()
			manager.Subscribe(rec)
			recorders = append(recorders, rec)
			time.Sleep(time.Millisecond)
		}
		<-published

		// Every recorder eventually observes the final snapshot, via the
		// broadcast or via its own replay.
		for _, rec := range recorders {
			deadline := time.After(2 * time.Second)
			for {
				got := seqs(rec.Snapshots())
				if len(got) > 0 && got[len(got)-1] == last {
					break
				}
				select {
				case <-rec.Delivered:
				case <-deadline:
					t.Fatalf("timed out waiting for seq %d, have %v", last, got)
				}
			}
		}

		for i, rec := range recorders {
			got := seqs(rec.Snapshots())
			for j := 1; j < len(got); j++ {
				if got[j] < got[j-1] {
					t.Fatalf("recorder %d saw a replaced snapshot resurrected: %v", i, got)
				}
			}
		}
	})

	t.Run("Late Subscriber Gets Current Snapshot", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		conn := server.accept(t)
		push(t, conn, models.Snapshot{"seq": 7})

		early := itesting.NewSnapshotRecorder()
		manager.Subscribe(early)
		waitCount(t, early, 1)

		late := itesting.NewSnapshotRecorder()
		manager.Subscribe(late)
		waitCount(t, late, 1)

		first := late.Snapshots()[0]
		if _, ok := first["seq"]; !ok {
			t.Errorf("expected replay of the live snapshot, got %v", first)
		}
	})

	t.Run("Duplicate Subscribe Is A No-Op", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		manager.Subscribe(rec)
		waitCount(t, rec, 1)

		manager.publish(models.Snapshot{"seq": 1})
		manager.publish(models.Snapshot{"seq": 2})
		waitCount(t, rec, 3)

		// Let any erroneous extra delivery land before asserting.
		time.Sleep(20 * time.Millisecond)
		if rec.Count() != 3 {
			t.Errorf("expected exactly 3 deliveries, got %d", rec.Count())
		}
	})

	t.Run("Panicking Listener Does Not Disturb Others", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		manager.Subscribe(&itesting.PanickingListener{})
		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		waitCount(t, rec, 1)

		manager.publish(models.Snapshot{"seq": 1})
		manager.publish(models.Snapshot{"seq": 2})
		waitCount(t, rec, 3)

		got := seqs(rec.Snapshots())
		if len(got) != 2 || got[1] != 2 {
			t.Errorf("expected seqs [1 2], got %v", got)
		}
	})

	t.Run("Unsubscribe Stops Delivery", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		waitCount(t, rec, 1)
		manager.Unsubscribe(rec)

		manager.publish(models.Snapshot{"seq": 1})
		time.Sleep(20 * time.Millisecond)
		if rec.Count() != 1 {
			t.Errorf("expected no delivery after unsubscribe, got %d", rec.Count())
		}
	})

	t.Run("Drop Clears Snapshot And Reconnects", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		conn := server.accept(t)
		push(t, conn, models.Snapshot{"seq": 1})
		waitCount(t, rec, 3)

		conn.Close()
		server.accept(t) // backoff floor is 10ms, the retry lands fast
		waitState(t, manager, Connected)
		waitCount(t, rec, 6) // replay, 2x fetch, frame, drop empty, refetch

		var sawEmpty bool
		snaps := rec.Snapshots()
		for i := 1; i < len(snaps); i++ {
			if len(snaps[i]) == 0 {
				sawEmpty = true
			}
		}
		if !sawEmpty {
			t.Error("expected an empty snapshot to be published on drop")
		}

		// Success resets the backoff to the floor.
		manager.mu.Lock()
		delay := manager.delay
		manager.mu.Unlock()
		if delay != manager.floor {
			t.Errorf("expected delay reset to floor, got %v", delay)
		}
	})

	t.Run("First Connect Failure Is Raised And Not Retried", func(t *testing.T) {
		server := newRTServer(t)
		server.refuseUpgrade.Store(true)
		manager := newTestManager(t, server)

		err := manager.Connect(context.Background())
		if !errors.Is(err, shared.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
		if manager.State() != Disconnected {
			t.Errorf("expected Disconnected, got %s", manager.State())
		}

		time.Sleep(60 * time.Millisecond) // several floors
		if hits := server.dialHits.Load(); hits != 1 {
			t.Errorf("expected no automatic retry after first failure, got %d dials", hits)
		}
	})

	t.Run("Authorization Failure Is Raised", func(t *testing.T) {
		server := newRTServer(t)
		server.stateStatus.Store(http.StatusUnauthorized)
		manager := newTestManager(t, server)

		err := manager.Connect(context.Background())
		if !errors.Is(err, shared.ErrAuthorization) {
			t.Fatalf("expected ErrAuthorization, got %v", err)
		}
	})

	t.Run("Later Failures Feed The Backoff Loop", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		conn := server.accept(t)

		// Every subsequent dial fails; the drop must keep retrying silently.
		server.refuseUpgrade.Store(true)
		conn.Close()

		deadline := time.Now().Add(2 * time.Second)
		for server.dialHits.Load() < 3 {
			if time.Now().After(deadline) {
				t.Fatalf("expected repeated retries, got %d dials", server.dialHits.Load())
			}
			time.Sleep(5 * time.Millisecond)
		}

		// Recovery: allow the upgrade again and wait for reconnection.
		server.refuseUpgrade.Store(false)
		server.accept(t)
		waitState(t, manager, Connected)
	})

	t.Run("Connect Is Idempotent While Connected", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		server.accept(t)
		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected second connect to be a no-op, got %v", err)
		}
		if hits := server.dialHits.Load(); hits != 1 {
			t.Errorf("expected a single dial, got %d", hits)
		}
	})

	t.Run("Connect Preempts A Pending Reconnect", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)
		manager.floor = time.Minute // the scheduled retry must never fire on its own
		manager.delay = manager.floor

		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		conn := server.accept(t)
		conn.Close()
		waitState(t, manager, Disconnected)

		// An explicit Connect cancels the minute-long wait and dials now.
		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected immediate reconnect, got %v", err)
		}
		server.accept(t)
		waitState(t, manager, Connected)
	})

	t.Run("Disconnect Is Idempotent And Terminal", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)

		rec := itesting.NewSnapshotRecorder()
		manager.Subscribe(rec)
		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		server.accept(t)

		manager.Disconnect()
		manager.Disconnect()

		if err := manager.Connect(context.Background()); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed after Disconnect, got %v", err)
		}

		count := rec.Count()
		manager.publish(models.Snapshot{"seq": 99})
		time.Sleep(20 * time.Millisecond)
		if rec.Count() != count {
			t.Error("expected no deliveries after Disconnect")
		}
	})

	t.Run("Disconnect Cancels A Pending Reconnect", func(t *testing.T) {
		server := newRTServer(t)
		manager := newTestManager(t, server)
		manager.floor = time.Minute
		manager.delay = manager.floor

		if err := manager.Connect(context.Background()); err != nil {
			t.Fatalf("expected connect to succeed, got %v", err)
		}
		conn := server.accept(t)
		conn.Close()
		waitState(t, manager, Disconnected)

		done := make(chan struct{})
		go func() {
			manager.Disconnect() // must join the pending retry, not hang on it
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Disconnect did not return while a reconnect was pending")
		}
	})
}

func TestNextDelay(t *testing.T) {
	ceiling := 300 * time.Second
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{64 * time.Second, 128 * time.Second},
		{160 * time.Second, ceiling},
		{ceiling, ceiling},
	}
	for _, c := range cases {
		if got := nextDelay(c.in, ceiling); got != c.want {
			t.Errorf("nextDelay(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
