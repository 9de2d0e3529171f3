package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestSession(t *testing.T, b *fakeBackend, mutate func(*SessionConfig)) *Session {
	t.Helper()
	cfg := b.sessionConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s := NewSession(cfg)
	t.Cleanup(func() {
		s.Disconnect()
		s.close()
	})
	return s
}

// recordStates collects connectivity transitions until ctx is done.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func recordStates(ctx context.Context, s *Session) *stateRecorder {
	r := &stateRecorder{}
	ch := s.Observe(ctx)
	go func() {
		for st := range ch {
			r.mu.Lock()
			r.states = append(r.states, st)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *stateRecorder) get() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

func TestSession_Connect(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, nil)

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
	if s.UserID() != "me" {
		t.Fatalf("UserID = %q", s.UserID())
	}

	pong, err := s.Ping(context.Background())
	if err != nil || pong.RequestID == "" {
		t.Fatalf("Ping: %+v, %v", pong, err)
	}
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	s.Connect(context.Background(), "good-token", "me")
	time.Sleep(50 * time.Millisecond)
	if dials, _, _, live := b.stats(); dials != 1 || live != 1 {
		t.Fatalf("dials = %d, live = %d; want 1 socket", dials, live)
	}
}

func TestSession_AuthErrorIsTerminal(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, nil)

	err := s.Connect(context.Background(), "bad-token", "me")
	if !IsAuthError(err) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	ae := err.(*AuthError)
	if ae.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", ae.StatusCode)
	}

	time.Sleep(60 * time.Millisecond)
	if dials, _, _, _ := b.stats(); dials != 1 {
		t.Fatalf("dials = %d, want no retries", dials)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s", s.State())
	}

	// A fresh token may connect again.
	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
}

func TestSession_AuthErrorFrame(t *testing.T) {
	b := newFakeBackend(t)
	b.set(func(b *fakeBackend) { b.authFrameErr = true })
	s := newTestSession(t, b, nil)

	if err := s.Connect(context.Background(), "good-token", "me"); !IsAuthError(err) {
		t.Fatalf("err = %v, want AuthError", err)
	}
}

func TestSession_MissingToken(t *testing.T) {
	s := NewSession(&SessionConfig{URL: "ws://127.0.0.1:1/ws"})
	if err := s.Connect(context.Background(), "", "me"); !IsAuthError(err) {
		t.Fatalf("err = %v, want AuthError", err)
	}
}

func TestSession_TransientFirstDialRetries(t *testing.T) {
	b := newFakeBackend(t)
	b.set(func(b *fakeBackend) { b.dropAfterAuth = 2 })
	s := newTestSession(t, b, nil)

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
	if dials, _, _, _ := b.stats(); dials < 3 {
		t.Fatalf("dials = %d, want at least 3", dials)
	}
}

func TestSession_DisconnectStopsReconnecting(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, nil)

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s", s.State())
	}
	waitFor(t, "server side close", func() bool {
		_, _, _, live := b.stats()
		return live == 0
	})
	time.Sleep(100 * time.Millisecond)
	if dials, _, _, _ := b.stats(); dials != 1 {
		t.Fatalf("dials = %d after Disconnect, want 1", dials)
	}
	if err := s.Send(context.Background(), &Command{Type: CommandPing}); err != ErrNotConnected {
		t.Fatalf("Send after Disconnect = %v", err)
	}

	// Disconnect is safe to repeat.
	if err := s.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestSession_ReconnectBackoffIncreases(t *testing.T) {
	b := newFakeBackend(t)

	var mu sync.Mutex
	var delays []time.Duration
	s := newTestSession(t, b, func(c *SessionConfig) {
		c.ReconnectBaseDelay = 20 * time.Millisecond
		c.ReconnectMaxDelay = time.Second
	})
	s.OnReconnecting(func(attempt int, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	})

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	// Every reconnect is accepted and dropped right away, three times.
	b.set(func(b *fakeBackend) { b.dropAfterAuth = 3 })
	b.dropAll()

	waitFor(t, "reconnected", func() bool {
		_, _, _, live := b.stats()
		return live == 1 && s.State() == StateConnected
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delays) < 4 {
		t.Fatalf("got %d reconnect attempts, want at least 4", len(delays))
	}
	for i := 1; i < 4; i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not increasing: %v", delays)
		}
	}
	if got := testutil.ToFloat64(s.metrics.reconnects); got < 4 {
		t.Fatalf("reconnect metric = %v", got)
	}
}

func TestSession_ReconnectAuthFailure(t *testing.T) {
	b := newFakeBackend(t)
	authFailed := make(chan error, 1)
	s := newTestSession(t, b, func(c *SessionConfig) {
		c.OnAuthFailure = func(err error) { authFailed <- err }
	})

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	b.set(func(b *fakeBackend) { b.token = "rotated" })
	b.dropAll()

	select {
	case err := <-authFailed:
		if !IsAuthError(err) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnAuthFailure not called")
	}
	dials, _, _, _ := b.stats()
	time.Sleep(100 * time.Millisecond)
	if after, _, _, _ := b.stats(); after != dials {
		t.Fatalf("kept dialing after auth failure: %d -> %d", dials, after)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s", s.State())
	}
}

func TestReconnector_StableConnectionResets(t *testing.T) {
	cfg := &SessionConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: 400 * time.Millisecond, StableAfter: 10 * time.Millisecond}
	cfg.defaults()
	cfg.ReconnectJitter = 0
	r := newReconnector(cfg)
	r.backoff.RandomizationFactor = 0

	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, r.nextDelay())
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays = %v, want %v", got, want)
		}
	}

	// A short-lived connection keeps the backoff growing.
	r.markConnected()
	if d := r.nextDelay(); d != 400*time.Millisecond {
		t.Fatalf("after flap delay = %v", d)
	}

	r.markConnected()
	time.Sleep(20 * time.Millisecond)
	if d := r.nextDelay(); d != 100*time.Millisecond {
		t.Fatalf("after stable connection delay = %v, want base", d)
	}
	if d := r.nextDelay(); d != 200*time.Millisecond {
		t.Fatalf("second delay after reset = %v", d)
	}
}

// A new Connect cycle starts from the base delay no matter how far the
// previous cycle escalated.
func TestSession_ConnectResetsBackoff(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, nil)
	s.recon.backoff.RandomizationFactor = 0

	for i := 0; i < 8; i++ {
		s.recon.nextDelay()
	}
	if d := s.recon.nextDelay(); d != 200*time.Millisecond {
		t.Fatalf("escalated delay = %v, want cap", d)
	}

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if s.recon.attempt != 0 {
		t.Fatalf("attempt = %d after Connect, want 0", s.recon.attempt)
	}
	if d := s.recon.nextDelay(); d != 10*time.Millisecond {
		t.Fatalf("first delay of new cycle = %v, want base", d)
	}
}

// ============================================================================
// Connectivity stream
// ============================================================================

func TestSession_ConnectivityEmitsEachTransitionOnce(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := recordStates(ctx, s)

	s.Connect(context.Background(), "good-token", "me")
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })
	s.Connect(context.Background(), "good-token", "me")
	s.Disconnect()
	s.Disconnect()

	want := []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateDisconnected}
	waitFor(t, "transitions", func() bool { return len(rec.get()) >= len(want) })
	time.Sleep(20 * time.Millisecond)
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

// ============================================================================
// Inbound events
// ============================================================================

func TestSession_DispatchesInOrder(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, nil)

	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	s.OnMessage(func(m Message) { record("message:" + m.ID) })
	s.OnStatusUpdate(func(p StatusUpdatePayload) { record("status:" + p.MessageID + ":" + string(p.Status)) })
	s.OnPresence(func(p PresencePayload) { record("presence:" + p.UserID) })
	s.OnError(func(p SocketErrorPayload) { record("error:" + p.Code) })

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	b.push(EventMessageNew, serverMsg("m1", "c1", "u2", t0))
	b.pushRaw(`not json`)
	b.pushRaw(`{"payload":{}}`)
	b.pushRaw(`{"type":"message.new","payload":"oops"}`)
	b.push(EventMessageStatus, StatusUpdatePayload{MessageID: "m1", Status: StatusRead})
	b.push(EventPresence, PresencePayload{UserID: "u2", IsOnline: true})
	b.push("typing.start", map[string]string{"userId": "u2"})
	b.push(EventError, SocketErrorPayload{Code: "rate_limited", Message: "slow down"})

	want := []string{"message:m1", "status:m1:" + string(StatusRead), "presence:u2", "error:rate_limited"}
	waitFor(t, "events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	if got := testutil.ToFloat64(s.metrics.eventsDropped.WithLabelValues("frame")); got != 2 {
		t.Fatalf("dropped frames = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.metrics.eventsDropped.WithLabelValues(EventMessageNew)); got != 1 {
		t.Fatalf("dropped message.new = %v, want 1", got)
	}
	if s.State() != StateConnected {
		t.Fatal("malformed frames broke the connection")
	}
}

func TestSession_Heartbeat(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(t, b, func(c *SessionConfig) {
		c.HeartbeatInterval = 20 * time.Millisecond
	})

	if err := s.Connect(context.Background(), "good-token", "me"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "heartbeats", func() bool {
		_, pings, _, _ := b.stats()
		return pings >= 3
	})
	if s.State() != StateConnected {
		t.Fatalf("state = %s", s.State())
	}
}
