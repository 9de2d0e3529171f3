package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the WebSocket endpoint, e.g. wss://api.heartline.app/ws.
	URL string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// ReconnectJitter is the randomization factor applied to each delay.
	ReconnectJitter float64
	// StableAfter is how long a connection must last for the backoff to
	// start over from the base delay.
	StableAfter       time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HTTPClient        *http.Client

	// OnAuthFailure is called when a reconnect is rejected. The session
	// stops retrying until Connect is called with a new token.
	OnAuthFailure func(error)

	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.2
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// RawEventHandler receives the undecoded payload of a socket event.
type RawEventHandler func(eventType string, payload json.RawMessage)

// eventDispatcher decodes inbound frames and calls handlers in the order
// frames arrive. Handlers run on the read loop and must not block.
type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]RawEventHandler
	onMessage      []func(Message)
	onStatus       []func(StatusUpdatePayload)
	onPresence     []func(PresencePayload)
	onError        []func(SocketErrorPayload)
	onReconnecting []func(int, time.Duration)

	log     *zap.Logger
	metrics *Metrics
}

func newEventDispatcher(log *zap.Logger, metrics *Metrics) *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RawEventHandler),
		log:     log,
		metrics: metrics,
	}
}

func (d *eventDispatcher) dispatch(eventType string, payload json.RawMessage) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch eventType {
	case EventMessageNew:
		var p Message
		if err := json.Unmarshal(payload, &p); err != nil {
			d.invalid(eventType, err)
			return
		}
		for _, h := range d.onMessage {
			h(p)
		}
	case EventMessageStatus:
		var p StatusUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			d.invalid(eventType, err)
			return
		}
		for _, h := range d.onStatus {
			h(p)
		}
	case EventPresence:
		var p PresencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			d.invalid(eventType, err)
			return
		}
		for _, h := range d.onPresence {
			h(p)
		}
	case EventError:
		var p SocketErrorPayload
		if json.Unmarshal(payload, &p) == nil {
			d.log.Warn("server error", zap.String("code", p.Code), zap.String("message", p.Message))
			for _, h := range d.onError {
				h(p)
			}
		}
	}

	for _, h := range d.generic[eventType] {
		h(eventType, payload)
	}
}

func (d *eventDispatcher) invalid(eventType string, err error) {
	d.metrics.eventsDropped.WithLabelValues(eventType).Inc()
	d.log.Warn("dropping malformed event", zap.String("event", eventType),
		zap.Error(invalid(eventType, "%v", err)))
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	backoff     *backoff.ExponentialBackOff
	maxDelay    time.Duration
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SessionConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectBaseDelay
	b.MaxInterval = config.ReconnectMaxDelay
	b.RandomizationFactor = config.ReconnectJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnector{
		backoff:     b,
		maxDelay:    config.ReconnectMaxDelay,
		stableAfter: config.StableAfter,
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.reset()
	}
	r.connectedAt = time.Time{}
	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop || delay > r.maxDelay {
		delay = r.maxDelay
	}
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.backoff.Reset()
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Session
// ============================================================================

// wsConn is the part of *websocket.Conn the session uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session owns the single socket connection of an authenticated user.
// It reconnects with exponential backoff until Disconnect is called or
// the server rejects the credentials.
type Session struct {
	config       *SessionConfig
	log          *zap.Logger
	metrics      *Metrics
	dispatcher   *eventDispatcher
	recon        *reconnector
	connectivity *feed[ConnectionState]
	dial         func(ctx context.Context, token string) (wsConn, error)

	mu      sync.Mutex
	state   ConnectionState
	running bool
	token   string
	userID  string
	conn    wsConn
	cancel  context.CancelFunc
	done    chan struct{}

	pingCounter  atomic.Uint64
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

// NewSession creates a disconnected session.
func NewSession(config *SessionConfig) *Session {
	if config == nil {
		config = &SessionConfig{}
	}
	config.defaults()
	log := config.Logger.Named("session")
	s := &Session{
		config:       config,
		log:          log,
		metrics:      config.Metrics,
		dispatcher:   newEventDispatcher(log, config.Metrics),
		recon:        newReconnector(config),
		connectivity: newFeed[ConnectionState](16),
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
	}
	s.dial = s.dialWebSocket
	s.metrics.setState(StateDisconnected)
	return s
}

// OnMessage registers a handler for new messages.
func (s *Session) OnMessage(h func(Message)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onMessage = append(s.dispatcher.onMessage, h)
	s.dispatcher.mu.Unlock()
}

// OnStatusUpdate registers a handler for message status updates.
func (s *Session) OnStatusUpdate(h func(StatusUpdatePayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onStatus = append(s.dispatcher.onStatus, h)
	s.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for presence changes.
func (s *Session) OnPresence(h func(PresencePayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onPresence = append(s.dispatcher.onPresence, h)
	s.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (s *Session) OnError(h func(SocketErrorPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onError = append(s.dispatcher.onError, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect wait.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// On registers a handler for the raw payload of an event type.
func (s *Session) On(eventType string, h RawEventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[eventType] = append(s.dispatcher.generic[eventType], h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the user the session was connected for.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Observe streams connectivity transitions, starting with the current
// state. Each transition is emitted once.
func (s *Session) Observe(ctx context.Context) <-chan ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.state
	return s.connectivity.subscribe(ctx, func() (ConnectionState, bool) { return current, true })
}

// Connect opens the connection. It is a no-op while the session is
// connecting, connected or waiting to reconnect. The first attempt runs
// synchronously: an *AuthError is returned as is, transient failures
// are retried in the background.
func (s *Session) Connect(ctx context.Context, token, userID string) error {
	if token == "" {
		return &AuthError{Reason: "missing token"}
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.token = token
	s.userID = userID
	s.recon.reset()
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	conn, err := s.open(ctx, token)
	if err != nil {
		s.setState(StateDisconnected)
		if IsAuthError(err) {
			s.log.Warn("authentication rejected", zap.Error(err))
			s.finish(runCtx)
			close(done)
			return err
		}
		s.log.Info("connect failed, retrying in background", zap.Error(err))
	}
	go s.run(runCtx, conn, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done, conn := s.cancel, s.done, s.conn
	s.running = false
	s.cancel = nil
	s.conn = nil
	s.token = ""
	s.mu.Unlock()

	cancel()
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	<-done
	s.clearPendingPings()
	s.setState(StateDisconnected)
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		s.log.Debug("close", zap.Error(err))
	}
	return nil
}

// Send writes a command on the live connection.
func (s *Session) Send(ctx context.Context, cmd *Command) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.write(ctx, conn, cmd)
}

// SendMessage writes a message.send command.
func (s *Session) SendMessage(ctx context.Context, p SendPayload) error {
	return s.Send(ctx, &Command{Type: CommandSendMessage, Payload: p, RequestID: p.TempID})
}

// Ping sends a ping and waits for the matching pong.
func (s *Session) Ping(ctx context.Context) (*PongPayload, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return s.ping(ctx, conn)
}

func (s *Session) write(ctx context.Context, conn wsConn, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshal command")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return transient("write "+cmd.Type, err)
	}
	return nil
}

func (s *Session) ping(ctx context.Context, conn wsConn) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", s.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	s.pendingMu.Lock()
	s.pendingPings[requestID] = ch
	s.pendingMu.Unlock()

	forget := func() {
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
	}

	err := s.write(ctx, conn, &Command{
		Type:      CommandPing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(s.config.PongTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, transient("ping", errors.New("pong timeout"))
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ── Connection lifecycle ─────────────────────────────────

// run is the connection-management loop. It serves conn when non-nil,
// then keeps reconnecting until ctx is cancelled or auth fails.
func (s *Session) run(ctx context.Context, conn wsConn, done chan struct{}) {
	defer close(done)

	for {
		if conn != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "client disconnect")
				return
			}
			s.attach(conn)
			err := s.serve(ctx, conn)
			s.detach(conn)
			if ctx.Err() != nil {
				return
			}
			s.log.Info("connection lost", zap.Error(err))
			s.setState(StateDisconnected)
		}

		delay := s.recon.nextDelay()
		s.metrics.reconnects.Inc()
		s.dispatcher.emitReconnecting(s.recon.attempt, delay)
		s.log.Debug("reconnecting", zap.Int("attempt", s.recon.attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		s.setState(StateConnecting)
		c, err := s.open(ctx, token)
		if err != nil {
			s.setState(StateDisconnected)
			if IsAuthError(err) {
				s.log.Warn("reconnect rejected", zap.Error(err))
				s.finish(ctx)
				if s.config.OnAuthFailure != nil {
					s.config.OnAuthFailure(err)
				}
				return
			}
			s.log.Debug("reconnect failed", zap.Error(err))
			conn = nil
			continue
		}
		conn = c
	}
}

// finish marks the session stopped after a terminal failure, unless
// Disconnect already did.
func (s *Session) finish(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() == nil && s.running {
		s.running = false
		s.token = ""
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	}
}

// open dials and completes the authentication handshake.
func (s *Session) open(ctx context.Context, token string) (wsConn, error) {
	conn, err := s.dial(ctx, token)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		if code := websocket.CloseStatus(err); code == websocket.StatusPolicyViolation || code == 4001 || code == 4003 {
			return nil, &AuthError{Reason: err.Error()}
		}
		return nil, transient("handshake", err)
	}

	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case EventAuthenticated:
		return conn, nil
	case EventError:
		conn.Close(websocket.StatusNormalClosure, "")
		var p SocketErrorPayload
		_ = json.Unmarshal([]byte(gjson.GetBytes(data, "payload").Raw), &p)
		if p.Code == "unauthorized" || p.Code == "forbidden" {
			return nil, &AuthError{Reason: p.Message}
		}
		return nil, transient("handshake", errors.Errorf("server error %s: %s", p.Code, p.Message))
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, transient("handshake", errors.Errorf("expected %q, got %q", EventAuthenticated, typ))
	}
}

func (s *Session) dialWebSocket(ctx context.Context, token string) (wsConn, error) {
	u := s.config.URL + "?token=" + url.QueryEscape(token)
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: s.config.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
		}
		return nil, transient("dial", err)
	}
	return conn, nil
}

func (s *Session) attach(conn wsConn) {
	s.mu.Lock()
	s.conn = conn
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.recon.markConnected()
	s.log.Info("connected", zap.String("userId", s.UserID()))
}

func (s *Session) detach(conn wsConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	s.clearPendingPings()
}

// serve reads frames until the connection breaks.
func (s *Session) serve(ctx context.Context, conn wsConn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeatLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		s.dispatcher.invalid("frame", errors.New("not valid JSON"))
		return
	}
	typ := gjson.GetBytes(data, "type").String()
	if typ == "" {
		s.dispatcher.invalid("frame", errors.New("missing type"))
		return
	}
	payload := json.RawMessage(gjson.GetBytes(data, "payload").Raw)

	if typ == EventPong {
		var p PongPayload
		if json.Unmarshal(payload, &p) == nil && p.RequestID != "" {
			s.pendingMu.Lock()
			ch, ok := s.pendingPings[p.RequestID]
			if ok {
				delete(s.pendingPings, p.RequestID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	}

	s.dispatcher.dispatch(typ, payload)
}

func (s *Session) heartbeatLoop(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ping(ctx, conn); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("heartbeat failed, closing connection", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *Session) clearPendingPings() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingPings {
		close(ch)
		delete(s.pendingPings, k)
	}
	s.pendingMu.Unlock()
}

func (s *Session) setState(st ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

// setStateLocked records a transition; the caller holds s.mu. Repeated
// identical states are not emitted.
func (s *Session) setStateLocked(st ConnectionState) {
	if s.state == st {
		return
	}
	s.state = st
	s.metrics.setState(st)
	s.connectivity.publish(st)
}

func (s *Session) close() {
	s.connectivity.closeAll()
}
