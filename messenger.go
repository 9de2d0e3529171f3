package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures a Messenger.
type Options struct {
	// SendTimeout fails a SENDING message that gets no ack in time.
	SendTimeout time.Duration
	// PageSize is the REST history page size.
	PageSize int
	// BackfillPages bounds how far back one backfill walks.
	BackfillPages int
	BackfillRate  rate.Limit
	BackfillBurst int
	// BackfillInterval enables periodic backfill of known conversations.
	BackfillInterval time.Duration

	// Storage, when set, receives changed conversations every
	// FlushInterval and on Close.
	Storage       Storage
	FlushInterval time.Duration

	// Session overrides socket settings. URL defaults to the client's
	// socket endpoint.
	Session *SessionConfig

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

func (o *Options) defaults() {
	if o.SendTimeout == 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.PageSize == 0 {
		o.PageSize = 50
	}
	if o.BackfillPages == 0 {
		o.BackfillPages = 5
	}
	if o.BackfillRate == 0 {
		o.BackfillRate = 2
	}
	if o.BackfillBurst == 0 {
		o.BackfillBurst = 4
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// ============================================================================
// Messenger
// ============================================================================

// Messenger wires the session, reconciliation engine, status tracker,
// store and presence tracker together. It is the handle the UI layer
// holds; there is one per signed-in user.
type Messenger struct {
	client   *Client
	opts     *Options
	log      *zap.Logger
	metrics  *Metrics
	store    *ConversationStore
	tracker  *StatusTracker
	engine   *Engine
	presence *PresenceTracker
	session  *Session
	limiter  *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMessenger creates a Messenger using client for REST calls.
func NewMessenger(client *Client, opts *Options) *Messenger {
	if opts == nil {
		opts = &Options{}
	}
	opts.defaults()
	if client == nil {
		client = NewClient()
	}

	log := opts.Logger.Named("chatsync")
	metrics := NewMetrics(opts.Registerer)

	sc := SessionConfig{}
	if opts.Session != nil {
		sc = *opts.Session
	}
	if sc.URL == "" {
		sc.URL = client.SocketURL()
	}
	sc.Logger = log
	sc.Metrics = metrics

	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		client:   client,
		opts:     opts,
		log:      log,
		metrics:  metrics,
		store:    NewConversationStore(),
		presence: NewPresenceTracker(log, metrics),
		session:  NewSession(&sc),
		limiter:  rate.NewLimiter(opts.BackfillRate, opts.BackfillBurst),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.tracker = NewStatusTracker(m.store, opts.SendTimeout, log, metrics)
	m.engine = NewEngine(m.store, m.tracker, m.session.UserID, log, metrics)

	m.session.OnMessage(func(msg Message) {
		m.engine.ApplyMessage(msg, SourceSocket)
	})
	m.session.OnStatusUpdate(func(p StatusUpdatePayload) {
		m.engine.ApplyStatus(p)
	})
	m.session.OnPresence(func(p PresencePayload) {
		m.presence.Apply(p)
	})

	m.wg.Add(1)
	go m.watchConnectivity()
	if opts.Storage != nil {
		m.wg.Add(1)
		go m.flushLoop()
	}
	if opts.BackfillInterval > 0 {
		m.wg.Add(1)
		go m.backfillLoop()
	}
	return m
}

// Connect opens the socket for userID. See Session.Connect.
func (m *Messenger) Connect(ctx context.Context, token, userID string) error {
	m.client.SetToken(token)
	return m.session.Connect(ctx, token, userID)
}

// Disconnect closes the socket and stops reconnecting. History stays.
func (m *Messenger) Disconnect() error {
	return m.session.Disconnect()
}

// Close disconnects, persists pending changes and releases every
// subscriber channel.
func (m *Messenger) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.session.Disconnect()
		m.cancel()
		m.wg.Wait()
		m.tracker.stop()
		if m.opts.Storage != nil {
			err = m.Flush(context.Background())
		}
		m.store.close()
		m.presence.close()
		m.session.close()
	})
	return err
}

// Session returns the underlying socket session.
func (m *Messenger) Session() *Session { return m.session }

// Store returns the conversation store.
func (m *Messenger) Store() *ConversationStore { return m.store }

// ── Sending ──────────────────────────────────────────────

// SendMessage inserts an optimistic message and transmits it. It returns
// the tempId without waiting for the server; the outcome is reported
// through the message status.
func (m *Messenger) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (string, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	msg := Message{
		TempID:         uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       m.session.UserID(),
		ReceiverID:     opts.ReceiverID,
		Content:        content,
		Type:           opts.Type,
		MediaURL:       opts.MediaURL,
		ReplyTo:        opts.ReplyTo,
		CreatedAt:      time.Now().UTC(),
	}
	if msg.Type != "" && !msg.Type.valid() {
		return "", invalid("local message", "unknown type %q", msg.Type)
	}
	rec, err := m.engine.InsertLocal(msg)
	if err != nil {
		return "", err
	}
	m.transmit(ctx, rec)
	return rec.TempID, nil
}

// Retry resends a FAILED message under the same tempId.
func (m *Messenger) Retry(ctx context.Context, tempID string) error {
	key := TempKey(tempID)
	outcome, err := m.tracker.Transition(key, TransitionRetry, StatusDetails{})
	if err != nil {
		return err
	}
	if outcome == OutcomeNotFound {
		return errors.Errorf("message %s not found", tempID)
	}
	rec, ok := m.store.Message(key)
	if !ok {
		return errors.Errorf("message %s not found", tempID)
	}
	m.transmit(ctx, rec)
	return nil
}

// Discard removes a FAILED message.
func (m *Messenger) Discard(tempID string) bool {
	return m.engine.Discard(TempKey(tempID))
}

// transmit writes the send command in the background. The send may
// outlive ctx's caller; only a write failure is reported, as a FAILED
// status.
func (m *Messenger) transmit(ctx context.Context, rec Message) {
	p := SendPayload{
		TempID:         rec.TempID,
		ConversationID: rec.ConversationID,
		ReceiverID:     rec.ReceiverID,
		Content:        rec.Content,
		Type:           rec.Type,
		MediaURL:       rec.MediaURL,
		ReplyTo:        rec.ReplyTo,
	}
	write := func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.SendTimeout)
		defer cancel()
		if err := m.session.SendMessage(wctx, p); err != nil {
			reason := FailReasonNotConnected
			if !errors.Is(err, ErrNotConnected) {
				reason = err.Error()
			}
			failure := &SendFailure{TempID: p.TempID, Reason: reason}
			m.log.Info("send failed", zap.Error(failure))
			m.tracker.Transition(TempKey(p.TempID), TransitionError, StatusDetails{FailReason: reason})
		}
	}
	if m.session.State() != StateConnected {
		write()
		return
	}
	go write()
}

// MarkRead clears the unread count of a conversation.
func (m *Messenger) MarkRead(conversationID string) bool {
	return m.engine.MarkRead(conversationID)
}

// ── History ──────────────────────────────────────────────

// LoadHistory fetches one page of a conversation and merges it.
func (m *Messenger) LoadHistory(ctx context.Context, conversationID string, page int) (*MessagePage, error) {
	p, err := m.client.Messages.Fetch(ctx, conversationID, page, m.opts.PageSize)
	if err != nil {
		m.metrics.backfills.WithLabelValues("error").Inc()
		return nil, err
	}
	m.metrics.backfills.WithLabelValues("ok").Inc()
	m.engine.ApplyPage(conversationID, p)
	return p, nil
}

// Backfill re-fetches the newest history of a conversation to close gaps
// the socket left. It walks back page by page until it reaches a page
// that overlaps what the store already holds.
func (m *Messenger) Backfill(ctx context.Context, conversationID string) error {
	for page := 1; page <= m.opts.BackfillPages; page++ {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		p, err := m.client.Messages.Fetch(ctx, conversationID, page, m.opts.PageSize)
		if err != nil {
			m.metrics.backfills.WithLabelValues("error").Inc()
			return errors.Wrapf(err, "backfill %s page %d", conversationID, page)
		}
		m.metrics.backfills.WithLabelValues("ok").Inc()

		overlap := false
		for i := range p.Messages {
			if p.Messages[i].ID == "" {
				continue
			}
			if _, ok := m.store.locate(ServerKey(p.Messages[i].ID)); ok {
				overlap = true
				break
			}
		}
		changed := m.engine.ApplyPage(conversationID, p)
		m.log.Debug("backfill page",
			zap.String("conversationId", conversationID),
			zap.Int("page", page),
			zap.Int("changed", changed))
		if overlap || !p.HasMore {
			return nil
		}
	}
	return nil
}

func (m *Messenger) backfillAll(ctx context.Context) {
	for _, id := range m.store.ConversationIDs() {
		if err := m.Backfill(ctx, id); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("backfill failed", zap.String("conversationId", id), zap.Error(err))
			if IsAuthError(err) {
				return
			}
		}
	}
}

func (m *Messenger) watchConnectivity() {
	defer m.wg.Done()
	for st := range m.session.Observe(m.ctx) {
		if st == StateConnected {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.backfillAll(m.ctx)
			}()
		}
	}
}

func (m *Messenger) backfillLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.BackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.session.State() == StateConnected {
				m.backfillAll(m.ctx)
			}
		}
	}
}

// ── Persistence ──────────────────────────────────────────

// Restore loads every persisted conversation into the store.
func (m *Messenger) Restore(ctx context.Context) error {
	if m.opts.Storage == nil {
		return nil
	}
	ids, err := m.opts.Storage.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "list stored conversations")
	}
	for _, id := range ids {
		conv, err := m.opts.Storage.GetConversation(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "load conversation %s", id)
		}
		if conv == nil {
			continue
		}
		n := m.engine.Restore(*conv)
		m.log.Debug("restored conversation", zap.String("conversationId", id), zap.Int("messages", n))
	}
	return nil
}

// Flush writes conversations changed since the previous flush.
func (m *Messenger) Flush(ctx context.Context) error {
	if m.opts.Storage == nil {
		return nil
	}
	var firstErr error
	for _, id := range m.store.takeDirty() {
		conv, ok := m.store.Conversation(id)
		if !ok {
			continue
		}
		if err := m.opts.Storage.PutConversation(ctx, conv); err != nil {
			m.store.markDirty(id)
			m.log.Warn("persist conversation failed", zap.String("conversationId", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Messenger) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Flush(m.ctx)
		}
	}
}

// ── Reads ────────────────────────────────────────────────

// ObserveConversation streams the ordered messages of a conversation.
func (m *Messenger) ObserveConversation(ctx context.Context, conversationID string) <-chan []Message {
	return m.store.Observe(ctx, conversationID)
}

// ObservePresence streams presence changes of a user.
func (m *Messenger) ObservePresence(ctx context.Context, userID string) <-chan PresenceRecord {
	return m.presence.Observe(ctx, userID)
}

// ObserveConnectivity streams connection state transitions.
func (m *Messenger) ObserveConnectivity(ctx context.Context) <-chan ConnectionState {
	return m.session.Observe(ctx)
}

// Messages returns a copy of the ordered messages of a conversation.
func (m *Messenger) Messages(conversationID string) []Message {
	return m.store.Messages(conversationID)
}

// Conversation returns a copy of one conversation.
func (m *Messenger) Conversation(conversationID string) (Conversation, bool) {
	return m.store.Conversation(conversationID)
}

// Conversations returns every known conversation, most recent first.
func (m *Messenger) Conversations() []Conversation {
	return m.store.Conversations()
}

// Presence returns the last known presence of a user.
func (m *Messenger) Presence(userID string) (PresenceRecord, bool) {
	return m.presence.Get(userID)
}

// RefreshPresence fetches a user's presence over REST.
func (m *Messenger) RefreshPresence(ctx context.Context, userID string) (PresenceRecord, error) {
	rec, err := m.client.Presence.Get(ctx, userID)
	if err != nil {
		return PresenceRecord{}, err
	}
	if err := m.presence.Apply(PresencePayload{UserID: rec.UserID, IsOnline: rec.IsOnline, LastSeen: rec.LastSeen}); err != nil {
		return PresenceRecord{}, err
	}
	return copyPresence(*rec), nil
}
