package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeBackend serves the socket endpoint and the REST history of a
// minimal chat server.
type fakeBackend struct {
	srv *httptest.Server

	mu            sync.Mutex
	token         string
	conns         map[*websocket.Conn]struct{}
	history       map[string][]Message // oldest first
	presence      map[string]PresenceRecord
	seq           int
	ackSends      bool
	dropAfterAuth int
	authFrameErr  bool
	dials         int
	pings         int
	sends         []SendPayload
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		token:    "good-token",
		conns:    make(map[*websocket.Conn]struct{}),
		history:  make(map[string][]Message),
		presence: make(map[string]PresenceRecord),
		ackSends: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	mux.HandleFunc("/api/conversations/", b.serveHistory)
	mux.HandleFunc("/api/users/", b.servePresence)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.dropAll()
		b.srv.Close()
	})
	return b
}

func (b *fakeBackend) client() *Client {
	return NewClient(WithBaseURL(b.srv.URL))
}

func (b *fakeBackend) sessionConfig() *SessionConfig {
	return &SessionConfig{
		URL:                b.client().SocketURL(),
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  200 * time.Millisecond,
		HandshakeTimeout:   2 * time.Second,
	}
}

func (b *fakeBackend) serveWS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.dials++
	token := b.token
	drop := b.dropAfterAuth > 0
	if drop {
		b.dropAfterAuth--
	}
	frameErr := b.authFrameErr
	b.mu.Unlock()

	if r.URL.Query().Get("token") != token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()

	if frameErr {
		writeFrame(ctx, c, EventError, SocketErrorPayload{Code: "unauthorized", Message: "session revoked"})
		c.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	writeFrame(ctx, c, EventAuthenticated, AuthenticatedPayload{UserID: "me"})
	if drop {
		c.Close(websocket.StatusGoingAway, "restart")
		return
	}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type      string          `json:"type"`
			Payload   json.RawMessage `json:"payload"`
			RequestID string          `json:"requestId"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		switch cmd.Type {
		case CommandPing:
			b.mu.Lock()
			b.pings++
			b.mu.Unlock()
			writeFrame(ctx, c, EventPong, PongPayload{RequestID: cmd.RequestID})
		case CommandSendMessage:
			var p SendPayload
			if json.Unmarshal(cmd.Payload, &p) != nil {
				continue
			}
			b.mu.Lock()
			b.seq++
			id := fmt.Sprintf("m%d", b.seq)
			b.history[p.ConversationID] = append(b.history[p.ConversationID], Message{
				ID:             id,
				ConversationID: p.ConversationID,
				SenderID:       "me",
				ReceiverID:     p.ReceiverID,
				Content:        p.Content,
				Type:           p.Type,
				Status:         StatusSent,
				CreatedAt:      time.Now().UTC(),
			})
			b.sends = append(b.sends, p)
			ack := b.ackSends
			b.mu.Unlock()
			if ack {
				writeFrame(ctx, c, EventMessageStatus, StatusUpdatePayload{
					TempID:         p.TempID,
					MessageID:      id,
					ConversationID: p.ConversationID,
					Status:         StatusSent,
				})
			}
		}
	}
}

func writeFrame(ctx context.Context, c *websocket.Conn, typ string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

// push writes an event to every live connection.
func (b *fakeBackend) push(typ string, payload interface{}) {
	for _, c := range b.live() {
		writeFrame(context.Background(), c, typ, payload)
	}
}

// pushRaw writes a frame as is.
func (b *fakeBackend) pushRaw(data string) {
	for _, c := range b.live() {
		c.Write(context.Background(), websocket.MessageText, []byte(data))
	}
}

func (b *fakeBackend) live() []*websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *fakeBackend) dropAll() {
	for _, c := range b.live() {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

// addHistory records a message that only the REST history knows about.
func (b *fakeBackend) addHistory(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[m.ConversationID] = append(b.history[m.ConversationID], m)
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) stats() (dials, pings, sends, live int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials, b.pings, len(b.sends), len(b.conns)
}

func (b *fakeBackend) serveHistory(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	token := b.token
	b.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+token {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"UNAUTHORIZED","message":"bad token"}`))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	convID := strings.TrimSuffix(rest, "/messages")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	b.mu.Lock()
	all := append([]Message(nil), b.history[convID]...)
	b.mu.Unlock()

	end := len(all) - (page-1)*limit
	start := end - limit
	if start < 0 {
		start = 0
	}
	result := MessagePage{Messages: []Message{}, Total: len(all)}
	if end > 0 {
		result.Messages = all[start:end]
		result.HasMore = start > 0
	}
	json.NewEncoder(w).Encode(result)
}

func (b *fakeBackend) servePresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/users/"), "/presence")
	b.mu.Lock()
	rec, ok := b.presence[userID]
	b.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"NOT_FOUND","message":"unknown user"}`))
		return
	}
	json.NewEncoder(w).Encode(rec)
}
