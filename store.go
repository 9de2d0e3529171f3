package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore holds the canonical ordered message list of every
// conversation. Reads are safe from any goroutine and always observe a
// fully applied mutation. Writes are unexported: only the Engine and the
// StatusTracker mutate the store, one conversation at a time.
type ConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*conversation

	// index resolves a message identifier to its conversation, for
	// status updates that do not name one.
	indexMu sync.RWMutex
	index   map[string]string

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	subscriberBuffer int
}

type conversation struct {
	mu       sync.Mutex
	id       string
	messages []*Message
	byTemp   map[string]*Message
	byID     map[string]*Message
	unread   int
	feed     *feed[[]Message]
}

// NewConversationStore returns an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		convs:            make(map[string]*conversation),
		index:            make(map[string]string),
		dirty:            make(map[string]struct{}),
		subscriberBuffer: 1,
	}
}

func (s *ConversationStore) get(id string, create bool) *conversation {
	s.mu.RLock()
	c := s.convs[id]
	s.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.convs[id]; c == nil {
		c = &conversation{
			id:     id,
			byTemp: make(map[string]*Message),
			byID:   make(map[string]*Message),
			feed:   newFeed[[]Message](s.subscriberBuffer),
		}
		s.convs[id] = c
	}
	return c
}

// ── Reads ────────────────────────────────────────────────

// Messages returns a copy of the ordered messages of a conversation.
func (s *ConversationStore) Messages(conversationID string) []Message {
	c := s.get(conversationID, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Message returns a copy of the message with the given key.
func (s *ConversationStore) Message(key MessageKey) (Message, bool) {
	convID, ok := s.locate(key)
	if !ok {
		return Message{}, false
	}
	c := s.get(convID, false)
	if c == nil {
		return Message{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.find(key); m != nil {
		return m.clone(), true
	}
	return Message{}, false
}

// Conversation returns a copy of one conversation.
func (s *ConversationStore) Conversation(conversationID string) (Conversation, bool) {
	c := s.get(conversationID, false)
	if c == nil {
		return Conversation{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view(), true
}

// Conversations returns every conversation, most recent activity first.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.RLock()
	all := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		all = append(all, c)
	}
	s.mu.RUnlock()

	result := make([]Conversation, 0, len(all))
	for _, c := range all {
		c.mu.Lock()
		result = append(result, c.view())
		c.mu.Unlock()
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].LastMessageAt.Equal(result[j].LastMessageAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].LastMessageAt.After(result[j].LastMessageAt)
	})
	return result
}

// ConversationIDs lists the conversations the store knows about.
func (s *ConversationStore) ConversationIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Observe streams the ordered message list of a conversation, starting
// with the current list. The channel is closed when ctx is done.
func (s *ConversationStore) Observe(ctx context.Context, conversationID string) <-chan []Message {
	c := s.get(conversationID, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.snapshot()
	return c.feed.subscribe(ctx, func() ([]Message, bool) { return current, true })
}

// ── Writes ───────────────────────────────────────────────

// mutate runs fn with the conversation locked. When fn reports a change
// the list is re-sorted and the new snapshot published.
func (s *ConversationStore) mutate(conversationID string, fn func(tx *storeTx) bool) bool {
	c := s.get(conversationID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := &storeTx{store: s, conv: c}
	if !fn(tx) {
		return false
	}
	c.sort()
	c.feed.publish(c.snapshot())
	s.markDirty(conversationID)
	return true
}

func (s *ConversationStore) locate(key MessageKey) (string, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	if t, ok := key.TempID(); ok {
		if conv, ok := s.index["t:"+t]; ok {
			return conv, true
		}
	}
	if id, ok := key.ServerID(); ok {
		if conv, ok := s.index["m:"+id]; ok {
			return conv, true
		}
	}
	return "", false
}

func (s *ConversationStore) setIndex(m *Message, conversationID string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if m.TempID != "" {
		s.index["t:"+m.TempID] = conversationID
	}
	if m.ID != "" {
		s.index["m:"+m.ID] = conversationID
	}
}

func (s *ConversationStore) clearIndex(m *Message) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if m.TempID != "" {
		delete(s.index, "t:"+m.TempID)
	}
	if m.ID != "" {
		delete(s.index, "m:"+m.ID)
	}
}

func (s *ConversationStore) markDirty(conversationID string) {
	s.dirtyMu.Lock()
	s.dirty[conversationID] = struct{}{}
	s.dirtyMu.Unlock()
}

// takeDirty returns and clears the set of conversations changed since
// the previous call.
func (s *ConversationStore) takeDirty() []string {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[string]struct{})
	sort.Strings(ids)
	return ids
}

func (s *ConversationStore) close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		c.feed.closeAll()
	}
}

// ── conversation internals (caller holds c.mu) ──────────

func (c *conversation) find(key MessageKey) *Message {
	if t, ok := key.TempID(); ok {
		if m := c.byTemp[t]; m != nil {
			return m
		}
	}
	if id, ok := key.ServerID(); ok {
		if m := c.byID[id]; m != nil {
			return m
		}
	}
	return nil
}

func (c *conversation) sort() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
}

func (c *conversation) snapshot() []Message {
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.clone()
	}
	return out
}

func (c *conversation) view() Conversation {
	v := Conversation{
		ID:          c.id,
		Messages:    c.snapshot(),
		UnreadCount: c.unread,
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		v.LastMessageAt = last.CreatedAt
		v.LastMessage = last.Key()
	}
	return v
}

// ============================================================================
// storeTx
// ============================================================================

// storeTx is the write handle of one locked conversation.
type storeTx struct {
	store *ConversationStore
	conv  *conversation
}

func (tx *storeTx) conversationID() string { return tx.conv.id }

func (tx *storeTx) find(key MessageKey) *Message { return tx.conv.find(key) }

// insert appends m. The caller guarantees no record already matches it.
func (tx *storeTx) insert(m *Message) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx.conv.messages = append(tx.conv.messages, m)
	tx.reindex(m)
}

// reindex registers the identifiers of m, after an id was assigned.
func (tx *storeTx) reindex(m *Message) {
	if m.TempID != "" {
		tx.conv.byTemp[m.TempID] = m
	}
	if m.ID != "" {
		tx.conv.byID[m.ID] = m
	}
	tx.store.setIndex(m, tx.conv.id)
}

func (tx *storeTx) remove(m *Message) {
	for i, cur := range tx.conv.messages {
		if cur == m {
			tx.conv.messages = append(tx.conv.messages[:i], tx.conv.messages[i+1:]...)
			break
		}
	}
	if m.TempID != "" && tx.conv.byTemp[m.TempID] == m {
		delete(tx.conv.byTemp, m.TempID)
	}
	if m.ID != "" && tx.conv.byID[m.ID] == m {
		delete(tx.conv.byID, m.ID)
	}
	tx.store.clearIndex(m)
}

func (tx *storeTx) addUnread(n int) { tx.conv.unread += n }

func (tx *storeTx) unread() int { return tx.conv.unread }

func (tx *storeTx) resetUnread() bool {
	if tx.conv.unread == 0 {
		return false
	}
	tx.conv.unread = 0
	return true
}
