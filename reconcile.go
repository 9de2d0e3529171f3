package chatsync

import (
	"time"

	"go.uber.org/zap"
)

// Source names where a message record came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceSocket Source = "socket"
	SourceREST   Source = "rest"
)

// Engine merges optimistic sends, socket pushes and REST pages into the
// ConversationStore. Every source goes through the same identity rules:
// a matching tempId updates the optimistic record in place, otherwise
// the server id decides between insert and merge.
type Engine struct {
	store   *ConversationStore
	tracker *StatusTracker
	log     *zap.Logger
	metrics *Metrics
	selfID  func() string
}

// NewEngine returns an engine writing to store. selfID reports the
// authenticated user, used to tell counterpart messages apart for
// unread counting.
func NewEngine(store *ConversationStore, tracker *StatusTracker, selfID func() string, log *zap.Logger, metrics *Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = tracker.metrics
	}
	if selfID == nil {
		selfID = func() string { return "" }
	}
	return &Engine{
		store:   store,
		tracker: tracker,
		log:     log.Named("reconcile"),
		metrics: metrics,
		selfID:  selfID,
	}
}

// InsertLocal adds an optimistic message in SENDING state.
func (e *Engine) InsertLocal(m Message) (Message, error) {
	if m.TempID == "" {
		return Message{}, invalid("local message", "missing tempId")
	}
	if m.ConversationID == "" {
		return Message{}, invalid("local message", "missing conversationId")
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	m.ID = ""
	rec := m.clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var out Message
	e.store.mutate(m.ConversationID, func(tx *storeTx) bool {
		if existing := tx.find(TempKey(rec.TempID)); existing != nil {
			out = existing.clone()
			return false
		}
		tx.insert(&rec)
		e.tracker.begin(tx, &rec)
		out = rec.clone()
		return true
	})
	e.metrics.reconciled.WithLabelValues(string(SourceLocal), "inserted").Inc()
	return out, nil
}

// ApplyMessage merges one message pushed by the server. Malformed
// messages are dropped and reported as a *ValidationError.
func (e *Engine) ApplyMessage(in Message, src Source) error {
	if err := validateMessage(&in); err != nil {
		e.drop(EventMessageNew, err)
		return err
	}
	e.store.mutate(in.ConversationID, func(tx *storeTx) bool {
		return e.merge(tx, &in, src)
	})
	return nil
}

// ApplyPage merges a REST history page. The page is applied atomically:
// readers see either none or all of it. Returns the number of records
// that changed.
func (e *Engine) ApplyPage(conversationID string, page *MessagePage) int {
	if page == nil || conversationID == "" {
		return 0
	}
	valid := make([]Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if m.ConversationID != conversationID {
			e.drop("history", invalid("history", "message %s belongs to %s", m.ID, m.ConversationID))
			continue
		}
		if err := validateMessage(&m); err != nil {
			e.drop("history", err)
			continue
		}
		valid = append(valid, m)
	}

	changed := 0
	e.store.mutate(conversationID, func(tx *storeTx) bool {
		for i := range valid {
			if e.merge(tx, &valid[i], SourceREST) {
				changed++
			}
		}
		return changed > 0
	})
	return changed
}

// ApplyStatus applies a status update. Updates for messages the store
// no longer holds are ignored.
func (e *Engine) ApplyStatus(p StatusUpdatePayload) error {
	key := p.Key()
	if key.IsZero() {
		err := invalid(EventMessageStatus, "missing messageId and tempId")
		e.drop(EventMessageStatus, err)
		return err
	}
	if !p.Status.valid() {
		err := invalid(EventMessageStatus, "unknown status %q", p.Status)
		e.drop(EventMessageStatus, err)
		return err
	}

	convID, ok := e.store.locate(key)
	if !ok {
		e.log.Debug("status update for unknown message", zap.Stringer("key", key))
		return nil
	}
	e.store.mutate(convID, func(tx *storeTx) bool {
		rec := tx.find(key)
		if rec == nil {
			return false
		}
		target := p.Status
		identity := false
		if p.MessageID != "" && rec.ID == "" {
			if other := tx.find(ServerKey(p.MessageID)); other != nil && other != rec {
				target = higher(target, e.fold(tx, rec, other))
			}
			rec.ID = p.MessageID
			tx.reindex(rec)
			identity = true
		}
		outcome := e.tracker.advance(tx, rec, target, StatusDetails{
			DeliveredAt: p.DeliveredAt,
			ReadAt:      p.ReadAt,
			FailReason:  p.FailReason,
		})
		return identity || outcome == OutcomeApplied
	})
	return nil
}

// Restore loads a persisted copy of a conversation. Records the store
// already holds win over the persisted ones. A message persisted while
// still SENDING lost its in-flight send, so it comes back FAILED with a
// timeout reason and a late ack can still confirm it.
func (e *Engine) Restore(conv Conversation) int {
	if conv.ID == "" {
		return 0
	}
	restored := 0
	e.store.mutate(conv.ID, func(tx *storeTx) bool {
		for i := range conv.Messages {
			m := conv.Messages[i].clone()
			m.ConversationID = conv.ID
			if m.Key().IsZero() || tx.find(m.Key()) != nil {
				continue
			}
			switch {
			case m.Status != StatusSending && m.Status != "":
			case m.ID != "":
				m.Status = StatusSent
			default:
				m.Status = StatusFailed
				m.FailReason = FailReasonTimeout
			}
			tx.insert(&m)
			restored++
		}
		if tx.unread() == 0 && conv.UnreadCount > 0 {
			tx.addUnread(conv.UnreadCount)
			return true
		}
		return restored > 0
	})
	e.metrics.reconciled.WithLabelValues("storage", "restored").Add(float64(restored))
	return restored
}

// MarkRead clears the unread count of a conversation.
func (e *Engine) MarkRead(conversationID string) bool {
	if e.store.get(conversationID, false) == nil {
		return false
	}
	return e.store.mutate(conversationID, func(tx *storeTx) bool {
		return tx.resetUnread()
	})
}

// Discard removes a FAILED message the user gave up on. A late ack for
// it is then a no-op.
func (e *Engine) Discard(key MessageKey) bool {
	convID, ok := e.store.locate(key)
	if !ok {
		return false
	}
	return e.store.mutate(convID, func(tx *storeTx) bool {
		rec := tx.find(key)
		if rec == nil || rec.Status != StatusFailed {
			return false
		}
		tx.remove(rec)
		if rec.TempID != "" {
			e.tracker.disarm(rec.TempID)
		}
		return true
	})
}

// merge applies in to the locked conversation and reports whether the
// stored state changed.
func (e *Engine) merge(tx *storeTx, in *Message, src Source) bool {
	var byTemp, byID *Message
	if in.TempID != "" {
		byTemp = tx.find(TempKey(in.TempID))
	}
	if in.ID != "" {
		byID = tx.find(ServerKey(in.ID))
	}

	target := in.Status
	rec := byTemp
	before := Message{}
	switch {
	case byTemp != nil && byID != nil && byTemp != byID:
		before = rec.clone()
		target = higher(target, e.fold(tx, rec, byID))
	case rec == nil && byID != nil:
		rec = byID
		before = rec.clone()
	case rec != nil:
		before = rec.clone()
	}

	if rec == nil {
		m := in.clone()
		if m.Type == "" {
			m.Type = TypeText
		}
		if m.Status == "" || m.Status == StatusSending {
			m.Status = StatusSent
		}
		tx.insert(&m)
		if self := e.selfID(); m.SenderID != "" && m.SenderID != self && m.Status != StatusRead {
			tx.addUnread(1)
		}
		e.metrics.reconciled.WithLabelValues(string(src), "inserted").Inc()
		return true
	}

	if rec.ID == "" && in.ID != "" {
		rec.ID = in.ID
		tx.reindex(rec)
	}
	rec.mergeFrom(in)

	// A copy carrying a server id proves the server holds the message.
	if (target == "" || target == StatusSending) && in.ID != "" {
		target = StatusSent
	}
	if target != "" && !stale(rec.Status, target) {
		e.tracker.advance(tx, rec, target, StatusDetails{
			DeliveredAt: in.DeliveredAt,
			ReadAt:      in.ReadAt,
			FailReason:  in.FailReason,
		})
	}

	changed := !sameMessage(before, *rec)
	outcome := "unchanged"
	if changed {
		outcome = "merged"
	}
	e.metrics.reconciled.WithLabelValues(string(src), outcome).Inc()
	return changed
}

// fold absorbs other, a server-id copy of rec that was stored before
// the ack linked the two, and returns the status other carried.
func (e *Engine) fold(tx *storeTx, rec, other *Message) MessageStatus {
	tx.remove(other)
	rec.ID = other.ID
	rec.mergeFrom(other)
	tx.reindex(rec)
	e.log.Debug("folded duplicate record", zap.Stringer("key", rec.Key()))
	return other.Status
}

func (e *Engine) drop(event string, err error) {
	e.metrics.eventsDropped.WithLabelValues(event).Inc()
	e.log.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
}

// ============================================================================
// Helpers
// ============================================================================

func validateMessage(m *Message) error {
	if m.ConversationID == "" {
		return invalid(EventMessageNew, "missing conversationId")
	}
	if m.ID == "" {
		return invalid(EventMessageNew, "missing id")
	}
	if m.Type != "" && !m.Type.valid() {
		return invalid(EventMessageNew, "unknown type %q", m.Type)
	}
	if m.Status != "" && !m.Status.valid() {
		return invalid(EventMessageNew, "unknown status %q", m.Status)
	}
	return nil
}

// stale reports whether an incoming copy's status is behind the stored
// one. Older REST pages routinely carry such statuses; they are not
// regressions to report.
func stale(current, incoming MessageStatus) bool {
	if current == StatusFailed || incoming == StatusFailed {
		return false
	}
	return incoming.rank() < current.rank()
}

func higher(a, b MessageStatus) MessageStatus {
	if a == "" {
		return b
	}
	if b == "" || b == StatusFailed {
		return a
	}
	if a == StatusFailed || b.rank() > a.rank() {
		return b
	}
	return a
}

func sameMessage(a, b Message) bool {
	if !sameTime(a.DeliveredAt, b.DeliveredAt) || !sameTime(a.ReadAt, b.ReadAt) {
		return false
	}
	a.DeliveredAt, b.DeliveredAt = nil, nil
	a.ReadAt, b.ReadAt = nil, nil
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	return a == b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
