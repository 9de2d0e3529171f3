package chatsync

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Transition table
// ============================================================================

// Transition is an event that moves a message between states.
type Transition string

const (
	TransitionAck       Transition = "ack"
	TransitionDelivered Transition = "delivered"
	TransitionRead      Transition = "read"
	TransitionError     Transition = "error"
	TransitionRetry     Transition = "retry"
)

type transitionRule struct {
	from []MessageStatus
	to   MessageStatus
}

var transitionTable = map[Transition]transitionRule{
	TransitionAck:       {from: []MessageStatus{StatusSending}, to: StatusSent},
	TransitionDelivered: {from: []MessageStatus{StatusSent}, to: StatusDelivered},
	TransitionRead:      {from: []MessageStatus{StatusSent, StatusDelivered}, to: StatusRead},
	TransitionError:     {from: []MessageStatus{StatusSending, StatusSent}, to: StatusFailed},
	TransitionRetry:     {from: []MessageStatus{StatusFailed}, to: StatusSending},
}

// CanTransition reports whether tr is allowed from the given state. A
// message that failed only because its ack timed out still accepts the
// late ack.
func CanTransition(from MessageStatus, failReason string, tr Transition) bool {
	if tr == TransitionAck && from == StatusFailed && failReason == FailReasonTimeout {
		return true
	}
	rule, ok := transitionTable[tr]
	if !ok {
		return false
	}
	for _, s := range rule.from {
		if s == from {
			return true
		}
	}
	return false
}

// chainTo lists the transitions that carry a message from current to
// target. Nil means target is not ahead of current.
func chainTo(current, target MessageStatus) []Transition {
	switch target {
	case StatusFailed:
		if current == StatusFailed {
			return nil
		}
		return []Transition{TransitionError}
	case StatusSending:
		if current == StatusFailed {
			return []Transition{TransitionRetry}
		}
		return nil
	}
	if current != StatusFailed && current.rank() >= target.rank() {
		return nil
	}
	needsAck := current == StatusSending || current == StatusFailed
	switch target {
	case StatusSent:
		return []Transition{TransitionAck}
	case StatusDelivered:
		if needsAck {
			return []Transition{TransitionAck, TransitionDelivered}
		}
		return []Transition{TransitionDelivered}
	case StatusRead:
		if needsAck {
			return []Transition{TransitionAck, TransitionRead}
		}
		return []Transition{TransitionRead}
	}
	return nil
}

// Outcome is the result of applying a status change to a message.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeNotFound  Outcome = "not_found"
)

// StatusDetails are the timestamps and reason carried by a status change.
type StatusDetails struct {
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailReason  string
}

// ============================================================================
// StatusTracker
// ============================================================================

// StatusTracker runs the per-message state machine and fails messages
// whose ack does not arrive within the send timeout.
type StatusTracker struct {
	store   *ConversationStore
	log     *zap.Logger
	metrics *Metrics
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingSend
	seq     uint64
	stopped bool
}

type pendingSend struct {
	attempt uint64
	timer   *time.Timer
}

// NewStatusTracker returns a tracker writing to store. A zero timeout
// disables send timeouts.
func NewStatusTracker(store *ConversationStore, timeout time.Duration, log *zap.Logger, metrics *Metrics) *StatusTracker {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &StatusTracker{
		store:   store,
		log:     log.Named("tracker"),
		metrics: metrics,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]*pendingSend),
	}
}

// Transition applies tr to the message identified by key.
func (t *StatusTracker) Transition(key MessageKey, tr Transition, d StatusDetails) (Outcome, error) {
	convID, ok := t.store.locate(key)
	if !ok {
		return OutcomeNotFound, nil
	}
	var (
		outcome = OutcomeNotFound
		err     error
	)
	t.store.mutate(convID, func(tx *storeTx) bool {
		m := tx.find(key)
		if m == nil {
			return false
		}
		if !CanTransition(m.Status, m.FailReason, tr) {
			t.reject(m, tr)
			outcome = OutcomeRejected
			err = errors.Errorf("transition %s not allowed from %s", tr, m.Status)
			return false
		}
		t.apply(tx, m, tr, d)
		outcome = OutcomeApplied
		return true
	})
	return outcome, err
}

// begin puts a freshly inserted optimistic message into SENDING.
func (t *StatusTracker) begin(tx *storeTx, m *Message) {
	m.Status = StatusSending
	m.FailReason = ""
	t.arm(tx.conversationID(), m.TempID)
}

// advance moves m towards target along the transitions the table allows.
// Each step is validated; a step that is not allowed stops the chain.
func (t *StatusTracker) advance(tx *storeTx, m *Message, target MessageStatus, d StatusDetails) Outcome {
	if target == "" || target == m.Status {
		if target != "" {
			t.metrics.transitions.WithLabelValues(string(target), string(OutcomeDuplicate)).Inc()
			t.log.Debug("duplicate status", zap.Stringer("key", m.Key()), zap.String("status", string(target)))
		}
		return OutcomeDuplicate
	}
	chain := chainTo(m.Status, target)
	if chain == nil {
		t.metrics.transitions.WithLabelValues(string(target), string(OutcomeRejected)).Inc()
		t.log.Warn("invariant violation: status regression rejected",
			zap.Stringer("key", m.Key()),
			zap.String("from", string(m.Status)),
			zap.String("to", string(target)))
		return OutcomeRejected
	}
	for _, tr := range chain {
		if !CanTransition(m.Status, m.FailReason, tr) {
			t.reject(m, tr)
			return OutcomeRejected
		}
		t.apply(tx, m, tr, d)
	}
	return OutcomeApplied
}

func (t *StatusTracker) apply(tx *storeTx, m *Message, tr Transition, d StatusDetails) {
	from := m.Status
	switch tr {
	case TransitionAck:
		m.Status = StatusSent
		m.FailReason = ""
	case TransitionDelivered:
		m.Status = StatusDelivered
		m.DeliveredAt = t.stamp(d.DeliveredAt)
	case TransitionRead:
		m.Status = StatusRead
		m.ReadAt = t.stamp(d.ReadAt)
	case TransitionError:
		m.Status = StatusFailed
		m.FailReason = d.FailReason
		if m.FailReason == "" {
			m.FailReason = "unknown"
		}
	case TransitionRetry:
		m.Status = StatusSending
		m.FailReason = ""
	}

	if m.Status == StatusSending {
		t.arm(tx.conversationID(), m.TempID)
	} else if m.TempID != "" {
		t.disarm(m.TempID)
	}

	t.metrics.transitions.WithLabelValues(string(tr), string(OutcomeApplied)).Inc()
	t.log.Debug("status transition",
		zap.Stringer("key", m.Key()),
		zap.String("event", string(tr)),
		zap.String("from", string(from)),
		zap.String("to", string(m.Status)))
}

func (t *StatusTracker) reject(m *Message, tr Transition) {
	t.metrics.transitions.WithLabelValues(string(tr), string(OutcomeRejected)).Inc()
	t.log.Warn("invariant violation: transition rejected",
		zap.Stringer("key", m.Key()),
		zap.String("event", string(tr)),
		zap.String("from", string(m.Status)))
}

func (t *StatusTracker) stamp(at *time.Time) *time.Time {
	if at != nil {
		v := *at
		return &v
	}
	now := t.now()
	return &now
}

// ── Send timeouts ────────────────────────────────────────

func (t *StatusTracker) arm(conversationID, tempID string) {
	if t.timeout <= 0 || tempID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if p := t.pending[tempID]; p != nil {
		p.timer.Stop()
	}
	t.seq++
	attempt := t.seq
	t.pending[tempID] = &pendingSend{
		attempt: attempt,
		timer: time.AfterFunc(t.timeout, func() {
			t.expire(conversationID, tempID, attempt)
		}),
	}
}

func (t *StatusTracker) disarm(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.pending[tempID]; p != nil {
		p.timer.Stop()
		delete(t.pending, tempID)
	}
}

func (t *StatusTracker) expire(conversationID, tempID string, attempt uint64) {
	t.mu.Lock()
	p := t.pending[tempID]
	if p == nil || p.attempt != attempt {
		t.mu.Unlock()
		return
	}
	delete(t.pending, tempID)
	t.mu.Unlock()

	t.store.mutate(conversationID, func(tx *storeTx) bool {
		m := tx.find(TempKey(tempID))
		if m == nil || m.Status != StatusSending {
			return false
		}
		t.apply(tx, m, TransitionError, StatusDetails{FailReason: FailReasonTimeout})
		t.metrics.sendTimeouts.Inc()
		t.log.Info("send timed out", zap.String("tempId", tempID), zap.Duration("timeout", t.timeout))
		return true
	})
}

// Pending returns the number of messages waiting for an ack.
func (t *StatusTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *StatusTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}
