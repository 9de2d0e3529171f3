package chatsync

import (
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Transition table
// ============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from   MessageStatus
		reason string
		tr     Transition
		want   bool
	}{
		{StatusSending, "", TransitionAck, true},
		{StatusSent, "", TransitionAck, false},
		{StatusRead, "", TransitionAck, false},
		{StatusSent, "", TransitionDelivered, true},
		{StatusSending, "", TransitionDelivered, false},
		{StatusDelivered, "", TransitionDelivered, false},
		{StatusSent, "", TransitionRead, true},
		{StatusDelivered, "", TransitionRead, true},
		{StatusRead, "", TransitionRead, false},
		{StatusSending, "", TransitionError, true},
		{StatusSent, "", TransitionError, true},
		{StatusDelivered, "", TransitionError, false},
		{StatusRead, "", TransitionError, false},
		{StatusFailed, "x", TransitionRetry, true},
		{StatusSent, "", TransitionRetry, false},
		{StatusFailed, FailReasonTimeout, TransitionAck, true},
		{StatusFailed, FailReasonNotConnected, TransitionAck, false},
		{StatusFailed, FailReasonTimeout, TransitionRead, false},
	}
	for _, tt := range tests {
		name := string(tt.from) + "/" + string(tt.tr)
		if tt.reason != "" {
			name += "/" + tt.reason
		}
		t.Run(name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.reason, tt.tr); got != tt.want {
				t.Fatalf("CanTransition(%s, %q, %s) = %v, want %v", tt.from, tt.reason, tt.tr, got, tt.want)
			}
		})
	}
}

func TestChainTo(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		want     []Transition
	}{
		{StatusSending, StatusSent, []Transition{TransitionAck}},
		{StatusSending, StatusDelivered, []Transition{TransitionAck, TransitionDelivered}},
		{StatusSending, StatusRead, []Transition{TransitionAck, TransitionRead}},
		{StatusSent, StatusRead, []Transition{TransitionRead}},
		{StatusFailed, StatusSent, []Transition{TransitionAck}},
		{StatusFailed, StatusDelivered, []Transition{TransitionAck, TransitionDelivered}},
		{StatusFailed, StatusSending, []Transition{TransitionRetry}},
		{StatusSent, StatusFailed, []Transition{TransitionError}},
		{StatusRead, StatusSent, nil},
		{StatusDelivered, StatusDelivered, nil},
		{StatusFailed, StatusFailed, nil},
		{StatusSent, StatusSending, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := chainTo(tt.from, tt.to); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("chainTo = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// StatusTracker
// ============================================================================

func TestStatusTracker_Transition(t *testing.T) {
	_, tracker, engine := newTestEngine(t, 0)
	insertLocal(t, engine, "t1", "c1", "hello")
	key := TempKey("t1")

	t.Run("ack", func(t *testing.T) {
		outcome, err := tracker.Transition(key, TransitionAck, StatusDetails{})
		if err != nil || outcome != OutcomeApplied {
			t.Fatalf("ack: outcome=%s err=%v", outcome, err)
		}
		assertStatus(t, engine.store, key, StatusSent)
	})

	t.Run("delivered stamps time", func(t *testing.T) {
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		if _, err := tracker.Transition(key, TransitionDelivered, StatusDetails{DeliveredAt: &at}); err != nil {
			t.Fatalf("delivered: %v", err)
		}
		m, _ := engine.store.Message(key)
		if m.DeliveredAt == nil || !m.DeliveredAt.Equal(at) {
			t.Fatalf("deliveredAt = %v, want %v", m.DeliveredAt, at)
		}
	})

	t.Run("regression rejected", func(t *testing.T) {
		outcome, err := tracker.Transition(key, TransitionAck, StatusDetails{})
		if err == nil || outcome != OutcomeRejected {
			t.Fatalf("expected rejection, got outcome=%s err=%v", outcome, err)
		}
		assertStatus(t, engine.store, key, StatusDelivered)
	})

	t.Run("unknown message", func(t *testing.T) {
		outcome, err := tracker.Transition(TempKey("nope"), TransitionAck, StatusDetails{})
		if err != nil || outcome != OutcomeNotFound {
			t.Fatalf("outcome=%s err=%v", outcome, err)
		}
	})
}

func TestStatusTracker_ReadIsSticky(t *testing.T) {
	_, _, engine := newTestEngine(t, 0)
	insertLocal(t, engine, "t1", "c1", "hello")

	steps := []MessageStatus{StatusRead, StatusSent, StatusDelivered, StatusSending, StatusFailed}
	for _, st := range steps {
		if err := engine.ApplyStatus(StatusUpdatePayload{TempID: "t1", MessageID: "m1", Status: st}); err != nil {
			t.Fatalf("apply %s: %v", st, err)
		}
		assertStatus(t, engine.store, TempKey("t1"), StatusRead)
	}
}

func TestStatusTracker_FailedOnlyRetries(t *testing.T) {
	_, tracker, engine := newTestEngine(t, 0)
	insertLocal(t, engine, "t1", "c1", "hello")
	key := TempKey("t1")

	if _, err := tracker.Transition(key, TransitionError, StatusDetails{FailReason: FailReasonNotConnected}); err != nil {
		t.Fatalf("error transition: %v", err)
	}
	m, _ := engine.store.Message(key)
	if m.Status != StatusFailed || m.FailReason != FailReasonNotConnected {
		t.Fatalf("got %s/%s, want FAILED/%s", m.Status, m.FailReason, FailReasonNotConnected)
	}

	for _, st := range []MessageStatus{StatusSent, StatusDelivered, StatusRead} {
		engine.ApplyStatus(StatusUpdatePayload{TempID: "t1", Status: st})
		assertStatus(t, engine.store, key, StatusFailed)
	}

	if _, err := tracker.Transition(key, TransitionRetry, StatusDetails{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	m, _ = engine.store.Message(key)
	if m.Status != StatusSending || m.FailReason != "" {
		t.Fatalf("after retry got %s/%q, want SENDING with no reason", m.Status, m.FailReason)
	}
	if m.TempID != "t1" {
		t.Fatalf("retry changed tempId to %q", m.TempID)
	}
}

func TestStatusTracker_Timeout(t *testing.T) {
	_, tracker, engine := newTestEngine(t, 30*time.Millisecond)
	insertLocal(t, engine, "t1", "c1", "hello")
	key := TempKey("t1")

	if tracker.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", tracker.Pending())
	}
	waitFor(t, "send timeout", func() bool {
		m, _ := engine.store.Message(key)
		return m.Status == StatusFailed
	})
	m, _ := engine.store.Message(key)
	if m.FailReason != FailReasonTimeout {
		t.Fatalf("failReason = %q, want %q", m.FailReason, FailReasonTimeout)
	}
	if got := testutil.ToFloat64(tracker.metrics.sendTimeouts); got != 1 {
		t.Fatalf("send timeouts metric = %v, want 1", got)
	}

	t.Run("late ack revives the message", func(t *testing.T) {
		engine.ApplyStatus(StatusUpdatePayload{TempID: "t1", MessageID: "m1", Status: StatusDelivered})
		msgs := engine.store.Messages("c1")
		if len(msgs) != 1 {
			t.Fatalf("got %d messages, want 1", len(msgs))
		}
		if msgs[0].Status != StatusDelivered || msgs[0].ID != "m1" || msgs[0].FailReason != "" {
			t.Fatalf("got %+v", msgs[0])
		}
	})
}

func TestStatusTracker_AckDisarmsTimeout(t *testing.T) {
	_, tracker, engine := newTestEngine(t, 40*time.Millisecond)
	insertLocal(t, engine, "t1", "c1", "hello")

	engine.ApplyStatus(StatusUpdatePayload{TempID: "t1", MessageID: "m1", Status: StatusSent})
	if tracker.Pending() != 0 {
		t.Fatalf("pending = %d after ack, want 0", tracker.Pending())
	}
	time.Sleep(80 * time.Millisecond)
	assertStatus(t, engine.store, TempKey("t1"), StatusSent)
}

func TestStatusTracker_RetryRearmsTimeout(t *testing.T) {
	_, tracker, engine := newTestEngine(t, 30*time.Millisecond)
	insertLocal(t, engine, "t1", "c1", "hello")
	key := TempKey("t1")

	waitFor(t, "first timeout", func() bool {
		m, _ := engine.store.Message(key)
		return m.Status == StatusFailed
	})
	if _, err := tracker.Transition(key, TransitionRetry, StatusDetails{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	assertStatus(t, engine.store, key, StatusSending)
	waitFor(t, "second timeout", func() bool {
		m, _ := engine.store.Message(key)
		return m.Status == StatusFailed
	})
}
