package chatsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// PresenceTracker keeps the last known presence of counterpart users.
// The last event received for a user wins.
type PresenceTracker struct {
	mu      sync.RWMutex
	records map[string]*presenceEntry
	log     *zap.Logger
	metrics *Metrics
}

type presenceEntry struct {
	record PresenceRecord
	feed   *feed[PresenceRecord]
}

// NewPresenceTracker returns an empty tracker.
func NewPresenceTracker(log *zap.Logger, metrics *Metrics) *PresenceTracker {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &PresenceTracker{
		records: make(map[string]*presenceEntry),
		log:     log.Named("presence"),
		metrics: metrics,
	}
}

// Apply records a presence event.
func (p *PresenceTracker) Apply(ev PresencePayload) error {
	if ev.UserID == "" {
		err := invalid(EventPresence, "missing userId")
		p.metrics.eventsDropped.WithLabelValues(EventPresence).Inc()
		p.log.Warn("dropping malformed event", zap.String("event", EventPresence), zap.Error(err))
		return err
	}
	rec := PresenceRecord{UserID: ev.UserID, IsOnline: ev.IsOnline}
	if ev.LastSeen != nil {
		t := *ev.LastSeen
		rec.LastSeen = &t
	}
	p.set(rec)
	return nil
}

// Get returns the presence of a user, if any event was observed.
func (p *PresenceTracker) Get(userID string) (PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e := p.records[userID]
	if e == nil || e.record.UserID == "" {
		return PresenceRecord{}, false
	}
	return copyPresence(e.record), true
}

// Observe streams presence changes of a user, starting with the current
// record when one is known.
func (p *PresenceTracker) Observe(ctx context.Context, userID string) <-chan PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entry(userID)
	current := e.record
	return e.feed.subscribe(ctx, func() (PresenceRecord, bool) {
		return copyPresence(current), current.UserID != ""
	})
}

func (p *PresenceTracker) set(rec PresenceRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entry(rec.UserID)
	e.record = rec
	e.feed.publish(copyPresence(rec))
	p.log.Debug("presence", zap.String("userId", rec.UserID), zap.Bool("online", rec.IsOnline))
}

// entry returns the entry of a user; the caller holds p.mu for writing.
func (p *PresenceTracker) entry(userID string) *presenceEntry {
	e := p.records[userID]
	if e == nil {
		e = &presenceEntry{feed: newFeed[PresenceRecord](1)}
		p.records[userID] = e
	}
	return e
}

func (p *PresenceTracker) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.records {
		e.feed.closeAll()
	}
}

func copyPresence(r PresenceRecord) PresenceRecord {
	if r.LastSeen != nil {
		t := *r.LastSeen
		r.LastSeen = &t
	}
	return r
}
