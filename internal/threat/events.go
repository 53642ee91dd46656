// Package threat mines the historical authentication and access-request
// event stream for attack patterns and emits confidence-scored predictions.
package threat

import (
	"sync"
	"time"
)

// AuthEvent is one historical authentication or access-request event.
type AuthEvent struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Resource      string    `json:"resource"`
	Scope         string    `json:"scope"`
	SourceNetwork string    `json:"source_network"`
	GeoRegion     string    `json:"geo_region,omitempty"`
	Success       bool      `json:"success"`
	Suspicious    bool      `json:"suspicious"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventLog is the in-memory view of the event stream the predictor mines.
// Append-only; old events age out past the retention horizon.
type EventLog struct {
	mu        sync.RWMutex
	events    []AuthEvent
	retention time.Duration
}

func NewEventLog(retention time.Duration) *EventLog {
	if retention == 0 {
		retention = 24 * time.Hour
	}
	return &EventLog{retention: retention}
}

// Append records an event and prunes expired ones.
func (l *EventLog) Append(e AuthEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)

	horizon := time.Now().Add(-l.retention)
	firstLive := 0
	for firstLive < len(l.events) && l.events[firstLive].Timestamp.Before(horizon) {
		firstLive++
	}
	if firstLive > 0 {
		l.events = append([]AuthEvent(nil), l.events[firstLive:]...)
	}
}

// Window returns all events inside [from, to).
func (l *EventLog) Window(from, to time.Time) []AuthEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]AuthEvent, 0)
	for _, e := range l.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out
}

// UserWindow returns a user's events inside [from, to).
func (l *EventLog) UserWindow(userID string, from, to time.Time) []AuthEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]AuthEvent, 0)
	for _, e := range l.events {
		if e.UserID == userID && !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out
}

// HistoricalScopes returns the set of scopes a user has requested before the
// given time, the identity's "normal" scope footprint.
func (l *EventLog) HistoricalScopes(userID string, before time.Time) map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	scopes := make(map[string]int)
	for _, e := range l.events {
		if e.UserID == userID && e.Timestamp.Before(before) && e.Scope != "" {
			scopes[e.Scope]++
		}
	}
	return scopes
}
