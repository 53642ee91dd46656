package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeDecisionRendered  = "access.decision.rendered"
	TypeSessionTerminate  = "access.session.terminate"
	TypeSessionReauth     = "access.session.reauth"
	TypeThreatPredicted   = "access.threat.predicted"
	TypeThreatAlert       = "access.threat.alert"
	TypePolicyChanged     = "access.policy.changed"
	TypePolicyRolledBack  = "access.policy.rolled_back"
	TypeDegradedMode      = "access.engine.degraded"
	TypeIntegrityRisk     = "access.audit.integrity_risk"
	TypeBaselineCommitted = "access.baseline.committed"
)

// Emitter is the interface for publishing engine events. Both the in-memory
// Bus and the Pub/Sub-backed bus satisfy it.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Event is the CloudEvents 1.0 envelope carried by every engine event.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"` // identity or session the event concerns
	Data        map[string]interface{} `json:"data"`
}

const source = "/engine/access"

// NewEvent creates a CloudEvents 1.0 compliant event.
func NewEvent(eventType, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub bus. Delivery is non-blocking: a subscriber
// that cannot keep up loses events rather than stalling the decision path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // event type -> channels
	allSubs     []chan *Event
	bufferSize  int
}

// NewBus creates a new in-memory event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no type is given.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = without(subs, ch)
	}
	b.allSubs = without(b.allSubs, ch)
	close(ch)
}

func without(subs []chan *Event, ch chan *Event) []chan *Event {
	filtered := subs[:0:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// subscriber full, drop
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
