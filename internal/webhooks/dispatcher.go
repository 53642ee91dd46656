package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/breaker"
	"github.com/campusgate/backend/internal/core"
)

// Dispatcher delivers events to subscribers asynchronously through a worker
// pool. Deliveries run behind a per-endpoint circuit breaker so one dead
// endpoint cannot soak the pool in timeouts.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	workers    int

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker // subscription ID -> breaker
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

// NewDispatcher creates the dispatcher and starts its worker pool.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:    make(chan *deliveryJob, 1000),
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		workers:  workers,
		breakers: make(map[string]*breaker.Breaker),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch queues an event for every matching subscriber. Queue overflow
// drops the delivery rather than blocking the caller.
func (d *Dispatcher) Dispatch(eventType EventType, subject string, data map[string]interface{}) {
	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Source:    "/api/v1/access",
		Subject:   subject,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			d.logger.Printf("webhook queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) breakerFor(subID string) *breaker.Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[subID]
	if !ok {
		b = breaker.New(breaker.DefaultConfig("webhook:" + subID))
		d.breakers[subID] = b
	}
	return b
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("failed to marshal webhook event: %v", err)
		return
	}

	b := d.breakerFor(job.subscriber.ID)
	err = b.Execute(func() error {
		return d.post(job, payload)
	})
	if err == nil {
		d.registry.MarkDelivered(job.subscriber.ID)
		return
	}

	d.registry.MarkFailed(job.subscriber.ID)
	if err == breaker.ErrOpen || err == breaker.ErrTooManyRequests {
		// Endpoint is tripped; requeueing would only refill the queue.
		return
	}
	d.logger.Printf("webhook delivery failed: %s -> %v", job.subscriber.URL, err)

	// Retry up to 3 attempts with quadratic backoff.
	if job.attempt < 3 {
		time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
		job.attempt++
		select {
		case d.queue <- job:
		default:
		}
	}
}

func (d *Dispatcher) post(job *deliveryJob, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gate-Event-Type", string(job.event.Type))
	req.Header.Set("X-Gate-Event-ID", job.event.ID)
	req.Header.Set("X-Gate-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-Gate-Signature", "sha256="+SignPayload(payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Shutdown drains the worker pool.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

// SessionCommands adapts the dispatcher to the session command contract: the
// behavioral store issues terminate and re-auth commands, the external
// Session Manager consumes them over its registered webhook.
type SessionCommands struct {
	dispatcher *Dispatcher
}

func NewSessionCommands(d *Dispatcher) *SessionCommands {
	return &SessionCommands{dispatcher: d}
}

func (s *SessionCommands) TerminateSession(sessionID, userID string, score float64) {
	s.dispatcher.Dispatch(EventSessionTerminate, userID, map[string]interface{}{
		"session_id": sessionID,
		"score":      score,
	})
}

func (s *SessionCommands) RequireReauth(sessionID, userID string, score float64) {
	s.dispatcher.Dispatch(EventSessionReauth, userID, map[string]interface{}{
		"session_id": sessionID,
		"score":      score,
	})
}

// AdminAlerts adapts the dispatcher to the threat alert contract.
type AdminAlerts struct {
	dispatcher *Dispatcher
}

func NewAdminAlerts(d *Dispatcher) *AdminAlerts {
	return &AdminAlerts{dispatcher: d}
}

func (a *AdminAlerts) ThreatAlert(p *core.ThreatPrediction) {
	a.dispatcher.Dispatch(EventThreatAlert, p.UserID, map[string]interface{}{
		"prediction_id": p.ID,
		"type":          string(p.Type),
		"resource":      p.Resource,
		"confidence":    p.Confidence,
	})
}

// BusBridge forwards internal bus events to webhook subscribers so external
// systems see the same stream without subscribing to the in-process bus.
type BusBridge struct {
	dispatcher *Dispatcher
	mapping    map[string]EventType
}

// NewBusBridge builds the bridge with the canonical event type mapping.
func NewBusBridge(d *Dispatcher) *BusBridge {
	return &BusBridge{
		dispatcher: d,
		mapping: map[string]EventType{
			"access.decision.rendered":    EventDecisionRendered,
			"access.threat.predicted":     EventThreatPredicted,
			"access.threat.alert":         EventThreatAlert,
			"access.policy.changed":       EventPolicyChanged,
			"access.policy.rolled_back":   EventPolicyRolledBack,
			"access.audit.integrity_risk": EventIntegrityRisk,
		},
	}
}

// Forward relays one bus event if a webhook event class exists for it.
func (b *BusBridge) Forward(eventType, subject string, data map[string]interface{}) {
	if mapped, ok := b.mapping[eventType]; ok {
		b.dispatcher.Dispatch(mapped, subject, data)
	}
}
