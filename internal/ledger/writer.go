package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
)

// Writer appends decisions to the ledger asynchronously through a bounded
// queue so a slow append never sits on the decision path. A drop, which can
// only happen when the queue stays full past the enqueue timeout, is an
// integrity gap and is surfaced on the event bus.
type Writer struct {
	ledger  *Ledger
	emitter events.Emitter
	queue   chan *core.AccessDecision
	done    chan struct{}
	timeout time.Duration
	wg      sync.WaitGroup

	mu      sync.Mutex
	dropped int
	written int
	closed  bool
}

// NewWriter starts the background append loop. Zero queue size defaults to
// 1024, zero timeout to 2 seconds.
func NewWriter(l *Ledger, emitter events.Emitter, queueSize int, timeout time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	w := &Writer{
		ledger:  l,
		emitter: emitter,
		queue:   make(chan *core.AccessDecision, queueSize),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// run consumes the queue until Close signals done, then drains whatever made
// it into the queue before shutdown. The queue channel is never closed, so a
// producer racing Close can at worst lose its entry, not panic.
func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case d := <-w.queue:
			w.append(d)
		case <-w.done:
			for {
				select {
				case d := <-w.queue:
					w.append(d)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) append(d *core.AccessDecision) {
	w.ledger.Append(d)
	w.mu.Lock()
	w.written++
	w.mu.Unlock()
}

// RecordDecision enqueues a decision for ledger append. Waits up to the
// configured timeout for queue space before declaring the entry lost.
func (w *Writer) RecordDecision(d *core.AccessDecision) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	select {
	case w.queue <- d:
		return
	default:
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case w.queue <- d:
	case <-w.done:
	case <-timer.C:
		w.mu.Lock()
		w.dropped++
		dropped := w.dropped
		w.mu.Unlock()

		slog.Error("ledger append dropped, audit trail has a gap",
			"request_id", d.RequestID, "dropped_total", dropped)
		if w.emitter != nil {
			w.emitter.Emit(events.TypeIntegrityRisk, d.UserID, map[string]interface{}{
				"request_id": d.RequestID,
				"reason":     "ledger queue saturated",
			})
		}
	}
}

// Stats returns writer counters plus the tree size and current root.
func (w *Writer) Stats() map[string]interface{} {
	w.mu.Lock()
	written, dropped := w.written, w.dropped
	w.mu.Unlock()
	return map[string]interface{}{
		"written": written,
		"dropped": dropped,
		"leaves":  w.ledger.Size(),
		"root":    w.ledger.Root(),
	}
}

// Close drains the queue and stops the append loop.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
}
