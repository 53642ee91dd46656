package behavior

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
)

// BaselineStore holds committed per-user baselines. Baselines are versioned
// snapshots: the trainer commits a full replacement, the scorer only ever
// reads the latest committed one. Decision-path components receive the store
// explicitly rather than through ambient global state.
type BaselineStore struct {
	mu        sync.RWMutex
	baselines map[string]*core.UserBaseline // user ID -> latest committed
}

func NewBaselineStore() *BaselineStore {
	return &BaselineStore{baselines: make(map[string]*core.UserBaseline)}
}

// BaselineFor implements BaselineProvider. Returns nil when the user has no
// committed baseline yet (cold start).
func (bs *BaselineStore) BaselineFor(userID string) *core.UserBaseline {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.baselines[userID]
}

// Commit installs a new baseline version for a user.
func (bs *BaselineStore) Commit(b *core.UserBaseline) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.baselines[b.UserID] = b
}

// userAccumulator is the running statistical state for one user during the
// observation window (Welford's online algorithm).
type userAccumulator struct {
	count   int
	mean    [core.TotalFeatures]float64
	m2      [core.TotalFeatures]float64
	started time.Time
}

// Trainer accumulates per-user observations in the background and commits a
// baseline once the minimum observation window has elapsed. It owns the
// baselines; the scorer reads them through the store only.
type Trainer struct {
	mu      sync.Mutex
	acc     map[string]*userAccumulator
	store   *BaselineStore
	emitter events.Emitter
	window  time.Duration
	minObs  int
}

// NewTrainer creates a baseline trainer. The window mirrors the two-week
// observation period of the source domain.
func NewTrainer(store *BaselineStore, emitter events.Emitter, window time.Duration, minObservations int) *Trainer {
	if window == 0 {
		window = 14 * 24 * time.Hour
	}
	if minObservations == 0 {
		minObservations = 100
	}
	return &Trainer{
		acc:     make(map[string]*userAccumulator),
		store:   store,
		emitter: emitter,
		window:  window,
		minObs:  minObservations,
	}
}

// Observe folds one feature vector into the user's accumulator and commits
// the baseline when the window and observation count are both satisfied.
func (t *Trainer) Observe(userID string, features [core.TotalFeatures]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.acc[userID]
	if !ok {
		a = &userAccumulator{started: time.Now()}
		t.acc[userID] = a
	}

	a.count++
	for i, x := range features {
		delta := x - a.mean[i]
		a.mean[i] += delta / float64(a.count)
		a.m2[i] += delta * (x - a.mean[i])
	}

	if a.count >= t.minObs && time.Since(a.started) >= t.window {
		t.commitLocked(userID, a)
		delete(t.acc, userID)
	}
}

func (t *Trainer) commitLocked(userID string, a *userAccumulator) {
	b := &core.UserBaseline{
		ID:           fmt.Sprintf("bl-%s", uuid.NewString()),
		UserID:       userID,
		Observations: a.count,
		TrainedAt:    time.Now(),
	}
	b.Mean = a.mean
	for i := range a.m2 {
		if a.count > 1 {
			b.StdDev[i] = math.Sqrt(a.m2[i] / float64(a.count-1))
		}
	}

	t.store.Commit(b)
	slog.Info("user baseline committed", "user_id", userID, "observations", a.count)
	if t.emitter != nil {
		t.emitter.Emit(events.TypeBaselineCommitted, userID, map[string]interface{}{
			"baseline_id":  b.ID,
			"observations": a.count,
		})
	}
}

// Progress reports how far a user is through the observation window.
func (t *Trainer) Progress(userID string) (observations int, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.acc[userID]; ok {
		return a.count, time.Since(a.started)
	}
	return 0, 0
}
