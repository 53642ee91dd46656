package behavior

import (
	"log/slog"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
)

// BaselineProvider looks up the committed baseline for a user, if any.
type BaselineProvider interface {
	BaselineFor(userID string) *core.UserBaseline
}

// CommandSink receives session commands for the external Session Manager.
// The store emits commands; it never terminates or re-authenticates a
// session itself.
type CommandSink interface {
	TerminateSession(sessionID, userID string, score float64)
	RequireReauth(sessionID, userID string, score float64)
}

// StoreConfig configures the session store sweep.
type StoreConfig struct {
	SamplingInterval time.Duration // how often active sessions are rescored
	IdleTimeout      time.Duration // sessions without telemetry past this are dropped
}

// SessionStore tracks active behavioral sessions and rescores each of them
// on a periodic cadence. Sessions never block each other: the sweep copies
// the active set and scores outside the lock.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*core.BehavioralSession // session ID -> state
	scorer    *Scorer
	baselines BaselineProvider
	commands  CommandSink
	emitter   events.Emitter
	cfg       StoreConfig
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewSessionStore creates the store. Zero config values get defaults.
func NewSessionStore(scorer *Scorer, baselines BaselineProvider, commands CommandSink, emitter events.Emitter, cfg StoreConfig) *SessionStore {
	if cfg.SamplingInterval == 0 {
		cfg.SamplingInterval = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	return &SessionStore{
		sessions:  make(map[string]*core.BehavioralSession),
		scorer:    scorer,
		baselines: baselines,
		commands:  commands,
		emitter:   emitter,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background sampling sweep.
func (st *SessionStore) Start() {
	slog.Info("behavioral sampling started", "interval", st.cfg.SamplingInterval)
	go func() {
		ticker := time.NewTicker(st.cfg.SamplingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.sweep()
			case <-st.stopCh:
				slog.Info("behavioral sampling stopped")
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (st *SessionStore) Stop() {
	st.stopOnce.Do(func() { close(st.stopCh) })
}

// Open registers a new session at session start.
func (st *SessionStore) Open(sessionID, userID string) *core.BehavioralSession {
	st.mu.Lock()
	defer st.mu.Unlock()

	session := &core.BehavioralSession{
		SessionID: sessionID,
		UserID:    userID,
		UpdatedAt: time.Now(),
	}
	st.sessions[sessionID] = session
	return session
}

// Close discards a session at session end.
func (st *SessionStore) Close(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, sessionID)
}

// Ingest folds a telemetry batch into the session's rolling feature vector.
// Unknown sessions are opened implicitly; malformed or empty batches fall
// through to zero-filled features rather than failing.
func (st *SessionStore) Ingest(batch *TelemetryBatch) {
	features := ExtractFeatures(batch)

	st.mu.Lock()
	session, ok := st.sessions[batch.SessionID]
	if !ok {
		session = &core.BehavioralSession{SessionID: batch.SessionID, UserID: batch.UserID}
		st.sessions[batch.SessionID] = session
	}
	// Exponential rolling update keeps the vector responsive without letting
	// one noisy interval dominate.
	for i := range session.Features {
		session.Features[i] = session.Features[i]*0.3 + features[i]*0.7
	}
	session.UpdatedAt = time.Now()
	st.mu.Unlock()
}

// RiskScore returns the latest score for a session and whether it exists.
func (st *SessionStore) RiskScore(sessionID string) (float64, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if s, ok := st.sessions[sessionID]; ok {
		return s.RiskScore, true
	}
	return 0, false
}

// LatestForUser returns the highest current risk across a user's sessions.
func (st *SessionStore) LatestForUser(userID string) (float64, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	found := false
	highest := 0.0
	for _, s := range st.sessions {
		if s.UserID == userID {
			found = true
			if s.RiskScore > highest {
				highest = s.RiskScore
			}
		}
	}
	return highest, found
}

// Sessions returns a snapshot of all active sessions.
func (st *SessionStore) Sessions() []core.BehavioralSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]core.BehavioralSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, *s)
	}
	return out
}

// sweep rescores every active session and emits band actions. Runs off the
// decision path; a slow baseline lookup delays scoring, never decisions.
// Feature vectors are copied under the read lock so scoring never races a
// concurrent Ingest writing the same session.
func (st *SessionStore) sweep() {
	st.mu.RLock()
	snapshot := make([]core.BehavioralSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		snapshot = append(snapshot, *s)
	}
	st.mu.RUnlock()

	now := time.Now()
	for i := range snapshot {
		session := &snapshot[i]
		if now.Sub(session.UpdatedAt) > st.cfg.IdleTimeout {
			st.Close(session.SessionID)
			continue
		}

		var baseline *core.UserBaseline
		if st.baselines != nil {
			baseline = st.baselines.BaselineFor(session.UserID)
		}
		score := st.scorer.Score(session, baseline)

		st.mu.Lock()
		live, ok := st.sessions[session.SessionID]
		if ok {
			live.RiskScore = score
			if baseline != nil {
				live.BaselineID = baseline.ID
			}
		}
		st.mu.Unlock()
		if !ok {
			continue // closed while scoring
		}

		st.dispatch(session.SessionID, session.UserID, score)
	}
}

func (st *SessionStore) dispatch(sessionID, userID string, score float64) {
	switch ActionFor(score) {
	case ActionTerminate:
		slog.Warn("risk above terminate band, issuing terminate command",
			"session_id", sessionID, "user_id", userID, "score", score)
		if st.commands != nil {
			st.commands.TerminateSession(sessionID, userID, score)
		}
		if st.emitter != nil {
			st.emitter.Emit(events.TypeSessionTerminate, userID, map[string]interface{}{
				"session_id": sessionID,
				"score":      score,
			})
		}
	case ActionReauth:
		if st.commands != nil {
			st.commands.RequireReauth(sessionID, userID, score)
		}
		if st.emitter != nil {
			st.emitter.Emit(events.TypeSessionReauth, userID, map[string]interface{}{
				"session_id": sessionID,
				"score":      score,
			})
		}
	}
}
