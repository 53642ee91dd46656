// Package archive persists rendered decisions and their later-bound outcomes
// for audit queries. Postgres-backed when a DSN is configured; without one it
// keeps a bounded in-memory ring so the service stays queryable in
// development and tests.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
)

const (
	defaultRingSize = 10000

	// A failed decision write is retried before the gap is declared. The
	// total retry budget stays inside the sink contract's bounded timeout.
	writeAttempts  = 3
	defaultBackoff = 100 * time.Millisecond
)

// Archive is an append-only decision store. It satisfies the decision
// engine's audit sink contract; writes are best-effort and never block or
// reverse a decision.
type Archive struct {
	db      *sql.DB
	emitter events.Emitter
	insert  func(d *core.AccessDecision) error // nil means ring storage
	backoff time.Duration

	mu   sync.RWMutex
	ring []*core.AccessDecision // fallback when db is nil
	max  int

	writeErrors int
}

// Open connects to Postgres and prepares the schema. An empty DSN returns a
// memory-only archive.
func Open(dsn string) (*Archive, error) {
	a := &Archive{max: defaultRingSize, backoff: defaultBackoff}
	if dsn == "" {
		slog.Info("decision archive running in-memory, no postgres DSN configured")
		return a, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	a.db = db
	a.insert = a.insertDecision
	slog.Info("decision archive connected to postgres")
	return a, nil
}

// SetEmitter attaches the event bus used to surface integrity-risk events
// when a decision write is lost.
func (a *Archive) SetEmitter(e events.Emitter) {
	a.emitter = e
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS access_decisions (
	request_id     TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	session_id     TEXT,
	decision       TEXT NOT NULL,
	behavioral     DOUBLE PRECISION,
	context_score  DOUBLE PRECISION,
	threat_score   DOUBLE PRECISION,
	policy_id      TEXT NOT NULL,
	policy_version INTEGER,
	trace          JSONB,
	degraded       TEXT[],
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_user_time ON access_decisions (user_id, created_at);

CREATE TABLE IF NOT EXISTS policy_outcomes (
	id         BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	policy_id  TEXT NOT NULL,
	version    INTEGER,
	decision   TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_policy ON policy_outcomes (policy_id, created_at);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// RecordDecision appends one rendered decision. A failed database write is
// retried with doubling backoff; after the last attempt the gap is counted,
// logged, and surfaced on the bus as an integrity-risk event.
func (a *Archive) RecordDecision(d *core.AccessDecision) {
	if a.insert == nil {
		a.mu.Lock()
		a.ring = append(a.ring, d)
		if len(a.ring) > a.max {
			a.ring = a.ring[len(a.ring)-a.max:]
		}
		a.mu.Unlock()
		return
	}

	var err error
	backoff := a.backoff
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = a.insert(d); err == nil {
			return
		}
	}

	a.mu.Lock()
	a.writeErrors++
	a.mu.Unlock()
	slog.Error("archive decision write failed, audit record lost",
		"request_id", d.RequestID, "attempts", writeAttempts, "error", err)
	if a.emitter != nil {
		a.emitter.Emit(events.TypeIntegrityRisk, d.UserID, map[string]interface{}{
			"request_id": d.RequestID,
			"reason":     "decision archive write failed",
			"attempts":   writeAttempts,
			"error":      err.Error(),
		})
	}
}

func (a *Archive) insertDecision(d *core.AccessDecision) error {
	trace, _ := json.Marshal(d.Trace)
	_, err := a.db.Exec(`
		INSERT INTO access_decisions
			(request_id, user_id, session_id, decision, behavioral, context_score, threat_score, policy_id, policy_version, trace, degraded, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (request_id) DO NOTHING`,
		d.RequestID, d.UserID, d.SessionID, string(d.Decision),
		d.BehavioralScore, d.ContextScore, d.ThreatScore,
		d.PolicyID, d.PolicyVersion, trace, pqStringArray(d.Degraded), d.Timestamp)
	return err
}

// RecordOutcome appends one policy outcome row.
func (a *Archive) RecordOutcome(o core.PolicyOutcome, requestID string) error {
	if a.db == nil {
		return nil
	}
	_, err := a.db.Exec(`
		INSERT INTO policy_outcomes (request_id, policy_id, version, decision, result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		requestID, o.PolicyID, o.Version, string(o.Decision), o.Result, o.Timestamp)
	if err != nil {
		return fmt.Errorf("archive outcome write: %w", err)
	}
	return nil
}

// DecisionsForUser returns the user's decisions in a time range, newest
// first, capped at limit.
func (a *Archive) DecisionsForUser(userID string, from, to time.Time, limit int) ([]*core.AccessDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	if a.db == nil {
		return a.ringQuery(userID, from, to, limit), nil
	}

	rows, err := a.db.Query(`
		SELECT request_id, user_id, session_id, decision, behavioral, context_score, threat_score, policy_id, policy_version, trace, created_at
		FROM access_decisions
		WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4`, userID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("archive query: %w", err)
	}
	defer rows.Close()

	out := make([]*core.AccessDecision, 0)
	for rows.Next() {
		var d core.AccessDecision
		var decision string
		var trace []byte
		if err := rows.Scan(&d.RequestID, &d.UserID, &d.SessionID, &decision,
			&d.BehavioralScore, &d.ContextScore, &d.ThreatScore,
			&d.PolicyID, &d.PolicyVersion, &trace, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("archive scan: %w", err)
		}
		d.Decision = core.Decision(decision)
		if len(trace) > 0 {
			_ = json.Unmarshal(trace, &d.Trace)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (a *Archive) ringQuery(userID string, from, to time.Time, limit int) []*core.AccessDecision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*core.AccessDecision, 0)
	for i := len(a.ring) - 1; i >= 0 && len(out) < limit; i-- {
		d := a.ring[i]
		if d.UserID != userID {
			continue
		}
		if d.Timestamp.Before(from) || d.Timestamp.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Stats returns queryable archive metrics.
func (a *Archive) Stats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]interface{}{
		"backend":      a.backend(),
		"ring_size":    len(a.ring),
		"write_errors": a.writeErrors,
	}
}

func (a *Archive) backend() string {
	if a.db != nil {
		return "postgres"
	}
	return "memory"
}

// pqStringArray renders a Go slice as a postgres text[] literal. Degraded
// signal names never contain quotes so the simple form is safe.
func pqStringArray(items []string) string {
	if len(items) == 0 {
		return "{}"
	}
	out := "{"
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out + "}"
}
