// Package api exposes the access engine over REST/JSON plus a WebSocket
// decision stream for the operations dashboard.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusgate/backend/internal/adaptive"
	"github.com/campusgate/backend/internal/archive"
	"github.com/campusgate/backend/internal/behavior"
	"github.com/campusgate/backend/internal/contextual"
	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/ledger"
	"github.com/campusgate/backend/internal/metrics"
	"github.com/campusgate/backend/internal/policy"
	"github.com/campusgate/backend/internal/signals"
	"github.com/campusgate/backend/internal/threat"
	"github.com/campusgate/backend/internal/webhooks"
)

// Server wires every engine component behind the HTTP surface.
type Server struct {
	engine    *policy.Engine
	policies  *policy.VersionStore
	sessions  *behavior.SessionStore
	trainer   *behavior.Trainer
	evaluator *contextual.Evaluator
	cache     *signals.Cache
	authLog   *threat.EventLog
	predictor *threat.Predictor
	adjuster  *adaptive.Adjuster
	decisions *archive.Archive
	audit     *ledger.Writer
	registry  *webhooks.Registry
	streamer  *DecisionStreamer
	metrics   *metrics.Metrics
}

// Deps collects the Server's constructor arguments.
type Deps struct {
	Engine    *policy.Engine
	Policies  *policy.VersionStore
	Sessions  *behavior.SessionStore
	Trainer   *behavior.Trainer
	Evaluator *contextual.Evaluator
	Cache     *signals.Cache
	AuthLog   *threat.EventLog
	Predictor *threat.Predictor
	Adjuster  *adaptive.Adjuster
	Decisions *archive.Archive
	Audit     *ledger.Writer
	Registry  *webhooks.Registry
	Streamer  *DecisionStreamer
	Metrics   *metrics.Metrics
}

func NewServer(d Deps) *Server {
	return &Server{
		engine:    d.Engine,
		policies:  d.Policies,
		sessions:  d.Sessions,
		trainer:   d.Trainer,
		evaluator: d.Evaluator,
		cache:     d.Cache,
		authLog:   d.AuthLog,
		predictor: d.Predictor,
		adjuster:  d.Adjuster,
		decisions: d.Decisions,
		audit:     d.Audit,
		registry:  d.Registry,
		streamer:  d.Streamer,
		metrics:   d.Metrics,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	// Decision path
	r.HandleFunc("/api/v1/access/decide", s.handleDecide).Methods("POST")
	r.HandleFunc("/api/v1/decisions", s.handleDecisionQuery).Methods("GET")

	// Behavioral sessions
	r.HandleFunc("/api/v1/sessions", s.handleOpenSession).Methods("POST")
	r.HandleFunc("/api/v1/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{id}", s.handleCloseSession).Methods("DELETE")
	r.HandleFunc("/api/v1/telemetry", s.handleTelemetry).Methods("POST")

	// Context signals
	r.HandleFunc("/api/v1/context", s.handleContext).Methods("POST")

	// Threat intelligence
	r.HandleFunc("/api/v1/auth-events", s.handleAuthEvent).Methods("POST")
	r.HandleFunc("/api/v1/threats", s.handleThreats).Methods("GET")
	r.HandleFunc("/api/v1/threats/indicators", s.handleIndicators).Methods("GET")
	r.HandleFunc("/api/v1/threats/analyze", s.handleAnalyze).Methods("POST")
	r.HandleFunc("/api/v1/threats/{id}/resolve", s.handleResolve).Methods("POST")

	// Policy management
	r.HandleFunc("/api/v1/policies", s.handlePushPolicy).Methods("POST")
	r.HandleFunc("/api/v1/policies", s.handleListPolicies).Methods("GET")
	r.HandleFunc("/api/v1/policies/{id}/history", s.handlePolicyHistory).Methods("GET")
	r.HandleFunc("/api/v1/policies/{id}/rollback", s.handleRollback).Methods("POST")
	r.HandleFunc("/api/v1/policies/{id}/effectiveness", s.handleEffectiveness).Methods("GET")
	r.HandleFunc("/api/v1/proposals", s.handleProposals).Methods("GET")

	// Outcome feedback
	r.HandleFunc("/api/v1/outcomes", s.handleOutcome).Methods("POST")

	// Webhooks
	r.HandleFunc("/api/v1/webhooks", s.handleRegisterWebhook).Methods("POST")
	r.HandleFunc("/api/v1/webhooks", s.handleListWebhooks).Methods("GET")
	r.HandleFunc("/api/v1/webhooks/{id}", s.handleUnregisterWebhook).Methods("DELETE")

	// Operations
	r.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.streamer != nil {
		r.HandleFunc("/ws/decisions", s.streamer.HandleWebSocket)
	}

	return r
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port string) error {
	addr := ":" + port
	log.Printf("access engine API listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

// --- Handlers ---

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req core.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.RequestID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("request_id and user_id are required"))
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	started := time.Now()
	decision, err := s.engine.Decide(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveDecision(string(decision.Decision), decision.PolicyID,
			decision.BehavioralScore, decision.ContextScore, decision.Degraded,
			time.Since(started).Seconds())
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleDecisionQuery(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	from, to := timeRange(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	out, err := s.decisions.DecisionsForUser(userID, from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id and user_id are required"))
		return
	}
	session := s.sessions.Open(req.SessionID, req.UserID)
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Close(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var batch behavior.TelemetryBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode telemetry: %w", err))
		return
	}
	if batch.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	s.sessions.Ingest(&batch)
	if s.trainer != nil && batch.UserID != "" {
		s.trainer.Observe(batch.UserID, behavior.ExtractFeatures(&batch))
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var snap core.ContextSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode context snapshot: %w", err))
		return
	}
	if snap.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	score := s.evaluator.Evaluate(&snap)
	if err := s.cache.Put(r.Context(), snap.UserID, score); err != nil {
		log.Printf("context cache write failed for %s: %v", snap.UserID, err)
	}
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleAuthEvent(w http.ResponseWriter, r *http.Request) {
	var e threat.AuthEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode auth event: %w", err))
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.authLog.Append(e)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleThreats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	resource := r.URL.Query().Get("resource")
	writeJSON(w, http.StatusOK, s.predictor.ActiveFor(userID, resource))
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	ind, ok := s.predictor.IndicatorsFor(userID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no indicators for identity in the latest window"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"indicators": ind,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.predictor.Analyze(time.Now()))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome core.PredictionOutcome `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Outcome != core.OutcomeConfirmed && req.Outcome != core.OutcomeFalsePositive {
		writeError(w, http.StatusBadRequest, errors.New("outcome must be confirmed or false_positive"))
		return
	}
	if !s.predictor.Resolve(mux.Vars(r)["id"], req.Outcome) {
		writeError(w, http.StatusNotFound, errors.New("prediction not found"))
		return
	}
	if s.metrics != nil {
		s.metrics.PredictorAccuracy.Set(s.predictor.Accuracy())
		s.metrics.PredictorFPR.Set(s.predictor.FalsePositiveRate())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushPolicy(w http.ResponseWriter, r *http.Request) {
	var p core.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode policy: %w", err))
		return
	}
	if p.ID == "" || p.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("id and name are required"))
		return
	}
	writeJSON(w, http.StatusCreated, s.policies.Push(p))
}

func (s *Server) handleListPolicies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.ActivePolicies())
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.History(mux.Vars(r)["id"]))
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	restored, err := s.adjuster.Rollback(mux.Vars(r)["id"], req.Version)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

func (s *Server) handleEffectiveness(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	eff, total := s.adjuster.Effectiveness(id)
	if s.metrics != nil {
		s.metrics.PolicyEffectiveness.WithLabelValues(id).Set(eff)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy_id":     id,
		"effectiveness": eff,
		"outcomes":      total,
	})
}

func (s *Server) handleProposals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.adjuster.Proposals())
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID       string  `json:"request_id"`
		PolicyID        string  `json:"policy_id"`
		PolicyVersion   int     `json:"policy_version"`
		Decision        string  `json:"decision"`
		BehavioralScore float64 `json:"behavioral_score"`
		ContextScore    float64 `json:"context_score"`
		UserID          string  `json:"user_id"`
		Result          string  `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Result {
	case core.ResultLegitimate, core.ResultIncident, core.ResultFalsePositive:
	default:
		writeError(w, http.StatusBadRequest, errors.New("result must be legitimate, incident or false_positive"))
		return
	}

	d := core.AccessDecision{
		RequestID:       req.RequestID,
		UserID:          req.UserID,
		Decision:        core.Decision(req.Decision),
		BehavioralScore: req.BehavioralScore,
		ContextScore:    req.ContextScore,
		PolicyID:        req.PolicyID,
		PolicyVersion:   req.PolicyVersion,
		Timestamp:       time.Now(),
	}
	s.adjuster.RecordOutcome(d, req.Result)
	if err := s.decisions.RecordOutcome(core.PolicyOutcome{
		PolicyID:  req.PolicyID,
		Version:   req.PolicyVersion,
		Decision:  d.Decision,
		Result:    req.Result,
		Timestamp: d.Timestamp,
	}, req.RequestID); err != nil {
		log.Printf("outcome archive write failed: %v", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.Register(&sub); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListAll())
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"predictor": s.predictor.Stats(),
		"archive":   s.decisions.Stats(),
		"ledger":    s.audit.Stats(),
		"sessions":  len(s.sessions.Sessions()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func timeRange(r *http.Request) (time.Time, time.Time) {
	from := time.Now().Add(-24 * time.Hour)
	to := time.Now()
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	return from, to
}
