package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgate/backend/internal/adaptive"
	"github.com/campusgate/backend/internal/archive"
	"github.com/campusgate/backend/internal/behavior"
	"github.com/campusgate/backend/internal/config"
	"github.com/campusgate/backend/internal/contextual"
	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
	"github.com/campusgate/backend/internal/ledger"
	"github.com/campusgate/backend/internal/policy"
	"github.com/campusgate/backend/internal/signals"
	"github.com/campusgate/backend/internal/threat"
	"github.com/campusgate/backend/internal/webhooks"
)

type testPredictions struct{ p *threat.Predictor }

func (s testPredictions) ActiveFor(userID, resource string) ([]*core.ThreatPrediction, error) {
	return s.p.ActiveFor(userID, resource), nil
}

type apiFixture struct {
	srv      *httptest.Server
	policies *policy.VersionStore
	sessions *behavior.SessionStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.Default()

	bus := events.NewBus()
	cache := signals.NewCache(signals.NewMemoryStore(), 0)
	decisions, err := archive.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { decisions.Close() })

	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, 1)
	t.Cleanup(dispatcher.Shutdown)

	audit := ledger.NewWriter(ledger.New(), bus, 64, time.Second)
	t.Cleanup(audit.Close)

	baselines := behavior.NewBaselineStore()
	scorer := behavior.NewScorer(1)
	sessions := behavior.NewSessionStore(scorer, baselines,
		webhooks.NewSessionCommands(dispatcher), bus, behavior.StoreConfig{})

	authLog := threat.NewEventLog(24 * time.Hour)
	predictor := threat.NewPredictor(authLog, webhooks.NewAdminAlerts(dispatcher), bus, threat.Config{})

	versions := policy.NewVersionStore()
	engine := policy.NewEngine(versions, sessions, cache, testPredictions{predictor}, bus, decisions, audit)
	adjuster := adaptive.NewAdjuster(versions, bus, adaptive.Config{})

	server := NewServer(Deps{
		Engine:    engine,
		Policies:  versions,
		Sessions:  sessions,
		Evaluator: contextual.NewEvaluator(cfg),
		Cache:     cache,
		AuthLog:   authLog,
		Predictor: predictor,
		Adjuster:  adjuster,
		Decisions: decisions,
		Audit:     audit,
		Registry:  registry,
	})

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, policies: versions, sessions: sessions}
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// =============================================================================
// DECISION PATH
// =============================================================================

func TestAPI_DecideRejectsIncompleteRequests(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/access/decide", map[string]string{"user_id": "u-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DecideWithoutPoliciesDeniesByDefault(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/access/decide", core.AccessRequest{
		RequestID: "req-1",
		UserID:    "u-1",
		Role:      "student",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var d core.AccessDecision
	decodeJSON(t, resp, &d)
	assert.Equal(t, core.DecisionDeny, d.Decision)
	assert.Equal(t, core.DefaultDenyPolicyID, d.PolicyID)
}

func TestAPI_ContextThenDecideFlowsThroughTheCache(t *testing.T) {
	f := newAPIFixture(t)
	f.policies.Push(core.Policy{
		ID:            "p-open",
		Name:          "open access",
		Active:        true,
		MinConfidence: 50,
	})

	ctxResp := f.post(t, "/api/v1/context", core.ContextSnapshot{
		UserID:  "u-1",
		Device:  core.DeviceFacts{OSPatched: true, Antivirus: true, DiskEncrypted: true, Known: true, Compliant: true},
		Network: core.NetworkCampus,
	})
	require.Equal(t, http.StatusOK, ctxResp.StatusCode)
	var score core.ContextScore
	decodeJSON(t, ctxResp, &score)
	assert.Equal(t, 100.0, score.Device)

	resp := f.post(t, "/api/v1/access/decide", core.AccessRequest{
		RequestID: "req-1",
		UserID:    "u-1",
		Role:      "student",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d core.AccessDecision
	decodeJSON(t, resp, &d)

	// The behavioral signal is absent, so it contributes nothing to combined
	// confidence and the engine degrades to a step-up.
	assert.Equal(t, core.DecisionStepUp, d.Decision)
	assert.Contains(t, d.Degraded, "behavioral")
	assert.NotContains(t, d.Degraded, "context")
	assert.Equal(t, "p-open", d.PolicyID)
}

func TestAPI_DecisionQueryReturnsArchivedDecisions(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/access/decide", core.AccessRequest{RequestID: "req-1", UserID: "u-1"})
	resp.Body.Close()

	listResp := f.get(t, "/api/v1/decisions?user_id=u-1")
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var out []*core.AccessDecision
	decodeJSON(t, listResp, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "req-1", out[0].RequestID)

	missing := f.get(t, "/api/v1/decisions")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

// =============================================================================
// SESSIONS AND TELEMETRY
// =============================================================================

func TestAPI_SessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	created := f.post(t, "/api/v1/sessions", map[string]string{"session_id": "s-1", "user_id": "u-1"})
	defer created.Body.Close()
	require.Equal(t, http.StatusCreated, created.StatusCode)

	list := f.get(t, "/api/v1/sessions")
	var sessions []*core.BehavioralSession
	decodeJSON(t, list, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-1", sessions[0].SessionID)

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/v1/sessions/s-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.sessions.Sessions())
}

func TestAPI_TelemetryRequiresASessionID(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/telemetry", map[string]string{"user_id": "u-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// THREAT INTELLIGENCE
// =============================================================================

func TestAPI_AuthEventsFeedTheAnalyzer(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 10; i++ {
		resp := f.post(t, "/api/v1/auth-events", threat.AuthEvent{
			ID:       fmt.Sprintf("evt-%d", i),
			UserID:   "u-attacker",
			Resource: "grades",
			Success:  false,
		})
		resp.Body.Close()
	}

	analyzed := f.post(t, "/api/v1/threats/analyze", nil)
	require.Equal(t, http.StatusOK, analyzed.StatusCode)
	var predictions []*core.ThreatPrediction
	decodeJSON(t, analyzed, &predictions)
	require.NotEmpty(t, predictions)
	assert.Equal(t, core.ThreatBruteForce, predictions[0].Type)

	active := f.get(t, "/api/v1/threats?user_id=u-attacker")
	var activeList []*core.ThreatPrediction
	decodeJSON(t, active, &activeList)
	assert.NotEmpty(t, activeList)
}

func TestAPI_IndicatorsReturnTheLatestWindowProfile(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 10; i++ {
		resp := f.post(t, "/api/v1/auth-events", threat.AuthEvent{
			ID:       fmt.Sprintf("evt-%d", i),
			UserID:   "u-attacker",
			Resource: "grades",
			Success:  false,
		})
		resp.Body.Close()
	}
	f.post(t, "/api/v1/threats/analyze", nil).Body.Close()

	resp := f.get(t, "/api/v1/threats/indicators?user_id=u-attacker")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		UserID     string            `json:"user_id"`
		Indicators threat.Indicators `json:"indicators"`
	}
	decodeJSON(t, resp, &out)
	assert.Equal(t, "u-attacker", out.UserID)
	assert.Equal(t, 1.0, out.Indicators[threat.IndFailedRate])

	missing := f.get(t, "/api/v1/threats/indicators?user_id=u-clean")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestAPI_ResolveUnknownPredictionIs404(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/api/v1/threats/tp-missing/resolve", map[string]string{"outcome": "confirmed"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// POLICY MANAGEMENT
// =============================================================================

func TestAPI_PolicyPushListAndHistory(t *testing.T) {
	f := newAPIFixture(t)

	created := f.post(t, "/api/v1/policies", core.Policy{ID: "p-1", Name: "labs", Active: true})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	var stored core.Policy
	decodeJSON(t, created, &stored)
	assert.Equal(t, 1, stored.Version)

	resp := f.post(t, "/api/v1/policies", core.Policy{ID: "p-1", Name: "labs", Active: true, MinConfidence: 60})
	resp.Body.Close()

	list := f.get(t, "/api/v1/policies")
	var active []*core.Policy
	decodeJSON(t, list, &active)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Version)

	history := f.get(t, "/api/v1/policies/p-1/history")
	var versions []*core.Policy
	decodeJSON(t, history, &versions)
	assert.Len(t, versions, 2)
}

func TestAPI_RollbackRestoresAPriorVersion(t *testing.T) {
	f := newAPIFixture(t)
	f.policies.Push(core.Policy{ID: "p-1", Name: "labs", Active: true, MinConfidence: 50})
	f.policies.Push(core.Policy{ID: "p-1", Name: "labs", Active: true, MinConfidence: 70})

	resp := f.post(t, "/api/v1/policies/p-1/rollback", map[string]int{"version": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var restored core.Policy
	decodeJSON(t, resp, &restored)
	assert.Equal(t, 50.0, restored.MinConfidence)

	missing := f.post(t, "/api/v1/policies/p-1/rollback", map[string]int{"version": 99})
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// =============================================================================
// OUTCOME FEEDBACK
// =============================================================================

func TestAPI_OutcomeValidatesTheResultValue(t *testing.T) {
	f := newAPIFixture(t)

	bad := f.post(t, "/api/v1/outcomes", map[string]string{"result": "maybe"})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	ok := f.post(t, "/api/v1/outcomes", map[string]interface{}{
		"request_id": "req-1",
		"policy_id":  "p-1",
		"decision":   "grant",
		"result":     "legitimate",
	})
	defer ok.Body.Close()
	assert.Equal(t, http.StatusAccepted, ok.StatusCode)
}

// =============================================================================
// WEBHOOKS AND OPERATIONS
// =============================================================================

func TestAPI_WebhookRegistrationRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	bad := f.post(t, "/api/v1/webhooks", map[string]interface{}{"url": "http://example.com"})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	created := f.post(t, "/api/v1/webhooks", map[string]interface{}{
		"url":    "http://example.com/hook",
		"events": []string{"decision.rendered"},
	})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	var sub webhooks.Subscription
	decodeJSON(t, created, &sub)
	require.NotEmpty(t, sub.ID)

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/v1/webhooks/"+sub.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_HealthAndStats(t *testing.T) {
	f := newAPIFixture(t)

	health := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, health.StatusCode)
	var status map[string]string
	decodeJSON(t, health, &status)
	assert.Equal(t, "ok", status["status"])

	stats := f.get(t, "/api/v1/stats")
	require.Equal(t, http.StatusOK, stats.StatusCode)
	var body map[string]interface{}
	decodeJSON(t, stats, &body)
	assert.Contains(t, body, "predictor")
	assert.Contains(t, body, "archive")
	assert.Contains(t, body, "ledger")
}
