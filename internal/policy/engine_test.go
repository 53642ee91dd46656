package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgate/backend/internal/core"
)

type stubBehavior struct {
	score float64
	ok    bool
}

func (s stubBehavior) LatestForUser(string) (float64, bool) { return s.score, s.ok }

type stubContext struct {
	score core.ContextScore
	ok    bool
}

func (s stubContext) LatestContext(string) (core.ContextScore, bool) { return s.score, s.ok }

type stubThreats struct {
	preds []*core.ThreatPrediction
	err   error
}

func (s stubThreats) ActiveFor(string, string) ([]*core.ThreatPrediction, error) {
	return s.preds, s.err
}

type captureSink struct {
	mu        sync.Mutex
	decisions []*core.AccessDecision
}

func (c *captureSink) RecordDecision(d *core.AccessDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, d)
}

func defaultPolicyStore() *VersionStore {
	vs := NewVersionStore()
	vs.Push(core.Policy{
		ID:            "p-campus",
		Name:          "campus default",
		Active:        true,
		Priority:      1,
		MinConfidence: 50,
	})
	return vs
}

func request() *core.AccessRequest {
	return &core.AccessRequest{
		RequestID: "req-1",
		UserID:    "u-1",
		SessionID: "s-1",
		Role:      "student",
		Resource:  "lms",
		Timestamp: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func ctxScore(overall float64) core.ContextScore {
	return core.ContextScore{Overall: overall}
}

// =============================================================================
// MATCHING AND DEFAULT DENY
// =============================================================================

func TestDecide_NilRequestIsAnExplicitError(t *testing.T) {
	e := NewEngine(defaultPolicyStore(), stubBehavior{40, true}, stubContext{ctxScore(90), true}, stubThreats{}, nil)
	_, err := e.Decide(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilRequest)
}

func TestDecide_NoMatchingPolicyDeniesAgainstTheDefaultPolicy(t *testing.T) {
	vs := NewVersionStore() // empty: nothing can match
	e := NewEngine(vs, stubBehavior{10, true}, stubContext{ctxScore(95), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d.Decision)
	assert.Equal(t, core.DefaultDenyPolicyID, d.PolicyID)
}

func TestDecide_RoleMismatchFallsThroughToDeny(t *testing.T) {
	vs := NewVersionStore()
	vs.Push(core.Policy{ID: "p-staff", Name: "staff only", Active: true, AllowedRoles: []string{"staff"}, MinConfidence: 50})
	e := NewEngine(vs, stubBehavior{10, true}, stubContext{ctxScore(95), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d.Decision)
	assert.Equal(t, core.DefaultDenyPolicyID, d.PolicyID)
}

func TestDecide_HighestPriorityPolicyWins(t *testing.T) {
	vs := defaultPolicyStore()
	vs.Push(core.Policy{ID: "p-strict", Name: "strict", Active: true, Priority: 9, MinConfidence: 50, RequireMFA: true})
	e := NewEngine(vs, stubBehavior{10, true}, stubContext{ctxScore(95), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	// The strict policy matched first and its MFA requirement forced step-up.
	assert.Equal(t, "p-strict", d.PolicyID)
	assert.Equal(t, core.DecisionStepUp, d.Decision)
}

// =============================================================================
// RISK BANDS INSIDE THE MATCHED POLICY
// =============================================================================

func TestDecide_RiskAbove80Terminates(t *testing.T) {
	e := NewEngine(defaultPolicyStore(), stubBehavior{85, true}, stubContext{ctxScore(95), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionTerminate, d.Decision)
	assert.Equal(t, "p-campus", d.PolicyID)
}

func TestDecide_RiskInReauthBandAtLeastStepsUp(t *testing.T) {
	for _, risk := range []float64{61, 70, 80} {
		e := NewEngine(defaultPolicyStore(), stubBehavior{risk, true}, stubContext{ctxScore(95), true}, stubThreats{}, nil)
		d, err := e.Decide(context.Background(), request())
		require.NoError(t, err)
		assert.NotEqual(t, core.DecisionGrant, d.Decision, "risk %.0f must not grant", risk)
		assert.Contains(t, []core.Decision{core.DecisionStepUp, core.DecisionTerminate, core.DecisionDeny}, d.Decision)
	}
}

// =============================================================================
// END-TO-END DECISION SCENARIOS
// =============================================================================

func TestDecide_CleanRequestGrants(t *testing.T) {
	// risk 40, context 90, min confidence 50: combined (60+90)/2 = 75.
	e := NewEngine(defaultPolicyStore(), stubBehavior{40, true}, stubContext{ctxScore(90), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionGrant, d.Decision)
	assert.Equal(t, 40.0, d.BehavioralScore)
	assert.Equal(t, 90.0, d.ContextScore)
}

func TestDecide_WeakContextStepsUp(t *testing.T) {
	// risk 40, context 30: combined (60+30)/2 = 45 < 50.
	e := NewEngine(defaultPolicyStore(), stubBehavior{40, true}, stubContext{ctxScore(30), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionStepUp, d.Decision)
}

func TestDecide_UnresolvedThreatPredictionDenies(t *testing.T) {
	// Low risk, strong context, but an unresolved brute-force prediction at
	// 0.85 targets the identity.
	threats := stubThreats{preds: []*core.ThreatPrediction{{
		ID:         "tp-1",
		Type:       core.ThreatBruteForce,
		UserID:     "u-1",
		Confidence: 0.85,
		Outcome:    core.OutcomeUnresolved,
	}}}
	e := NewEngine(defaultPolicyStore(), stubBehavior{20, true}, stubContext{ctxScore(90), true}, threats, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d.Decision)
	assert.Equal(t, 0.85, d.ThreatScore)
}

func TestDecide_ContextStepUpFlagForcesStepUp(t *testing.T) {
	score := ctxScore(90)
	score.StepUp = true
	e := NewEngine(defaultPolicyStore(), stubBehavior{10, true}, stubContext{score, true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionStepUp, d.Decision)
}

func TestDecide_RestrictedHourDenies(t *testing.T) {
	vs := NewVersionStore()
	vs.Push(core.Policy{
		ID: "p-curfew", Name: "curfew", Active: true,
		MinConfidence:   50,
		RestrictedHours: []int{10},
	})
	e := NewEngine(vs, stubBehavior{10, true}, stubContext{ctxScore(95), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request()) // request is at 10:00
	require.NoError(t, err)
	assert.Equal(t, core.DecisionDeny, d.Decision)
	assert.Equal(t, "p-curfew", d.PolicyID)
}

// =============================================================================
// DEGRADED SIGNALS
// =============================================================================

func TestDecide_MissingContextSignalForcesStepUp(t *testing.T) {
	e := NewEngine(defaultPolicyStore(), stubBehavior{10, true}, stubContext{ok: false}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionStepUp, d.Decision)
	assert.Contains(t, d.Degraded, "context")
}

func TestDecide_ThreatPipelineFailureDegradesNotFails(t *testing.T) {
	threats := stubThreats{err: errors.New("predictor unavailable")}
	e := NewEngine(defaultPolicyStore(), stubBehavior{40, true}, stubContext{ctxScore(90), true}, threats, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionGrant, d.Decision)
	assert.Contains(t, d.Degraded, "threat")
}

func TestDecide_MissingBehavioralSignalIsRecordedAndCautious(t *testing.T) {
	// No behavioral signal: combined = (0 + 90)/2 = 45 < 50, step-up.
	e := NewEngine(defaultPolicyStore(), stubBehavior{ok: false}, stubContext{ctxScore(90), true}, stubThreats{}, nil)

	d, err := e.Decide(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, core.DecisionStepUp, d.Decision)
	assert.Contains(t, d.Degraded, "behavioral")
}

// =============================================================================
// AUDIT FAN-OUT
// =============================================================================

func TestDecide_EveryDecisionReachesTheAuditSinks(t *testing.T) {
	sink := &captureSink{}
	e := NewEngine(defaultPolicyStore(), stubBehavior{40, true}, stubContext{ctxScore(90), true}, stubThreats{}, nil, sink)

	_, err := e.Decide(context.Background(), request())
	require.NoError(t, err)

	denied := request()
	denied.RequestID = "req-2"
	denied.Role = "nobody"
	_, err = e.Decide(context.Background(), denied)
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.decisions, 2)
	assert.NotEmpty(t, sink.decisions[0].Trace)
}

func TestDecide_SameIdentityRequestsSerialize(t *testing.T) {
	e := NewEngine(defaultPolicyStore(), stubBehavior{40, true}, stubContext{ctxScore(90), true}, stubThreats{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Decide(context.Background(), request())
			assert.NoError(t, err)
			assert.Equal(t, core.DecisionGrant, d.Decision)
		}()
	}
	wg.Wait()
}
