package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
)

// BehaviorSource supplies the latest behavioral risk score for an identity.
type BehaviorSource interface {
	LatestForUser(userID string) (float64, bool)
}

// ContextSource supplies the latest context score for an identity.
type ContextSource interface {
	LatestContext(userID string) (core.ContextScore, bool)
}

// ThreatSource supplies unresolved predictions targeting an identity or
// resource. An error marks the threat pipeline as degraded; the engine
// proceeds on the remaining signals.
type ThreatSource interface {
	ActiveFor(userID, resource string) ([]*core.ThreatPrediction, error)
}

// AuditSink receives every rendered decision. Implementations are
// best-effort with bounded timeouts; a failing sink never reverses or blocks
// a decision.
type AuditSink interface {
	RecordDecision(d *core.AccessDecision)
}

// ErrNilRequest is returned for a nil access request; an in-flight decision
// otherwise always resolves to one of the four outcomes.
var ErrNilRequest = errors.New("nil access request")

// Engine is the policy decision state machine. Concurrent requests for
// different identities run in parallel; requests for the same identity are
// serialized through a per-identity lock so risk state is never raced.
type Engine struct {
	store    *VersionStore
	behavior BehaviorSource
	context  ContextSource
	threats  ThreatSource
	sinks    []AuditSink
	emitter  events.Emitter

	mu    sync.Mutex
	locks map[string]*sync.Mutex // user ID -> serialization lock
}

// NewEngine wires the decision engine. Sinks and emitter may be nil in tests.
func NewEngine(store *VersionStore, behavior BehaviorSource, ctxSrc ContextSource, threats ThreatSource, emitter events.Emitter, sinks ...AuditSink) *Engine {
	return &Engine{
		store:    store,
		behavior: behavior,
		context:  ctxSrc,
		threats:  threats,
		sinks:    sinks,
		emitter:  emitter,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// Decide evaluates one access request and always resolves to one of the four
// outcomes (or an explicit error for malformed input). There is no external
// cancellation path for an in-flight decision; ctx bounds only the enqueue
// wait of downstream side effects.
func (e *Engine) Decide(ctx context.Context, req *core.AccessRequest) (*core.AccessDecision, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	lock := e.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	d := &core.AccessDecision{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Timestamp: time.Now(),
	}

	// Gather signals. Missing signals degrade toward caution, never failure.
	risk, haveRisk := 0.0, false
	if e.behavior != nil {
		risk, haveRisk = e.behavior.LatestForUser(req.UserID)
	}
	if !haveRisk {
		d.Degraded = append(d.Degraded, "behavioral")
		d.Trace = append(d.Trace, core.TraceEntry{Check: "behavioral_signal", Note: "missing, treating as cautious"})
	}
	d.BehavioralScore = risk

	ctxScore, haveCtx := core.ContextScore{}, false
	if e.context != nil {
		ctxScore, haveCtx = e.context.LatestContext(req.UserID)
	}
	if !haveCtx {
		d.Degraded = append(d.Degraded, "context")
		ctxScore.StepUp = true // no context signal: prefer step-up over grant
		d.Trace = append(d.Trace, core.TraceEntry{Check: "context_signal", Note: "missing, forcing step-up"})
	}
	d.ContextScore = ctxScore.Overall

	var predictions []*core.ThreatPrediction
	if e.threats != nil {
		var err error
		predictions, err = e.threats.ActiveFor(req.UserID, req.Resource)
		if err != nil {
			predictions = nil
			d.Degraded = append(d.Degraded, "threat")
			d.Trace = append(d.Trace, core.TraceEntry{Check: "threat_signal", Note: "threat-signal degraded"})
			slog.Warn("threat pipeline unavailable, deciding on behavioral+context only",
				"request_id", req.RequestID, "error", err)
		}
	}
	for _, p := range predictions {
		if p.Confidence > d.ThreatScore {
			d.ThreatScore = p.Confidence
		}
	}

	// Select the highest-priority active policy matching resource type and
	// role. No match means default deny, never a silent grant.
	matched := e.match(req)
	if matched == nil {
		d.Decision = core.DecisionDeny
		d.PolicyID = core.DefaultDenyPolicyID
		d.Trace = append(d.Trace, core.TraceEntry{Check: "policy_match", Note: "no matching active policy, default deny", Crossed: true})
		e.finish(d)
		return d, nil
	}
	d.PolicyID = matched.ID
	d.PolicyVersion = matched.Version
	d.Trace = append(d.Trace, core.TraceEntry{Check: "policy_match", Note: matched.Name})

	// Terminate overrides everything else inside the matched policy.
	if haveRisk && risk > core.TerminateBand {
		d.Decision = core.DecisionTerminate
		d.Trace = append(d.Trace, core.TraceEntry{Check: "behavioral_risk", Value: risk, Limit: core.TerminateBand, Crossed: true})
		e.finish(d)
		return d, nil
	}

	if restrictedHour(matched, req.Timestamp) {
		d.Decision = core.DecisionDeny
		d.Trace = append(d.Trace, core.TraceEntry{Check: "time_restriction", Value: float64(req.Timestamp.Hour()), Crossed: true})
		e.finish(d)
		return d, nil
	}

	stepUp := false
	if ctxScore.StepUp {
		stepUp = true
		d.Trace = append(d.Trace, core.TraceEntry{Check: "context_step_up", Value: ctxScore.Overall, Crossed: true})
	}
	combined := combinedConfidence(risk, haveRisk, ctxScore.Overall, haveCtx)
	if combined < matched.MinConfidence {
		stepUp = true
		d.Trace = append(d.Trace, core.TraceEntry{Check: "combined_confidence", Value: combined, Limit: matched.MinConfidence, Crossed: true})
	}
	if matched.RequireMFA && !req.MFAPresent {
		stepUp = true
		d.Trace = append(d.Trace, core.TraceEntry{Check: "mfa_required", Crossed: true})
	}
	if haveRisk && risk > core.MonitorBand {
		// 61-80 band mandates at least re-authentication.
		stepUp = true
		d.Trace = append(d.Trace, core.TraceEntry{Check: "behavioral_risk", Value: risk, Limit: core.MonitorBand, Crossed: true})
	}
	if stepUp {
		d.Decision = core.DecisionStepUp
		e.finish(d)
		return d, nil
	}

	for _, p := range predictions {
		if p.Outcome == core.OutcomeUnresolved {
			d.Decision = core.DecisionDeny
			d.Trace = append(d.Trace, core.TraceEntry{Check: "threat_prediction", Value: p.Confidence, Crossed: true, Note: string(p.Type)})
			e.finish(d)
			return d, nil
		}
	}

	d.Decision = core.DecisionGrant
	d.Trace = append(d.Trace, core.TraceEntry{Check: "grant", Value: combined, Limit: matched.MinConfidence})
	e.finish(d)
	return d, nil
}

// match walks active policies in priority order (ties broken by earliest
// creation) and returns the first resource/role match.
func (e *Engine) match(req *core.AccessRequest) *core.Policy {
	for _, p := range e.store.ActivePolicies() {
		if p.ResourceType != "" && p.ResourceType != req.ResourceType {
			continue
		}
		if !p.AllowsRole(req.Role) {
			continue
		}
		return p
	}
	return nil
}

func restrictedHour(p *core.Policy, t time.Time) bool {
	if t.IsZero() {
		return false
	}
	for _, h := range p.RestrictedHours {
		if t.Hour() == h {
			return true
		}
	}
	return false
}

// combinedConfidence folds behavioral and context into the 0-100 confidence
// compared against a policy's minimum. A missing signal contributes nothing,
// pulling the combined value down.
func combinedConfidence(risk float64, haveRisk bool, ctx float64, haveCtx bool) float64 {
	behavioral := 0.0
	if haveRisk {
		behavioral = 100 - risk
	}
	context := 0.0
	if haveCtx {
		context = ctx
	}
	return core.Clamp(behavioral*0.5+context*0.5, 0, 100)
}

// finish publishes the decision to sinks and the event bus. All side effects
// are best-effort; the decision is already final.
func (e *Engine) finish(d *core.AccessDecision) {
	slog.Info("access decision rendered",
		"request_id", d.RequestID,
		"user_id", d.UserID,
		"decision", d.Decision,
		"policy_id", d.PolicyID,
		"policy_version", d.PolicyVersion)

	for _, sink := range e.sinks {
		sink.RecordDecision(d)
	}
	if e.emitter != nil {
		e.emitter.Emit(events.TypeDecisionRendered, d.UserID, map[string]interface{}{
			"request_id": d.RequestID,
			"decision":   string(d.Decision),
			"policy_id":  d.PolicyID,
		})
	}
}
