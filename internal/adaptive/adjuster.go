// Package adaptive observes decision outcomes and tunes policy thresholds.
// It talks to the decision engine only through committed policy versions:
// outcomes are appended to a log, a reconciliation pass computes
// effectiveness and proposes new versions, and the engine reads whatever is
// committed. Nothing here ever touches an in-flight decision.
package adaptive

import (
	"log/slog"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
	"github.com/campusgate/backend/internal/policy"
)

// Record pairs a rendered decision with its real-world result.
type Record struct {
	Decision core.AccessDecision `json:"decision"`
	Result   string              `json:"result"`
}

// Proposal is one threshold change the adjuster considered.
type Proposal struct {
	PolicyID      string    `json:"policy_id"`
	FromVersion   int       `json:"from_version"`
	OldMin        float64   `json:"old_min_confidence"`
	NewMin        float64   `json:"new_min_confidence"`
	CurrentEff    float64   `json:"current_effectiveness"`
	SimulatedEff  float64   `json:"simulated_effectiveness"`
	Applied       bool      `json:"applied"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// Config bounds the adjuster's behavior.
type Config struct {
	ReconcileInterval time.Duration
	MinOutcomes       int     // records required before a policy is judged
	LowerBound        float64 // effectiveness below this triggers a proposal
	UpperBound        float64 // effectiveness above this can relax the policy
	PenaltyFactor     float64 // k in the effectiveness formula
	ConfidenceStep    float64 // size of one min-confidence adjustment
	MaxRecords        int     // per-policy record window for simulation
}

// Adjuster consumes the outcome stream and proposes, simulates, applies or
// rolls back policy threshold changes.
type Adjuster struct {
	mu        sync.RWMutex
	store     *policy.VersionStore
	records   map[string][]Record // policy ID -> recent outcome records
	proposals []Proposal
	emitter   events.Emitter
	cfg       Config
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewAdjuster creates an adjuster. Zero config values get defaults.
func NewAdjuster(store *policy.VersionStore, emitter events.Emitter, cfg Config) *Adjuster {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.MinOutcomes == 0 {
		cfg.MinOutcomes = 20
	}
	if cfg.LowerBound == 0 {
		cfg.LowerBound = 0.60
	}
	if cfg.UpperBound == 0 {
		cfg.UpperBound = 0.95
	}
	if cfg.PenaltyFactor == 0 {
		cfg.PenaltyFactor = 1.5
	}
	if cfg.ConfidenceStep == 0 {
		cfg.ConfidenceStep = 5
	}
	if cfg.MaxRecords == 0 {
		cfg.MaxRecords = 500
	}
	return &Adjuster{
		store:   store,
		records: make(map[string][]Record),
		emitter: emitter,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the background reconciliation loop.
func (a *Adjuster) Start() {
	slog.Info("adaptive adjuster started", "interval", a.cfg.ReconcileInterval)
	go func() {
		ticker := time.NewTicker(a.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Reconcile()
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop.
func (a *Adjuster) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// RecordOutcome appends one decision/result pair to the policy's log.
func (a *Adjuster) RecordOutcome(d core.AccessDecision, result string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	recs := append(a.records[d.PolicyID], Record{Decision: d, Result: result})
	if len(recs) > a.cfg.MaxRecords {
		recs = recs[len(recs)-a.cfg.MaxRecords:]
	}
	a.records[d.PolicyID] = recs
}

// Effectiveness computes the policy's current effectiveness score:
// accuracy = verified/total; penalty = falsePositives/total * k;
// effectiveness = clamp(accuracy - penalty, 0, 1). Accuracy dominates by
// construction; the score is monotonically non-increasing in the
// false-positive rate.
func (a *Adjuster) Effectiveness(policyID string) (float64, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return effectiveness(a.records[policyID], a.cfg.PenaltyFactor)
}

func effectiveness(recs []Record, k float64) (float64, int) {
	if len(recs) == 0 {
		return 0, 0
	}
	verified, falsePositives := 0, 0
	for _, r := range recs {
		if r.Result == core.ResultFalsePositive {
			falsePositives++
			continue
		}
		if verifiedOutcome(r.Decision.Decision, r.Result) {
			verified++
		}
	}
	total := float64(len(recs))
	accuracy := float64(verified) / total
	penalty := float64(falsePositives) / total * k
	return core.Clamp(accuracy-penalty, 0, 1), len(recs)
}

// verifiedOutcome reports whether the rendered decision matched reality.
func verifiedOutcome(d core.Decision, result string) bool {
	switch result {
	case core.ResultLegitimate:
		return d == core.DecisionGrant
	case core.ResultIncident:
		return d != core.DecisionGrant
	}
	return false
}

// Reconcile runs one pass: for every policy with enough outcomes, judge
// effectiveness, propose a threshold change when it drifts out of bounds,
// simulate the change against the recorded decisions, and apply it only when
// simulation shows net improvement. Rejected proposals are retained for
// audit.
func (a *Adjuster) Reconcile() {
	a.mu.Lock()
	type candidate struct {
		policyID string
		recs     []Record
	}
	candidates := make([]candidate, 0)
	for id, recs := range a.records {
		if len(recs) >= a.cfg.MinOutcomes {
			candidates = append(candidates, candidate{id, append([]Record(nil), recs...)})
		}
	}
	a.mu.Unlock()

	for _, c := range candidates {
		a.reconcilePolicy(c.policyID, c.recs)
	}
}

func (a *Adjuster) reconcilePolicy(policyID string, recs []Record) {
	current := a.store.GetActive(policyID)
	if current == nil {
		return
	}

	eff, _ := effectiveness(recs, a.cfg.PenaltyFactor)
	if eff >= a.cfg.LowerBound && eff <= a.cfg.UpperBound {
		return
	}

	// Below bound with incidents slipping through: tighten. Below bound
	// drowning in false positives (or above the upper bound): relax.
	incidents, falsePositives := 0, 0
	for _, r := range recs {
		switch r.Result {
		case core.ResultIncident:
			if r.Decision.Decision == core.DecisionGrant {
				incidents++
			}
		case core.ResultFalsePositive:
			falsePositives++
		}
	}

	newMin := current.MinConfidence
	reason := ""
	switch {
	case eff < a.cfg.LowerBound && incidents >= falsePositives:
		newMin = core.Clamp(current.MinConfidence+a.cfg.ConfidenceStep, 0, 100)
		reason = "effectiveness below bound, incidents granted"
	case eff < a.cfg.LowerBound:
		newMin = core.Clamp(current.MinConfidence-a.cfg.ConfidenceStep, 0, 100)
		reason = "effectiveness below bound, false positives dominate"
	case eff > a.cfg.UpperBound:
		newMin = core.Clamp(current.MinConfidence-a.cfg.ConfidenceStep, 0, 100)
		reason = "effectiveness above bound, relaxing"
	}
	if newMin == current.MinConfidence {
		return
	}

	proposal := Proposal{
		PolicyID:    policyID,
		FromVersion: current.Version,
		OldMin:      current.MinConfidence,
		NewMin:      newMin,
		CurrentEff:  eff,
		Reason:      reason,
		CreatedAt:   time.Now(),
	}
	proposal.SimulatedEff = simulate(recs, newMin, a.cfg.PenaltyFactor)

	if proposal.SimulatedEff <= eff {
		slog.Info("policy adjustment rejected by simulation",
			"policy_id", policyID,
			"current_effectiveness", eff,
			"simulated_effectiveness", proposal.SimulatedEff)
		a.keep(proposal)
		return
	}

	next := *current
	next.MinConfidence = newMin
	applied := a.store.Push(next)
	proposal.Applied = true
	a.keep(proposal)

	slog.Info("policy adjustment applied",
		"policy_id", policyID,
		"version", applied.Version,
		"min_confidence", newMin,
		"reason", reason)
	if a.emitter != nil {
		a.emitter.Emit(events.TypePolicyChanged, policyID, map[string]interface{}{
			"version":        applied.Version,
			"min_confidence": newMin,
			"reason":         reason,
		})
	}
}

// simulate replays the recorded decisions with the candidate threshold and
// returns the effectiveness the policy would have had. Terminate and
// threat-driven denies are threshold-independent and replay unchanged.
func simulate(recs []Record, newMin, k float64) float64 {
	simulated := make([]Record, len(recs))
	for i, r := range recs {
		s := r
		if r.Decision.Decision == core.DecisionGrant || r.Decision.Decision == core.DecisionStepUp {
			combined := core.Clamp((100-r.Decision.BehavioralScore)*0.5+r.Decision.ContextScore*0.5, 0, 100)
			if combined < newMin {
				s.Decision.Decision = core.DecisionStepUp
			} else {
				s.Decision.Decision = core.DecisionGrant
			}
			// A step-up that reality marked false positive would clear under
			// a threshold it now passes.
			if s.Decision.Decision == core.DecisionGrant && r.Result == core.ResultFalsePositive {
				s.Result = core.ResultLegitimate
			}
		}
		simulated[i] = s
	}
	eff, _ := effectiveness(simulated, k)
	return eff
}

func (a *Adjuster) keep(p Proposal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proposals = append(a.proposals, p)
}

// Proposals returns the proposal history, applied and rejected.
func (a *Adjuster) Proposals() []Proposal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Proposal(nil), a.proposals...)
}

// Rollback restores a prior policy version wholesale. Valid at any later
// time; no partial reconciliation happens.
func (a *Adjuster) Rollback(policyID string, targetVersion int) (*core.Policy, error) {
	restored, err := a.store.Rollback(policyID, targetVersion)
	if err != nil {
		return nil, err
	}
	slog.Info("policy rolled back", "policy_id", policyID, "version", targetVersion)
	if a.emitter != nil {
		a.emitter.Emit(events.TypePolicyRolledBack, policyID, map[string]interface{}{
			"version": targetVersion,
		})
	}
	return restored, nil
}
