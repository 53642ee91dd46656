package threat

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campusgate/backend/internal/core"
)

// Detection rules are pure functions from an analysis window to an optional
// prediction. Each rule is evaluated independently; any may fire.

// RuleThresholds carries the configured firing thresholds.
type RuleThresholds struct {
	BruteForceAttempts    int // failed attempts per identity per window
	CoordinatedIdentities int // distinct identities
	CoordinatedAttempts   int // combined failed/suspicious attempts
}

// DetectBruteForce fires when one identity accumulates at least the
// configured number of failed authentication attempts within the window.
func DetectBruteForce(userID string, userEvents []AuthEvent, th RuleThresholds) *core.ThreatPrediction {
	failed := make([]string, 0)
	for _, e := range userEvents {
		if !e.Success {
			failed = append(failed, e.ID)
		}
	}
	if len(failed) < th.BruteForceAttempts {
		return nil
	}

	// Confidence grows with attempts past the threshold.
	confidence := core.Clamp(0.60+0.03*float64(len(failed)), 0, 0.99)
	return &core.ThreatPrediction{
		ID:         fmt.Sprintf("tp-%s", uuid.NewString()),
		Type:       core.ThreatBruteForce,
		UserID:     userID,
		Confidence: confidence,
		Evidence:   failed,
		CreatedAt:  time.Now(),
		Outcome:    core.OutcomeUnresolved,
	}
}

// DetectPrivilegeEscalation fires when an identity's requested scopes fall
// outside its historical normal footprint.
func DetectPrivilegeEscalation(userID string, userEvents []AuthEvent, historicalScopes map[string]int) *core.ThreatPrediction {
	if len(historicalScopes) == 0 {
		return nil // no history to deviate from
	}

	outOfScope := make([]string, 0)
	var resource string
	for _, e := range userEvents {
		if e.Scope == "" {
			continue
		}
		if _, known := historicalScopes[e.Scope]; !known {
			outOfScope = append(outOfScope, e.ID)
			resource = e.Resource
		}
	}
	if len(outOfScope) == 0 {
		return nil
	}

	scoped := 0
	for _, e := range userEvents {
		if e.Scope != "" {
			scoped++
		}
	}
	deviation := float64(len(outOfScope)) / float64(scoped)
	confidence := core.Clamp(0.50+0.45*deviation, 0, 0.98)
	return &core.ThreatPrediction{
		ID:         fmt.Sprintf("tp-%s", uuid.NewString()),
		Type:       core.ThreatPrivilegeEscalation,
		UserID:     userID,
		Resource:   resource,
		Confidence: confidence,
		Evidence:   outOfScope,
		CreatedAt:  time.Now(),
		Outcome:    core.OutcomeUnresolved,
	}
}

// DetectCoordinatedAttack fires when enough distinct identities contribute
// enough combined failed or suspicious attempts against a shared target
// resource or from a shared source network within the window.
func DetectCoordinatedAttack(allEvents []AuthEvent, th RuleThresholds) *core.ThreatPrediction {
	type cluster struct {
		identities map[string]struct{}
		evidence   []string
	}

	byTarget := make(map[string]*cluster)
	add := func(key string, e AuthEvent) {
		c, ok := byTarget[key]
		if !ok {
			c = &cluster{identities: make(map[string]struct{})}
			byTarget[key] = c
		}
		c.identities[e.UserID] = struct{}{}
		c.evidence = append(c.evidence, e.ID)
	}

	for _, e := range allEvents {
		if e.Success && !e.Suspicious {
			continue
		}
		if e.Resource != "" {
			add("res:"+e.Resource, e)
		}
		if e.SourceNetwork != "" {
			add("net:"+e.SourceNetwork, e)
		}
	}

	var best *cluster
	var bestKey string
	for key, c := range byTarget {
		if len(c.identities) >= th.CoordinatedIdentities && len(c.evidence) >= th.CoordinatedAttempts {
			if best == nil || len(c.evidence) > len(best.evidence) {
				best, bestKey = c, key
			}
		}
	}
	if best == nil {
		return nil
	}

	confidence := core.Clamp(0.55+0.06*float64(len(best.identities))+0.01*float64(len(best.evidence)), 0, 0.98)
	resource := ""
	if len(bestKey) > 4 && bestKey[:4] == "res:" {
		resource = bestKey[4:]
	}
	return &core.ThreatPrediction{
		ID:         fmt.Sprintf("tp-%s", uuid.NewString()),
		Type:       core.ThreatCoordinatedAttack,
		Resource:   resource,
		Confidence: confidence,
		Evidence:   best.evidence,
		CreatedAt:  time.Now(),
		Outcome:    core.OutcomeUnresolved,
	}
}
