// Package behavior converts raw interaction telemetry into a per-session
// behavioral risk score and drives the continuous sampling loop across
// active sessions.
package behavior

import (
	"log/slog"

	"github.com/campusgate/backend/internal/core"
)

// Population defaults used on the cold-start path when no user baseline
// exists yet. Derived from aggregate campus telemetry; absence of a baseline
// must never fail a scoring pass.
var (
	populationMean   = 0.5
	populationStdDev = 0.35
)

// Scorer turns a session's feature vector into a risk score in [0,100].
// Baselines are injected per call; the scorer holds no per-user state.
type Scorer struct {
	model *sequenceModel
}

// NewScorer builds a scorer with deterministic model weights derived from
// the configured seed.
func NewScorer(seed int64) *Scorer {
	return &Scorer{model: newSequenceModel(seed)}
}

// Score computes the risk for a session. A nil baseline selects the
// population-default path (cold start).
func (s *Scorer) Score(session *core.BehavioralSession, baseline *core.UserBaseline) float64 {
	var normalized [core.TotalFeatures]float64

	if baseline == nil {
		for i, x := range session.Features {
			normalized[i] = (scaleFeature(i, x) - populationMean) / populationStdDev
		}
	} else {
		for i, x := range session.Features {
			sd := baseline.StdDev[i]
			if sd < 1e-6 {
				sd = populationStdDev
			}
			normalized[i] = (x - baseline.Mean[i]) / sd
		}
	}

	score := s.model.score(normalized)
	slog.Debug("behavioral score computed",
		"session_id", session.SessionID,
		"user_id", session.UserID,
		"cold_start", baseline == nil,
		"score", score)
	return score
}

// BandAction maps a risk score to the mandated action for its band.
type BandAction string

const (
	ActionNone      BandAction = "none"
	ActionMonitor   BandAction = "monitor"
	ActionReauth    BandAction = "reauth"
	ActionTerminate BandAction = "terminate"
)

// ActionFor returns the mandated action for a risk score. The scorer never
// executes the action itself; terminate/reauth are emitted as commands to
// the external session manager.
func ActionFor(score float64) BandAction {
	switch {
	case score > core.ReauthBand:
		return ActionTerminate
	case score > core.MonitorBand:
		return ActionReauth
	case score > core.NormalBand:
		return ActionMonitor
	default:
		return ActionNone
	}
}

// Raw telemetry feature scales differ wildly (milliseconds vs counts); squash
// each into a rough unit range before population normalization. Per-feature
// scale factors mirror the population profile used for the cold-start path.
var featureScales = func() [core.TotalFeatures]float64 {
	var s [core.TotalFeatures]float64
	for i := range s {
		s[i] = 1
	}
	// keystroke timings arrive in milliseconds
	for i := 0; i < 10; i++ {
		s[i] = 1.0 / 200
	}
	s[12] = 1.0 / 100 // key count
	s[13] = 1.0 / 30  // span seconds
	s[14] = 1.0 / 400 // p90 dwell
	// mouse speeds in px/s, path length in px
	s[15] = 1.0 / 800
	s[16] = 1.0 / 400
	s[17] = 1.0 / 2000
	s[18] = 1.0 / 5000
	s[22] = 1.0 / 100 // sample count
	s[23] = 1.0 / 30  // span
	s[24] = 1.0 / 800
	s[25] = 1.0 / 2000
	// navigation counts and intervals
	s[27] = 1.0 / 20
	s[28] = 1.0 / 20
	s[32] = 1.0 / 10
	s[33] = 1.0 / 10
	s[34] = 1.0 / 10
	return s
}()

func scaleFeature(i int, x float64) float64 {
	return x * featureScales[i]
}
