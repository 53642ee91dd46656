// Package contextual scores the plausibility of an access attempt from
// device posture, network origin, time of day, and travel feasibility.
package contextual

import (
	"log/slog"
	"math"
	"time"

	"github.com/campusgate/backend/internal/config"
	"github.com/campusgate/backend/internal/core"
)

// Evaluator computes the four context sub-scores and their weighted blend.
// Snapshots are immutable; the evaluator holds no per-identity state.
type Evaluator struct {
	weights       config.ContextWeights
	deviceWeights config.DeviceWeights
	stepUp        float64
	maxSpeedKmh   float64
}

// NewEvaluator builds an evaluator from validated config.
func NewEvaluator(cfg *config.Config) *Evaluator {
	return &Evaluator{
		weights:       cfg.Context.Weights,
		deviceWeights: cfg.Context.DeviceWeights,
		stepUp:        cfg.Context.StepUpThreshold,
		maxSpeedKmh:   cfg.Context.ImpossibleSpeedKmh,
	}
}

// StepUpThreshold returns the configured step-up boundary.
func (e *Evaluator) StepUpThreshold() float64 { return e.stepUp }

// Evaluate scores one snapshot. All sub-scores and the overall score are in
// [0,100].
func (e *Evaluator) Evaluate(snap *core.ContextSnapshot) core.ContextScore {
	score := core.ContextScore{
		Device:  e.DeviceHealth(snap.Device),
		Network: e.NetworkSecurity(snap.Network, snap.VPNActive),
		Time:    e.TimeAppropriateness(snap.Timestamp),
	}
	score.Location, score.Impossible = e.TravelFeasibility(snap.Location, snap.PriorLocation)

	score.Overall = core.Clamp(
		score.Device*e.weights.Device+
			score.Network*e.weights.Network+
			score.Time*e.weights.Time+
			score.Location*e.weights.Location,
		0, 100)
	score.StepUp = score.Overall < e.stepUp

	if score.Impossible {
		slog.Warn("impossible travel detected",
			"user_id", snap.UserID,
			"location_score", score.Location)
	}
	return score
}

// DeviceHealth is the weighted posture sum. Weights sum to 1.0 (validated at
// config load), so the result is always in [0,100].
func (e *Evaluator) DeviceHealth(d core.DeviceFacts) float64 {
	score := 0.0
	if d.OSPatched {
		score += e.deviceWeights.OSPatch
	}
	if d.Antivirus {
		score += e.deviceWeights.Antivirus
	}
	if d.DiskEncrypted {
		score += e.deviceWeights.Encryption
	}
	if d.Known {
		score += e.deviceWeights.Known
	}
	if d.Compliant {
		score += e.deviceWeights.Compliance
	}
	return core.Clamp(score*100, 0, 100)
}

// Base scores per network type.
const (
	campusScore = 100
	vpnScore    = 90
	homeScore   = 60
	publicScore = 20
)

// NetworkSecurity scores the network origin. An active VPN on a lower-scored
// network pulls the score toward the VPN score without ever lowering it.
func (e *Evaluator) NetworkSecurity(network core.NetworkType, vpnActive bool) float64 {
	var base float64
	switch network {
	case core.NetworkCampus:
		base = campusScore
	case core.NetworkVPN:
		base = vpnScore
	case core.NetworkHome:
		base = homeScore
	case core.NetworkPublic:
		base = publicScore
	default:
		base = publicScore // unknown networks are treated as untrusted
	}

	if vpnActive {
		blended := vpnScore*0.9 + base*0.1
		if blended > base {
			base = blended
		}
	}
	return core.Clamp(base, 0, 100)
}

// TimeAppropriateness scores the access time. Business hours score high, the
// small-hours window scores low, weekends run on a reduced curve.
func (e *Evaluator) TimeAppropriateness(t time.Time) float64 {
	hour := t.Hour()
	weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday

	var score float64
	switch {
	case hour >= 2 && hour < 6:
		score = 35
	case hour >= 9 && hour < 18:
		score = 90
	case hour >= 7 && hour < 9, hour >= 18 && hour < 21:
		score = 70
	default:
		score = 55
	}

	if weekend {
		// Weekend access is plausible but off-profile for a campus.
		score -= 25
		if hour >= 2 && hour < 6 {
			score = 25
		}
	}
	return core.Clamp(score, 0, 100)
}

// TravelFeasibility compares the current fix to the immediately prior one.
// A change implying more than the configured speed is flagged impossible and
// scored near zero.
func (e *Evaluator) TravelFeasibility(current, prior *core.GeoPoint) (float64, bool) {
	if current == nil || prior == nil {
		return 75, false // no travel history, neutral
	}

	distanceKm := haversineKm(prior.Latitude, prior.Longitude, current.Latitude, current.Longitude)
	elapsed := current.Timestamp.Sub(prior.Timestamp)

	if elapsed <= 0 {
		if distanceKm > 1 {
			return 2, true // two places at once
		}
		return 75, false
	}

	speedKmh := distanceKm / elapsed.Hours()
	if speedKmh > e.maxSpeedKmh {
		return 2, true
	}

	// Plausible travel: slower implied speed scores higher.
	return core.Clamp(100-(speedKmh/e.maxSpeedKmh)*60, 30, 100), false
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
