package threat

import "time"

// IndicatorCount is the fixed cardinality of the per-identity indicator
// vector extracted from each analysis window.
const IndicatorCount = 7

// Indicator slots.
const (
	IndFailedRate       = iota // failed-attempt rate in the window
	IndScopeDeviation          // fraction of requests outside historical scope
	IndCrossCorrelation        // other identities hitting the same resources
	IndOffHours                // fraction of events in the 00:00-06:00 band
	IndVelocity                // requests per minute
	IndGeoSpread               // distinct geo regions seen
	IndPriorIncident           // identity had a confirmed incident before
)

// Indicators is the 7-dimensional vector the detection rules read.
type Indicators [IndicatorCount]float64

// ExtractIndicators computes the indicator vector for one identity from its
// window, the full window (for correlation), and the identity's historical
// scope footprint.
func ExtractIndicators(userEvents, allEvents []AuthEvent, historicalScopes map[string]int, priorIncident bool, window time.Duration) Indicators {
	var v Indicators
	if len(userEvents) == 0 {
		return v
	}

	failed := 0
	offHours := 0
	outOfScope := 0
	regions := map[string]struct{}{}
	resources := map[string]struct{}{}
	for _, e := range userEvents {
		if !e.Success {
			failed++
		}
		if h := e.Timestamp.Hour(); h < 6 {
			offHours++
		}
		if e.Scope != "" {
			if _, known := historicalScopes[e.Scope]; !known {
				outOfScope++
			}
		}
		if e.GeoRegion != "" {
			regions[e.GeoRegion] = struct{}{}
		}
		resources[e.Resource] = struct{}{}
	}

	crossIdentity := 0
	for _, e := range allEvents {
		if e.UserID == userEvents[0].UserID {
			continue
		}
		if _, shared := resources[e.Resource]; shared && (!e.Success || e.Suspicious) {
			crossIdentity++
		}
	}

	total := float64(len(userEvents))
	v[IndFailedRate] = float64(failed) / total
	v[IndScopeDeviation] = float64(outOfScope) / total
	v[IndCrossCorrelation] = float64(crossIdentity)
	v[IndOffHours] = float64(offHours) / total
	v[IndVelocity] = total / window.Minutes()
	v[IndGeoSpread] = float64(len(regions))
	if priorIncident {
		v[IndPriorIncident] = 1
	}
	return v
}
