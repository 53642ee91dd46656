package contextual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgate/backend/internal/config"
	"github.com/campusgate/backend/internal/core"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	return NewEvaluator(cfg)
}

// businessHours is a Wednesday at 10:00.
var businessHours = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

// =============================================================================
// DEVICE HEALTH
// =============================================================================

func TestDeviceHealth_FullySecureDeviceScoresAbove80(t *testing.T) {
	e := newEvaluator(t)
	score := e.DeviceHealth(core.DeviceFacts{
		OSPatched: true, Antivirus: true, DiskEncrypted: true, Known: true, Compliant: true,
	})
	assert.InDelta(t, 100.0, score, 1e-9)
	assert.Greater(t, score, 80.0)
}

func TestDeviceHealth_InsecureDeviceScoresBelow50(t *testing.T) {
	e := newEvaluator(t)
	score := e.DeviceHealth(core.DeviceFacts{})
	assert.Less(t, score, 50.0)
}

func TestDeviceHealth_WeightsMatchConfiguredSplit(t *testing.T) {
	e := newEvaluator(t)
	// OS patch alone carries weight 0.30.
	assert.InDelta(t, 30.0, e.DeviceHealth(core.DeviceFacts{OSPatched: true}), 1e-9)
	// Compliance alone carries the smallest weight, 0.10.
	assert.InDelta(t, 10.0, e.DeviceHealth(core.DeviceFacts{Compliant: true}), 1e-9)
}

// =============================================================================
// NETWORK SECURITY
// =============================================================================

func TestNetworkSecurity_CampusWithVPNScoresAbove70(t *testing.T) {
	e := newEvaluator(t)
	assert.Greater(t, e.NetworkSecurity(core.NetworkCampus, true), 70.0)
}

func TestNetworkSecurity_VPNScoresAbove70(t *testing.T) {
	e := newEvaluator(t)
	assert.Greater(t, e.NetworkSecurity(core.NetworkVPN, false), 70.0)
}

func TestNetworkSecurity_PublicWithoutVPNScoresBelow60(t *testing.T) {
	e := newEvaluator(t)
	assert.Less(t, e.NetworkSecurity(core.NetworkPublic, false), 60.0)
}

func TestNetworkSecurity_VPNNeverLowersTheScore(t *testing.T) {
	e := newEvaluator(t)
	// Campus already scores 100; activating a VPN must not pull it toward 90.
	assert.InDelta(t, 100.0, e.NetworkSecurity(core.NetworkCampus, true), 1e-9)
	// On public wifi the VPN dominates the blend.
	assert.Greater(t, e.NetworkSecurity(core.NetworkPublic, true), e.NetworkSecurity(core.NetworkPublic, false))
}

func TestNetworkSecurity_UnknownNetworkTreatedAsUntrusted(t *testing.T) {
	e := newEvaluator(t)
	assert.InDelta(t, 20.0, e.NetworkSecurity(core.NetworkType("carrier"), false), 1e-9)
}

// =============================================================================
// TIME APPROPRIATENESS
// =============================================================================

func TestTimeAppropriateness_BusinessHoursScoreAbove80(t *testing.T) {
	e := newEvaluator(t)
	assert.Greater(t, e.TimeAppropriateness(businessHours), 80.0)
}

func TestTimeAppropriateness_ThreeAMScoresBelow50(t *testing.T) {
	e := newEvaluator(t)
	threeAM := time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)
	assert.Less(t, e.TimeAppropriateness(threeAM), 50.0)
}

func TestTimeAppropriateness_WeekendScoresLowerThanWeekday(t *testing.T) {
	e := newEvaluator(t)
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	assert.Less(t, e.TimeAppropriateness(saturday), e.TimeAppropriateness(businessHours))
}

// =============================================================================
// TRAVEL FEASIBILITY
// =============================================================================

func TestTravelFeasibility_NoHistoryIsNeutral(t *testing.T) {
	e := newEvaluator(t)
	score, impossible := e.TravelFeasibility(&core.GeoPoint{Latitude: 40, Longitude: -74}, nil)
	assert.False(t, impossible)
	assert.InDelta(t, 75.0, score, 1e-9)
}

func TestTravelFeasibility_Over500KmInUnderAnHourIsImpossible(t *testing.T) {
	e := newEvaluator(t)
	now := time.Now()
	// New York to Chicago, roughly 1150 km, 30 minutes apart.
	prior := &core.GeoPoint{Latitude: 40.7128, Longitude: -74.0060, Timestamp: now.Add(-30 * time.Minute)}
	current := &core.GeoPoint{Latitude: 41.8781, Longitude: -87.6298, Timestamp: now}

	score, impossible := e.TravelFeasibility(current, prior)
	assert.True(t, impossible)
	assert.Less(t, score, 10.0)
}

func TestTravelFeasibility_PlausibleCommuteScoresHigh(t *testing.T) {
	e := newEvaluator(t)
	now := time.Now()
	// About 30 km in an hour.
	prior := &core.GeoPoint{Latitude: 40.7128, Longitude: -74.0060, Timestamp: now.Add(-time.Hour)}
	current := &core.GeoPoint{Latitude: 40.9, Longitude: -74.2, Timestamp: now}

	score, impossible := e.TravelFeasibility(current, prior)
	assert.False(t, impossible)
	assert.Greater(t, score, 80.0)
}

func TestTravelFeasibility_SimultaneousDistantFixesAreImpossible(t *testing.T) {
	e := newEvaluator(t)
	now := time.Now()
	prior := &core.GeoPoint{Latitude: 40.7128, Longitude: -74.0060, Timestamp: now}
	current := &core.GeoPoint{Latitude: 41.8781, Longitude: -87.6298, Timestamp: now}

	_, impossible := e.TravelFeasibility(current, prior)
	assert.True(t, impossible)
}

// =============================================================================
// OVERALL BLEND AND STEP-UP
// =============================================================================

func TestEvaluate_SecureSnapshotDoesNotStepUp(t *testing.T) {
	e := newEvaluator(t)
	score := e.Evaluate(&core.ContextSnapshot{
		UserID:    "u-1",
		Device:    core.DeviceFacts{OSPatched: true, Antivirus: true, DiskEncrypted: true, Known: true, Compliant: true},
		Network:   core.NetworkCampus,
		Timestamp: businessHours,
	})
	// 100*.30 + 100*.25 + 90*.20 + 75*.25 = 91.75
	assert.InDelta(t, 91.75, score.Overall, 1e-9)
	assert.False(t, score.StepUp)
	assert.False(t, score.Impossible)
}

func TestEvaluate_HostileSnapshotStepsUp(t *testing.T) {
	e := newEvaluator(t)
	threeAM := time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)
	score := e.Evaluate(&core.ContextSnapshot{
		UserID:    "u-1",
		Device:    core.DeviceFacts{},
		Network:   core.NetworkPublic,
		Timestamp: threeAM,
	})
	// 0*.30 + 20*.25 + 35*.20 + 75*.25 = 30.75
	assert.InDelta(t, 30.75, score.Overall, 1e-9)
	assert.True(t, score.StepUp)
}

func TestEvaluate_StepUpBoundaryIsConfigurable(t *testing.T) {
	// Build a snapshot landing between the two documented thresholds:
	// 40*.30 + 20*.25 + 90*.20 + 75*.25 = 53.75
	snap := &core.ContextSnapshot{
		UserID:    "u-1",
		Device:    core.DeviceFacts{OSPatched: true, Compliant: true},
		Network:   core.NetworkPublic,
		Timestamp: businessHours,
	}

	at50 := config.Default()
	at50.Context.StepUpThreshold = 50
	scoreAt50 := NewEvaluator(at50).Evaluate(snap)
	assert.InDelta(t, 53.75, scoreAt50.Overall, 1e-9)
	assert.False(t, scoreAt50.StepUp)

	at60 := config.Default()
	at60.Context.StepUpThreshold = 60
	scoreAt60 := NewEvaluator(at60).Evaluate(snap)
	assert.True(t, scoreAt60.StepUp)
}

func TestEvaluate_ImpossibleTravelSurvivesIntoTheScore(t *testing.T) {
	e := newEvaluator(t)
	now := time.Now()
	score := e.Evaluate(&core.ContextSnapshot{
		UserID:        "u-1",
		Device:        core.DeviceFacts{OSPatched: true, Antivirus: true, DiskEncrypted: true, Known: true, Compliant: true},
		Network:       core.NetworkCampus,
		Timestamp:     businessHours,
		Location:      &core.GeoPoint{Latitude: 41.8781, Longitude: -87.6298, Timestamp: now},
		PriorLocation: &core.GeoPoint{Latitude: 40.7128, Longitude: -74.0060, Timestamp: now.Add(-30 * time.Minute)},
	})
	assert.True(t, score.Impossible)
	assert.Less(t, score.Location, 10.0)
}
