package core

import "time"

// Decision is the terminal output of the Policy Decision Engine.
type Decision string

const (
	DecisionGrant     Decision = "grant"
	DecisionDeny      Decision = "deny"
	DecisionStepUp    Decision = "step_up"
	DecisionTerminate Decision = "terminate"
)

// Behavioral risk bands. Scores above TerminateBand force session termination
// regardless of any policy outcome.
const (
	NormalBand    = 30.0
	MonitorBand   = 60.0
	ReauthBand    = 80.0
	TerminateBand = 80.0
)

// Feature vector shape. Missing sub-signals are zero-filled, never omitted,
// so the model always sees the same cardinality.
const (
	KeystrokeFeatures  = 15
	MouseFeatures      = 12
	NavigationFeatures = 8
	TotalFeatures      = KeystrokeFeatures + MouseFeatures + NavigationFeatures
)

// BehavioralSession is the rolling behavioral state for one active session.
// Created at session start, rescored every sampling interval, discarded at
// session end.
type BehavioralSession struct {
	SessionID  string                 `json:"session_id"`
	UserID     string                 `json:"user_id"`
	Features   [TotalFeatures]float64 `json:"features"`
	BaselineID string                 `json:"baseline_id,omitempty"`
	RiskScore  float64                `json:"risk_score"` // 0-100
	UpdatedAt  time.Time              `json:"updated_at"`
}

// UserBaseline is a per-user statistical profile used to normalize live
// behavioral features. Built by the baseline trainer after the minimum
// observation window; read-only to the scorer.
type UserBaseline struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Mean         [TotalFeatures]float64 `json:"mean"`
	StdDev       [TotalFeatures]float64 `json:"std_dev"`
	Observations int                    `json:"observations"`
	TrainedAt    time.Time              `json:"trained_at"`
}

// NetworkType classifies the network a request arrives from.
type NetworkType string

const (
	NetworkCampus NetworkType = "campus"
	NetworkVPN    NetworkType = "vpn"
	NetworkHome   NetworkType = "home"
	NetworkPublic NetworkType = "public"
)

// DeviceFacts is the device posture portion of a context snapshot.
type DeviceFacts struct {
	OSPatched     bool `json:"os_patched"`
	Antivirus     bool `json:"antivirus"`
	DiskEncrypted bool `json:"disk_encrypted"`
	Known         bool `json:"known"`
	Compliant     bool `json:"compliant"`
}

// GeoPoint is a timestamped geolocation fix.
type GeoPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextSnapshot captures the device, network, time and location facts for
// one access attempt. Immutable once scored.
type ContextSnapshot struct {
	UserID        string      `json:"user_id"`
	Device        DeviceFacts `json:"device"`
	Network       NetworkType `json:"network"`
	VPNActive     bool        `json:"vpn_active"`
	Timestamp     time.Time   `json:"timestamp"`
	Location      *GeoPoint   `json:"location,omitempty"`
	PriorLocation *GeoPoint   `json:"prior_location,omitempty"`
}

// ContextScore is the output of the Contextual Intelligence Evaluator.
type ContextScore struct {
	Device     float64 `json:"device"`
	Network    float64 `json:"network"`
	Time       float64 `json:"time"`
	Location   float64 `json:"location"`
	Overall    float64 `json:"overall"`
	Impossible bool    `json:"impossible_travel"`
	StepUp     bool    `json:"step_up"` // overall fell below the configured step-up threshold
}

// ThreatType tags a detection rule.
type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatCoordinatedAttack   ThreatType = "coordinated_attack"
	ThreatOther               ThreatType = "other"
)

// PredictionOutcome is the later-bound ground truth for a prediction.
type PredictionOutcome string

const (
	OutcomeConfirmed     PredictionOutcome = "confirmed"
	OutcomeFalsePositive PredictionOutcome = "false_positive"
	OutcomeUnresolved    PredictionOutcome = "unresolved"
)

// ThreatPrediction is a confidence-scored attack pattern detected in the
// historical event stream.
type ThreatPrediction struct {
	ID         string            `json:"id"`
	Type       ThreatType        `json:"type"`
	UserID     string            `json:"user_id,omitempty"`
	Resource   string            `json:"resource,omitempty"`
	Confidence float64           `json:"confidence"` // 0-1
	Evidence   []string          `json:"evidence"`   // supporting event IDs
	CreatedAt  time.Time         `json:"created_at"`
	Outcome    PredictionOutcome `json:"outcome"`
}

// Policy is one versioned access rule set. Mutated only by administrators or
// the adaptive adjuster; the decision engine reads committed versions only.
type Policy struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Version         int       `json:"version"`
	Priority        int       `json:"priority"` // higher evaluated first
	Active          bool      `json:"active"`
	ResourceType    string    `json:"resource_type"`
	AllowedRoles    []string  `json:"allowed_roles"`
	MinConfidence   float64   `json:"min_confidence"` // 0-100
	RequireMFA      bool      `json:"require_mfa"`
	RestrictedHours []int     `json:"restricted_hours,omitempty"` // hours of day where access is blocked
	CreatedAt       time.Time `json:"created_at"`
}

// AllowsRole reports whether the policy admits the given role. An empty role
// set admits everyone.
func (p *Policy) AllowsRole(role string) bool {
	if len(p.AllowedRoles) == 0 {
		return true
	}
	for _, r := range p.AllowedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// PolicyOutcome pairs a rendered decision with its real-world result.
// Append-only; feeds the effectiveness calculation.
type PolicyOutcome struct {
	PolicyID  string    `json:"policy_id"`
	Version   int       `json:"version"`
	Decision  Decision  `json:"decision"`
	Result    string    `json:"result"` // legitimate | incident | false_positive
	Timestamp time.Time `json:"timestamp"`
}

const (
	ResultLegitimate    = "legitimate"
	ResultIncident      = "incident"
	ResultFalsePositive = "false_positive"
)

// AccessRequest is the unit of work the decision engine evaluates.
type AccessRequest struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	ResourceType string    `json:"resource_type"`
	Resource     string    `json:"resource"`
	MFAPresent   bool      `json:"mfa_present"`
	Timestamp    time.Time `json:"timestamp"`
}

// TraceEntry is one step of a decision's reasoning trace.
type TraceEntry struct {
	Check   string  `json:"check"`
	Value   float64 `json:"value,omitempty"`
	Limit   float64 `json:"limit,omitempty"`
	Crossed bool    `json:"crossed"`
	Note    string  `json:"note,omitempty"`
}

// AccessDecision is the immutable record emitted for every evaluated request.
// Invariant: PolicyID always references exactly one policy; when nothing
// matched it references the implicit default-deny policy.
type AccessDecision struct {
	RequestID       string       `json:"request_id"`
	UserID          string       `json:"user_id"`
	SessionID       string       `json:"session_id,omitempty"`
	Decision        Decision     `json:"decision"`
	BehavioralScore float64      `json:"behavioral_score"`
	ContextScore    float64      `json:"context_score"`
	ThreatScore     float64      `json:"threat_score"` // highest active prediction confidence, 0-1
	PolicyID        string       `json:"policy_id"`
	PolicyVersion   int          `json:"policy_version"`
	Trace           []TraceEntry `json:"trace"`
	Degraded        []string     `json:"degraded,omitempty"` // signals missing at decision time
	Timestamp       time.Time    `json:"timestamp"`
}

// DefaultDenyPolicyID is the implicit policy recorded when no active policy
// matches a request.
const DefaultDenyPolicyID = "policy-default-deny"

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
