package threat

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/core"
	"github.com/campusgate/backend/internal/events"
)

// AlertSink receives administrator alerts for high-confidence predictions.
type AlertSink interface {
	ThreatAlert(p *core.ThreatPrediction)
}

// Config holds the predictor thresholds. The emit filter is hard: predictions
// at or below it are computed internally but never leave the predictor.
type Config struct {
	Window          time.Duration
	Thresholds      RuleThresholds
	EmitConfidence  float64 // hard emission filter
	AlertConfidence float64 // admin alert threshold
}

// Predictor runs the detection rules over the event log and tracks its own
// historical accuracy and false-positive rate.
type Predictor struct {
	mu             sync.RWMutex
	log            *EventLog
	cfg            Config
	active         map[string]*core.ThreatPrediction // prediction ID -> unresolved prediction
	alerts         AlertSink
	emitter        events.Emitter
	priorIncidents map[string]bool       // user ID -> had a confirmed incident
	indicators     map[string]Indicators // user ID -> vector from the latest window

	confirmed      int
	falsePositives int
	resolved       int
	emitted        int
	suppressed     int
}

// NewPredictor creates a predictor. Zero config values get defaults.
func NewPredictor(log *EventLog, alerts AlertSink, emitter events.Emitter, cfg Config) *Predictor {
	if cfg.Window == 0 {
		cfg.Window = time.Hour
	}
	if cfg.Thresholds.BruteForceAttempts == 0 {
		cfg.Thresholds.BruteForceAttempts = 10
	}
	if cfg.Thresholds.CoordinatedIdentities == 0 {
		cfg.Thresholds.CoordinatedIdentities = 3
	}
	if cfg.Thresholds.CoordinatedAttempts == 0 {
		cfg.Thresholds.CoordinatedAttempts = 10
	}
	if cfg.EmitConfidence == 0 {
		cfg.EmitConfidence = 0.70
	}
	if cfg.AlertConfidence == 0 {
		cfg.AlertConfidence = 0.80
	}
	return &Predictor{
		log:            log,
		cfg:            cfg,
		active:         make(map[string]*core.ThreatPrediction),
		alerts:         alerts,
		emitter:        emitter,
		priorIncidents: make(map[string]bool),
		indicators:     make(map[string]Indicators),
	}
}

// Analyze runs all detection rules against the window ending at now and
// returns the emitted predictions. Low-confidence detections are suppressed
// at the source, not at display time.
func (p *Predictor) Analyze(now time.Time) []*core.ThreatPrediction {
	from := now.Add(-p.cfg.Window)
	all := p.log.Window(from, now)

	byUser := make(map[string][]AuthEvent)
	for _, e := range all {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	candidates := make([]*core.ThreatPrediction, 0)
	profiles := make(map[string]Indicators, len(byUser))
	for userID, userEvents := range byUser {
		scopes := p.log.HistoricalScopes(userID, from)
		ind := ExtractIndicators(userEvents, all, scopes, p.hadIncident(userID), p.cfg.Window)
		profiles[userID] = ind

		userPreds := make([]*core.ThreatPrediction, 0, 2)
		if pred := DetectBruteForce(userID, userEvents, p.cfg.Thresholds); pred != nil {
			userPreds = append(userPreds, pred)
		}
		if pred := DetectPrivilegeEscalation(userID, userEvents, scopes); pred != nil {
			userPreds = append(userPreds, pred)
		}
		// An identity with a confirmed prior incident scores hotter on the
		// same evidence.
		if ind[IndPriorIncident] == 1 {
			for _, pred := range userPreds {
				pred.Confidence = math.Min(pred.Confidence+0.05, 0.99)
			}
		}
		candidates = append(candidates, userPreds...)
	}
	if pred := DetectCoordinatedAttack(all, p.cfg.Thresholds); pred != nil {
		candidates = append(candidates, pred)
	}

	emitted := make([]*core.ThreatPrediction, 0, len(candidates))
	p.mu.Lock()
	p.indicators = profiles
	for _, pred := range candidates {
		if pred.Confidence <= p.cfg.EmitConfidence {
			p.suppressed++
			continue
		}
		p.active[pred.ID] = pred
		p.emitted++
		emitted = append(emitted, pred)
	}
	p.mu.Unlock()

	for _, pred := range emitted {
		slog.Info("threat prediction emitted",
			"prediction_id", pred.ID,
			"type", pred.Type,
			"user_id", pred.UserID,
			"confidence", pred.Confidence)
		if p.emitter != nil {
			p.emitter.Emit(events.TypeThreatPredicted, pred.UserID, map[string]interface{}{
				"prediction_id": pred.ID,
				"type":          string(pred.Type),
				"confidence":    pred.Confidence,
			})
		}
		if pred.Confidence > p.cfg.AlertConfidence {
			if p.alerts != nil {
				p.alerts.ThreatAlert(pred)
			}
			if p.emitter != nil {
				p.emitter.Emit(events.TypeThreatAlert, pred.UserID, map[string]interface{}{
					"prediction_id": pred.ID,
					"type":          string(pred.Type),
					"confidence":    pred.Confidence,
				})
			}
		}
	}
	return emitted
}

// IndicatorsFor returns the indicator vector computed for an identity in the
// most recent analysis window.
func (p *Predictor) IndicatorsFor(userID string) (Indicators, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ind, ok := p.indicators[userID]
	return ind, ok
}

// ActiveFor returns unresolved predictions targeting an identity or resource.
func (p *Predictor) ActiveFor(userID, resource string) []*core.ThreatPrediction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*core.ThreatPrediction, 0)
	for _, pred := range p.active {
		if pred.Outcome != core.OutcomeUnresolved {
			continue
		}
		if (pred.UserID != "" && pred.UserID == userID) || (pred.Resource != "" && pred.Resource == resource) {
			out = append(out, pred)
		}
	}
	return out
}

// Resolve binds the real-world outcome to a prediction and updates the
// accuracy bookkeeping.
func (p *Predictor) Resolve(predictionID string, outcome core.PredictionOutcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pred, ok := p.active[predictionID]
	if !ok {
		return false
	}
	pred.Outcome = outcome

	switch outcome {
	case core.OutcomeConfirmed:
		p.confirmed++
		p.resolved++
		if pred.UserID != "" {
			p.priorIncidents[pred.UserID] = true
		}
	case core.OutcomeFalsePositive:
		p.falsePositives++
		p.resolved++
	}
	delete(p.active, predictionID)
	return true
}

// Accuracy is the fraction of emitted predictions later confirmed.
func (p *Predictor) Accuracy() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.resolved == 0 {
		return 0
	}
	return float64(p.confirmed) / float64(p.resolved)
}

// FalsePositiveRate is the fraction of emitted predictions later marked
// false positive.
func (p *Predictor) FalsePositiveRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.resolved == 0 {
		return 0
	}
	return float64(p.falsePositives) / float64(p.resolved)
}

// Stats returns queryable predictor metrics.
func (p *Predictor) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	accuracy, fpr := 0.0, 0.0
	if p.resolved > 0 {
		accuracy = float64(p.confirmed) / float64(p.resolved)
		fpr = float64(p.falsePositives) / float64(p.resolved)
	}
	return map[string]interface{}{
		"active":              len(p.active),
		"emitted":             p.emitted,
		"suppressed":          p.suppressed,
		"resolved":            p.resolved,
		"accuracy":            accuracy,
		"false_positive_rate": fpr,
		"identities_profiled": len(p.indicators),
	}
}

func (p *Predictor) hadIncident(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.priorIncidents[userID]
}
