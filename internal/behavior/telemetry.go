package behavior

import (
	"math"
	"sort"
	"time"

	"github.com/campusgate/backend/internal/core"
)

// KeyEvent is one keystroke sample from the telemetry feed.
type KeyEvent struct {
	Key       string    `json:"key"`
	DownAt    time.Time `json:"down_at"`
	UpAt      time.Time `json:"up_at"`
	Digraph   string    `json:"digraph,omitempty"`
	Backspace bool      `json:"backspace"`
}

// MouseEvent is one pointer sample.
type MouseEvent struct {
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Timestamp   time.Time `json:"timestamp"`
	Click       bool      `json:"click"`
	DoubleClick bool      `json:"double_click"`
	Scroll      float64   `json:"scroll"`
}

// NavEvent is one navigation action (page view, resource open, tab switch).
type NavEvent struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Depth     int       `json:"depth"`
	Back      bool      `json:"back"`
}

// TelemetryBatch is the raw per-session input for one sampling interval.
// Any group may be empty; its features are zero-filled so the vector shape
// stays stable for the model.
type TelemetryBatch struct {
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Keys      []KeyEvent   `json:"keys"`
	Mouse     []MouseEvent `json:"mouse"`
	Nav       []NavEvent   `json:"nav"`
}

// ExtractFeatures converts a raw batch into the fixed 35-feature vector:
// 15 keystroke, 12 mouse, 8 navigation.
func ExtractFeatures(batch *TelemetryBatch) [core.TotalFeatures]float64 {
	var v [core.TotalFeatures]float64
	fillKeystroke(v[0:core.KeystrokeFeatures], batch.Keys)
	fillMouse(v[core.KeystrokeFeatures:core.KeystrokeFeatures+core.MouseFeatures], batch.Mouse)
	fillNavigation(v[core.KeystrokeFeatures+core.MouseFeatures:], batch.Nav)
	return v
}

func fillKeystroke(out []float64, keys []KeyEvent) {
	if len(keys) == 0 {
		return
	}

	dwell := make([]float64, 0, len(keys))
	flight := make([]float64, 0, len(keys))
	backspaces := 0.0
	for i, k := range keys {
		dwell = append(dwell, k.UpAt.Sub(k.DownAt).Seconds()*1000)
		if i > 0 {
			flight = append(flight, k.DownAt.Sub(keys[i-1].UpAt).Seconds()*1000)
		}
		if k.Backspace {
			backspaces++
		}
	}

	span := keys[len(keys)-1].UpAt.Sub(keys[0].DownAt).Seconds()
	rate := 0.0
	if span > 0 {
		rate = float64(len(keys)) / span
	}

	out[0] = mean(dwell)
	out[1] = stddev(dwell)
	out[2] = median(dwell)
	out[3] = minOf(dwell)
	out[4] = maxOf(dwell)
	out[5] = mean(flight)
	out[6] = stddev(flight)
	out[7] = median(flight)
	out[8] = minOf(flight)
	out[9] = maxOf(flight)
	out[10] = rate
	out[11] = backspaces / float64(len(keys))
	out[12] = float64(len(keys))
	out[13] = span
	out[14] = percentile(dwell, 0.9)
}

func fillMouse(out []float64, moves []MouseEvent) {
	if len(moves) == 0 {
		return
	}

	speeds := make([]float64, 0, len(moves))
	clicks, doubles := 0.0, 0.0
	var pathLen, scroll float64
	for i, m := range moves {
		if m.Click {
			clicks++
		}
		if m.DoubleClick {
			doubles++
		}
		scroll += math.Abs(m.Scroll)
		if i > 0 {
			prev := moves[i-1]
			d := math.Hypot(m.X-prev.X, m.Y-prev.Y)
			pathLen += d
			dt := m.Timestamp.Sub(prev.Timestamp).Seconds()
			if dt > 0 {
				speeds = append(speeds, d/dt)
			}
		}
	}

	span := moves[len(moves)-1].Timestamp.Sub(moves[0].Timestamp).Seconds()

	out[0] = mean(speeds)
	out[1] = stddev(speeds)
	out[2] = maxOf(speeds)
	out[3] = pathLen
	out[4] = clicks
	out[5] = doubles
	out[6] = scroll
	out[7] = float64(len(moves))
	out[8] = span
	out[9] = median(speeds)
	out[10] = percentile(speeds, 0.9)
	if span > 0 {
		out[11] = clicks / span
	}
}

func fillNavigation(out []float64, navs []NavEvent) {
	if len(navs) == 0 {
		return
	}

	depths := make([]float64, 0, len(navs))
	intervals := make([]float64, 0, len(navs))
	backs := 0.0
	unique := map[string]struct{}{}
	for i, n := range navs {
		depths = append(depths, float64(n.Depth))
		if n.Back {
			backs++
		}
		unique[n.Path] = struct{}{}
		if i > 0 {
			intervals = append(intervals, n.Timestamp.Sub(navs[i-1].Timestamp).Seconds())
		}
	}

	out[0] = float64(len(navs))
	out[1] = float64(len(unique))
	out[2] = mean(depths)
	out[3] = maxOf(depths)
	out[4] = backs / float64(len(navs))
	out[5] = mean(intervals)
	out[6] = stddev(intervals)
	out[7] = median(intervals)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func median(xs []float64) float64 {
	return percentile(xs, 0.5)
}

func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func minOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
