package diagnostics

import (
	"time"

	"dayfeed/internal/clock"
)

// Health status labels.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Score weights. Hit rate and error rate carry the most signal; integrity
// and freshness round the picture out.
const (
	weightHitRate   = 0.30
	weightErrorRate = 0.30
	weightIntegrity = 0.20
	weightFreshness = 0.20
)

// HealthSources are the probes the health score is computed from. Any of
// them may be nil; missing inputs score neutrally rather than failing.
type HealthSources struct {
	HitRate       func() (rate float64, known bool)
	ErrorRate     func() (rate float64, known bool)
	LastIntegrity func() (checkedAt time.Time, err error)
	ContentFresh  func() (fresh bool, hasContent bool)
}

// HealthReport is the weighted health rollup.
type HealthReport struct {
	Status           string    `json:"status"`
	Score            float64   `json:"score"`
	HitRate          float64   `json:"hit_rate"`
	ErrorRate        float64   `json:"error_rate"`
	IntegrityOK      bool      `json:"integrity_ok"`
	IntegrityChecked bool      `json:"integrity_checked"`
	ContentFresh     bool      `json:"content_fresh"`
	HasContent       bool      `json:"has_content"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Health computes the weighted health score.
type Health struct {
	clock clock.Clock
	src   HealthSources
}

// NewHealth creates a Health reporter.
func NewHealth(clk clock.Clock, src HealthSources) *Health {
	if clk == nil {
		clk = clock.System{}
	}
	return &Health{clock: clk, src: src}
}

// Report computes the score in [0, 100]. It never fails: inputs with no
// data contribute a neutral full weight and the status degrades to
// "unknown" when nothing at all is known.
func (h *Health) Report() HealthReport {
	r := HealthReport{GeneratedAt: h.clock.Now()}
	score := 0.0
	anyKnown := false

	if h.src.HitRate != nil {
		if rate, known := h.src.HitRate(); known {
			r.HitRate = rate
			score += rate * weightHitRate
			anyKnown = true
		} else {
			score += weightHitRate
		}
	} else {
		score += weightHitRate
	}

	if h.src.ErrorRate != nil {
		if rate, known := h.src.ErrorRate(); known {
			r.ErrorRate = rate
			score += (1 - rate) * weightErrorRate
			anyKnown = true
		} else {
			score += weightErrorRate
		}
	} else {
		score += weightErrorRate
	}

	if h.src.LastIntegrity != nil {
		if checkedAt, err := h.src.LastIntegrity(); !checkedAt.IsZero() {
			r.IntegrityChecked = true
			r.IntegrityOK = err == nil
			anyKnown = true
			if err == nil {
				score += weightIntegrity
			}
		} else {
			score += weightIntegrity
		}
	} else {
		score += weightIntegrity
	}

	if h.src.ContentFresh != nil {
		fresh, has := h.src.ContentFresh()
		r.ContentFresh = fresh
		r.HasContent = has
		anyKnown = true
		switch {
		case fresh:
			score += weightFreshness
		case has:
			// Serving fallback content: partial credit.
			score += weightFreshness / 2
		}
	} else {
		score += weightFreshness
	}

	r.Score = score * 100
	switch {
	case !anyKnown:
		r.Status = StatusUnknown
	case r.Score >= 80:
		r.Status = StatusHealthy
	case r.Score >= 50:
		r.Status = StatusDegraded
	default:
		r.Status = StatusUnhealthy
	}
	return r
}
