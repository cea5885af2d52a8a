package estimator

import (
	"math"
	"sort"

	"github.com/austinkregel/tunerd/internal/ring"
)

// AnfConfig tunes a single adaptive notch tracker (spec §4.5, §9 open
// question #1: the source's two observed adaptation rates, 1e-3 and 1e+1,
// are resolved here as a named, defaulted field rather than guessed at).
type AnfConfig struct {
	SampleRate float64
	// AdaptRate is mu, the gradient-descent step size. Default 1e-3: the
	// smaller of the two rates observed in the source, chosen because an
	// unnormalized gradient with a large gain risks instability.
	AdaptRate float64
	// Bandwidth in Hz, used to derive the pole radius r.
	Bandwidth float64
	// EnergyThreshold gates adaptation: no update while e <= EnergyThreshold.
	EnergyThreshold float64
	// GradClamp bounds the per-sample gradient magnitude.
	GradClamp float64
}

// DefaultAnfConfig returns spec-consistent defaults.
func DefaultAnfConfig(sampleRate float64) AnfConfig {
	return AnfConfig{
		SampleRate:      sampleRate,
		AdaptRate:       1e-3,
		Bandwidth:       20,
		EnergyThreshold: 1e-6,
		GradClamp:       1e6,
	}
}

// AnfState is the per-tracker state of an adaptive notch filter (spec §3).
type AnfState struct {
	cfg AnfConfig

	omega float64 // radians/sample
	r     float64 // pole radius

	x1, x2, y1, y2 float64

	energyEWMA float64 // smoothed residual energy, alpha=0.01
	omegaEWMA  float64 // heavily smoothed omega, alpha=0.9

	history   [10]float64
	histLen   int
	histIndex int
}

// NewAnfTracker seeds a tracker at an initial frequency guess (Hz).
func NewAnfTracker(cfg AnfConfig, initialHz float64) *AnfState {
	omega := 2 * math.Pi * initialHz / cfg.SampleRate
	r := 1 - math.Pi*cfg.Bandwidth/cfg.SampleRate

	s := &AnfState{cfg: cfg, omega: omega, r: r}
	s.omegaEWMA = omega
	return s
}

// Reset clears delay lines (does not change the seeded frequency).
func (s *AnfState) Reset() {
	s.x1, s.x2, s.y1, s.y2 = 0, 0, 0, 0
	s.energyEWMA = 0
	s.histLen = 0
	s.histIndex = 0
}

// Step filters one sample and adapts omega via gradient descent on output
// energy (spec §4.5).
func (s *AnfState) Step(x float64) float64 {
	cosW := math.Cos(s.omega)

	y := x - 2*cosW*s.x1 + s.x2 + 2*s.r*cosW*s.y1 - s.r*s.r*s.y2

	e := y * y
	s.energyEWMA = 0.01*e + 0.99*s.energyEWMA

	if s.energyEWMA > s.cfg.EnergyThreshold {
		dydw := 2 * math.Sin(s.omega) * (s.x1 - s.r*s.y1)
		g := 2 * y * dydw
		if g > s.cfg.GradClamp {
			g = s.cfg.GradClamp
		} else if g < -s.cfg.GradClamp {
			g = -s.cfg.GradClamp
		}

		eNorm := s.energyEWMA / (s.energyEWMA + 0.1)
		s.omega -= s.cfg.AdaptRate * g * (1 + 4*eNorm)

		s.omegaEWMA = 0.9*s.omegaEWMA + 0.1*s.omega
		s.omega = s.omegaEWMA

		if s.omega < 0.01 {
			s.omega = 0.01
		} else if s.omega > 0.99*math.Pi {
			s.omega = 0.99 * math.Pi
		}
	}

	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y

	hz := s.omega * s.cfg.SampleRate / (2 * math.Pi)
	s.history[s.histIndex] = hz
	s.histIndex = (s.histIndex + 1) % len(s.history)
	if s.histLen < len(s.history) {
		s.histLen++
	}

	return y
}

// EstimateHz returns the tracker's current frequency estimate.
func (s *AnfState) EstimateHz() float64 {
	return s.omega * s.cfg.SampleRate / (2 * math.Pi)
}

// ResidualEnergy returns the smoothed output energy.
func (s *AnfState) ResidualEnergy() float64 {
	return s.energyEWMA
}

// BandwidthHz returns the notch bandwidth implied by the pole radius.
func (s *AnfState) BandwidthHz() float64 {
	return (1 - s.r) * s.cfg.SampleRate / math.Pi
}

// Amplitude derives an amplitude estimate from notch depth. Spec §4.5
// (and §9 open question #3) adopts sqrt(max(0, 1-2e)), the form
// consistent with "amplitude derived from notch depth", over a
// source comment's sqrt(1-e).
func (s *AnfState) Amplitude() float64 {
	v := 1 - 2*s.energyEWMA
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// Convergence rates how settled the tracker's frequency estimate is, via
// the standard deviation of its last 10 frequency estimates: lower is
// more converged.
func (s *AnfState) Convergence() float64 {
	if s.histLen < 2 {
		return math.Inf(1)
	}
	var sum float64
	for i := 0; i < s.histLen; i++ {
		sum += s.history[i]
	}
	mean := sum / float64(s.histLen)

	var variance float64
	for i := 0; i < s.histLen; i++ {
		d := s.history[i] - mean
		variance += d * d
	}
	variance /= float64(s.histLen)
	return math.Sqrt(variance)
}

// AnfCascadeResult is one tracker's reported estimate (spec §4.5).
type AnfCascadeResult struct {
	Hz           float64
	Energy       float64
	BandwidthHz  float64
	Amplitude    float64
	Convergence  float64
}

// AnfCascade runs K trackers seeded across a frequency window, pulling the
// latest 100ms from a ring buffer each call (spec §4.5).
type AnfCascade struct {
	cfg      AnfConfig
	trackers []*AnfState
}

// NewAnfCascade seeds K trackers evenly spaced across +/- spreadHz of
// centerHz.
func NewAnfCascade(cfg AnfConfig, centerHz, spreadHz float64, k int) *AnfCascade {
	c := &AnfCascade{cfg: cfg}
	if k < 1 {
		k = 1
	}
	for i := 0; i < k; i++ {
		t := 0.0
		if k > 1 {
			t = float64(i)/float64(k-1) - 0.5
		}
		c.trackers = append(c.trackers, NewAnfTracker(cfg, centerHz+t*2*spreadHz))
	}
	return c
}

// Run pulls the latest 100ms from raw and runs every sample through every
// tracker, returning results sorted by amplitude descending and
// deduplicated within 0.1 Hz.
func (c *AnfCascade) Run(raw *ring.SampleRing[float32]) []AnfCascadeResult {
	n := int(c.cfg.SampleRate * 0.1)
	samples, _ := raw.Read(ring.Latest, ring.Bookmark(n))

	for _, s := range samples {
		for _, t := range c.trackers {
			t.Step(float64(s))
		}
	}

	results := make([]AnfCascadeResult, 0, len(c.trackers))
	for _, t := range c.trackers {
		results = append(results, AnfCascadeResult{
			Hz:          t.EstimateHz(),
			Energy:      t.ResidualEnergy(),
			BandwidthHz: t.BandwidthHz(),
			Amplitude:   t.Amplitude(),
			Convergence: t.Convergence(),
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Amplitude > results[j].Amplitude })

	deduped := results[:0]
	for _, r := range results {
		dup := false
		for _, kept := range deduped {
			if math.Abs(kept.Hz-r.Hz) < 0.1 {
				dup = true
				break
			}
		}
		if !dup {
			deduped = append(deduped, r)
		}
	}
	return deduped
}
