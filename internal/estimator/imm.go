package estimator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ImmConfig configures the interacting-multiple-model variant: two EKFs
// with different process-noise parameters (fast: large SigmaFreq2/
// SigmaAmp2; slow: small), plus a 2x2 mode transition matrix (spec §4.6
// "IMM variant").
type ImmConfig struct {
	Fast, Slow EkfConfig
	// Transition is Pi[i][j] = P(mode j | previous mode i), rows/cols
	// ordered (fast, slow).
	Transition [2][2]float64
}

// DefaultImmConfig returns a fast/slow pair and a transition matrix biased
// toward staying in the current mode.
func DefaultImmConfig(tones int, dt float64) ImmConfig {
	fast := DefaultEkfConfig(tones, dt)
	fast.SigmaFreq2 = 50.0
	fast.SigmaAmp2 = 1.0

	slow := DefaultEkfConfig(tones, dt)
	slow.SigmaFreq2 = 0.01
	slow.SigmaAmp2 = 1e-4

	return ImmConfig{
		Fast:       fast,
		Slow:       slow,
		Transition: [2][2]float64{{0.95, 0.05}, {0.05, 0.95}},
	}
}

// ToneIMMFilter tracks M tones with two interacting EKF models and
// maintains mode probabilities (spec §3 ImmState, §4.6).
type ToneIMMFilter struct {
	cfg ImmConfig

	fast, slow     *EkfState
	muFast, muSlow float64
}

// NewToneIMMFilter builds an IMM filter, seeding both internal EKFs
// identically.
func NewToneIMMFilter(cfg ImmConfig, initialFreqsHz []float64) (*ToneIMMFilter, error) {
	fast, err := NewEkfState(cfg.Fast, initialFreqsHz)
	if err != nil {
		return nil, fmt.Errorf("estimator: building fast IMM model: %w", err)
	}
	slow, err := NewEkfState(cfg.Slow, initialFreqsHz)
	if err != nil {
		return nil, fmt.Errorf("estimator: building slow IMM model: %w", err)
	}

	return &ToneIMMFilter{cfg: cfg, fast: fast, slow: slow, muFast: 0.5, muSlow: 0.5}, nil
}

// ModeProbabilities returns (muFast, muSlow); they sum to 1 within 1e-9
// (spec §3 I6).
func (f *ToneIMMFilter) ModeProbabilities() (float64, float64) {
	return f.muFast, f.muSlow
}

// Update runs one IMM cycle: mixing, parallel per-model update, likelihood
// scoring, and mode-probability update (spec §4.6).
func (f *ToneIMMFilter) Update(sample complex128) {
	pi := f.cfg.Transition
	mu := [2]float64{f.muFast, f.muSlow}

	var c [2]float64
	for j := 0; j < 2; j++ {
		c[j] = pi[0][j]*mu[0] + pi[1][j]*mu[1]
	}

	models := [2]*EkfState{f.fast, f.slow}

	mixedX := make([]*mat.VecDense, 2)
	mixedP := make([]*mat.Dense, 2)
	for j := 0; j < 2; j++ {
		if c[j] <= 0 {
			mixedX[j] = models[j].StateVec()
			mixedP[j] = models[j].CovMat()
			continue
		}

		muIJ := [2]float64{pi[0][j] * mu[0] / c[j], pi[1][j] * mu[1] / c[j]}

		n, _ := models[0].x.Dims()
		x0 := mat.NewVecDense(n, nil)
		for i := 0; i < 2; i++ {
			xi := models[i].StateVec()
			var scaled mat.VecDense
			scaled.ScaleVec(muIJ[i], xi)
			x0.AddVec(x0, &scaled)
		}

		p0 := mat.NewDense(n, n, nil)
		for i := 0; i < 2; i++ {
			xi := models[i].StateVec()
			pi := models[i].CovMat()

			var d mat.VecDense
			d.SubVec(xi, x0)
			var outer mat.Dense
			outer.Outer(1, &d, &d)

			var sum mat.Dense
			sum.Add(pi, &outer)
			sum.Scale(muIJ[i], &sum)

			p0.Add(p0, &sum)
		}

		mixedX[j] = x0
		mixedP[j] = p0
	}

	f.fast.SetState(mixedX[0], mixedP[0])
	f.slow.SetState(mixedX[1], mixedP[1])

	lambdaFast := f.fast.Advance(sample)
	lambdaSlow := f.slow.Advance(sample)

	denom := lambdaFast*c[0] + lambdaSlow*c[1]
	if denom <= 0 {
		f.muFast, f.muSlow = 0.5, 0.5
		return
	}
	f.muFast = lambdaFast * c[0] / denom
	f.muSlow = lambdaSlow * c[1] / denom
}

// modeMax returns the EKF with the higher current mode probability.
func (f *ToneIMMFilter) modeMax() *EkfState {
	if f.muFast >= f.muSlow {
		return f.fast
	}
	return f.slow
}

// Frequencies reports the mode-max filter's frequency estimates (spec
// §4.6 "Report either the mixture or the mode-max filter's state").
func (f *ToneIMMFilter) Frequencies() []float64 {
	return f.modeMax().Frequencies()
}

// Amplitudes reports the mode-max filter's amplitude estimates.
func (f *ToneIMMFilter) Amplitudes() []float64 {
	return f.modeMax().Amplitudes()
}

// Mixture reports the probability-weighted combination of both models'
// frequency estimates, tone for tone (models are assumed already close
// enough in tone ordering to combine directly).
func (f *ToneIMMFilter) Mixture() []float64 {
	ff, sf := f.fast.Frequencies(), f.slow.Frequencies()
	out := make([]float64, len(ff))
	for i := range out {
		out[i] = f.muFast*ff[i] + f.muSlow*sf[i]
	}
	return out
}

// DualModeGate implements spec §4.6's simpler hysteretic gating variant:
// it keeps both filters and switches which one is reported based on a
// hysteresis band on the EWMA rate of change (cents/sec) of the active
// filter's lowest-tone frequency, rather than IMM's probabilistic mixing.
// Only the active filter is updated, and no separate measure of divergence
// between the two filters' frequencies enters the switching decision.
type DualModeGate struct {
	fast, slow *EkfState
	cfgFast    EkfConfig
	cfgSlow    EkfConfig

	usingFast bool

	prevFreqHz    float64
	ewmaRateCents float64
	havePrev      bool
}

// NewDualModeGate builds the gating variant from the same fast/slow
// configuration shape as the IMM.
func NewDualModeGate(cfgFast, cfgSlow EkfConfig, initialFreqsHz []float64) (*DualModeGate, error) {
	fast, err := NewEkfState(cfgFast, initialFreqsHz)
	if err != nil {
		return nil, fmt.Errorf("estimator: building fast gate model: %w", err)
	}
	slow, err := NewEkfState(cfgSlow, initialFreqsHz)
	if err != nil {
		return nil, fmt.Errorf("estimator: building slow gate model: %w", err)
	}
	return &DualModeGate{fast: fast, slow: slow, cfgFast: cfgFast, cfgSlow: cfgSlow, usingFast: true}, nil
}

// fastToSlowRateThreshold and slowToFastRateThreshold set the hysteresis
// band on innovation-rate in cents/sec before switching modes.
const (
	fastToSlowRateThreshold = 1.0
	slowToFastRateThreshold = 20.0
)

// Update advances the active filter and re-evaluates the gating decision.
func (g *DualModeGate) Update(sample complex128) {
	active := g.slow
	if g.usingFast {
		active = g.fast
	}
	active.Update(sample)

	freqs := active.Frequencies()
	freq := 0.0
	if len(freqs) > 0 {
		freq = freqs[0]
	}

	dt := g.cfgFast.Dt
	if !g.usingFast {
		dt = g.cfgSlow.Dt
	}

	if g.havePrev && dt > 0 && freq > 0 && g.prevFreqHz > 0 {
		cents := 1200 * math.Log2(freq/g.prevFreqHz)
		rate := math.Abs(cents) / dt
		g.ewmaRateCents = 0.2*rate + 0.8*g.ewmaRateCents
	}
	g.prevFreqHz = freq
	g.havePrev = true

	switch {
	case g.usingFast && g.ewmaRateCents < fastToSlowRateThreshold:
		g.switchTo(false)
	case !g.usingFast && g.ewmaRateCents > slowToFastRateThreshold:
		g.switchTo(true)
	}
}

// switchTo copies state into the now-active filter, scaling covariance by
// the ratio of process-noise sigmas (spec §4.6 "Dual-mode").
func (g *DualModeGate) switchTo(toFast bool) {
	if toFast == g.usingFast {
		return
	}

	var from, to *EkfState
	var ratio float64
	if toFast {
		from, to = g.slow, g.fast
		ratio = math.Sqrt(g.cfgFast.SigmaFreq2 / g.cfgSlow.SigmaFreq2)
	} else {
		from, to = g.fast, g.slow
		ratio = math.Sqrt(g.cfgSlow.SigmaFreq2 / g.cfgFast.SigmaFreq2)
	}

	x := from.StateVec()
	p := from.CovMat()
	p.Scale(ratio, p)
	to.SetState(x, p)

	g.usingFast = toFast
}

// Frequencies reports the currently active filter's frequency estimates.
func (g *DualModeGate) Frequencies() []float64 {
	if g.usingFast {
		return g.fast.Frequencies()
	}
	return g.slow.Frequencies()
}

// UsingFast reports which model is currently active.
func (g *DualModeGate) UsingFast() bool {
	return g.usingFast
}
