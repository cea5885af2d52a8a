package estimator

import (
	"math"

	"github.com/austinkregel/tunerd/internal/ring"
)

// PllConfig tunes a single phase-locked loop (spec §4.9).
type PllConfig struct {
	SampleRate float64
	// LoopGain is K_loop.
	LoopGain float64
}

// DefaultPllConfig returns spec-consistent defaults.
func DefaultPllConfig(sampleRate float64) PllConfig {
	return PllConfig{SampleRate: sampleRate, LoopGain: 0.05}
}

// PllState is a single complex phase-locked loop (spec §3).
type PllState struct {
	cfg PllConfig

	phi, f, a, lockQ float64
}

// NewPllState seeds a PLL at an initial frequency guess (Hz).
func NewPllState(cfg PllConfig, initialHz float64) *PllState {
	return &PllState{cfg: cfg, f: initialHz}
}

// Step mixes one complex input sample against the loop's local oscillator
// and updates phase, frequency, amplitude, and lock quality (spec §4.9
// "Single PLL").
func (p *PllState) Step(sample complex128) {
	lo := complex(math.Cos(p.phi), math.Sin(p.phi))
	mix := cmplxConj(sample) * lo
	phiErr := math.Atan2(imag(mix), real(mix))

	p.f += p.cfg.LoopGain * phiErr * p.cfg.SampleRate / (2 * math.Pi)

	p.phi += 2 * math.Pi * p.f / p.cfg.SampleRate
	p.phi = math.Atan2(math.Sin(p.phi), math.Cos(p.phi))

	mag := cmplxAbsPll(sample)
	p.a = 0.05*mag + 0.95*p.a

	p.lockQ = math.Exp(-10 * math.Abs(phiErr))
}

func cmplxAbsPll(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// Frequency returns the current frequency estimate in Hz.
func (p *PllState) Frequency() float64 { return p.f }

// Amplitude returns the EWMA amplitude estimate.
func (p *PllState) Amplitude() float64 { return p.a }

// Phase returns the current phase estimate in radians.
func (p *PllState) Phase() float64 { return p.phi }

// LockQuality returns the current lock quality in [0,1].
func (p *PllState) LockQuality() float64 { return p.lockQ }

// PllBankConfig configures the sequential residual-subtraction tracker
// (spec §4.9 "Sequential tracking").
type PllBankConfig struct {
	Pll PllConfig
	// Peaks is P, the number of PLLs / accepted peaks sought.
	Peaks int
	// SpreadCents offsets the P seed PLLs around the target pitch.
	SpreadCents float64
	// ConvergenceSamples is T_conv, approximately 250ms of samples.
	ConvergenceSamples int
	// LockThreshold gates acceptance (spec default 0.8).
	LockThreshold float64
	// DedupeCents rejects near-duplicate accepted peaks (spec default 0.005).
	DedupeCents float64
	// DecaySeconds is the wall-clock half-life-style decay window for
	// persistent results (spec default 2s).
	DecaySeconds float64
}

// DefaultPllBankConfig returns spec-consistent defaults.
func DefaultPllBankConfig(sampleRate, targetHz float64) PllBankConfig {
	return PllBankConfig{
		Pll:                DefaultPllConfig(sampleRate),
		Peaks:              4,
		SpreadCents:        50,
		ConvergenceSamples: int(0.25 * sampleRate),
		LockThreshold:      0.8,
		DedupeCents:        0.005,
		DecaySeconds:       2.0,
	}
}

// PllPeak is one accepted, decaying tone estimate.
type PllPeak struct {
	Hz        float64
	Amplitude float64
	Phase     float64
	// age is seconds since last reinforcement. Amplitude decay is applied
	// in merge, not when Peaks reads the set.
	age float64
}

// PllBank runs P PLLs sequentially against the shrinking residual and
// accumulates decaying persistent peak estimates (spec §4.9).
type PllBank struct {
	cfg PllBankConfig

	peaks []PllPeak
}

// NewPllBank builds an empty bank.
func NewPllBank(cfg PllBankConfig) *PllBank {
	return &PllBank{cfg: cfg}
}

// centsBetween returns the interval in cents between two frequencies.
func centsBetween(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return math.Inf(1)
	}
	return 1200 * math.Log2(a/b)
}

// Track runs one sequential-residual-subtraction pass over the latest
// window pulled from the baseband ring buffer, seeding P PLLs spread
// around targetHz, and merges newly accepted peaks into the bank's
// decaying persistent set (spec §4.9 "Sequential tracking").
func (b *PllBank) Track(raw *ring.SampleRing[complex64], targetHz float64, elapsedSeconds float64) {
	cfg := b.cfg
	n := cfg.ConvergenceSamples * cfg.Peaks
	samples, _ := raw.Read(ring.Latest, ring.Bookmark(n))
	if len(samples) == 0 {
		return
	}

	residual := make([]complex128, len(samples))
	for i, s := range samples {
		residual[i] = complex128(s)
	}

	var accepted []PllPeak
	for p := 0; p < cfg.Peaks; p++ {
		t := float64(p)/float64(maxInt(cfg.Peaks-1, 1)) - 0.5
		seedHz := targetHz * math.Pow(2, t*2*cfg.SpreadCents/1200)

		pll := NewPllState(cfg.Pll, seedHz)

		convLen := cfg.ConvergenceSamples
		if convLen > len(residual) {
			convLen = len(residual)
		}
		for i := 0; i < convLen; i++ {
			pll.Step(residual[i])
		}

		if pll.LockQuality() <= cfg.LockThreshold {
			continue
		}

		dup := false
		for _, a := range accepted {
			if math.Abs(centsBetween(pll.Frequency(), a.Hz)) < cfg.DedupeCents {
				dup = true
				break
			}
		}
		for _, a := range b.peaks {
			if math.Abs(centsBetween(pll.Frequency(), a.Hz)) < cfg.DedupeCents {
				dup = true
				break
			}
		}
		if dup {
			continue
		}

		freq := pll.Frequency()
		amp := pll.Amplitude()
		phase := pll.Phase()
		accepted = append(accepted, PllPeak{Hz: freq, Amplitude: amp, Phase: phase})

		omega := 2 * math.Pi * freq / cfg.Pll.SampleRate
		for i := range residual {
			tone := complex(amp*math.Cos(omega*float64(i)+phase), amp*math.Sin(omega*float64(i)+phase))
			residual[i] -= tone
		}
	}

	b.merge(accepted, elapsedSeconds)
}

// merge decays existing peaks by elapsed wall-clock time, reinforces any
// that match a newly accepted peak, and appends genuinely new ones (spec
// §4.9 "Persistent results decay exponentially over 2s ... new
// observations reinforce").
func (b *PllBank) merge(accepted []PllPeak, elapsedSeconds float64) {
	decay := math.Exp(-elapsedSeconds / b.cfg.DecaySeconds)

	for i := range b.peaks {
		b.peaks[i].age += elapsedSeconds
		b.peaks[i].Amplitude *= decay
	}

	for _, a := range accepted {
		matched := false
		for i := range b.peaks {
			if math.Abs(centsBetween(a.Hz, b.peaks[i].Hz)) < b.cfg.DedupeCents {
				b.peaks[i] = a
				matched = true
				break
			}
		}
		if !matched {
			b.peaks = append(b.peaks, a)
		}
	}

	kept := b.peaks[:0]
	for _, p := range b.peaks {
		if p.Amplitude > 1e-6 {
			kept = append(kept, p)
		}
	}
	b.peaks = kept
}

// Peaks returns the bank's current persistent peak estimates.
func (b *PllBank) Peaks() []PllPeak {
	out := make([]PllPeak, len(b.peaks))
	copy(out, b.peaks)
	return out
}
