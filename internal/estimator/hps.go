package estimator

import "github.com/austinkregel/tunerd/internal/dsp"

// HPSConfig tunes the harmonic product spectrum peak picker (spec §4.4).
type HPSConfig struct {
	Harmonics int     // H, default 4
	MinFreq   float64 // f_min, default 55Hz
	MaxFreq   float64 // f_max, default 2000Hz
	SNRNeeded float64 // dB, default 30
}

// DefaultHPSConfig returns the spec-mandated defaults.
func DefaultHPSConfig() HPSConfig {
	return HPSConfig{Harmonics: 4, MinFreq: 55, MaxFreq: 2000, SNRNeeded: 30}
}

// HPSResult is the outcome of a HPS pitch estimate.
type HPSResult struct {
	F0    float64
	SNRdB float64
	OK    bool
}

// HPS runs the harmonic product spectrum algorithm against a real
// full-spectrum dB magnitude array (spec §4.4).
func HPS(spec *dsp.Spectrum, cfg HPSConfig) HPSResult {
	n := len(spec.Magnitudes)
	if n == 0 || cfg.Harmonics < 1 {
		return HPSResult{}
	}

	noiseFloor := dsp.GlobalNoiseFloor(spec.Magnitudes)

	hps := make([]float64, n)
	copy(hps, spec.Magnitudes)
	for h := 2; h <= cfg.Harmonics; h++ {
		limit := n / h
		for i := 0; i < limit; i++ {
			hps[i] += spec.Magnitudes[h*i]
		}
	}

	lo := 0
	for lo < n && spec.Freqs[lo] < cfg.MinFreq {
		lo++
	}
	hi := n / cfg.Harmonics
	if hi > n {
		hi = n
	}

	best := -1
	bestVal := 0.0
	for i := lo; i < hi; i++ {
		if spec.Freqs[i] > cfg.MaxFreq {
			break
		}
		snr := spec.Magnitudes[i] - noiseFloor
		if snr < cfg.SNRNeeded {
			continue
		}
		if best == -1 || hps[i] > bestVal {
			best = i
			bestVal = hps[i]
		}
	}

	if best == -1 {
		return HPSResult{}
	}

	freq := parabolicPeak(hps, best, spec.Freqs)
	snr := spec.Magnitudes[best] - noiseFloor
	return HPSResult{F0: freq, SNRdB: snr, OK: true}
}

// parabolicPeak refines a discrete peak index via parabolic interpolation
// over three neighbouring samples, returning an interpolated frequency
// (spec §4.4 step 6).
func parabolicPeak(values []float64, peak int, freqs []float64) float64 {
	if peak <= 0 || peak >= len(values)-1 {
		return freqs[peak]
	}

	alpha, beta, gamma := values[peak-1], values[peak], values[peak+1]
	denom := alpha - 2*beta + gamma
	if denom == 0 {
		return freqs[peak]
	}

	delta := 0.5 * (alpha - gamma) / denom
	// Approximate the frequency step locally; freqs is assumed
	// (near-)uniformly spaced around the peak.
	step := freqs[peak+1] - freqs[peak]
	return freqs[peak] + delta*step
}
