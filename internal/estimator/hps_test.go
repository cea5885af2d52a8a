package estimator

import (
	"math"
	"testing"

	"github.com/austinkregel/tunerd/internal/dsp"
)

func TestDefaultHPSConfig(t *testing.T) {
	cfg := DefaultHPSConfig()
	if cfg.Harmonics != 4 {
		t.Errorf("expected default Harmonics 4, got %d", cfg.Harmonics)
	}
	if cfg.MinFreq != 55 || cfg.MaxFreq != 2000 {
		t.Errorf("expected default range [55, 2000]Hz, got [%v, %v]", cfg.MinFreq, cfg.MaxFreq)
	}
	if cfg.SNRNeeded != 30 {
		t.Errorf("expected default SNRNeeded 30dB, got %v", cfg.SNRNeeded)
	}
}

// buildHarmonicSpectrum builds a synthetic dB magnitude spectrum of n bins
// spaced stepHz apart, with a uniform noise floor everywhere except a
// strong spike at every harmonic of fundamentalHz up to harmonics.
func buildHarmonicSpectrum(n int, stepHz, fundamentalHz, floorDb, spikeDb float64, harmonics int) *dsp.Spectrum {
	mags := make([]float64, n)
	freqs := make([]float64, n)
	for i := range mags {
		mags[i] = floorDb
		freqs[i] = float64(i) * stepHz
	}
	for h := 1; h <= harmonics; h++ {
		idx := int(math.Round(float64(h) * fundamentalHz / stepHz))
		if idx < n {
			mags[idx] = spikeDb
		}
	}
	return &dsp.Spectrum{Magnitudes: mags, Freqs: freqs, IsBaseband: false, SampleRate: stepHz * float64(n) * 2}
}

func TestHPSFindsFundamentalAboveSNRThreshold(t *testing.T) {
	cfg := DefaultHPSConfig()
	spec := buildHarmonicSpectrum(1024, 2.0, 220, -100, -10, cfg.Harmonics)

	res := HPS(spec, cfg)
	if !res.OK {
		t.Fatal("expected HPS to resolve a fundamental with harmonics well above the noise floor")
	}
	if diff := math.Abs(res.F0 - 220); diff > 2.0 {
		t.Errorf("expected F0 near 220Hz, got %v", res.F0)
	}
	if res.SNRdB < cfg.SNRNeeded {
		t.Errorf("expected reported SNR >= %vdB, got %v", cfg.SNRNeeded, res.SNRdB)
	}
}

func TestHPSRejectsBelowSNRThreshold(t *testing.T) {
	cfg := DefaultHPSConfig()
	// Spike only 10dB above a noisy floor: well under the 30dB gate.
	spec := buildHarmonicSpectrum(1024, 2.0, 220, -40, -30, cfg.Harmonics)

	res := HPS(spec, cfg)
	if res.OK {
		t.Fatalf("expected HPS to reject a fundamental under the SNR gate, got %+v", res)
	}
}

func TestHPSEmptySpectrum(t *testing.T) {
	cfg := DefaultHPSConfig()
	res := HPS(&dsp.Spectrum{}, cfg)
	if res.OK {
		t.Fatal("expected HPS to report not-OK on an empty spectrum")
	}
}
