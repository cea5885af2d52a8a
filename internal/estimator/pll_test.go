package estimator

import (
	"math"
	"testing"

	"github.com/austinkregel/tunerd/internal/ring"
)

func TestPllLocksOntoSteadyTone(t *testing.T) {
	const sampleRate = 44100.0
	cfg := DefaultPllConfig(sampleRate)
	pll := NewPllState(cfg, 438)

	const target = 440.0
	steps := int(0.3 * sampleRate)
	for i := 0; i < steps; i++ {
		tsec := float64(i) / sampleRate
		sample := complex(math.Cos(2*math.Pi*target*tsec), math.Sin(2*math.Pi*target*tsec))
		pll.Step(sample)
	}

	if diff := math.Abs(pll.Frequency() - target); diff > 1.0 {
		t.Errorf("PLL did not lock: got %v, want near %v", pll.Frequency(), target)
	}
	if pll.LockQuality() <= 0.8 {
		t.Errorf("expected high lock quality on a steady tone, got %v", pll.LockQuality())
	}
}

func TestPllBankTracksSingleTone(t *testing.T) {
	const sampleRate = 4000.0
	cfg := DefaultPllBankConfig(sampleRate, 440)
	cfg.Peaks = 2
	cfg.ConvergenceSamples = int(0.25 * sampleRate)

	buf := ring.New[complex64](8192)
	total := cfg.ConvergenceSamples * cfg.Peaks
	samples := make([]complex64, total)
	for i := range samples {
		tsec := float64(i) / sampleRate
		v := complex(math.Cos(2*math.Pi*440*tsec), math.Sin(2*math.Pi*440*tsec))
		samples[i] = complex64(v)
	}
	buf.Write(samples)

	bank := NewPllBank(cfg)
	bank.Track(buf, 440, 0.25)

	peaks := bank.Peaks()
	found := false
	for _, p := range peaks {
		if math.Abs(p.Hz-440) < 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a persistent peak near 440Hz, got %+v", peaks)
	}
}

func TestPllBankDecaysOverTime(t *testing.T) {
	const sampleRate = 4000.0
	cfg := DefaultPllBankConfig(sampleRate, 440)
	cfg.Peaks = 1
	cfg.ConvergenceSamples = int(0.25 * sampleRate)
	cfg.DecaySeconds = 2.0

	bank := NewPllBank(cfg)
	bank.peaks = []PllPeak{{Hz: 440, Amplitude: 1.0}}

	bank.merge(nil, 4.0)

	peaks := bank.Peaks()
	if len(peaks) != 0 {
		for _, p := range peaks {
			if p.Amplitude > 0.2 {
				t.Fatalf("expected amplitude to have decayed substantially after 4s, got %+v", p)
			}
		}
	}
}
