package estimator

import (
	"math"
	"testing"
)

func TestEkfCovarianceSymmetric(t *testing.T) {
	cfg := DefaultEkfConfig(1, 1.0/44100)
	ekf, err := NewEkfState(cfg, []float64{440})
	if err != nil {
		t.Fatalf("NewEkfState: %v", err)
	}

	dt := cfg.Dt
	for i := 0; i < 2000; i++ {
		tsec := float64(i) * dt
		sample := complex(math.Cos(2*math.Pi*440*tsec), math.Sin(2*math.Pi*440*tsec))
		ekf.Update(sample)
	}

	if err := ekf.SymmetricError(); err > 1e-10 {
		t.Fatalf("covariance not symmetric: max error %g", err)
	}
}

func TestEkfDiagonalStaysAboveJitter(t *testing.T) {
	cfg := DefaultEkfConfig(1, 1.0/44100)
	ekf, err := NewEkfState(cfg, []float64{440})
	if err != nil {
		t.Fatalf("NewEkfState: %v", err)
	}

	dt := cfg.Dt
	for i := 0; i < 2000; i++ {
		tsec := float64(i) * dt
		sample := complex(math.Cos(2*math.Pi*440*tsec), math.Sin(2*math.Pi*440*tsec))
		ekf.Update(sample)
	}

	if min := ekf.MinDiagonal(); min < cfg.Jitter {
		t.Fatalf("diagonal fell below jitter floor: %g < %g", min, cfg.Jitter)
	}
}

func TestEkfPairwiseSeparationEnforced(t *testing.T) {
	cfg := DefaultEkfConfig(2, 1.0/44100)
	cfg.MinSep = 1.0
	// Seed tones closer together than MinSep; enforceSeparation in NewEkfState
	// should already push them apart, and every subsequent step must keep
	// them apart.
	ekf, err := NewEkfState(cfg, []float64{440, 440.5})
	if err != nil {
		t.Fatalf("NewEkfState: %v", err)
	}

	freqs := ekf.Frequencies()
	if gap := freqs[1] - freqs[0]; gap < cfg.MinSep-1e-9 {
		t.Fatalf("initial separation not enforced: gap=%v", gap)
	}

	dt := cfg.Dt
	for i := 0; i < 1000; i++ {
		tsec := float64(i) * dt
		sample := complex(math.Cos(2*math.Pi*440*tsec), math.Sin(2*math.Pi*440*tsec)) +
			complex(math.Cos(2*math.Pi*440.5*tsec), math.Sin(2*math.Pi*440.5*tsec))
		ekf.Update(sample)

		freqs := ekf.Frequencies()
		if gap := freqs[1] - freqs[0]; gap < cfg.MinSep-1e-6 {
			t.Fatalf("step %d: pairwise separation violated: gap=%v", i, gap)
		}
	}
}

func TestEkfSingleToneConverges(t *testing.T) {
	const sampleRate = 44100.0
	cfg := DefaultEkfConfig(1, 1.0/sampleRate)
	ekf, err := NewEkfState(cfg, []float64{438})
	if err != nil {
		t.Fatalf("NewEkfState: %v", err)
	}

	const target = 440.0
	steps := int(0.2 * sampleRate)
	for i := 0; i < steps; i++ {
		tsec := float64(i) / sampleRate
		sample := complex(math.Cos(2*math.Pi*target*tsec), math.Sin(2*math.Pi*target*tsec))
		ekf.Update(sample)
	}

	got := ekf.Frequencies()[0]
	if diff := math.Abs(got - target); diff > 0.05 {
		t.Fatalf("EKF did not converge within 0.2s: got %v, want within 0.05Hz of %v", got, target)
	}
}

func TestEkfTwoToneTracksBothFrequencies(t *testing.T) {
	const sampleRate = 44100.0
	cfg := DefaultEkfConfig(2, 1.0/sampleRate)
	cfg.MinSep = 1.0
	ekf, err := NewEkfState(cfg, []float64{439, 443})
	if err != nil {
		t.Fatalf("NewEkfState: %v", err)
	}

	const f1, f2 = 440.0, 442.0
	steps := int(0.5 * sampleRate)
	for i := 0; i < steps; i++ {
		tsec := float64(i) / sampleRate
		sample := complex(math.Cos(2*math.Pi*f1*tsec), math.Sin(2*math.Pi*f1*tsec)) +
			complex(math.Cos(2*math.Pi*f2*tsec), math.Sin(2*math.Pi*f2*tsec))
		ekf.Update(sample)
	}

	freqs := ekf.Frequencies()
	if len(freqs) != 2 {
		t.Fatalf("expected 2 tones, got %d", len(freqs))
	}
	if diff := math.Abs(freqs[0] - f1); diff > 1.0 {
		t.Errorf("tone 0: got %v, want near %v (diff %v)", freqs[0], f1, diff)
	}
	if diff := math.Abs(freqs[1] - f2); diff > 1.0 {
		t.Errorf("tone 1: got %v, want near %v (diff %v)", freqs[1], f2, diff)
	}
	if gap := freqs[1] - freqs[0]; gap < cfg.MinSep-1e-6 {
		t.Fatalf("final separation violated: gap=%v", gap)
	}
}

func TestEkfUpdateSkipsNonFiniteSample(t *testing.T) {
	cfg := DefaultEkfConfig(1, 1.0/44100)
	ekf, err := NewEkfState(cfg, []float64{440})
	if err != nil {
		t.Fatalf("NewEkfState: %v", err)
	}

	before := ekf.StateVec()
	ekf.Update(complex(math.NaN(), 0))

	if skipped, _, _ := ekf.Diagnostics().Snapshot(); skipped != 1 {
		t.Fatalf("expected 1 skipped update, got %d", skipped)
	}

	after := ekf.Frequencies()
	if diff := math.Abs(after[0] - before.AtVec(1)); diff > 1e-9 {
		t.Errorf("frequency moved on a skipped update: before=%v after=%v", before.AtVec(1), after[0])
	}
}

func TestEkfAdvanceSkipsNonFiniteSample(t *testing.T) {
	cfg := DefaultEkfConfig(1, 1.0/44100)
	ekf, err := NewEkfState(cfg, []float64{440})
	if err != nil {
		t.Fatalf("NewEkfState: %v", err)
	}

	l := ekf.Advance(complex(math.Inf(1), 0))
	if l != 1e-100 {
		t.Errorf("expected near-zero likelihood on non-finite sample, got %v", l)
	}
	if skipped, _, _ := ekf.Diagnostics().Snapshot(); skipped != 1 {
		t.Fatalf("expected 1 skipped update, got %d", skipped)
	}
}

func TestNewEkfStateRejectsInvalidConfig(t *testing.T) {
	if _, err := NewEkfState(EkfConfig{Tones: 0, Dt: 1}, nil); err == nil {
		t.Fatal("expected error for zero tones")
	}
	if _, err := NewEkfState(EkfConfig{Tones: 1, Dt: 0}, nil); err == nil {
		t.Fatal("expected error for non-positive dt")
	}
}
