package estimator

import (
	"math"
	"testing"
)

func TestImmModeProbabilitiesSumToOne(t *testing.T) {
	cfg := DefaultImmConfig(1, 1.0/44100)
	imm, err := NewToneIMMFilter(cfg, []float64{440})
	if err != nil {
		t.Fatalf("NewToneIMMFilter: %v", err)
	}

	const sampleRate = 44100.0
	for i := 0; i < 2000; i++ {
		tsec := float64(i) / sampleRate
		sample := complex(math.Cos(2*math.Pi*440*tsec), math.Sin(2*math.Pi*440*tsec))
		imm.Update(sample)

		mf, ms := imm.ModeProbabilities()
		if diff := math.Abs(mf + ms - 1); diff > 1e-9 {
			t.Fatalf("step %d: mode probabilities do not sum to 1: %v + %v = %v", i, mf, ms, mf+ms)
		}
		if mf < 0 || ms < 0 {
			t.Fatalf("step %d: negative mode probability: %v, %v", i, mf, ms)
		}
	}
}

func TestImmConvergesOnSteadyTone(t *testing.T) {
	const sampleRate = 44100.0
	cfg := DefaultImmConfig(1, 1.0/sampleRate)
	imm, err := NewToneIMMFilter(cfg, []float64{438})
	if err != nil {
		t.Fatalf("NewToneIMMFilter: %v", err)
	}

	const target = 440.0
	steps := int(0.5 * sampleRate)
	for i := 0; i < steps; i++ {
		tsec := float64(i) / sampleRate
		sample := complex(math.Cos(2*math.Pi*target*tsec), math.Sin(2*math.Pi*target*tsec))
		imm.Update(sample)
	}

	got := imm.Frequencies()[0]
	if diff := math.Abs(got - target); diff > 0.2 {
		t.Fatalf("IMM did not converge: got %v, want within 0.2Hz of %v", got, target)
	}

	mf, ms := imm.ModeProbabilities()
	if ms <= mf {
		t.Errorf("expected slow mode to dominate on a steady tone: fast=%v slow=%v", mf, ms)
	}
}

func TestDualModeGateStartsOnFast(t *testing.T) {
	fast := DefaultEkfConfig(1, 1.0/44100)
	fast.SigmaFreq2 = 50.0
	slow := DefaultEkfConfig(1, 1.0/44100)
	slow.SigmaFreq2 = 0.01

	gate, err := NewDualModeGate(fast, slow, []float64{440})
	if err != nil {
		t.Fatalf("NewDualModeGate: %v", err)
	}
	if !gate.UsingFast() {
		t.Fatal("expected gate to start in fast mode")
	}
}
