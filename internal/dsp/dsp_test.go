package dsp

import (
	"math"
	"testing"
)

func sineWave(freq, fs float64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / fs))
	}
	return out
}

func TestPreprocessorBasebandIsDCForMatchingTone(t *testing.T) {
	fs0 := 48000.0
	fb := 1000.0

	cfg, err := NewPreprocessorConfig(fs0, fb, 50, 60)
	if err != nil {
		t.Fatalf("NewPreprocessorConfig: %v", err)
	}
	p, err := NewPreprocessor(cfg)
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}

	samples := sineWave(fb, fs0, 20000)
	out := p.Push(nil, samples)
	if len(out) == 0 {
		t.Fatal("expected decimated output samples")
	}

	// After the IIR transient, the baseband signal should be close to a DC
	// complex exponential with magnitude near 0.5 (spec §8).
	tail := out[len(out)-len(out)/4:]
	var sumMag float64
	for _, c := range tail {
		sumMag += math.Hypot(float64(real(c)), float64(imag(c)))
	}
	avgMag := sumMag / float64(len(tail))
	if avgMag < 0.3 || avgMag > 0.7 {
		t.Errorf("expected baseband magnitude near 0.5, got %v", avgMag)
	}
}

func TestPreprocessorRejectsBadConfig(t *testing.T) {
	if _, err := NewPreprocessorConfig(48000, 30000, 50, 60); err == nil {
		t.Error("expected error for center frequency above Nyquist")
	}
	if _, err := NewPreprocessorConfig(48000, 1000, 0.5, 60); err == nil {
		t.Error("expected error for cents margin <= 1")
	}
}

func TestFFTEngineRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewFFTEngine(2000); err == nil {
		t.Error("expected error for non-power-of-two FFT size")
	}
	if _, err := NewFFTEngine(1024); err == nil {
		t.Error("expected error for FFT size below 2048")
	}
}

func TestRealSpectrumPeakNearTone(t *testing.T) {
	fs := 48000.0
	engine, err := NewFFTEngine(4096)
	if err != nil {
		t.Fatalf("NewFFTEngine: %v", err)
	}

	freq := 1000.0
	samples := sineWave(freq, fs, 4096)
	spec, err := engine.RealSpectrum(samples, fs, true)
	if err != nil {
		t.Fatalf("RealSpectrum: %v", err)
	}

	peakIdx := 0
	for i, m := range spec.Magnitudes {
		if m > spec.Magnitudes[peakIdx] {
			peakIdx = i
		}
	}
	gotFreq := spec.Freqs[peakIdx]
	if math.Abs(gotFreq-freq) > fs/float64(engine.Size()) {
		t.Errorf("expected spectral peak near %v Hz, got %v Hz", freq, gotFreq)
	}
}

func TestBinMapLinearIdentity(t *testing.T) {
	const halfSize = 1025 // N=2048 one-sided FFT bin count
	fs := 48000.0
	n := 2048
	source := make([]float64, halfSize)
	freqs := make([]float64, halfSize)
	for i := range source {
		freqs[i] = float64(i) * fs / float64(n)
		source[i] = float64(i) // arbitrary distinguishable values
	}

	m := NewBinMap(freqs, halfSize, 0, fs/2, false, 0)
	out := m.Map(source)

	for i := range source {
		if math.Abs(out[i]-source[i]) > 1e-6 {
			t.Errorf("bin %d: expected identity mapping %v, got %v", i, source[i], out[i])
		}
	}
}

func TestBinMapSmoothing(t *testing.T) {
	freqs := []float64{0, 100, 200, 300}
	m := NewBinMap(freqs, 4, 0, 300, false, 0.5)

	first := m.Map([]float64{10, 10, 10, 10})
	for _, v := range first {
		if v != 10 {
			t.Errorf("expected first output unsmoothed at 10, got %v", v)
		}
	}

	second := m.Map([]float64{20, 20, 20, 20})
	for _, v := range second {
		if math.Abs(v-15) > 1e-9 {
			t.Errorf("expected EWMA-smoothed output 15, got %v", v)
		}
	}
}

func TestGlobalNoiseFloor(t *testing.T) {
	spectrum := make([]float64, 1000)
	for i := range spectrum {
		spectrum[i] = -80
	}
	floor := GlobalNoiseFloor(spectrum)
	if math.Abs(floor-(-80)) > 1e-9 {
		t.Errorf("expected floor -80 for constant spectrum, got %v", floor)
	}
}

func TestQuantileFloorStaysBelowData(t *testing.T) {
	n := 200
	spectrum := make([]float64, n)
	freqs := make([]float64, n)
	for i := range spectrum {
		freqs[i] = 20 + float64(i)*50
		spectrum[i] = -80
	}
	spectrum[100] = -10 // a narrow peak

	floor := QuantileFloor(spectrum, freqs, DefaultQuantileFloorConfig())
	for i, f := range floor {
		if f > spectrum[i]+1e-9 {
			t.Errorf("bin %d: floor %v exceeds data %v", i, f, spectrum[i])
		}
	}
}
