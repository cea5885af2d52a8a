// Package dsp implements the streaming preprocessor, FFT engine, bin
// mapper, and noise-floor estimators of the analysis pipeline (spec §4.2,
// §4.3, §4.7).
package dsp

import (
	"fmt"
	"math"
)

const tau = 2 * math.Pi

// PreprocessorConfig derives the decimation factor and output rate from a
// target centre frequency and a cents margin, per spec §4.2/§3.
type PreprocessorConfig struct {
	// SampleRate is the original sample rate fs0 in Hz.
	SampleRate float64
	// CenterFrequency is the baseband centre f_b in Hz.
	CenterFrequency float64
	// CentsMargin controls the preserved bandwidth around CenterFrequency.
	CentsMargin float64
	// StopbandAttenDb is the IIR stop-band attenuation in dB.
	StopbandAttenDb float64

	// Derived fields, filled in by NewPreprocessorConfig.
	Bandwidth     float64
	Decimation    int
	OutputRate    float64
}

// NewPreprocessorConfig validates and derives a PreprocessorConfig.
func NewPreprocessorConfig(fs0, fb, centsMargin, stopbandAttenDb float64) (*PreprocessorConfig, error) {
	if !(fb > 0 && fb < fs0/2) {
		return nil, fmt.Errorf("dsp: center frequency %v Hz must lie in (0, %v) Hz", fb, fs0/2)
	}
	if centsMargin <= 1 {
		return nil, fmt.Errorf("dsp: cents margin must be > 1, got %v", centsMargin)
	}

	bandwidth := fb * (math.Pow(2, centsMargin/1200) - math.Pow(2, -centsMargin/1200))

	d := int(math.Floor(fs0 / (2 * 2.5 * bandwidth)))
	if d < 1 {
		d = 1
	}

	return &PreprocessorConfig{
		SampleRate:      fs0,
		CenterFrequency: fb,
		CentsMargin:     centsMargin,
		StopbandAttenDb: stopbandAttenDb,
		Bandwidth:       bandwidth,
		Decimation:      d,
		OutputRate:      fs0 / float64(d),
	}, nil
}

// NearEqual reports whether cfg targets the same centre frequency as
// another, within 1 Hz — the orchestrator's "target shifted by > 1Hz"
// rebuild trigger (spec §3, PreprocessorConfig row).
func (c *PreprocessorConfig) NearEqual(centerFrequency float64) bool {
	return math.Abs(c.CenterFrequency-centerFrequency) <= 1
}

// Preprocessor shifts a narrow band around CenterFrequency to baseband,
// low-pass filters it, and decimates, streaming and stateful across Push
// calls (spec §4.2).
type Preprocessor struct {
	cfg *PreprocessorConfig

	lpfReal *BiquadCascade
	lpfImag *BiquadCascade

	phase        float64 // heterodyne phase accumulator, mod 2*pi
	decimPhase   int     // samples produced since the last kept sample
}

// NewPreprocessor builds a Preprocessor from a validated config.
func NewPreprocessor(cfg *PreprocessorConfig) (*Preprocessor, error) {
	passband := 0.8 * cfg.OutputRate / 2
	stopband := cfg.OutputRate / 2

	lpfReal, err := NewButterworthLowPass(cfg.SampleRate, passband, stopband, 0.5, cfg.StopbandAttenDb)
	if err != nil {
		return nil, fmt.Errorf("dsp: building preprocessor low-pass: %w", err)
	}
	lpfImag, err := NewButterworthLowPass(cfg.SampleRate, passband, stopband, 0.5, cfg.StopbandAttenDb)
	if err != nil {
		return nil, fmt.Errorf("dsp: building preprocessor low-pass: %w", err)
	}

	return &Preprocessor{
		cfg:     cfg,
		lpfReal: lpfReal,
		lpfImag: lpfImag,
	}, nil
}

// Config returns the preprocessor's configuration.
func (p *Preprocessor) Config() *PreprocessorConfig {
	return p.cfg
}

// Reset clears delay lines and phase state (spec §3 PreprocessorState).
func (p *Preprocessor) Reset() {
	p.lpfReal.Reset()
	p.lpfImag.Reset()
	p.phase = 0
	p.decimPhase = 0
}

// Push runs real input samples through heterodyne, low-pass, and
// decimation, appending any output samples produced to dst and returning
// the extended slice.
func (p *Preprocessor) Push(dst []complex64, samples []float32) []complex64 {
	omega := tau * p.cfg.CenterFrequency / p.cfg.SampleRate
	d := p.cfg.Decimation

	for _, x := range samples {
		// Heterodyne: y[n] = x[n] * exp(-j(omega*n + phase)).
		c, s := math.Cos(p.phase), math.Sin(p.phase)
		yReal := float64(x) * c
		yImag := -float64(x) * s

		p.phase += omega
		if p.phase > math.Pi {
			p.phase -= tau
		} else if p.phase < -math.Pi {
			p.phase += tau
		}

		// Anti-alias low-pass, real and imaginary channels independently.
		fReal := p.lpfReal.Step(yReal)
		fImag := p.lpfImag.Step(yImag)

		// Decimation, with phase carried across Push calls.
		if p.decimPhase == 0 {
			dst = append(dst, complex(float32(fReal), float32(fImag)))
		}
		p.decimPhase++
		if p.decimPhase >= d {
			p.decimPhase = 0
		}
	}

	return dst
}
