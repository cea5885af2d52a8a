package dsp

import (
	"fmt"
	"math"
)

// Biquad is a single second-order IIR section in direct form I, applied
// independently to a real-valued channel.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

// Step filters one sample and updates the delay line.
func (b *Biquad) Step(x float64) float64 {
	y := b.b0*x + b.b1*b.x1 + b.b2*b.x2 - b.a1*b.y1 - b.a2*b.y2
	b.x2, b.x1 = b.x1, x
	b.y2, b.y1 = b.y1, y
	return y
}

// Reset clears the delay line.
func (b *Biquad) Reset() {
	b.x1, b.x2, b.y1, b.y2 = 0, 0, 0, 0
}

// BiquadCascade is a sequence of Biquad sections run in series, used to
// implement a single real channel (real or imaginary) of the baseband
// anti-alias low-pass.
type BiquadCascade struct {
	stages []Biquad
}

// Step runs x through every stage in series.
func (c *BiquadCascade) Step(x float64) float64 {
	for i := range c.stages {
		x = c.stages[i].Step(x)
	}
	return x
}

// Reset clears every stage's delay line.
func (c *BiquadCascade) Reset() {
	for i := range c.stages {
		c.stages[i].Reset()
	}
}

// butterworthOrder estimates the minimum filter order meeting the given
// passband/stopband spec, via the standard Butterworth order formula.
func butterworthOrder(passbandHz, stopbandHz, passbandRippleDb, stopbandAttenDb float64) int {
	epsilon := math.Sqrt(math.Pow(10, passbandRippleDb/10) - 1)
	a := math.Sqrt(math.Pow(10, stopbandAttenDb/10) - 1)
	ratio := stopbandHz / passbandHz

	n := math.Log(a/epsilon) / math.Log(ratio)
	order := int(math.Ceil(n))
	if order < 1 {
		order = 1
	}
	// Keep the cascade entirely second-order sections.
	if order%2 != 0 {
		order++
	}
	return order
}

// NewButterworthLowPass designs a cascaded-biquad Butterworth low-pass at
// sample rate fs, meeting the passband/stopband/ripple/attenuation
// requirements from spec §4.2's preprocessor IIR stage.
func NewButterworthLowPass(fs, passbandHz, stopbandHz, passbandRippleDb, stopbandAttenDb float64) (*BiquadCascade, error) {
	if fs <= 0 {
		return nil, fmt.Errorf("dsp: sample rate must be positive, got %v", fs)
	}
	if passbandHz <= 0 || passbandHz >= fs/2 {
		return nil, fmt.Errorf("dsp: passband %v Hz must lie in (0, %v) Hz", passbandHz, fs/2)
	}
	if stopbandHz <= passbandHz {
		return nil, fmt.Errorf("dsp: stopband %v Hz must exceed passband %v Hz", stopbandHz, passbandHz)
	}

	order := butterworthOrder(passbandHz, stopbandHz, passbandRippleDb, stopbandAttenDb)
	nSections := order / 2

	w0 := 2 * math.Pi * passbandHz / fs
	cosW0 := math.Cos(w0)

	stages := make([]Biquad, nSections)
	for k := 0; k < nSections; k++ {
		// Standard Butterworth pole quality factors for an N-th order
		// prototype, k = 1..N/2 (1-indexed in the classic formula).
		q := 1 / (2 * math.Cos(float64(2*(k+1)-1)*math.Pi/(2*float64(order))))
		alpha := math.Sin(w0) / (2 * q)

		b0 := (1 - cosW0) / 2
		b1 := 1 - cosW0
		b2 := (1 - cosW0) / 2
		a0 := 1 + alpha
		a1 := -2 * cosW0
		a2 := 1 - alpha

		stages[k] = Biquad{
			b0: b0 / a0,
			b1: b1 / a0,
			b2: b2 / a0,
			a1: a1 / a0,
			a2: a2 / a0,
		}
	}

	return &BiquadCascade{stages: stages}, nil
}
