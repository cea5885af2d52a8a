package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum is a magnitude-in-dB view of a windowed FFT, produced once per
// analysis tick (spec §3).
type Spectrum struct {
	Magnitudes []float64 // dB
	Freqs      []float64 // Hz, monotonically increasing
	IsBaseband bool
	SampleRate float64
}

// minMagnitude is the floor magnitudes are clipped to before dB conversion
// (spec §4.3).
const minMagnitude = 1e-10

// hannWindow returns a Hann window of length n and its coherent gain
// (mean value), used to compensate windowed-FFT magnitude loss.
func hannWindow(n int) (window []float64, coherentGain float64) {
	window = make([]float64, n)
	var sum float64
	for i := range window {
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		window[i] = w
		sum += w
	}
	return window, sum / float64(n)
}

// isPowerOfTwo reports whether n is a power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// FFTEngine computes windowed magnitude spectra in both of spec §4.3's
// modes: real full-spectrum at fs0, and complex baseband at fs_o centred
// on a baseband centre frequency.
type FFTEngine struct {
	size int

	window       []float64
	coherentGain float64

	realFFT  *fourier.FFT
	cmplxFFT *fourier.CmplxFFT

	realSeq  []float64
	cmplxSeq []complex128
}

// NewFFTEngine builds an FFTEngine for a fixed power-of-two size (spec
// §4.3 requires size >= 2048).
func NewFFTEngine(size int) (*FFTEngine, error) {
	if !isPowerOfTwo(size) {
		return nil, fmt.Errorf("dsp: FFT size must be a power of two, got %d", size)
	}
	if size < 2048 {
		return nil, fmt.Errorf("dsp: FFT size must be >= 2048, got %d", size)
	}

	window, gain := hannWindow(size)
	return &FFTEngine{
		size:         size,
		window:       window,
		coherentGain: gain,
		realFFT:      fourier.NewFFT(size),
		cmplxFFT:     fourier.NewCmplxFFT(size),
		realSeq:      make([]float64, size),
		cmplxSeq:     make([]complex128, size),
	}, nil
}

// Size returns the configured FFT length.
func (e *FFTEngine) Size() int {
	return e.size
}

// RealSpectrum computes a one-sided magnitude-in-dB spectrum of real audio
// at sample rate fs0. samples must have length >= Size(); only the most
// recent Size() samples are used. useWindow applies a Hann window with
// coherent-gain compensation.
func (e *FFTEngine) RealSpectrum(samples []float32, fs0 float64, useWindow bool) (*Spectrum, error) {
	if len(samples) < e.size {
		return nil, fmt.Errorf("dsp: need at least %d samples, got %d", e.size, len(samples))
	}
	offset := len(samples) - e.size

	for i := 0; i < e.size; i++ {
		v := float64(samples[offset+i])
		if useWindow {
			v *= e.window[i]
		}
		e.realSeq[i] = v
	}

	coeffs := e.realFFT.Coefficients(nil, e.realSeq)

	gain := 1.0
	if useWindow && e.coherentGain > 0 {
		gain = e.coherentGain
	}

	n := e.size/2 + 1
	mags := make([]float64, n)
	freqs := make([]float64, n)
	for i := 0; i < n; i++ {
		mag := cmplxAbs(coeffs[i]) / (float64(e.size) * gain)
		if mag < minMagnitude {
			mag = minMagnitude
		}
		mags[i] = 20 * math.Log10(mag)
		freqs[i] = float64(i) * fs0 / float64(e.size)
	}

	return &Spectrum{Magnitudes: mags, Freqs: freqs, IsBaseband: false, SampleRate: fs0}, nil
}

// BasebandSpectrum computes a full-length magnitude-in-dB spectrum of
// complex baseband samples at sample rate fsO, centred on centerHz. Bins
// are reordered so the frequency axis is monotonically increasing (spec
// §4.3).
func (e *FFTEngine) BasebandSpectrum(samples []complex64, fsO, centerHz float64, useWindow bool) (*Spectrum, error) {
	if len(samples) < e.size {
		return nil, fmt.Errorf("dsp: need at least %d samples, got %d", e.size, len(samples))
	}
	offset := len(samples) - e.size

	for i := 0; i < e.size; i++ {
		v := complex(float64(real(samples[offset+i])), float64(imag(samples[offset+i])))
		if useWindow {
			v *= complex(e.window[i], 0)
		}
		e.cmplxSeq[i] = v
	}

	coeffs := e.cmplxFFT.Coefficients(nil, e.cmplxSeq)

	gain := 1.0
	if useWindow && e.coherentGain > 0 {
		gain = e.coherentGain
	}

	n := e.size
	mags := make([]float64, n)
	freqs := make([]float64, n)
	step := fsO / float64(n)

	// Reorder so index 0 is the most negative frequency: bins [n/2, n) come
	// first (negative frequencies), then bins [0, n/2).
	half := n / 2
	for out, in := 0, half; in < n; out, in = out+1, in+1 {
		mags[out] = magDb(coeffs[in], float64(n)*gain)
		freqs[out] = centerHz + float64(in-n)*step
	}
	for out, in := n-half, 0; in < half; out, in = out+1, in+1 {
		mags[out] = magDb(coeffs[in], float64(n)*gain)
		freqs[out] = centerHz + float64(in)*step
	}

	return &Spectrum{Magnitudes: mags, Freqs: freqs, IsBaseband: true, SampleRate: fsO}, nil
}

func magDb(c complex128, norm float64) float64 {
	mag := cmplxAbs(c) / norm
	if mag < minMagnitude {
		mag = minMagnitude
	}
	return 20 * math.Log10(mag)
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
