package dsp

import (
	"math"
	"sort"
)

// binMapEntry is one precomputed (low, high, frac) interpolation entry
// (spec §3 BinMap, §4.3).
type binMapEntry struct {
	low, high int
	frac      float64
}

// BinMap maps a source spectrum onto a fixed number of display bins over a
// frequency range, linear or log spaced, with optional EWMA smoothing
// against its own previous output (spec §4.3).
type BinMap struct {
	entries   []binMapEntry
	freqs     []float64
	smoothing float64 // alpha; 0 disables smoothing
	prev      []float64
	havePrev  bool
}

// NewBinMap builds a BinMap for sourceFreqs (monotonically increasing,
// Hz), producing displayBins output bins spanning [minFreq, maxFreq].
// smoothing is the EWMA alpha against the mapper's own previous output (0
// disables smoothing).
func NewBinMap(sourceFreqs []float64, displayBins int, minFreq, maxFreq float64, useLogScale bool, smoothing float64) *BinMap {
	if displayBins < 1 {
		displayBins = 1
	}

	freqs := make([]float64, displayBins)
	if useLogScale {
		lo := math.Max(minFreq, 1e-6)
		hi := math.Max(maxFreq, lo*1.0000001)
		logLo, logHi := math.Log10(lo), math.Log10(hi)
		for j := 0; j < displayBins; j++ {
			t := 0.0
			if displayBins > 1 {
				t = float64(j) / float64(displayBins-1)
			}
			freqs[j] = math.Pow(10, logLo+t*(logHi-logLo))
		}
	} else {
		for j := 0; j < displayBins; j++ {
			t := 0.0
			if displayBins > 1 {
				t = float64(j) / float64(displayBins-1)
			}
			freqs[j] = minFreq + t*(maxFreq-minFreq)
		}
	}

	entries := make([]binMapEntry, displayBins)
	n := len(sourceFreqs)
	for j, f := range freqs {
		entries[j] = locate(sourceFreqs, f, n)
	}

	return &BinMap{entries: entries, freqs: freqs, smoothing: smoothing}
}

// locate finds the bracketing pair of indices in freqs straddling target
// and the linear-interpolation fraction between them.
func locate(freqs []float64, target float64, n int) binMapEntry {
	if n == 0 {
		return binMapEntry{}
	}
	if n == 1 || target <= freqs[0] {
		return binMapEntry{low: 0, high: 0, frac: 0}
	}
	if target >= freqs[n-1] {
		return binMapEntry{low: n - 1, high: n - 1, frac: 0}
	}

	// First index with freqs[i] >= target.
	i := sort.Search(n, func(i int) bool { return freqs[i] >= target })
	lo := i - 1
	hi := i
	span := freqs[hi] - freqs[lo]
	frac := 0.0
	if span > 0 {
		frac = (target - freqs[lo]) / span
	}
	return binMapEntry{low: lo, high: hi, frac: frac}
}

// Freqs returns the display bin frequencies.
func (m *BinMap) Freqs() []float64 {
	return m.freqs
}

// Len returns the number of display bins.
func (m *BinMap) Len() int {
	return len(m.entries)
}

// Map interpolates input (a source-spectrum-shaped slice of magnitudes in
// dB) onto the display bins, applying EWMA smoothing against the
// mapper's own previous output when configured.
func (m *BinMap) Map(input []float64) []float64 {
	out := make([]float64, len(m.entries))
	for j, e := range m.entries {
		v := input[e.low]*(1-e.frac) + input[e.high]*e.frac
		out[j] = v
	}

	if m.smoothing > 0 {
		if !m.havePrev {
			m.prev = append([]float64(nil), out...)
			m.havePrev = true
		} else {
			for j := range out {
				out[j] = m.smoothing*m.prev[j] + (1-m.smoothing)*out[j]
			}
			copy(m.prev, out)
		}
	}

	return out
}

// Reset clears smoothing history.
func (m *BinMap) Reset() {
	m.havePrev = false
	m.prev = nil
}
