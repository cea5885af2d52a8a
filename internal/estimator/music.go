package estimator

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/austinkregel/tunerd/internal/ring"
)

// MusicConfig tunes the subspace estimator (spec §4.8).
type MusicConfig struct {
	SampleRate float64
	// M is the snapshot (steering vector) length.
	M int
	// N is the number of overlapping snapshots to form from the window.
	N int
	// Sources is K, the assumed source count.
	Sources int
	// Harmonics is L for HMUSIC; 1 disables the harmonic stack (plain MUSIC).
	Harmonics int
	// GridPoints is the pseudospectrum search resolution.
	GridPoints int
}

// DefaultMusicConfig returns spec-consistent defaults.
func DefaultMusicConfig(sampleRate float64) MusicConfig {
	return MusicConfig{
		SampleRate: sampleRate,
		M:          16,
		N:          128,
		Sources:    1,
		Harmonics:  1,
		GridPoints: 200,
	}
}

// MusicState caches the noise subspace between snapshot refreshes so the
// pseudospectrum can be queried repeatedly without rebuilding it (spec §3
// "Estimator scratch buffers ... reused across ticks").
type MusicState struct {
	cfg MusicConfig

	noiseDim int
	noise    []complexVec // 2(M-K) vectors of norm 1/sqrt(2) spanning the noise subspace (see noiseSubspace)

	diag Diagnostics
}

// complexVec is a hand-rolled complex vector; gonum's complex matrix
// support does not cover the small Hermitian eigendecomposition this
// estimator needs, so the subspace algebra below is implemented directly
// while still routing the actual eigendecomposition through
// gonum.org/v1/gonum/mat.EigenSym via the real block-matrix embedding.
type complexVec []complex128

// NewMusicState builds an (initially empty) MUSIC estimator; call Refresh
// before the first Pseudospectrum query.
func NewMusicState(cfg MusicConfig) *MusicState {
	return &MusicState{cfg: cfg}
}

// Diagnostics returns the estimator's numerical-failure counters.
func (s *MusicState) Diagnostics() *Diagnostics {
	return &s.diag
}

// Refresh rebuilds the snapshot matrix and noise subspace from the latest
// window of the baseband ring buffer (spec §4.8 "Snapshot matrix").
func (s *MusicState) Refresh(raw *ring.SampleRing[complex64]) bool {
	cfg := s.cfg
	need := cfg.M + cfg.N - 1
	samples, _ := raw.Read(ring.Latest, ring.Bookmark(need))
	if len(samples) < cfg.M {
		return false
	}

	n := cfg.N
	stride := 1
	if n > 1 {
		stride = (len(samples) - cfg.M) / (n - 1)
		if stride < 1 {
			stride = 1
		}
	}

	snapshots := make([]complexVec, 0, n)
	for i := 0; i < n; i++ {
		start := i * stride
		if start+cfg.M > len(samples) {
			break
		}
		v := make(complexVec, cfg.M)
		for m := 0; m < cfg.M; m++ {
			v[m] = complex128(samples[start+m])
		}
		snapshots = append(snapshots, v)
	}
	if len(snapshots) == 0 {
		return false
	}
	nUsed := len(snapshots)

	m := cfg.M
	r := make([][]complex128, m)
	for i := range r {
		r[i] = make([]complex128, m)
	}
	for _, x := range snapshots {
		for i := 0; i < m; i++ {
			for j := 0; j < m; j++ {
				r[i][j] += x[i] * cmplxConj(x[j])
			}
		}
	}
	invN := 1.0 / float64(nUsed)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			r[i][j] *= complex(invN, 0)
		}
	}

	k := cfg.Sources * maxInt(cfg.Harmonics, 1)
	noiseDim := m - k
	if noiseDim < 1 {
		noiseDim = 1
	}

	noise, err := noiseSubspace(r, noiseDim)
	if err != nil {
		s.diag.SubspaceRebuilds.Add(1)
		return false
	}

	s.noiseDim = noiseDim
	s.noise = noise
	s.diag.SubspaceRebuilds.Add(1)
	return true
}

// noiseSubspace embeds the M x M Hermitian covariance as a real symmetric
// 2M x 2M matrix (standard complex-Hermitian-via-real-block trick: for
// Hermitian R = A + iB with A symmetric and B skew-symmetric, the real
// block matrix [[A, -B], [B, A]] is symmetric and its spectrum is R's
// spectrum, each eigenvalue doubled, with eigenvectors [p;q] and [-q;p]
// for every complex eigenvector p+iq), diagonalises it with
// gonum.org/v1/gonum/mat.EigenSym, and maps the 2*noiseDim real
// eigenvectors with the smallest eigenvalues back to complex vectors p+iq.
// Because each complex eigenvector is represented twice in the real
// embedding, those 2*noiseDim vectors span the noiseDim-dimensional complex
// noise subspace; each is scaled to norm 1/sqrt(2) so that the sum of
// |v^H a|^2 over all of them equals the squared norm of a's projection onto
// that subspace.
func noiseSubspace(r [][]complex128, noiseDim int) ([]complexVec, error) {
	m := len(r)
	block := mat.NewSymDense(2*m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			a := real(r[i][j])
			block.SetSym(i, j, a)
			block.SetSym(m+i, m+j, a)
		}
	}
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			b := imag(r[i][j])
			block.SetSym(i, m+j, -b)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(block, true); !ok {
		return nil, errSubspaceFailed
	}

	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	want := 2 * noiseDim
	if want > len(order) {
		want = len(order)
	}
	out := make([]complexVec, 0, want)
	for _, idx := range order[:want] {
		v := make(complexVec, m)
		var norm float64
		for i := 0; i < m; i++ {
			p := vecs.At(i, idx)
			q := vecs.At(m+i, idx)
			v[i] = complex(p, q)
			norm += p*p + q*q
		}
		norm = math.Sqrt(2 * norm)
		if norm > 0 {
			for i := range v {
				v[i] /= complex(norm, 0)
			}
		}
		out = append(out, v)
	}
	return out, nil
}

var errSubspaceFailed = errors.New("estimator: MUSIC covariance eigendecomposition did not converge")

// Pseudospectrum evaluates the MUSIC (Harmonics==1) or HMUSIC (Harmonics>1)
// pseudospectrum at angular frequency omega (radians/sample), per spec
// §4.8.
func (s *MusicState) Pseudospectrum(omega float64) float64 {
	m := s.cfg.M
	l := maxInt(s.cfg.Harmonics, 1)

	steering := make([]complexVec, 0, l)
	for h := 1; h <= l; h++ {
		wh := float64(h) * omega
		if wh > math.Pi {
			steering = append(steering, make(complexVec, m))
			continue
		}
		v := make(complexVec, m)
		for mi := 0; mi < m; mi++ {
			v[mi] = cmplxExpNegJ(wh * float64(mi))
		}
		steering = append(steering, v)
	}

	var frob float64
	for _, a := range steering {
		for _, u := range s.noise {
			var dot complex128
			for i := 0; i < m; i++ {
				dot += cmplxConj(u[i]) * a[i]
			}
			frob += real(dot)*real(dot) + imag(dot)*imag(dot)
		}
	}
	if frob <= 0 {
		return 0
	}

	return float64(l*(m-l)) / frob
}

// MusicPeak is one pseudospectrum peak (spec §4.8 "Grid ... Peaks").
type MusicPeak struct {
	Hz    float64
	Value float64
}

// Peaks searches a log-spaced grid between minHz and maxHz, refines each of
// the topK grid maxima with a golden-section search over the surrounding
// grid cell, and returns them ordered by frequency (spec §4.8 "Grid ...
// Peaks"; the refinement is what lets two closely-spaced tones resolve to
// within about 1Hz rather than only to the raw grid spacing).
func (s *MusicState) Peaks(minHz, maxHz float64, topK int) []MusicPeak {
	if minHz <= 0 {
		minHz = 1
	}
	if maxHz <= minHz {
		return nil
	}

	points := s.cfg.GridPoints
	if points < 2 {
		points = 200
	}

	logMin, logMax := math.Log(minHz), math.Log(maxHz)
	step := (logMax - logMin) / float64(points-1)

	logs := make([]float64, points)
	order := make([]int, points)
	values := make([]float64, points)
	for i := 0; i < points; i++ {
		logs[i] = logMin + step*float64(i)
		omega := 2 * math.Pi * math.Exp(logs[i]) / s.cfg.SampleRate
		values[i] = s.Pseudospectrum(omega)
		order[i] = i
	}

	sort.Slice(order, func(i, j int) bool { return values[order[i]] > values[order[j]] })
	if topK > points {
		topK = points
	}

	out := make([]MusicPeak, 0, topK)
	for _, idx := range order[:topK] {
		refinedLog := s.refinePeakLog(logs[idx], step)
		hz := math.Exp(refinedLog)
		omega := 2 * math.Pi * hz / s.cfg.SampleRate
		out = append(out, MusicPeak{Hz: hz, Value: s.Pseudospectrum(omega)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hz < out[j].Hz })
	return out
}

// refinePeakLog sharpens a coarse grid maximum at centerLog (log-Hz) with a
// golden-section search of the pseudospectrum over the one-grid-cell-wide
// window [centerLog-step, centerLog+step]. The pseudospectrum is assumed
// unimodal within that window, which holds whenever the coarse grid already
// bracketed the true peak.
func (s *MusicState) refinePeakLog(centerLog, step float64) float64 {
	const invPhi = 0.6180339887498949
	lo, hi := centerLog-step, centerLog+step

	value := func(logHz float64) float64 {
		omega := 2 * math.Pi * math.Exp(logHz) / s.cfg.SampleRate
		return s.Pseudospectrum(omega)
	}

	c := hi - invPhi*(hi-lo)
	d := lo + invPhi*(hi-lo)
	fc, fd := value(c), value(d)
	for i := 0; i < 40 && hi-lo > 1e-9; i++ {
		if fc > fd {
			hi = d
			d, fd = c, fc
			c = hi - invPhi*(hi-lo)
			fc = value(c)
		} else {
			lo = c
			c, fc = d, fd
			d = lo + invPhi*(hi-lo)
			fd = value(d)
		}
	}
	return (lo + hi) / 2
}

func cmplxConj(c complex128) complex128 { return complex(real(c), -imag(c)) }

func cmplxExpNegJ(theta float64) complex128 {
	return complex(math.Cos(theta), -math.Sin(theta))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
