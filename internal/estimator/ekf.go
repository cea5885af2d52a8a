package estimator

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// EkfConfig configures an extended Kalman filter tracking M complex tones
// (spec §4.6).
type EkfConfig struct {
	Tones int
	Dt    float64

	// Process noise, per-second variances; scaled by Dt to build Q.
	SigmaPhi2  float64
	SigmaFreq2 float64
	SigmaAmp2  float64

	// MeasurementVariance is R's per-channel variance.
	MeasurementVariance float64

	// MinSep is the minimum enforced Hz separation between adjacent tones.
	MinSep float64
	// PseudoMeasVariance is R' for the separation pseudo-measurement.
	PseudoMeasVariance float64
	// Jitter is added to P's diagonal after every step for numerical
	// hygiene (spec §3 I4).
	Jitter float64
}

// DefaultEkfConfig returns spec-consistent defaults for M tones.
func DefaultEkfConfig(tones int, dt float64) EkfConfig {
	return EkfConfig{
		Tones:               tones,
		Dt:                  dt,
		SigmaPhi2:           1e-4,
		SigmaFreq2:          1.0,
		SigmaAmp2:           1e-3,
		MeasurementVariance: 1e-2,
		MinSep:              1.0,
		PseudoMeasVariance:  1e-6,
		Jitter:              1e-12,
	}
}

// EkfState is the Kalman state for M complex tones: x is length 3M with
// per-tone triple (phi, f_Hz, A); P is its 3Mx3M covariance (spec §3, §4.6).
type EkfState struct {
	cfg EkfConfig
	m   int

	x *mat.VecDense
	p *mat.Dense

	f *mat.Dense // state transition, built once from Dt
	q *mat.Dense // process noise, built once from Dt

	diag        Diagnostics
	sampleCount uint64
}

// NewEkfState builds an EKF for cfg.Tones tones. If initialFreqsHz has
// length cfg.Tones, those frequencies seed the tones (adjusted pairwise to
// be at least MinSep apart, pushing shared error symmetrically); otherwise
// tones are spaced evenly around 0Hz by MinSep (spec §4.6 "Initial state").
func NewEkfState(cfg EkfConfig, initialFreqsHz []float64) (*EkfState, error) {
	if cfg.Tones < 1 {
		return nil, fmt.Errorf("estimator: EKF needs at least 1 tone, got %d", cfg.Tones)
	}
	if cfg.Dt <= 0 {
		return nil, fmt.Errorf("estimator: EKF dt must be positive, got %v", cfg.Dt)
	}

	m := cfg.Tones
	n := 3 * m

	freqs := make([]float64, m)
	if len(initialFreqsHz) == m {
		copy(freqs, initialFreqsHz)
		sort.Float64s(freqs)
		if m >= 2 {
			enforceSeparation(freqs, cfg.MinSep)
		}
	} else {
		for i := 0; i < m; i++ {
			freqs[i] = cfg.MinSep * (float64(i) - float64(m-1)/2)
		}
	}

	x := mat.NewVecDense(n, nil)
	p := mat.NewDense(n, n, nil)
	for t := 0; t < m; t++ {
		x.SetVec(3*t+0, 0)
		x.SetVec(3*t+1, freqs[t])
		x.SetVec(3*t+2, 1.0)

		p.Set(3*t+0, 3*t+0, 1.0)
		p.Set(3*t+1, 3*t+1, 100.0)
		p.Set(3*t+2, 3*t+2, 1.0)
	}

	f := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		f.Set(i, i, 1)
	}
	for t := 0; t < m; t++ {
		f.Set(3*t, 3*t+1, 2*math.Pi*cfg.Dt)
	}

	q := mat.NewDense(n, n, nil)
	for t := 0; t < m; t++ {
		q.Set(3*t+0, 3*t+0, cfg.SigmaPhi2*cfg.Dt)
		q.Set(3*t+1, 3*t+1, cfg.SigmaFreq2*cfg.Dt)
		q.Set(3*t+2, 3*t+2, cfg.SigmaAmp2*cfg.Dt)
	}

	return &EkfState{cfg: cfg, m: m, x: x, p: p, f: f, q: q}, nil
}

// enforceSeparation pushes adjacent, sorted frequencies apart symmetrically,
// repeating passes until every gap is at least minSep (to within 1e-9).
func enforceSeparation(freqs []float64, minSep float64) {
	for pass := 0; pass < 1000; pass++ {
		moved := false
		for i := 0; i < len(freqs)-1; i++ {
			gap := freqs[i+1] - freqs[i]
			if gap < minSep-1e-9 {
				deficit := minSep - gap
				freqs[i] -= deficit / 2
				freqs[i+1] += deficit / 2
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

// Diagnostics returns the estimator's numerical-failure counters.
func (e *EkfState) Diagnostics() *Diagnostics {
	return &e.diag
}

// StateVec returns a copy of the state vector.
func (e *EkfState) StateVec() *mat.VecDense {
	n, _ := e.x.Dims()
	out := mat.NewVecDense(n, nil)
	out.CopyVec(e.x)
	return out
}

// CovMat returns a copy of the covariance matrix.
func (e *EkfState) CovMat() *mat.Dense {
	n, _ := e.p.Dims()
	out := mat.NewDense(n, n, nil)
	out.Copy(e.p)
	return out
}

// SetState overwrites the state vector and covariance, used by the IMM
// variant to seed a filter with a mixed estimate (spec §4.6 "Mixing").
func (e *EkfState) SetState(x mat.Vector, p mat.Matrix) {
	e.x.CopyVec(x)
	e.p.Copy(p)
}

// Advance runs predict + the likelihood-scoring correction (used by the
// IMM variant) plus the shared pairwise-separation, constraint, and
// hygiene steps, returning the model likelihood lambda (spec §4.6). A
// non-finite sample skips the measurement correction entirely and
// increments the skipped-update counter rather than feeding garbage into
// the innovation (spec §7 "Numerical failures").
func (e *EkfState) Advance(sample complex128) float64 {
	e.predict()
	var l float64
	if !validSample(sample) {
		e.diag.SkippedUpdates.Add(1)
		l = 1e-100
	} else {
		l = e.likelihood(sample)
	}
	e.enforcePairwiseSeparation()
	e.enforceConstraints()
	e.hygiene()
	e.sampleCount++
	return l
}

// Update runs one predict+correct cycle against a complex baseband
// sample, including the pairwise-separation pseudo-measurement and
// constraint enforcement (spec §4.6 "Per-sample update"). A non-finite
// sample skips the measurement correction and increments the
// skipped-update counter instead.
func (e *EkfState) Update(sample complex128) {
	e.predict()
	if !validSample(sample) {
		e.diag.SkippedUpdates.Add(1)
	} else {
		e.correct(sample)
	}
	e.enforcePairwiseSeparation()
	e.enforceConstraints()
	e.hygiene()
	e.sampleCount++
}

// validSample reports whether both components of a baseband sample are
// finite. NaN/Inf reach the filter only on upstream preprocessor faults.
func validSample(c complex128) bool {
	re, im := real(c), imag(c)
	return !math.IsNaN(re) && !math.IsInf(re, 0) && !math.IsNaN(im) && !math.IsInf(im, 0)
}

func (e *EkfState) predict() {
	var xNew mat.VecDense
	xNew.MulVec(e.f, e.x)
	e.x.CopyVec(&xNew)

	var fp mat.Dense
	fp.Mul(e.f, e.p)
	var fpft mat.Dense
	fpft.Mul(&fp, e.f.T())
	fpft.Add(&fpft, e.q)
	e.p.CopyFrom(&fpft)
}

// innovationResult captures everything needed either to apply a
// measurement correction or, for the IMM variant, to score a model's
// likelihood before deciding whether to apply it.
type innovationResult struct {
	ok   bool
	nu   *mat.VecDense
	h    *mat.Dense
	r    *mat.Dense
	s    *mat.Dense
	det  float64
}

// innovation computes H, the innovation nu = y - h(x), and S = H P H^T + R
// against the current (predicted) state, without mutating it.
func (e *EkfState) innovation(sample complex128) innovationResult {
	n := 3 * e.m

	h := mat.NewDense(2, n, nil)
	hx := make([]float64, 2)
	for t := 0; t < e.m; t++ {
		phi := e.x.AtVec(3*t + 0)
		a := e.x.AtVec(3*t + 2)
		s, c := math.Sin(phi), math.Cos(phi)

		h.Set(0, 3*t+0, -a*s)
		h.Set(0, 3*t+2, c)
		h.Set(1, 3*t+0, a*c)
		h.Set(1, 3*t+2, s)

		hx[0] += a * c
		hx[1] += a * s
	}

	nu := mat.NewVecDense(2, []float64{real(sample) - hx[0], imag(sample) - hx[1]})
	r := mat.NewDense(2, 2, []float64{e.cfg.MeasurementVariance, 0, 0, e.cfg.MeasurementVariance})

	var hp mat.Dense
	hp.Mul(h, e.p)
	var hpht mat.Dense
	hpht.Mul(&hp, h.T())
	var s mat.Dense
	s.Add(&hpht, r)

	det := s.At(0, 0)*s.At(1, 1) - s.At(0, 1)*s.At(1, 0)
	return innovationResult{ok: det > 0, nu: nu, h: h, r: r, s: &s, det: det}
}

// applyCorrection applies the Kalman gain and Joseph-form covariance
// update for a previously computed innovation.
func (e *EkfState) applyCorrection(in innovationResult) {
	sInv := mat.NewDense(2, 2, []float64{
		in.s.At(1, 1) / in.det, -in.s.At(0, 1) / in.det,
		-in.s.At(1, 0) / in.det, in.s.At(0, 0) / in.det,
	})

	var pht mat.Dense
	pht.Mul(e.p, in.h.T())
	var k mat.Dense
	k.Mul(&pht, sInv)

	var dx mat.VecDense
	dx.MulVec(&k, in.nu)
	e.x.AddVec(e.x, &dx)

	josephUpdate(e.p, &k, in.h, in.r)
}

// correct applies the complex-baseband measurement update. On a singular
// innovation covariance it increments a diagnostic counter and leaves the
// state unchanged (spec §7 "Numerical failures").
func (e *EkfState) correct(sample complex128) {
	in := e.innovation(sample)
	if !in.ok {
		e.diag.SingularS.Add(1)
		return
	}
	e.applyCorrection(in)
}

// likelihood computes the EKF's measurement likelihood for the IMM
// variant, lambda = exp(-0.5 nu^T S^-1 nu) (constants dropped, log clamped
// to +/-10000 before exp per spec §4.6), and applies the correction when
// the innovation covariance is non-singular. On singularity it reports a
// near-zero likelihood and leaves state unchanged (spec §4.6 "Failure
// semantics").
func (e *EkfState) likelihood(sample complex128) float64 {
	in := e.innovation(sample)
	if !in.ok {
		e.diag.SingularS.Add(1)
		return 1e-100
	}

	sInv := mat.NewDense(2, 2, []float64{
		in.s.At(1, 1) / in.det, -in.s.At(0, 1) / in.det,
		-in.s.At(1, 0) / in.det, in.s.At(0, 0) / in.det,
	})
	var sInvNu mat.VecDense
	sInvNu.MulVec(sInv, in.nu)
	quad := mat.Dot(in.nu, &sInvNu)

	logL := -0.5 * quad
	if logL < -10000 {
		logL = -10000
	} else if logL > 10000 {
		logL = 10000
	}

	e.applyCorrection(in)
	return math.Exp(logL)
}

// josephUpdate applies P <- (I-KH) P (I-KH)^T + K R K^T in place.
func josephUpdate(p *mat.Dense, k, h, r mat.Matrix) {
	n, _ := p.Dims()
	var kh mat.Dense
	kh.Mul(k, h)

	ikh := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := -kh.At(i, j)
			if i == j {
				v++
			}
			ikh.Set(i, j, v)
		}
	}

	var ikhp mat.Dense
	ikhp.Mul(ikh, p)
	var ikhpikht mat.Dense
	ikhpikht.Mul(&ikhp, ikh.T())

	var kr mat.Dense
	kr.Mul(k, r)
	var krkt mat.Dense
	krkt.Mul(&kr, k.T())

	ikhpikht.Add(&ikhpikht, &krkt)
	p.CopyFrom(&ikhpikht)
}

// enforcePairwiseSeparation applies a scalar pseudo-measurement for every
// pair of tones (ordered by current frequency) closer together than MinSep
// (spec §4.6 step 3).
func (e *EkfState) enforcePairwiseSeparation() {
	if e.m < 2 {
		return
	}

	order := make([]int, e.m)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return e.x.AtVec(3*order[a]+1) < e.x.AtVec(3*order[b]+1)
	})

	n := 3 * e.m
	for k := 0; k < e.m-1; k++ {
		i, j := order[k], order[k+1]
		fi := e.x.AtVec(3*i + 1)
		fj := e.x.AtVec(3*j + 1)
		gap := fj - fi
		if gap >= e.cfg.MinSep {
			continue
		}

		hRow := mat.NewDense(1, n, nil)
		hRow.Set(0, 3*i+1, -1)
		hRow.Set(0, 3*j+1, 1)

		var hp mat.Dense
		hp.Mul(hRow, e.p)
		var hpht mat.Dense
		hpht.Mul(&hp, hRow.T())
		sVar := hpht.At(0, 0) + e.cfg.PseudoMeasVariance
		if sVar <= 0 {
			e.diag.SingularS.Add(1)
			continue
		}

		var pht mat.Dense
		pht.Mul(e.p, hRow.T())
		kCol := mat.NewDense(n, 1, nil)
		for r := 0; r < n; r++ {
			kCol.Set(r, 0, pht.At(r, 0)/sVar)
		}

		residual := e.cfg.MinSep - gap
		for r := 0; r < n; r++ {
			e.x.SetVec(r, e.x.AtVec(r)+kCol.At(r, 0)*residual)
		}

		rMat := mat.NewDense(1, 1, []float64{e.cfg.PseudoMeasVariance})
		josephUpdate(e.p, kCol, hRow, rMat)
	}
}

// enforceConstraints keeps amplitudes non-negative and phases wrapped to
// (-pi, pi] (spec §4.6 step 4, §3 I5).
func (e *EkfState) enforceConstraints() {
	for t := 0; t < e.m; t++ {
		phi := e.x.AtVec(3*t + 0)
		a := e.x.AtVec(3*t + 2)
		if a < 0 {
			a = -a
			phi += math.Pi
		}
		phi = math.Atan2(math.Sin(phi), math.Cos(phi))
		e.x.SetVec(3*t+0, phi)
		e.x.SetVec(3*t+2, a)
	}
}

// hygiene symmetrises P and adds Jitter*I (spec §4.6 step 5, §3 I4).
func (e *EkfState) hygiene() {
	n, _ := e.p.Dims()
	var sym mat.Dense
	sym.Add(e.p, e.p.T())
	sym.Scale(0.5, &sym)
	for i := 0; i < n; i++ {
		sym.Set(i, i, sym.At(i, i)+e.cfg.Jitter)
	}
	e.p.CopyFrom(&sym)
}

// tonesOrder returns tone indices sorted by ascending frequency (spec §3
// I5: "tones are internally sorted by frequency when reported").
func (e *EkfState) tonesOrder() []int {
	order := make([]int, e.m)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return e.x.AtVec(3*order[a]+1) < e.x.AtVec(3*order[b]+1)
	})
	return order
}

// Frequencies returns tone frequency estimates in Hz, sorted ascending.
func (e *EkfState) Frequencies() []float64 {
	order := e.tonesOrder()
	out := make([]float64, e.m)
	for i, t := range order {
		out[i] = e.x.AtVec(3*t + 1)
	}
	return out
}

// Amplitudes returns tone amplitude estimates, ordered to match Frequencies.
func (e *EkfState) Amplitudes() []float64 {
	order := e.tonesOrder()
	out := make([]float64, e.m)
	for i, t := range order {
		out[i] = e.x.AtVec(3*t + 2)
	}
	return out
}

// Phases returns tone phase estimates (radians), ordered to match Frequencies.
func (e *EkfState) Phases() []float64 {
	order := e.tonesOrder()
	out := make([]float64, e.m)
	for i, t := range order {
		out[i] = e.x.AtVec(3*t + 0)
	}
	return out
}

// Covariance returns the full 3Mx3M covariance matrix.
func (e *EkfState) Covariance() mat.Matrix {
	return e.p
}

// SymmetricError reports the maximum absolute difference between P and its
// transpose, used by tests asserting spec §8's symmetry invariant.
func (e *EkfState) SymmetricError() float64 {
	n, _ := e.p.Dims()
	var maxErr float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := math.Abs(e.p.At(i, j) - e.p.At(j, i))
			if d > maxErr {
				maxErr = d
			}
		}
	}
	return maxErr
}

// MinDiagonal returns the smallest diagonal entry of P.
func (e *EkfState) MinDiagonal() float64 {
	n, _ := e.p.Dims()
	min := e.p.At(0, 0)
	for i := 1; i < n; i++ {
		if e.p.At(i, i) < min {
			min = e.p.At(i, i)
		}
	}
	return min
}
