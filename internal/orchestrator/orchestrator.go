// Package orchestrator drives the two-rate analysis pipeline (spec
// §4.10): pulling PCM into the raw ring buffer, rebuilding and running
// the preprocessor into the baseband ring buffer, running both FFTs,
// mapping to display bins, locating the primary peak, and publishing a
// StudyFrame to every registered Job and to a latest-wins mailbox.
package orchestrator

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/austinkregel/tunerd/internal/dsp"
	"github.com/austinkregel/tunerd/internal/estimator"
	"github.com/austinkregel/tunerd/internal/ipc"
	"github.com/austinkregel/tunerd/internal/param"
	"github.com/austinkregel/tunerd/internal/ring"
	"github.com/austinkregel/tunerd/internal/tuning"
)

// PcmFrameSource is the pull side of spec §6's PcmFrameSource collaborator:
// once per tick the orchestrator pulls whatever the source has accumulated
// and writes it into the raw ring buffer itself.
type PcmFrameSource interface {
	SampleRate() float64
	// Frames returns any newly available samples (possibly none); ok is
	// false once the source is permanently exhausted.
	Frames() (samples []float32, ok bool)
}

// EstimatorDiagnostics surfaces the numerical-failure counters named in
// spec §7 through the published frame (design expansion: §7 names the
// requirement but not a concrete shape).
type EstimatorDiagnostics struct {
	EkfSkippedUpdates uint64
	EkfSingularS      uint64
}

// StudyFrame is the per-tick analysis result published to the mailbox and
// to every registered Job (spec §3, §4.10 step 7).
type StudyFrame struct {
	FrameNumber uint64
	SampleRate  float64

	FullSpectrum     *dsp.Spectrum
	BasebandSpectrum *dsp.Spectrum
	DisplaySpectrum  *dsp.Spectrum

	DisplayFreqs []float64
	DisplayMags  []float64

	PrimaryPeakHz float64
	PrimaryPeakOK bool

	EkfFrequencyHz float64
	EkfOK          bool

	Diagnostics EstimatorDiagnostics
}

// Config bundles the orchestrator's fixed construction parameters (spec
// §4.10: R_u=60Hz, R_a=30Hz).
type Config struct {
	RawCapacity      int
	BasebandCapacity int
	FFTSize          int
	BasebandFFTSize  int
	UpdateRateHz     float64
	AnalysisRateHz   float64
	CentsMargin      float64
	StopbandAttenDb  float64
	PeakWindowCents  float64
	Temperament      tuning.Temperament
}

// DefaultConfig returns spec-consistent defaults.
func DefaultConfig() Config {
	return Config{
		RawCapacity:      1 << 17,
		BasebandCapacity: 1 << 17,
		FFTSize:          4096,
		BasebandFFTSize:  2048,
		UpdateRateHz:     60,
		AnalysisRateHz:   30,
		CentsMargin:      300,
		StopbandAttenDb:  40,
		PeakWindowCents:  50,
		Temperament:      tuning.EqualTemperament{},
	}
}

// Job is a long-lived consumer of published frames (spec §4.10 "Job
// pipeline"). Ingest reports whether the job is now complete — either it
// reached a result or its deadline passed (jobs carry no frame-count
// budget; the deadline is their only termination limit); Finish computes
// the final result once, off the analysis tick (spec: "a dedicated
// completion task").
type Job interface {
	Ingest(frame StudyFrame, now time.Time) (done bool)
	Finish() any
}

type jobEntry struct {
	job      Job
	resultCh chan any
}

// StudyOrchestrator implements spec §4.10 in full.
type StudyOrchestrator struct {
	cfg    Config
	source PcmFrameSource
	params *param.Store
	sink   ipc.ResultSink[StudyFrame]

	raw      *ring.SampleRing[float32]
	baseband *ring.SampleRing[complex64]

	pre         *dsp.Preprocessor
	fftRaw      *dsp.FFTEngine
	fftBaseband *dsp.FFTEngine
	binMap      *dsp.BinMap
	binMapKey   binMapKey

	ekf *estimator.EkfState

	rawBookmark      ring.Bookmark
	basebandBookmark ring.Bookmark

	frameNumber  uint64
	lastAnalysis time.Time
	haveTicked   bool

	mu       sync.Mutex
	jobs     map[string]*jobEntry
	jobOrder []string
}

type binMapKey struct {
	bins      int
	min       float64
	max       float64
	logMode   bool
	sourceLen int
	sourceLo  float64
	sourceHi  float64
}

// NewStudyOrchestrator builds an orchestrator against source, reading
// initial configuration from params.
func NewStudyOrchestrator(cfg Config, source PcmFrameSource, params *param.Store, sink ipc.ResultSink[StudyFrame]) (*StudyOrchestrator, error) {
	snap := params.Get()

	raw := ring.New[float32](cfg.RawCapacity)
	baseband := ring.New[complex64](cfg.BasebandCapacity)

	fftRaw, err := dsp.NewFFTEngine(cfg.FFTSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building raw FFT engine: %w", err)
	}
	fftBaseband, err := dsp.NewFFTEngine(cfg.BasebandFFTSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building baseband FFT engine: %w", err)
	}

	target := snap.TargetFrequency(cfg.Temperament)
	preCfg, err := dsp.NewPreprocessorConfig(snap.AudioSampleRate, target, cfg.CentsMargin, cfg.StopbandAttenDb)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building preprocessor config: %w", err)
	}
	pre, err := dsp.NewPreprocessor(preCfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building preprocessor: %w", err)
	}

	ekfCfg := estimator.DefaultEkfConfig(1, 1/preCfg.OutputRate)
	ekf, err := estimator.NewEkfState(ekfCfg, []float64{0})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building EKF: %w", err)
	}

	return &StudyOrchestrator{
		cfg:         cfg,
		source:      source,
		params:      params,
		sink:        sink,
		raw:         raw,
		baseband:    baseband,
		pre:         pre,
		fftRaw:      fftRaw,
		fftBaseband: fftBaseband,
		ekf:         ekf,
		jobs:        make(map[string]*jobEntry),
	}, nil
}

// Enqueue registers a job and returns its single-shot result channel (spec
// §6 "enqueue(job) -> JobHandle<T>").
func (o *StudyOrchestrator) Enqueue(id string, job Job) <-chan any {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan any, 1)
	o.jobs[id] = &jobEntry{job: job, resultCh: ch}
	o.jobOrder = append(o.jobOrder, id)
	return ch
}

// Cancel removes a job and closes its channel without a result (spec §6
// "cancel(id): removes the job; its receiver is closed").
func (o *StudyOrchestrator) Cancel(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.jobs[id]
	if !ok {
		return
	}
	close(e.resultCh)
	delete(o.jobs, id)
	o.removeFromOrderLocked(id)
}

func (o *StudyOrchestrator) removeFromOrderLocked(id string) {
	for i, v := range o.jobOrder {
		if v == id {
			o.jobOrder = append(o.jobOrder[:i], o.jobOrder[i+1:]...)
			return
		}
	}
}

// Tick runs one full analysis cycle (spec §4.10 steps 1-7). Callers drive
// this at UpdateRateHz, sleeping max(0, 1/R_u - elapsed) between calls
// (spec §5 "Suspension points").
func (o *StudyOrchestrator) Tick(now time.Time) StudyFrame {
	// Step 1: pull new samples from the PCM source into the raw buffer.
	if samples, ok := o.source.Frames(); ok && len(samples) > 0 {
		o.raw.Write(samples)
	}

	snap := o.params.Get()

	analysisDue := !o.haveTicked || now.Sub(o.lastAnalysis) >= time.Duration(float64(time.Second)/o.cfg.AnalysisRateHz)
	if analysisDue {
		o.ensurePreprocessorTarget(snap)

		rawSince, newRawBookmark := o.raw.Read(ring.Since, o.rawBookmark)
		o.rawBookmark = newRawBookmark
		if len(rawSince) > 0 {
			out := o.pre.Push(nil, rawSince)
			if len(out) > 0 {
				o.baseband.Write(out)
			}
		}
		o.lastAnalysis = now
		o.haveTicked = true
	}

	frame := StudyFrame{SampleRate: snap.AudioSampleRate}

	// Step 3: pull windows and run the corresponding FFTs.
	if rawWindow, _ := o.raw.Read(ring.Latest, ring.Bookmark(o.fftRaw.Size())); len(rawWindow) >= o.fftRaw.Size() {
		if spec, err := o.fftRaw.RealSpectrum(rawWindow, snap.AudioSampleRate, true); err == nil {
			frame.FullSpectrum = spec
		}
	}

	basebandNeeded := int(o.pre.Config().OutputRate) // >= 1s of baseband samples
	if basebandNeeded < o.fftBaseband.Size() {
		basebandNeeded = o.fftBaseband.Size()
	}
	if basebandWindow, _ := o.baseband.Read(ring.Latest, ring.Bookmark(basebandNeeded)); len(basebandWindow) >= o.fftBaseband.Size() {
		if spec, err := o.fftBaseband.BasebandSpectrum(basebandWindow, o.pre.Config().OutputRate, o.pre.Config().CenterFrequency, true); err == nil {
			frame.BasebandSpectrum = spec
		}

		last := complex128(basebandWindow[len(basebandWindow)-1])
		o.ekf.Update(last)
		freqs := o.ekf.Frequencies()
		if len(freqs) > 0 {
			frame.EkfFrequencyHz = o.pre.Config().CenterFrequency + freqs[0]
			frame.EkfOK = true
		}
		skipped, singular, _ := o.ekf.Diagnostics().Snapshot()
		frame.Diagnostics.EkfSkippedUpdates = skipped
		frame.Diagnostics.EkfSingularS = singular
	}

	// Step 5: choose display spectrum.
	useBaseband := snap.ZoomState == param.TargetFundamental && frame.BasebandSpectrum != nil
	if useBaseband {
		frame.DisplaySpectrum = frame.BasebandSpectrum
	} else {
		frame.DisplaySpectrum = frame.FullSpectrum
	}

	// Step 4: update the bin-mapper viewports from the parameter store.
	if frame.DisplaySpectrum != nil {
		o.ensureBinMap(snap, frame.DisplaySpectrum.Freqs)
		frame.DisplayFreqs = o.binMap.Freqs()
		frame.DisplayMags = o.binMap.Map(frame.DisplaySpectrum.Magnitudes)
	}

	// Step 6: primary peak via centroid interpolation in a target-centred
	// window.
	target := snap.TargetFrequency(o.cfg.Temperament)
	if frame.DisplaySpectrum != nil {
		if hz, ok := centroidPeak(frame.DisplaySpectrum, target, o.cfg.PeakWindowCents); ok {
			frame.PrimaryPeakHz = hz
			frame.PrimaryPeakOK = true
		}
	}

	// Step 7: publish.
	o.frameNumber++
	frame.FrameNumber = o.frameNumber
	if o.sink != nil {
		o.sink.Publish(frame)
	}
	o.ingestJobs(frame, now)

	return frame
}

// ensurePreprocessorTarget rebuilds the preprocessor if the parameter
// store's target has shifted by more than 1Hz (spec §4.10 step 2).
func (o *StudyOrchestrator) ensurePreprocessorTarget(snap param.Snapshot) {
	target := snap.TargetFrequency(o.cfg.Temperament)
	if o.pre.Config().NearEqual(target) {
		return
	}

	preCfg, err := dsp.NewPreprocessorConfig(snap.AudioSampleRate, target, o.cfg.CentsMargin, o.cfg.StopbandAttenDb)
	if err != nil {
		// Configuration error: leave the existing preprocessor running
		// rather than failing the tick (spec §7 propagation policy).
		return
	}
	pre, err := dsp.NewPreprocessor(preCfg)
	if err != nil {
		return
	}
	o.pre = pre
}

// ensureBinMap rebuilds the display bin mapper whenever the relevant
// parameters or the source frequency axis change (spec §4.10 step 4).
func (o *StudyOrchestrator) ensureBinMap(snap param.Snapshot, sourceFreqs []float64) {
	minFreq, maxFreq, logScale := viewport(snap)
	var lo, hi float64
	if len(sourceFreqs) > 0 {
		lo, hi = sourceFreqs[0], sourceFreqs[len(sourceFreqs)-1]
	}
	key := binMapKey{bins: snap.DisplayBinCount, min: minFreq, max: maxFreq, logMode: logScale, sourceLen: len(sourceFreqs), sourceLo: lo, sourceHi: hi}
	if o.binMap != nil && key == o.binMapKey {
		return
	}

	o.binMap = dsp.NewBinMap(sourceFreqs, snap.DisplayBinCount, minFreq, maxFreq, logScale, snap.AnimationSmoothing)
	o.binMapKey = key
}

// viewport derives the bin mapper's frequency bounds and axis mode from
// the current zoom state.
func viewport(snap param.Snapshot) (minFreq, maxFreq float64, logScale bool) {
	switch snap.ZoomState {
	case param.TargetFundamental:
		return -snap.TargetBandwidth, snap.TargetBandwidth, false
	case param.ThreeOctaves:
		target := snap.ConcertPitch
		return target / 4, target * 4, true
	default:
		return 20, snap.AudioSampleRate / 2, true
	}
}

// centroidPeak finds the highest magnitude bin within +/-windowCents of
// targetHz and refines it via centroid interpolation over three
// neighbouring bins, delta = (gamma-alpha)/(alpha+beta+gamma) on linear
// magnitudes converted from the spectrum's dB values (spec §4.10 step 6).
func centroidPeak(spec *dsp.Spectrum, targetHz, windowCents float64) (float64, bool) {
	if targetHz <= 0 {
		return 0, false
	}
	lo := targetHz * math.Pow(2, -windowCents/1200)
	hi := targetHz * math.Pow(2, windowCents/1200)

	loIdx := sort.SearchFloat64s(spec.Freqs, lo)
	hiIdx := sort.SearchFloat64s(spec.Freqs, hi)
	if hiIdx <= loIdx {
		return 0, false
	}

	best := -1
	bestVal := math.Inf(-1)
	for i := loIdx; i < hiIdx && i < len(spec.Magnitudes); i++ {
		if spec.Magnitudes[i] > bestVal {
			bestVal = spec.Magnitudes[i]
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	if best <= 0 || best >= len(spec.Magnitudes)-1 {
		return spec.Freqs[best], true
	}

	alpha := math.Pow(10, spec.Magnitudes[best-1]/20)
	beta := math.Pow(10, spec.Magnitudes[best]/20)
	gamma := math.Pow(10, spec.Magnitudes[best+1]/20)
	denom := alpha + beta + gamma
	if denom == 0 {
		return spec.Freqs[best], true
	}
	delta := (gamma - alpha) / denom
	step := spec.Freqs[best+1] - spec.Freqs[best]
	return spec.Freqs[best] + delta*step, true
}

// ingestJobs feeds frame to every registered job, draining and delivering
// results for jobs that report done (spec §4.10 "Job pipeline").
func (o *StudyOrchestrator) ingestJobs(frame StudyFrame, now time.Time) {
	o.mu.Lock()
	order := append([]string(nil), o.jobOrder...)
	o.mu.Unlock()

	for _, id := range order {
		o.mu.Lock()
		e, ok := o.jobs[id]
		o.mu.Unlock()
		if !ok {
			continue
		}

		if !e.job.Ingest(frame, now) {
			continue
		}

		o.mu.Lock()
		delete(o.jobs, id)
		o.removeFromOrderLocked(id)
		o.mu.Unlock()

		go func(e *jobEntry) {
			result := e.job.Finish()
			e.resultCh <- result
			close(e.resultCh)
		}(e)
	}
}
