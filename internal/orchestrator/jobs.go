package orchestrator

import (
	"math"
	"time"

	"github.com/austinkregel/tunerd/internal/estimator"
	"github.com/austinkregel/tunerd/internal/tuning"
)

// AutoTuneResult is AutoTuneJob's delivered result (spec §4.10
// "result is the nearest Note within 45 cents of the final F0, or
// nothing").
type AutoTuneResult struct {
	Note      tuning.Note
	CentsOff  float64
	F0Hz      float64
	OK        bool
}

// AutoTuneJob finds a stable fundamental via HPS (spec §4.10
// "AutoTuneJob").
type AutoTuneJob struct {
	hpsCfg       estimator.HPSConfig
	temperament  tuning.Temperament
	concertPitch float64
	deadline     time.Time

	ewmaConfidence float64
	haveLastGood   bool
	lastGoodF0     float64

	result AutoTuneResult
}

// NewAutoTuneJob builds an AutoTuneJob with a 10s deadline from now (spec
// §4.10).
func NewAutoTuneJob(temperament tuning.Temperament, concertPitchHz float64, now time.Time) *AutoTuneJob {
	return &AutoTuneJob{
		hpsCfg:       estimator.DefaultHPSConfig(),
		temperament:  temperament,
		concertPitch: concertPitchHz,
		deadline:     now.Add(10 * time.Second),
	}
}

// acceptanceConfidence is the threshold a stable EWMA-smoothed confidence
// must reach before a candidate F0 is accepted (spec §4.10).
const acceptanceConfidence = 0.75

// stabilityCentsAutoTune is the maximum drift from the previous good
// estimate still considered "stable" (spec §4.10).
const stabilityCentsAutoTune = 45.0

// Ingest implements Job.
func (j *AutoTuneJob) Ingest(frame StudyFrame, now time.Time) bool {
	if now.After(j.deadline) {
		return true
	}
	if frame.FullSpectrum == nil {
		return false
	}

	res := estimator.HPS(frame.FullSpectrum, j.hpsCfg)
	if !res.OK {
		return false
	}

	stable := false
	if j.haveLastGood {
		cents := 1200 * math.Log2(res.F0/j.lastGoodF0)
		stable = math.Abs(cents) <= stabilityCentsAutoTune
	}
	indicator := 0.0
	if stable {
		indicator = 1.0
	}
	// EWMA confidence, alpha=0.85 weight on the running value (spec
	// §4.10's "EWMA confidence (alpha=0.85)").
	j.ewmaConfidence = 0.85*j.ewmaConfidence + 0.15*indicator
	j.lastGoodF0 = res.F0
	j.haveLastGood = true

	accept := (stable && j.ewmaConfidence >= acceptanceConfidence) || res.SNRdB >= 30
	if !accept {
		return false
	}

	note, cents, ok := tuning.NearestNote(j.temperament, j.concertPitch, res.F0, stabilityCentsAutoTune)
	j.result = AutoTuneResult{Note: note, CentsOff: cents, F0Hz: res.F0, OK: ok}
	return true
}

// Finish implements Job.
func (j *AutoTuneJob) Finish() any {
	return j.result
}

// AutoConcertPitchResult is AutoConcertPitchJob's delivered result.
type AutoConcertPitchResult struct {
	NewConcertPitchHz float64
	OK                bool
}

// stabilityCentsConcertPitch is the stability window against the running
// reference frequency (spec §4.10: "10.5 cents").
const stabilityCentsConcertPitch = 10.5

// AutoConcertPitchJob tracks an EKF frequency estimate against a running
// reference and derives a new concert pitch once it has settled (spec
// §4.10 "AutoConcertPitchJob").
type AutoConcertPitchJob struct {
	targetFreqHz float64
	currentPitch float64
	deadline     time.Time

	haveRef    bool
	refFreq    float64
	sumFreq    float64
	count      int
	confidence float64

	result AutoConcertPitchResult
}

// NewAutoConcertPitchJob builds an AutoConcertPitchJob with a 10s deadline
// from now.
func NewAutoConcertPitchJob(targetFreqHz, currentConcertPitchHz float64, now time.Time) *AutoConcertPitchJob {
	return &AutoConcertPitchJob{
		targetFreqHz: targetFreqHz,
		currentPitch: currentConcertPitchHz,
		deadline:     now.Add(10 * time.Second),
	}
}

// Ingest implements Job.
func (j *AutoConcertPitchJob) Ingest(frame StudyFrame, now time.Time) bool {
	if now.After(j.deadline) {
		return true
	}
	if !frame.EkfOK {
		return false
	}

	f := frame.EkfFrequencyHz
	if !j.haveRef {
		j.refFreq = f
		j.haveRef = true
	}

	cents := 1200 * math.Log2(f/j.refFreq)
	stable := math.Abs(cents) <= stabilityCentsConcertPitch

	indicator := 0.0
	if stable {
		indicator = 1.0
	}
	j.confidence = 0.85*j.confidence + 0.15*indicator

	if stable {
		j.sumFreq += f
		j.count++
	} else {
		// Drifted past the stability window: resynchronise the running
		// reference and discard the stale accumulation.
		j.refFreq = f
		j.sumFreq = 0
		j.count = 0
	}

	if j.confidence >= acceptanceConfidence && j.count > 0 {
		avg := j.sumFreq / float64(j.count)
		j.result = AutoConcertPitchResult{
			NewConcertPitchHz: j.currentPitch * (avg / j.targetFreqHz),
			OK:                true,
		}
		return true
	}
	return false
}

// Finish implements Job.
func (j *AutoConcertPitchJob) Finish() any {
	return j.result
}

var (
	_ Job = (*AutoTuneJob)(nil)
	_ Job = (*AutoConcertPitchJob)(nil)
)
