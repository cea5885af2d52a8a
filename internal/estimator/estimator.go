// Package estimator implements the independent, swappable frequency
// estimators of spec §4.4-§4.9: HPS, the adaptive notch filter (+
// cascade), the extended Kalman filter (single-mode, IMM, and
// dual-mode gating variants), MUSIC/HMUSIC, and the sequential-residual
// PLL bank.
package estimator

import "sync/atomic"

// Diagnostics holds the numerical-failure counters spec §7 calls for
// ("a diagnostic counter is incremented"), surfaced by each stateful
// estimator.
type Diagnostics struct {
	SkippedUpdates   atomic.Uint64
	SingularS        atomic.Uint64
	SubspaceRebuilds atomic.Uint64
}

// Snapshot returns the current counter values.
func (d *Diagnostics) Snapshot() (skippedUpdates, singularS, subspaceRebuilds uint64) {
	return d.SkippedUpdates.Load(), d.SingularS.Load(), d.SubspaceRebuilds.Load()
}
