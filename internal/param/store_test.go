package param

import (
	"path/filepath"
	"testing"

	"github.com/austinkregel/tunerd/internal/tuning"
)

func TestStoreLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := s.Get()
	want := DefaultSnapshot()
	if got != want {
		t.Fatalf("expected default snapshot, got %+v", got)
	}

	if _, err := filepath.Abs(s.Path()); err != nil {
		t.Fatalf("Path: %v", err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snap := s.Get()
	snap.ConcertPitch = 432
	snap.ZoomState = FullSpectrum
	s.Set(snap)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := NewStore(dir)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reloaded Load: %v", err)
	}
	got := reloaded.Get()
	if got.ConcertPitch != 432 || got.ZoomState != FullSpectrum {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestStoreSubscribeReceivesUpdates(t *testing.T) {
	s := NewStore(t.TempDir())
	ch := s.Subscribe()

	snap := DefaultSnapshot()
	snap.ConcertPitch = 441
	s.Set(snap)

	select {
	case got := <-ch:
		if got.ConcertPitch != 441 {
			t.Fatalf("expected concert pitch 441, got %v", got.ConcertPitch)
		}
	default:
		t.Fatal("expected a notification on the subscribe channel")
	}
}

func TestSnapshotTargetFrequency(t *testing.T) {
	snap := DefaultSnapshot() // A4, partial 1, concert pitch 440
	got := snap.TargetFrequency(tuning.EqualTemperament{})
	if diff := got - 440; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 440Hz for default A4 snapshot, got %v", got)
	}
}
