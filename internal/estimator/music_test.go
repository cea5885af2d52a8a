package estimator

import (
	"math"
	"testing"

	"github.com/austinkregel/tunerd/internal/ring"
)

func TestMusicTwoToneResolution(t *testing.T) {
	const sampleRate = 4000.0
	cfg := DefaultMusicConfig(sampleRate)
	cfg.M = 16
	cfg.N = 128
	cfg.Sources = 2
	cfg.Harmonics = 1

	buf := ring.New[complex64](4096)
	samples := make([]complex64, 2048)
	for i := range samples {
		tsec := float64(i) / sampleRate
		v := complex(math.Cos(2*math.Pi*440*tsec), math.Sin(2*math.Pi*440*tsec)) +
			complex(math.Cos(2*math.Pi*660*tsec), math.Sin(2*math.Pi*660*tsec))
		samples[i] = complex64(v)
	}
	buf.Write(samples)

	music := NewMusicState(cfg)
	if !music.Refresh(buf) {
		t.Fatal("Refresh failed to build a noise subspace")
	}

	peaks := music.Peaks(300, 900, 2)
	if len(peaks) != 2 {
		t.Fatalf("expected 2 peaks, got %d", len(peaks))
	}

	foundNear := func(target float64) bool {
		for _, p := range peaks {
			if math.Abs(p.Hz-target) < 1 {
				return true
			}
		}
		return false
	}
	if !foundNear(440) {
		t.Errorf("no peak near 440Hz among %+v", peaks)
	}
	if !foundNear(660) {
		t.Errorf("no peak near 660Hz among %+v", peaks)
	}
}

func TestMusicRefreshFailsOnInsufficientData(t *testing.T) {
	cfg := DefaultMusicConfig(4000)
	music := NewMusicState(cfg)
	buf := ring.New[complex64](64)
	buf.Write(make([]complex64, 4))

	if music.Refresh(buf) {
		t.Fatal("expected Refresh to fail with far too little data")
	}
}
