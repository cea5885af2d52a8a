// Package param implements the observable parameter store (spec §6, §9
// design note #1): a typed configuration snapshot exposed through a
// lock-free reader and a change-notify channel, persisted to JSON the
// way the teacher's internal/config.Manager persists its Config.
package param

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/austinkregel/tunerd/internal/tuning"
)

// ZoomState selects which spectrum view is active (spec §6).
type ZoomState int

const (
	FullSpectrum ZoomState = iota
	ThreeOctaves
	TargetFundamental
)

func (z ZoomState) String() string {
	switch z {
	case FullSpectrum:
		return "full_spectrum"
	case ThreeOctaves:
		return "three_octaves"
	case TargetFundamental:
		return "target_fundamental"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the zoom state as its string name.
func (z ZoomState) MarshalJSON() ([]byte, error) {
	return json.Marshal(z.String())
}

// UnmarshalJSON decodes a zoom state from its string name.
func (z *ZoomState) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "full_spectrum", "":
		*z = FullSpectrum
	case "three_octaves":
		*z = ThreeOctaves
	case "target_fundamental":
		*z = TargetFundamental
	default:
		return fmt.Errorf("param: unknown zoom_state %q", s)
	}
	return nil
}

// Snapshot holds the tunable parameters named in spec §6 except the
// temperament, which is not stored here: callers pass it in (e.g. to
// TargetFrequency) from orchestrator.Config.
type Snapshot struct {
	AudioSampleRate    float64   `json:"audio_sample_rate"`
	ConcertPitch       float64   `json:"concert_pitch"`
	TargetNote         int       `json:"target_note"`
	TargetPartial      int       `json:"target_partial"`
	TargetBandwidth    float64   `json:"target_bandwidth"`
	DisplayBinCount    int       `json:"display_bin_count"`
	FFTSize            int       `json:"fft_size"`
	CircularBufferSize int       `json:"circular_buffer_size"`
	ZoomState          ZoomState `json:"zoom_state"`
	MinDb              float64   `json:"min_db"`
	MaxDb              float64   `json:"max_db"`
	AnimationSmoothing float64   `json:"animation_smoothing"`
}

// DefaultSnapshot returns spec-consistent defaults.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		AudioSampleRate:    48000,
		ConcertPitch:       440,
		TargetNote:         69, // MIDI A4
		TargetPartial:      1,
		TargetBandwidth:    50,
		DisplayBinCount:    512,
		FFTSize:            4096,
		CircularBufferSize: 1 << 16,
		ZoomState:          TargetFundamental,
		MinDb:              -100,
		MaxDb:              0,
		AnimationSmoothing: 0.2,
	}
}

// TargetFrequency applies temperament + partial + concert pitch to derive
// the currently targeted frequency (spec §6 "Derived accessors").
func (s Snapshot) TargetFrequency(temp tuning.Temperament) float64 {
	return tuning.TargetFrequency(temp, s.ConcertPitch, s.TargetNote, s.TargetPartial)
}

// Store is the single source of truth for tunable parameters (spec §6,
// §9 design note #1 and #4: no process-wide singleton — the caller
// constructs and threads this explicitly). Reads never block (an
// atomic.Pointer swap); writes go through Set/Load, and Set fans out to
// subscribers.
type Store struct {
	configDir  string
	configPath string

	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs []chan Snapshot
}

// NewStore builds a store seeded with DefaultSnapshot, rooted at
// configDir/tunerd.json.
func NewStore(configDir string) *Store {
	s := &Store{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "tunerd.json"),
	}
	snap := DefaultSnapshot()
	s.current.Store(&snap)
	return s
}

// Get returns the current snapshot. Safe for concurrent use; never blocks.
func (s *Store) Get() Snapshot {
	return *s.current.Load()
}

// Set replaces the snapshot and notifies every subscriber (spec §5
// "Parameter updates ... coalesced into the analysis thread at the top of
// each tick").
func (s *Store) Set(snap Snapshot) {
	s.current.Store(&snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber: drop the stale value and reinsert the
			// newest one, matching the mailbox's latest-wins contract.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives every subsequent Set (spec §9
// design note #1's "change-notify channel"). The channel has capacity 1
// and is latest-wins under backpressure.
func (s *Store) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Load reads the snapshot from configDir/tunerd.json, creating it with
// defaults if absent (grounded on the teacher's internal/config.Manager).
func (s *Store) Load() error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("param: creating config directory: %w", err)
	}

	if _, err := os.Stat(s.configPath); os.IsNotExist(err) {
		s.current.Store(ptr(DefaultSnapshot()))
		return s.Save()
	}

	data, err := os.ReadFile(s.configPath)
	if err != nil {
		return fmt.Errorf("param: reading config: %w", err)
	}

	snap := DefaultSnapshot()
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("param: parsing config: %w", err)
	}

	s.current.Store(&snap)
	return nil
}

// Save writes the current snapshot to configDir/tunerd.json.
func (s *Store) Save() error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("param: creating config directory: %w", err)
	}

	snap := s.Get()
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("param: marshaling config: %w", err)
	}

	if err := os.WriteFile(s.configPath, data, 0600); err != nil {
		return fmt.Errorf("param: writing config: %w", err)
	}
	return nil
}

// Path returns the backing config file path.
func (s *Store) Path() string {
	return s.configPath
}

func ptr[T any](v T) *T { return &v }
