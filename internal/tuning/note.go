// Package tuning provides the Note/Temperament seam the orchestrator needs
// to turn a concert pitch and a temperament ratio into a target frequency.
// The full temperament/instrument catalogue is an external collaborator
// (pure data tables, per spec) — this package only models the interface it
// consumes, plus one concrete 12-tone-equal-temperament implementation so
// the rest of the module is independently testable.
package tuning

import "math"

// Note identifies a pitch by MIDI index (69 == A4).
type Note struct {
	MIDI int
	Name string
}

// Temperament maps a semitone offset from A4 to a frequency ratio against
// concert pitch. Equal temperament is the only built-in implementation;
// any other temperament is supplied by the external catalogue.
type Temperament interface {
	// Ratio returns the multiplicative ratio, relative to concert pitch,
	// for the pitch semitoneFromA4 semitones away from A4.
	Ratio(semitoneFromA4 int) float64
}

// EqualTemperament is standard 12-tone equal temperament.
type EqualTemperament struct{}

// Ratio implements Temperament.
func (EqualTemperament) Ratio(semitoneFromA4 int) float64 {
	return math.Pow(2, float64(semitoneFromA4)/12)
}

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// FromMIDI builds a Note from a MIDI index, deriving its display name.
func FromMIDI(midi int) Note {
	name := noteNames[((midi%12)+12)%12]
	octave := midi/12 - 1
	return Note{MIDI: midi, Name: noteNamePrintf(name, octave)}
}

func noteNamePrintf(name string, octave int) string {
	return name + itoa(octave)
}

// itoa avoids pulling in fmt for a single small integer; negative octaves
// (MIDI < 12) are possible and must round-trip through FromName.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// FromName parses a note name of the form "<letter>[#]<octave>", e.g. "A4"
// or "C#-1", back into a MIDI index. It returns ok=false for a malformed
// name.
func FromName(name string) (Note, bool) {
	if len(name) < 2 {
		return Note{}, false
	}

	i := 1
	if i < len(name) && name[i] == '#' {
		i++
	}
	letterPart := name[:i]

	semitone := -1
	for idx, n := range noteNames {
		if n == letterPart {
			semitone = idx
			break
		}
	}
	if semitone == -1 {
		return Note{}, false
	}

	octaveStr := name[i:]
	if octaveStr == "" {
		return Note{}, false
	}
	octave, ok := atoi(octaveStr)
	if !ok {
		return Note{}, false
	}

	midi := (octave+1)*12 + semitone
	return FromMIDI(midi), true
}

func atoi(s string) (int, bool) {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

// TargetFrequency applies a temperament and partial against concert pitch
// to derive the frequency the orchestrator should track. targetNote is a
// MIDI index; partial is the 1-indexed harmonic (1 == fundamental).
func TargetFrequency(t Temperament, concertPitchHz float64, targetNoteMIDI int, partial int) float64 {
	if partial < 1 {
		partial = 1
	}
	semitoneFromA4 := targetNoteMIDI - 69
	fundamental := concertPitchHz * t.Ratio(semitoneFromA4)
	return fundamental * float64(partial)
}

// NearestNote finds the Note within maxCents of freqHz, or ok=false if
// none is within range.
func NearestNote(t Temperament, concertPitchHz, freqHz, maxCents float64) (Note, float64, bool) {
	if freqHz <= 0 || concertPitchHz <= 0 {
		return Note{}, 0, false
	}

	semitone := 12 * math.Log2(freqHz/concertPitchHz)
	nearestSemitone := int(math.Round(semitone))

	candidateHz := concertPitchHz * t.Ratio(nearestSemitone)
	cents := 1200 * math.Log2(freqHz/candidateHz)
	if math.Abs(cents) > maxCents {
		return Note{}, cents, false
	}
	return FromMIDI(69 + nearestSemitone), cents, true
}
