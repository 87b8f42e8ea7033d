package engine

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/rhythm"
	"github.com/cbegin/metromatch-go/internal/tempo"
)

const (
	MinPitch       = 200.0
	MaxPitch       = 2000.0
	MinSwingRatio  = 0.5
	MaxSwingRatio  = 0.75
	MaxClickLength = 250 * time.Millisecond
)

var (
	ErrInvalidConfig = errors.New("invalid metronome config")
	ErrRunning       = errors.New("metronome already running")
)

// Swing delays every odd primary beat so that on-beat to off-beat and
// off-beat to next on-beat divide the pair as Ratio : 1-Ratio.
type Swing struct {
	Enabled bool
	Ratio   float64
}

// Config is the complete live configuration. The scheduler only ever reads a
// whole Config published through Scheduler.Publish; it is never mutated in
// place.
type Config struct {
	Tempo         tempo.Config
	Volume        float64 // 0..1
	Pitch         float64 // base click frequency in Hz
	Signature     rhythm.TimeSignature
	Swing         Swing
	Polyrhythm    rhythm.Polyrhythm
	ClickDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tempo:         tempo.Config{BaseBPM: 120, Variance: 10},
		Volume:        0.7,
		Pitch:         1000,
		Signature:     rhythm.TimeSignature{BeatsPerBar: 4, BeatUnit: 4},
		Swing:         Swing{Ratio: 0.66},
		Polyrhythm:    rhythm.Polyrhythm{Ratio: rhythm.Ratio{Primary: 3, Secondary: 2}},
		ClickDuration: 60 * time.Millisecond,
	}
}

// Validate reports the first out-of-range field. The returned error wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	if err := c.Tempo.Validate(); err != nil {
		return invalid(err)
	}
	if math.IsNaN(c.Volume) || c.Volume < 0 || c.Volume > 1 {
		return invalid(errors.Errorf("volume %v out of range [0,1]", c.Volume))
	}
	if math.IsNaN(c.Pitch) || c.Pitch < MinPitch || c.Pitch > MaxPitch {
		return invalid(errors.Errorf("pitch %v out of range [%v,%v]", c.Pitch, MinPitch, MaxPitch))
	}
	if err := c.Signature.Validate(); err != nil {
		return invalid(err)
	}
	if c.Swing.Enabled && (math.IsNaN(c.Swing.Ratio) || c.Swing.Ratio < MinSwingRatio || c.Swing.Ratio > MaxSwingRatio) {
		return invalid(errors.Errorf("swing ratio %v out of range [%v,%v]", c.Swing.Ratio, MinSwingRatio, MaxSwingRatio))
	}
	if c.Polyrhythm.Enabled {
		if err := c.Polyrhythm.Ratio.Validate(); err != nil {
			return invalid(err)
		}
	}
	if c.ClickDuration <= 0 || c.ClickDuration > MaxClickLength {
		return invalid(errors.Errorf("click duration %v out of range (0,%v]", c.ClickDuration, MaxClickLength))
	}
	return nil
}

func invalid(err error) error {
	return errors.Wrap(ErrInvalidConfig, err.Error())
}

// primaryBeats is the number of primary beats one bar of c holds.
func (c Config) primaryBeats() int {
	if c.Polyrhythm.Enabled {
		return c.Polyrhythm.Ratio.Primary
	}
	return c.Signature.BeatsPerBar
}

// nominalBar is the bar length at the base tempo.
func (c Config) nominalBar() time.Duration {
	return time.Duration(c.primaryBeats()) * tempo.BeatDuration(c.Tempo.BaseBPM, c.Signature.BeatUnit)
}
