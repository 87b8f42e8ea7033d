package tempo

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

const (
	MinBPM      = 40.0
	MaxBPM      = 240.0
	MinVariance = 1.0
	MaxVariance = 50.0
)

// Config describes the tempo of the click. BaseBPM counts quarter notes.
type Config struct {
	BaseBPM  float64
	Dynamic  bool
	Variance float64 // ± BPM around BaseBPM when Dynamic
	Every    int     // beats a drawn tempo is held for; 0 and 1 draw every beat
}

func (c Config) Validate() error {
	if math.IsNaN(c.BaseBPM) || c.BaseBPM < MinBPM || c.BaseBPM > MaxBPM {
		return errors.Errorf("tempo %v out of range [%v,%v]", c.BaseBPM, MinBPM, MaxBPM)
	}
	if math.IsNaN(c.Variance) || c.Variance < MinVariance || c.Variance > MaxVariance {
		return errors.Errorf("tempo variance %v out of range [%v,%v]", c.Variance, MinVariance, MaxVariance)
	}
	if c.Every < 0 {
		return errors.Errorf("tempo hold %d must not be negative", c.Every)
	}
	return nil
}

// Bounds returns the range dynamic tempo draws from.
func (c Config) Bounds() (lo, hi float64) {
	return Clamp(c.BaseBPM - c.Variance), Clamp(c.BaseBPM + c.Variance)
}

func Clamp(bpm float64) float64 {
	if bpm < MinBPM {
		return MinBPM
	}
	if bpm > MaxBPM {
		return MaxBPM
	}
	return bpm
}

// BeatDuration converts a quarter-note tempo into the length of one beat of
// the given note value.
func BeatDuration(bpm float64, beatUnit int) time.Duration {
	if bpm <= 0 {
		bpm = MinBPM
	}
	if beatUnit <= 0 {
		beatUnit = 4
	}
	sec := 60.0 / bpm * 4.0 / float64(beatUnit)
	return time.Duration(sec * float64(time.Second))
}

// Source is the random stream behind dynamic tempo. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Modulator picks the effective tempo of each upcoming beat. It is not safe
// for concurrent use; the scheduler loop owns it.
type Modulator struct {
	src  Source
	held int
}

// NewModulator returns a modulator drawing from src, or from a randomly seeded
// PCG source when src is nil.
func NewModulator(src Source) *Modulator {
	if src == nil {
		src = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Modulator{src: src}
}

// Next returns the tempo for the next beat. With Dynamic off it is BaseBPM
// exactly. With Dynamic on each beat is an independent uniform draw from
// Bounds, unless Every holds the previous draw for a few beats.
func (m *Modulator) Next(previous float64, cfg Config) float64 {
	if !cfg.Dynamic {
		m.held = 0
		return cfg.BaseBPM
	}
	lo, hi := cfg.Bounds()
	if m.held > 0 && cfg.Every > 1 && m.held < cfg.Every && previous >= lo && previous <= hi {
		m.held++
		return previous
	}
	m.held = 1
	bpm := lo + m.src.Float64()*(hi-lo)
	if bpm > hi {
		bpm = hi
	}
	return bpm
}

// Reset forgets any held draw so the next dynamic beat draws fresh.
func (m *Modulator) Reset() {
	m.held = 0
}
