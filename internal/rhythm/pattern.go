package rhythm

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Voice identifies which rhythmic cycle a slot belongs to.
type Voice int

const (
	VoicePrimary Voice = iota
	VoiceSecondary
)

func (v Voice) String() string {
	switch v {
	case VoicePrimary:
		return "primary"
	case VoiceSecondary:
		return "secondary"
	default:
		return "voice(" + strconv.Itoa(int(v)) + ")"
	}
}

const MaxBeatsPerBar = 7

type TimeSignature struct {
	BeatsPerBar int
	BeatUnit    int // note value of one beat: 4 = quarter, 8 = eighth
}

func (ts TimeSignature) String() string {
	return strconv.Itoa(ts.BeatsPerBar) + "/" + strconv.Itoa(ts.BeatUnit)
}

func (ts TimeSignature) Validate() error {
	if ts.BeatsPerBar < 1 || ts.BeatsPerBar > MaxBeatsPerBar {
		return errors.Errorf("beats per bar %d out of range [1,%d]", ts.BeatsPerBar, MaxBeatsPerBar)
	}
	switch ts.BeatUnit {
	case 1, 2, 4, 8, 16:
	default:
		return errors.Errorf("beat unit %d is not one of 1,2,4,8,16", ts.BeatUnit)
	}
	return nil
}

// ParseTimeSignature parses "N/D", e.g. "7/8".
func ParseTimeSignature(s string) (TimeSignature, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return TimeSignature{}, errors.Errorf("time signature %q: expected N/D", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return TimeSignature{}, errors.Wrapf(err, "time signature %q numerator", s)
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil {
		return TimeSignature{}, errors.Wrapf(err, "time signature %q denominator", s)
	}
	ts := TimeSignature{BeatsPerBar: n, BeatUnit: d}
	if err := ts.Validate(); err != nil {
		return TimeSignature{}, err
	}
	return ts, nil
}

// Ratio is a polyrhythm pair: Primary beats against Secondary beats per bar.
type Ratio struct {
	Primary   int
	Secondary int
}

// SupportedRatios lists the polyrhythms the engine accepts.
var SupportedRatios = []Ratio{{3, 2}, {4, 3}, {5, 4}, {7, 4}, {5, 3}}

func (r Ratio) String() string {
	return strconv.Itoa(r.Primary) + ":" + strconv.Itoa(r.Secondary)
}

func (r Ratio) Validate() error {
	for _, s := range SupportedRatios {
		if s == r {
			return nil
		}
	}
	return errors.Errorf("polyrhythm %s is not supported", r)
}

func ParseRatio(s string) (Ratio, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Ratio{}, errors.Errorf("polyrhythm %q: expected A:B", s)
	}
	p, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return Ratio{}, errors.Wrapf(err, "polyrhythm %q", s)
	}
	q, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return Ratio{}, errors.Wrapf(err, "polyrhythm %q", s)
	}
	r := Ratio{Primary: p, Secondary: q}
	if err := r.Validate(); err != nil {
		return Ratio{}, err
	}
	return r, nil
}

type Polyrhythm struct {
	Enabled bool
	Ratio   Ratio
}

// Slot is one scheduled click position inside a bar.
type Slot struct {
	Voice  Voice
	Index  int     // position within the voice, 0-based
	Offset float64 // fraction of the bar in [0,1)
	Accent bool    // only the primary downbeat

	// Beat is the primary beat the slot falls in and Phase its position
	// within that beat in [0,1). The scheduler places deadlines with these so
	// a tempo that changes per beat still lands every slot inside its beat.
	Beat  int
	Phase float64

	// Simultaneous marks a secondary slot snapped onto a primary slot.
	Simultaneous bool
}

// Pattern is the ordered slot sequence of one bar. It is restartable: the
// scheduler walks the same pattern every bar until the configuration changes.
type Pattern struct {
	Slots          []Slot
	Beats          int // primary slots per bar
	SecondaryBeats int
}

// Beat returns the slots that fall inside primary beat k, in bar order.
func (p Pattern) Beat(k int) []Slot {
	var out []Slot
	for _, s := range p.Slots {
		if s.Beat == k {
			out = append(out, s)
		}
	}
	return out
}

func (p Pattern) Count(v Voice) int {
	n := 0
	for _, s := range p.Slots {
		if s.Voice == v {
			n++
		}
	}
	return n
}

// Generate builds the bar pattern for a validated signature. With a
// polyrhythm the primary voice takes the ratio's first count and the secondary
// voice its second, both spread evenly over the same bar. epsilon is a
// fraction of the bar: secondary slots closer than that to a primary slot are
// snapped onto it.
func Generate(ts TimeSignature, poly Polyrhythm, epsilon float64) Pattern {
	n := ts.BeatsPerBar
	m := 0
	if poly.Enabled {
		n = poly.Ratio.Primary
		m = poly.Ratio.Secondary
	}
	if n < 1 {
		n = 1
	}
	slots := make([]Slot, 0, n+m)
	for i := 0; i < n; i++ {
		slots = append(slots, Slot{
			Voice:  VoicePrimary,
			Index:  i,
			Offset: float64(i) / float64(n),
			Accent: i == 0,
			Beat:   i,
		})
	}
	for j := 0; j < m; j++ {
		// Position j*n/m primary beats into the bar, kept as integers so
		// coincident slots compare exactly.
		beat := (j * n) / m
		rem := (j * n) % m
		phase := float64(rem) / float64(m)
		s := Slot{
			Voice:  VoiceSecondary,
			Index:  j,
			Offset: float64(j) / float64(m),
			Beat:   beat,
			Phase:  phase,
		}
		switch {
		case rem == 0:
			s.Simultaneous = true
		case phase/float64(n) < epsilon:
			s.Phase = 0
			s.Offset = float64(beat) / float64(n)
			s.Simultaneous = true
		case (1-phase)/float64(n) < epsilon && beat+1 < n:
			s.Beat = beat + 1
			s.Phase = 0
			s.Offset = float64(beat+1) / float64(n)
			s.Simultaneous = true
		}
		slots = append(slots, s)
	}
	sort.SliceStable(slots, func(a, b int) bool {
		sa, sb := slots[a], slots[b]
		if sa.Beat != sb.Beat {
			return sa.Beat < sb.Beat
		}
		if sa.Phase != sb.Phase {
			return sa.Phase < sb.Phase
		}
		return sa.Voice < sb.Voice
	})
	return Pattern{Slots: slots, Beats: n, SecondaryBeats: m}
}
