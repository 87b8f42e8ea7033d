package synth

import "math"

const twoPi = math.Pi * 2

type Params struct {
	SampleRate     int
	AttackSec      float64
	DecaySec       float64 // exponential decay time constant
	AccentPitch    float64 // frequency multiplier on accented clicks
	AccentGain     float64 // volume multiplier on accented clicks, result clamped to 1
	SecondaryPitch float64 // frequency multiplier for the polyrhythm voice
	MasterGain     float64
}

func DefaultParams() Params {
	return Params{
		SampleRate:     48000,
		AttackSec:      0.002,
		DecaySec:       0.015,
		AccentPitch:    1.5,
		AccentGain:     1.2,
		SecondaryPitch: 0.75,
		MasterGain:     0.9,
	}
}

// Synth renders metronome clicks. Render is a pure function of its inputs and
// the params, so a Synth may be shared between goroutines.
type Synth struct {
	params Params
}

func New(params Params) *Synth {
	if params.SampleRate <= 0 {
		params.SampleRate = DefaultParams().SampleRate
	}
	if params.MasterGain <= 0 {
		params.MasterGain = 1
	}
	if params.AccentPitch <= 0 {
		params.AccentPitch = 1
	}
	if params.AccentGain <= 0 {
		params.AccentGain = 1
	}
	if params.SecondaryPitch <= 0 {
		params.SecondaryPitch = 1
	}
	return &Synth{params: params}
}

func (s *Synth) Params() Params { return s.params }

// Frames returns the number of stereo frames Render produces for duration.
func (s *Synth) Frames(duration float64) int {
	if duration <= 0 {
		return 0
	}
	return int(math.Round(duration * float64(s.params.SampleRate)))
}

// Render returns an interleaved stereo buffer holding one sine click: a short
// linear attack, then an exponential decay that is faded linearly so the final
// frame is exactly silent.
func (s *Synth) Render(frequency, duration float64, accent bool, volume float64) []float32 {
	n := s.Frames(duration)
	out := make([]float32, n*2)
	if n == 0 || frequency <= 0 {
		return out
	}
	freq, gain := s.voicing(frequency, accent, volume)
	if gain == 0 {
		return out
	}
	sr := float64(s.params.SampleRate)
	attack := int(math.Round(s.params.AttackSec * sr))
	if attack >= n {
		attack = n / 2
	}
	decay := s.params.DecaySec
	if decay <= 0 {
		decay = duration / 4
	}
	step := twoPi * freq / sr
	last := float64(n - 1)
	for i := 0; i < n; i++ {
		var env float64
		if i < attack {
			env = float64(i) / float64(attack)
		} else {
			env = math.Exp(-float64(i-attack) / sr / decay)
		}
		if last > 0 {
			env *= (last - float64(i)) / last
		} else {
			env = 0
		}
		v := float32(gain * env * math.Sin(step*float64(i)))
		out[i*2] = v
		out[i*2+1] = v
	}
	return out
}

func (s *Synth) voicing(frequency float64, accent bool, volume float64) (float64, float64) {
	gain := clamp(volume, 0, 1)
	if accent {
		frequency *= s.params.AccentPitch
		gain = math.Min(gain*s.params.AccentGain, 1)
	}
	return frequency, gain * s.params.MasterGain
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
