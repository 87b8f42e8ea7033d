package effects

import "math"

// Effector processes one stereo frame.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Chain applies effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

// ProcessBuffer runs the chain over an interleaved stereo buffer in place.
func (c *Chain) ProcessBuffer(buf []float32) {
	if c == nil || len(c.effects) == 0 {
		return
	}
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i], buf[i+1] = c.Process(buf[i], buf[i+1])
	}
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

// Limiter keeps mixed clicks under a ceiling. Overlapping clicks (polyrhythm
// coincidences, a long click under a fast tempo) otherwise sum past 1.0.
// The detector is stereo-linked with an instant attack; gain recovers with the
// release time constant.
type Limiter struct {
	ceiling float32
	release float32 // coefficient
	env     float32
}

// NewLimiter creates a limiter.
// ceilingDB: output ceiling in dBFS (e.g., -1)
// releaseMs: gain recovery time in ms
func NewLimiter(sampleRate int, ceilingDB, releaseMs float32) *Limiter {
	sr := float64(sampleRate)
	if releaseMs <= 0 {
		releaseMs = 50
	}
	return &Limiter{
		ceiling: float32(math.Pow(10, float64(ceilingDB)/20)),
		release: float32(1.0 - math.Exp(-1.0/(float64(releaseMs)*sr/1000.0))),
	}
}

func (lm *Limiter) Process(l, r float32) (float32, float32) {
	peak := float32(math.Max(math.Abs(float64(l)), math.Abs(float64(r))))
	if peak > lm.env {
		lm.env = peak
	} else {
		lm.env += lm.release * (peak - lm.env)
	}
	if lm.env <= lm.ceiling || lm.env == 0 {
		return l, r
	}
	g := lm.ceiling / lm.env
	return l * g, r * g
}

func (lm *Limiter) Reset() {
	lm.env = 0
}
