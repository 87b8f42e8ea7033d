package audio

import (
	"sync"
	"time"

	intfx "github.com/cbegin/metromatch-go/internal/effects"
)

// DefaultMaxClips bounds how many clicks may sound at once.
const DefaultMaxClips = 16

type clip struct {
	samples []float32
	start   int64 // frame position at which the clip begins
	pos     int   // next sample index
}

// Mixer is a SampleSource that sums scheduled clicks into one stereo stream
// and runs the sum through a limiter. Play is safe to call from the scheduler
// while the audio thread pulls frames with Process.
type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	clips      []*clip
	maxClips   int
	frame      int64 // frames rendered so far
	master     *intfx.Chain
	now        func() time.Time
	evicted    int64
}

func NewMixer(sampleRate int) *Mixer {
	return &Mixer{
		sampleRate: sampleRate,
		maxClips:   DefaultMaxClips,
		master:     intfx.NewChain(intfx.NewLimiter(sampleRate, -0.5, 80)),
		now:        time.Now,
	}
}

// Play queues an interleaved stereo clip to start at the given wall time. A
// time in the past starts it with the next rendered frame. When the clip bound
// is reached the oldest clip is cut off.
func (m *Mixer) Play(at time.Time, samples []float32) error {
	if len(samples) < 2 {
		return nil
	}
	delay := int64(0)
	if d := at.Sub(m.now()); d > 0 {
		delay = int64(d.Seconds() * float64(m.sampleRate))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clips) >= m.maxClips {
		n := len(m.clips) - m.maxClips + 1
		m.clips = append(m.clips[:0], m.clips[n:]...)
		m.evicted += int64(n)
	}
	m.clips = append(m.clips, &clip{samples: samples, start: m.frame + delay})
	return nil
}

// Active returns the number of clips still sounding or waiting to start.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clips)
}

// Evicted returns how many clips were cut off by the clip bound.
func (m *Mixer) Evicted() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted
}

func (m *Mixer) Process(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
	frames := len(dst) / 2

	m.mu.Lock()
	live := m.clips[:0]
	for _, c := range m.clips {
		off := int(c.start - m.frame)
		if off < 0 {
			off = 0
		}
		for f := off; f < frames && c.pos+1 < len(c.samples); f++ {
			dst[f*2] += c.samples[c.pos]
			dst[f*2+1] += c.samples[c.pos+1]
			c.pos += 2
		}
		if c.pos+1 < len(c.samples) {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(m.clips); i++ {
		m.clips[i] = nil
	}
	m.clips = live
	m.frame += int64(frames)
	m.master.ProcessBuffer(dst)
	m.mu.Unlock()
}

// Reset drops every clip and restarts the frame counter. Sinks call it on
// Close so nothing queued sounds after the loop has stopped.
func (m *Mixer) Reset() {
	m.mu.Lock()
	m.clips = nil
	m.frame = 0
	m.master.Reset()
	m.mu.Unlock()
}
