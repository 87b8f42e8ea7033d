package stream

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/audio"
	"github.com/cbegin/metromatch-go/internal/engine"
)

const (
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
)

// Device is an engine.Device whose clicks are mixed and broadcast as 20ms
// int16 frames instead of being played locally.
type Device struct {
	b *Broadcaster
}

func NewDevice(b *Broadcaster) *Device {
	return &Device{b: b}
}

// Open starts the pacer. Opus only encodes a few fixed rates, so others are
// rejected.
func (d *Device) Open(sampleRate int) (engine.Sink, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, errors.Errorf("stream: unsupported sample rate %d", sampleRate)
	}
	s := &sink{
		Mixer: audio.NewMixer(sampleRate),
		b:     d.b,
		frame: sampleRate * int(FrameDuration/time.Millisecond) / 1000,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.pace()
	return s, nil
}

type sink struct {
	*audio.Mixer
	b     *Broadcaster
	frame int // frames per packet
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *sink) pace() {
	defer close(s.done)
	t := time.NewTicker(FrameDuration)
	defer t.Stop()
	buf := make([]float32, s.frame*Channels)
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Process(buf)
			s.b.Broadcast(ToInt16(buf))
		}
	}
}

func (s *sink) Close() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	s.Reset()
	return nil
}

// ToInt16 converts float samples in [-1,1] to a new int16 slice, clipping
// anything outside the range.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		f := math.Max(-1, math.Min(1, float64(v)))
		out[i] = int16(math.Round(f * 32767))
	}
	return out
}
