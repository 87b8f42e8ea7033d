package engine

import (
	"time"

	"github.com/cbegin/metromatch-go/internal/rhythm"
)

// AudioEvent is one click handed from the scheduler to the synthesizer and
// sink. It lives for a single beat.
type AudioEvent struct {
	Deadline  time.Time
	Frequency float64
	Volume    float64
	Accent    bool
	Voice     rhythm.Voice
	Index     int
}

// Sink is an open audio output. Play starts the rendered interleaved stereo
// buffer as close to at as the backend allows and returns immediately. The
// scheduler turns a panic from Open, Play or Close into a dropped click or a
// silent fallback.
type Sink interface {
	Play(at time.Time, samples []float32) error
	Close() error
}

// Device opens a Sink. The scheduler opens its device on Start and closes the
// sink when the loop exits.
type Device interface {
	Open(sampleRate int) (Sink, error)
}

type DeviceFunc func(sampleRate int) (Sink, error)

func (f DeviceFunc) Open(sampleRate int) (Sink, error) { return f(sampleRate) }

// SilentDevice discards audio. The scheduler falls back to it when a device
// cannot be opened, keeping beat notifications alive.
var SilentDevice Device = DeviceFunc(func(int) (Sink, error) { return silentSink{}, nil })

type silentSink struct{}

func (silentSink) Play(time.Time, []float32) error { return nil }
func (silentSink) Close() error                     { return nil }
