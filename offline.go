package metromatch

import (
	"io"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/pkg/errors"

	intfx "github.com/cbegin/metromatch-go/internal/effects"
	"github.com/cbegin/metromatch-go/internal/engine"
	"github.com/cbegin/metromatch-go/internal/synth"
)

// RenderClickTrack runs the scheduler for bars bars on a virtual clock and
// returns the interleaved stereo result. The same cfg and seed always give the
// same samples, dynamic tempo included.
func RenderClickTrack(cfg Config, bars, sampleRate int, seed uint64) ([]float32, error) {
	if bars <= 0 {
		return nil, errors.Errorf("bars must be positive, got %d", bars)
	}
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	start := time.Unix(0, 0)
	out := &trackSink{start: start, sampleRate: sampleRate}
	params := synth.DefaultParams()
	params.SampleRate = sampleRate
	sched, err := engine.New(cfg, engine.DeviceFunc(func(int) (engine.Sink, error) { return out, nil }),
		synth.New(params), engine.Options{
			Clock:   engine.NewVirtualClock(start),
			Random:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
			Logger:  log.New(io.Discard, "", 0),
			MaxBars: bars,
		})
	if err != nil {
		return nil, err
	}
	if err := sched.Run(nil); err != nil {
		return nil, err
	}
	intfx.NewChain(intfx.NewLimiter(sampleRate, -0.5, 80)).ProcessBuffer(out.buf)
	return out.buf, nil
}

// trackSink mixes every click into one growing buffer at its deadline.
type trackSink struct {
	start      time.Time
	sampleRate int
	buf        []float32
}

func (s *trackSink) Play(at time.Time, samples []float32) error {
	frame := int(math.Round(at.Sub(s.start).Seconds() * float64(s.sampleRate)))
	off := frame * 2
	if need := off + len(samples); need > len(s.buf) {
		s.buf = append(s.buf, make([]float32, need-len(s.buf))...)
	}
	for i, v := range samples {
		s.buf[off+i] += v
	}
	return nil
}

func (s *trackSink) Close() error { return nil }

// sliceStreamer streams interleaved stereo float32 samples to beep.
type sliceStreamer struct {
	buf []float32
	pos int
}

func (s *sliceStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	if s.pos+1 >= len(s.buf) {
		return 0, false
	}
	for n < len(samples) && s.pos+1 < len(s.buf) {
		samples[n][0] = float64(s.buf[s.pos])
		samples[n][1] = float64(s.buf[s.pos+1])
		s.pos += 2
		n++
	}
	return n, true
}

func (s *sliceStreamer) Err() error { return nil }

// WriteWAV encodes interleaved stereo samples as 16-bit PCM WAV.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	format := beep.Format{
		SampleRate:  beep.SampleRate(sampleRate),
		NumChannels: 2,
		Precision:   2,
	}
	return errors.Wrap(wav.Encode(w, &sliceStreamer{buf: samples}, format), "encode wav")
}
