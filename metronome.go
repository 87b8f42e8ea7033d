package metromatch

import (
	"log"
	"sync"

	"github.com/pkg/errors"

	intaudio "github.com/cbegin/metromatch-go/internal/audio"
	"github.com/cbegin/metromatch-go/internal/engine"
	"github.com/cbegin/metromatch-go/internal/rhythm"
	"github.com/cbegin/metromatch-go/internal/synth"
	"github.com/cbegin/metromatch-go/internal/tempo"
)

type (
	Config    = engine.Config
	Event     = engine.Event
	EventKind = engine.EventKind
)

const (
	EventBeat            = engine.EventBeat
	EventDropped         = engine.EventDropped
	EventOverrun         = engine.EventOverrun
	EventStarted         = engine.EventStarted
	EventStopped         = engine.EventStopped
	EventSinkUnavailable = engine.EventSinkUnavailable
)

var (
	ErrInvalidConfig = engine.ErrInvalidConfig
	ErrRunning       = engine.ErrRunning
)

// DefaultConfig is 120 BPM in 4/4 with every feature off.
func DefaultConfig() Config { return engine.DefaultConfig() }

// watchBuffer is the queue length of Watch and OnBeat subscriptions.
const watchBuffer = 64

type Option func(*options)

type options struct {
	device  engine.Device
	backend string
	clock   engine.Clock
	random  tempo.Source
	logger  *log.Logger
	config  Config
	synth   synth.Params
	maxBars int
}

func defaultOptions() options {
	return options{config: engine.DefaultConfig(), synth: synth.DefaultParams()}
}

// WithDevice plays through dev instead of a registered backend.
func WithDevice(dev engine.Device) Option {
	return func(o *options) { o.device = dev }
}

// WithBackend selects a registered audio backend by name ("ebiten",
// "silent", and "oto" or "portaudio" when built with those tags).
func WithBackend(name string) Option {
	return func(o *options) { o.backend = name }
}

func WithClock(c engine.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRandom fixes the source of dynamic tempo draws.
func WithRandom(src tempo.Source) Option {
	return func(o *options) { o.random = src }
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

func WithSynthParams(p synth.Params) Option {
	return func(o *options) { o.synth = p }
}

// WithMaxBars stops playback on its own after n bars.
func WithMaxBars(n int) Option {
	return func(o *options) { o.maxBars = n }
}

// Metronome is the public face of the timing engine. All methods are safe
// for concurrent use.
type Metronome struct {
	sched  *engine.Scheduler
	logger *log.Logger

	watchMu  sync.Mutex
	watchSub *engine.Subscription
}

func NewMetronome(sampleRate int, opts ...Option) (*Metronome, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	dev := o.device
	if dev == nil {
		var err error
		if dev, err = intaudio.Lookup(o.backend); err != nil {
			return nil, err
		}
	}
	params := o.synth
	params.SampleRate = sampleRate
	sched, err := engine.New(o.config, dev, synth.New(params), engine.Options{
		Clock:      o.clock,
		Random:     o.random,
		Logger:     o.logger,
		MaxBars:    o.maxBars,
		SampleRate: sampleRate,
	})
	if err != nil {
		return nil, err
	}
	return &Metronome{sched: sched, logger: o.logger}, nil
}

// Start begins playback at the first beat of a fresh bar.
func (m *Metronome) Start() error { return m.sched.Start() }

// Stop halts playback. No click sounds after Stop returns.
func (m *Metronome) Stop() error { return m.sched.Stop() }

func (m *Metronome) Running() bool { return m.sched.Running() }

func (m *Metronome) Config() Config { return m.sched.Config() }

// State reports the current bar and last deadline while running.
func (m *Metronome) State() engine.State { return m.sched.State() }

// Apply replaces the whole configuration. An invalid cfg is rejected and the
// previous configuration stays in effect.
func (m *Metronome) Apply(cfg Config) error { return m.sched.Publish(cfg) }

func (m *Metronome) SetTempo(bpm float64) error {
	return m.sched.Update(func(c *Config) { c.Tempo.BaseBPM = bpm })
}

// SetVolume sets the click volume in [0,1].
func (m *Metronome) SetVolume(volume float64) error {
	return m.sched.Update(func(c *Config) { c.Volume = volume })
}

// SetPitch sets the base click frequency in Hz.
func (m *Metronome) SetPitch(hz float64) error {
	return m.sched.Update(func(c *Config) { c.Pitch = hz })
}

// SetTimeSignature takes effect at the next bar.
func (m *Metronome) SetTimeSignature(beatsPerBar, beatUnit int) error {
	return m.sched.Update(func(c *Config) {
		c.Signature = rhythm.TimeSignature{BeatsPerBar: beatsPerBar, BeatUnit: beatUnit}
	})
}

// SetDynamic turns random tempo variation on or off. variance is how many
// BPM a drawn tempo may stray either side of the base tempo and every is how
// many beats each drawn tempo is held.
func (m *Metronome) SetDynamic(enabled bool, variance float64, every int) error {
	return m.sched.Update(func(c *Config) {
		c.Tempo.Dynamic = enabled
		c.Tempo.Variance = variance
		c.Tempo.Every = every
	})
}

func (m *Metronome) SetSwing(enabled bool, ratio float64) error {
	return m.sched.Update(func(c *Config) { c.Swing = engine.Swing{Enabled: enabled, Ratio: ratio} })
}

// SetPolyrhythm takes effect at the next bar.
func (m *Metronome) SetPolyrhythm(enabled bool, primary, secondary int) error {
	return m.sched.Update(func(c *Config) {
		c.Polyrhythm = rhythm.Polyrhythm{Enabled: enabled, Ratio: rhythm.Ratio{Primary: primary, Secondary: secondary}}
	})
}

// Subscribe returns a dedicated event subscription. Close it when done.
func (m *Metronome) Subscribe(buffer int) *engine.Subscription {
	return m.sched.Subscribe(buffer)
}

// Watch returns a channel that receives every engine event. When the reader
// falls behind, the oldest queued events are discarded. Only the most recent
// Watch channel receives events; earlier ones are closed.
func (m *Metronome) Watch() <-chan Event {
	sub := m.sched.Subscribe(watchBuffer)
	m.watchMu.Lock()
	prev := m.watchSub
	m.watchSub = sub
	m.watchMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return sub.C
}

// OnBeat calls fn for every beat on a goroutine of its own, so a slow or
// failing callback never delays the click. A panic in fn is logged and the
// callback keeps receiving later beats. Call cancel to unregister.
func (m *Metronome) OnBeat(fn func(Event)) (cancel func()) {
	sub := m.sched.Subscribe(watchBuffer)
	go func() {
		for ev := range sub.C {
			if ev.Kind == engine.EventBeat {
				m.deliver(fn, ev)
			}
		}
	}()
	return sub.Close
}

func (m *Metronome) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("metronome: beat callback panicked: %v", r)
		}
	}()
	fn(ev)
}
