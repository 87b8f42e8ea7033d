package engine

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/rhythm"
	"github.com/cbegin/metromatch-go/internal/synth"
	"github.com/cbegin/metromatch-go/internal/tempo"
)

type Options struct {
	Clock            Clock        // defaults to SystemClock
	Random           tempo.Source // dynamic tempo draws; nil seeds a PCG source
	Logger           *log.Logger
	OverrunThreshold time.Duration // lateness reported as EventOverrun (0 = 2ms)
	MaxBars          int           // stop after this many bars (0 = run until stopped)
	SampleRate       int           // passed to Device.Open (0 = synth sample rate)
}

// State is the scheduler's view of the current run. It is written only by the
// loop goroutine and reset to the zero value when the loop exits.
type State struct {
	Running      bool
	Bar          int
	BarStart     time.Time
	LastDeadline time.Time
	NextSlot     int // slot index within the current bar
}

// Scheduler drives the click in real time. Every deadline is derived from the
// bar anchor and the ideal beat durations, never from when the previous click
// actually fired, so sleep overshoot does not accumulate.
type Scheduler struct {
	cfg     atomic.Pointer[Config]
	writeMu sync.Mutex

	device     Device
	synth      *synth.Synth
	clock      Clock
	mod        *tempo.Modulator
	logger     *log.Logger
	hub        *Hub
	overrun    time.Duration
	maxBars    int
	sampleRate int

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	lastErr error
	running atomic.Bool

	stateMu sync.Mutex
	state   State
}

func New(cfg Config, device Device, syn *synth.Synth, opts Options) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if device == nil {
		device = SilentDevice
	}
	if syn == nil {
		syn = synth.New(synth.DefaultParams())
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.OverrunThreshold <= 0 {
		opts.OverrunThreshold = 2 * time.Millisecond
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = syn.Params().SampleRate
	}
	s := &Scheduler{
		device:     device,
		synth:      syn,
		clock:      opts.Clock,
		mod:        tempo.NewModulator(opts.Random),
		logger:     opts.Logger,
		hub:        NewHub(),
		overrun:    opts.OverrunThreshold,
		maxBars:    opts.MaxBars,
		sampleRate: opts.SampleRate,
	}
	s.cfg.Store(&cfg)
	return s, nil
}

// Config returns the current configuration snapshot.
func (s *Scheduler) Config() Config {
	return *s.cfg.Load()
}

// Publish validates cfg and swaps it in as a whole. An invalid cfg is
// rejected and the previous configuration stays in effect.
func (s *Scheduler) Publish(cfg Config) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.publishLocked(cfg)
}

// Update applies fn to a copy of the current configuration and publishes the
// result. Concurrent Updates do not lose each other's changes.
func (s *Scheduler) Update(fn func(*Config)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := *s.cfg.Load()
	fn(&next)
	return s.publishLocked(next)
}

func (s *Scheduler) publishLocked(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg.Store(&cfg)
	return nil
}

func (s *Scheduler) Subscribe(buffer int) *Subscription {
	return s.hub.Subscribe(buffer)
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Start opens the device and runs the loop on its own goroutine, beginning a
// fresh bar at offset 0.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	sink := s.openSink()
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	go func() {
		defer close(done)
		err := s.loop(stop, sink)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}()
	return nil
}

// Stop cancels the loop and returns once it has exited and the sink has been
// closed; no click is dispatched after Stop returns. Stopping an idle
// scheduler does nothing.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	s.mu.Lock()
	err := s.lastErr
	s.lastErr = nil
	s.mu.Unlock()
	return err
}

// Run executes the loop on the calling goroutine until stop is closed or
// MaxBars bars have played.
func (s *Scheduler) Run(stop <-chan struct{}) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	return s.loop(stop, s.openSink())
}

func (s *Scheduler) openSink() Sink {
	sink, err := openDevice(s.device, s.sampleRate)
	if err == nil && sink != nil {
		return sink
	}
	if err == nil {
		err = errors.New("device returned no sink")
	}
	s.logger.Printf("metronome: audio device unavailable, continuing silently: %v", err)
	s.hub.Publish(Event{Kind: EventSinkUnavailable, Err: err, At: s.clock.Now()})
	return silentSink{}
}

// openDevice and playSink keep a misbehaving device from unwinding the loop:
// a panic comes back as an error.
func openDevice(d Device, sampleRate int) (sink Sink, err error) {
	defer func() {
		if r := recover(); r != nil {
			sink, err = nil, errors.Errorf("audio device panicked: %v", r)
		}
	}()
	return d.Open(sampleRate)
}

func playSink(sink Sink, at time.Time, buf []float32) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("audio sink panicked: %v", r)
		}
	}()
	return sink.Play(at, buf)
}

func closeSink(sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("audio sink panicked on close: %v", r)
		}
	}()
	return sink.Close()
}

// firing is a slot with its computed deadline.
type firing struct {
	slot     rhythm.Slot
	deadline time.Time
}

func (s *Scheduler) loop(stop <-chan struct{}, sink Sink) (err error) {
	defer func() {
		if cerr := closeSink(sink); cerr != nil {
			s.logger.Printf("metronome: closing audio sink: %v", cerr)
			err = errors.Wrap(cerr, "close audio sink")
		}
		s.setState(State{})
		// Stopped goes out before the flag clears so a restart's Started
		// always follows it.
		s.hub.Publish(Event{Kind: EventStopped, At: s.clock.Now()})
		s.running.Store(false)
	}()

	s.mod.Reset()
	barStart := s.clock.Now()
	bpm := s.Config().Tempo.BaseBPM
	s.hub.Publish(Event{Kind: EventStarted, At: barStart})

	for bar := 0; s.maxBars <= 0 || bar < s.maxBars; bar++ {
		// Signature and polyrhythm are fixed for the whole bar.
		cfg := s.Config()
		eps := float64(time.Millisecond) / float64(cfg.nominalBar())
		pat := rhythm.Generate(cfg.Signature, cfg.Polyrhythm, eps)
		s.setState(State{Running: true, Bar: bar, BarStart: barStart})

		beatStart := barStart
		var prevDur time.Duration
		for k := 0; k < pat.Beats; k++ {
			// Tempo, swing, pitch and volume follow the latest snapshot at
			// every beat boundary.
			live := s.Config()
			live.Signature, live.Polyrhythm = cfg.Signature, cfg.Polyrhythm
			bpm = s.mod.Next(bpm, live.Tempo)
			dur := tempo.BeatDuration(bpm, cfg.Signature.BeatUnit)

			for _, f := range planBeat(pat.Beat(k), k, beatStart, dur, prevDur, live.Swing) {
				if !s.fire(stop, sink, f, bar, bpm, live) {
					return nil
				}
			}
			prevDur = dur
			beatStart = beatStart.Add(dur)
		}
		barStart = beatStart
	}
	return nil
}

// planBeat computes deadlines for the slots of primary beat k, which starts at
// beatStart and lasts dur. With swing, an odd beat's downbeat moves to
// pairStart + ratio*(prevDur+dur); slots inside the beat stay on the straight
// grid. The result is in deadline order, primary first on ties.
func planBeat(slots []rhythm.Slot, k int, beatStart time.Time, dur, prevDur time.Duration, sw Swing) []firing {
	downbeat := beatStart
	if sw.Enabled && k%2 == 1 && prevDur > 0 {
		pairStart := beatStart.Add(-prevDur)
		downbeat = pairStart.Add(time.Duration(sw.Ratio * float64(prevDur+dur)))
	}
	out := make([]firing, 0, len(slots))
	for _, sl := range slots {
		at := beatStart.Add(time.Duration(sl.Phase * float64(dur)))
		if sl.Phase == 0 {
			at = downbeat
		}
		out = append(out, firing{slot: sl, deadline: at})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].deadline.Before(out[j].deadline)
	})
	return out
}

func (s *Scheduler) fire(stop <-chan struct{}, sink Sink, f firing, bar int, bpm float64, cfg Config) bool {
	if !s.clock.WaitUntil(f.deadline, stop) {
		return false
	}
	select {
	case <-stop:
		return false
	default:
	}
	now := s.clock.Now()
	ev := s.audioEvent(f, cfg)
	beat := Event{
		Kind:     EventBeat,
		Voice:    f.slot.Voice,
		Index:    f.slot.Index,
		Accent:   f.slot.Accent,
		Bar:      bar,
		Tempo:    bpm,
		Deadline: f.deadline,
		At:       now,
	}
	if late := now.Sub(f.deadline); late > s.overrun {
		s.logger.Printf("metronome: running behind by %v (bar %d, %s beat %d)", late, bar, f.slot.Voice, f.slot.Index)
		over := beat
		over.Kind = EventOverrun
		over.Overrun = late
		s.hub.Publish(over)
	}

	buf := s.synth.Render(ev.Frequency, cfg.ClickDuration.Seconds(), ev.Accent, ev.Volume)
	if err := playSink(sink, f.deadline, buf); err != nil {
		s.logger.Printf("metronome: click dropped: %v", err)
		dropped := beat
		dropped.Kind = EventDropped
		dropped.Err = err
		s.hub.Publish(dropped)
	}
	s.hub.Publish(beat)

	s.stateMu.Lock()
	s.state.LastDeadline = f.deadline
	s.state.NextSlot++
	s.stateMu.Unlock()
	return true
}

func (s *Scheduler) audioEvent(f firing, cfg Config) AudioEvent {
	freq := cfg.Pitch
	if f.slot.Voice == rhythm.VoiceSecondary {
		freq *= s.synth.Params().SecondaryPitch
	}
	return AudioEvent{
		Deadline:  f.deadline,
		Frequency: freq,
		Volume:    cfg.Volume,
		Accent:    f.slot.Accent,
		Voice:     f.slot.Voice,
		Index:     f.slot.Index,
	}
}

func (s *Scheduler) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}
