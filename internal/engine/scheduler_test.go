package engine

import (
	"bytes"
	"io"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/rhythm"
	"github.com/cbegin/metromatch-go/internal/tempo"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type played struct {
	at     time.Time
	frames int
}

type captureSink struct {
	mu     sync.Mutex
	plays  []played
	closed bool
	err    error
	onPlay func(n int) // called after the nth play is recorded
}

func (c *captureSink) Play(at time.Time, samples []float32) error {
	c.mu.Lock()
	c.plays = append(c.plays, played{at: at, frames: len(samples) / 2})
	n, err := len(c.plays), c.err
	c.mu.Unlock()
	if c.onPlay != nil {
		c.onPlay(n)
	}
	return err
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *captureSink) snapshot() []played {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]played(nil), c.plays...)
}

func (c *captureSink) device() Device {
	return DeviceFunc(func(int) (Sink, error) { return c, nil })
}

func staticConfig() Config {
	cfg := DefaultConfig()
	cfg.Tempo = tempo.Config{BaseBPM: 120, Variance: 10}
	return cfg
}

func runBars(t *testing.T, cfg Config, bars int, opts Options) (*captureSink, []Event) {
	t.Helper()
	sink := &captureSink{}
	if opts.Clock == nil {
		opts.Clock = NewVirtualClock(epoch)
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	opts.MaxBars = bars
	s, err := New(cfg, sink.device(), nil, opts)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sub := s.Subscribe(4096)
	if err := s.Run(nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sink.closed {
		t.Fatalf("sink was not closed when the loop exited")
	}
	return sink, drain(sub)
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func beats(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == EventBeat {
			out = append(out, ev)
		}
	}
	return out
}

func TestSchedulerFourFourBars(t *testing.T) {
	sink, events := runBars(t, staticConfig(), 3, Options{})
	plays := sink.snapshot()
	if len(plays) != 12 {
		t.Fatalf("plays = %d, want 12", len(plays))
	}
	for i, p := range plays {
		want := epoch.Add(time.Duration(i) * 500 * time.Millisecond)
		if !p.at.Equal(want) {
			t.Fatalf("play %d at %v, want %v", i, p.at.Sub(epoch), want.Sub(epoch))
		}
		if p.frames != 2880 {
			t.Fatalf("play %d frames = %d, want 2880", i, p.frames)
		}
	}
	bs := beats(events)
	if len(bs) != 12 {
		t.Fatalf("beat events = %d, want 12", len(bs))
	}
	for i, ev := range bs {
		if ev.Accent != (i%4 == 0) {
			t.Fatalf("beat %d accent = %v", i, ev.Accent)
		}
		if ev.Bar != i/4 || ev.Index != i%4 {
			t.Fatalf("beat %d bar/index = %d/%d", i, ev.Bar, ev.Index)
		}
		if ev.Tempo != 120 {
			t.Fatalf("beat %d tempo = %v, want 120", i, ev.Tempo)
		}
	}
	if events[0].Kind != EventStarted || events[len(events)-1].Kind != EventStopped {
		t.Fatalf("first/last events = %v/%v", events[0].Kind, events[len(events)-1].Kind)
	}
}

func TestSchedulerDynamicTempoStaysInBounds(t *testing.T) {
	cfg := staticConfig()
	cfg.Tempo.Dynamic = true
	_, events := runBars(t, cfg, 8, Options{Random: rand.New(rand.NewPCG(7, 11))})
	bs := beats(events)
	if len(bs) != 32 {
		t.Fatalf("beat events = %d, want 32", len(bs))
	}
	distinct := map[float64]bool{}
	for i, ev := range bs {
		if ev.Tempo < 108 || ev.Tempo > 132 {
			t.Fatalf("beat %d tempo %v outside [108,132]", i, ev.Tempo)
		}
		distinct[ev.Tempo] = true
		if i > 0 {
			gap := ev.Deadline.Sub(bs[i-1].Deadline)
			if want := tempo.BeatDuration(bs[i-1].Tempo, 4); gap != want {
				t.Fatalf("beat %d gap = %v, want %v", i, gap, want)
			}
		}
	}
	if len(distinct) < 2 {
		t.Fatalf("dynamic tempo never varied")
	}
}

func TestSchedulerSwing(t *testing.T) {
	cfg := staticConfig()
	cfg.Swing = Swing{Enabled: true, Ratio: 0.75}
	sink, _ := runBars(t, cfg, 1, Options{})
	plays := sink.snapshot()
	want := []time.Duration{0, 750 * time.Millisecond, 1000 * time.Millisecond, 1750 * time.Millisecond}
	if len(plays) != len(want) {
		t.Fatalf("plays = %d, want %d", len(plays), len(want))
	}
	for i, p := range plays {
		if got := p.at.Sub(epoch); got != want[i] {
			t.Fatalf("swung beat %d at %v, want %v", i, got, want[i])
		}
	}
}

func TestSchedulerPolyrhythm(t *testing.T) {
	cfg := staticConfig()
	cfg.Polyrhythm = rhythm.Polyrhythm{Enabled: true, Ratio: rhythm.Ratio{Primary: 3, Secondary: 2}}
	_, events := runBars(t, cfg, 1, Options{})
	bs := beats(events)
	if len(bs) != 5 {
		t.Fatalf("beat events = %d, want 5", len(bs))
	}
	type hit struct {
		voice rhythm.Voice
		at    time.Duration
	}
	want := []hit{
		{rhythm.VoicePrimary, 0},
		{rhythm.VoiceSecondary, 0},
		{rhythm.VoicePrimary, 500 * time.Millisecond},
		{rhythm.VoiceSecondary, 750 * time.Millisecond},
		{rhythm.VoicePrimary, 1000 * time.Millisecond},
	}
	for i, ev := range bs {
		if ev.Voice != want[i].voice || ev.Deadline.Sub(epoch) != want[i].at {
			t.Fatalf("event %d = %s@%v, want %s@%v", i, ev.Voice, ev.Deadline.Sub(epoch), want[i].voice, want[i].at)
		}
	}
	if bs[1].Accent {
		t.Fatalf("secondary voice must not accent")
	}
}

func TestSchedulerDoesNotDrift(t *testing.T) {
	n := 0
	clock := NewVirtualClock(epoch)
	clock.Jitter = func() time.Duration {
		n++
		return time.Duration(n%7) * 700 * time.Microsecond
	}
	sink, _ := runBars(t, staticConfig(), 2500, Options{Clock: clock, OverrunThreshold: time.Second})
	plays := sink.snapshot()
	if len(plays) != 10000 {
		t.Fatalf("plays = %d, want 10000", len(plays))
	}
	for i, p := range plays {
		want := epoch.Add(time.Duration(i) * 500 * time.Millisecond)
		if !p.at.Equal(want) {
			t.Fatalf("beat %d drifted to %v, want %v", i, p.at.Sub(epoch), want.Sub(epoch))
		}
	}
	last := clock.Now().Sub(epoch)
	if ideal := 9999 * 500 * time.Millisecond; last-ideal > 5*time.Millisecond {
		t.Fatalf("clock ended at %v, ideal last beat %v", last, ideal)
	}
}

func TestSchedulerReportsOverrun(t *testing.T) {
	var logs bytes.Buffer
	clock := NewVirtualClock(epoch)
	clock.Jitter = func() time.Duration { return 5 * time.Millisecond }
	_, events := runBars(t, staticConfig(), 1, Options{Clock: clock, Logger: log.New(&logs, "", 0)})
	overruns := 0
	for _, ev := range events {
		if ev.Kind == EventOverrun {
			overruns++
			if ev.Overrun != 5*time.Millisecond {
				t.Fatalf("overrun = %v, want 5ms", ev.Overrun)
			}
		}
	}
	if overruns != 4 {
		t.Fatalf("overruns = %d, want 4", overruns)
	}
	if !strings.Contains(logs.String(), "running behind") {
		t.Fatalf("overrun not logged: %q", logs.String())
	}
}

func TestSchedulerSinkErrorDropsClickOnly(t *testing.T) {
	sink := &captureSink{err: errors.New("device busy")}
	s, err := New(staticConfig(), sink.device(), nil, Options{
		Clock:   NewVirtualClock(epoch),
		Logger:  log.New(io.Discard, "", 0),
		MaxBars: 1,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sub := s.Subscribe(64)
	if err := s.Run(nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := drain(sub)
	dropped := 0
	for _, ev := range events {
		if ev.Kind == EventDropped {
			dropped++
			if ev.Err == nil {
				t.Fatalf("dropped event without error")
			}
		}
	}
	if dropped != 4 || len(beats(events)) != 4 {
		t.Fatalf("dropped=%d beats=%d, want 4 and 4", dropped, len(beats(events)))
	}
}

type panicSink struct{}

func (panicSink) Play(time.Time, []float32) error { panic("device gone") }
func (panicSink) Close() error                    { panic("device gone") }

func TestSchedulerRecoversPanickingSink(t *testing.T) {
	var logs bytes.Buffer
	dev := DeviceFunc(func(int) (Sink, error) { return panicSink{}, nil })
	s, err := New(staticConfig(), dev, nil, Options{
		Clock:   NewVirtualClock(epoch),
		Logger:  log.New(&logs, "", 0),
		MaxBars: 1,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sub := s.Subscribe(64)
	if err := s.Run(nil); err == nil || !strings.Contains(err.Error(), "close audio sink") {
		t.Fatalf("run err = %v, want close failure", err)
	}
	events := drain(sub)
	dropped := 0
	for _, ev := range events {
		if ev.Kind == EventDropped {
			dropped++
			if ev.Err == nil || !strings.Contains(ev.Err.Error(), "device gone") {
				t.Fatalf("dropped err = %v", ev.Err)
			}
		}
	}
	if dropped != 4 || len(beats(events)) != 4 {
		t.Fatalf("dropped=%d beats=%d, want 4 and 4", dropped, len(beats(events)))
	}
	if events[len(events)-1].Kind != EventStopped || s.Running() {
		t.Fatalf("loop did not stop cleanly")
	}
	if !strings.Contains(logs.String(), "click dropped") {
		t.Fatalf("drop not logged: %q", logs.String())
	}
}

func TestSchedulerRecoversPanickingDevice(t *testing.T) {
	dev := DeviceFunc(func(int) (Sink, error) { panic("driver crashed") })
	s, err := New(staticConfig(), dev, nil, Options{
		Clock:   NewVirtualClock(epoch),
		Logger:  log.New(io.Discard, "", 0),
		MaxBars: 1,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sub := s.Subscribe(64)
	if err := s.Run(nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := drain(sub)
	if events[0].Kind != EventSinkUnavailable || !strings.Contains(events[0].Err.Error(), "driver crashed") {
		t.Fatalf("first event = %v (%v), want sink-unavailable", events[0].Kind, events[0].Err)
	}
	if got := len(beats(events)); got != 4 {
		t.Fatalf("beats = %d, want 4", got)
	}
}

func TestSchedulerFallsBackToSilence(t *testing.T) {
	dev := DeviceFunc(func(int) (Sink, error) { return nil, errors.New("no audio device") })
	s, err := New(staticConfig(), dev, nil, Options{
		Clock:   NewVirtualClock(epoch),
		Logger:  log.New(io.Discard, "", 0),
		MaxBars: 1,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sub := s.Subscribe(64)
	if err := s.Run(nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	events := drain(sub)
	if events[0].Kind != EventSinkUnavailable {
		t.Fatalf("first event = %v, want sink-unavailable", events[0].Kind)
	}
	if got := len(beats(events)); got != 4 {
		t.Fatalf("beats = %d, want 4", got)
	}
}

func TestSchedulerChangesApplyAtBoundaries(t *testing.T) {
	sink := &captureSink{}
	s, err := New(staticConfig(), sink.device(), nil, Options{
		Clock:   NewVirtualClock(epoch),
		Logger:  log.New(io.Discard, "", 0),
		MaxBars: 2,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sink.onPlay = func(n int) {
		if n != 2 {
			return
		}
		next := s.Config()
		next.Signature = rhythm.TimeSignature{BeatsPerBar: 3, BeatUnit: 4}
		next.Tempo.BaseBPM = 60
		if err := s.Publish(next); err != nil {
			t.Errorf("publish: %v", err)
		}
	}
	sub := s.Subscribe(256)
	if err := s.Run(nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Tempo takes over from the next beat; the 3/4 bar waits for the bar line.
	want := []time.Duration{0, 500, 1000, 2000, 3000, 4000, 5000}
	plays := sink.snapshot()
	if len(plays) != len(want) {
		t.Fatalf("plays = %d, want %d", len(plays), len(want))
	}
	for i, p := range plays {
		if got := p.at.Sub(epoch); got != want[i]*time.Millisecond {
			t.Fatalf("play %d at %v, want %v", i, got, want[i]*time.Millisecond)
		}
	}
	bs := beats(drain(sub))
	if bs[2].Tempo != 60 || bs[2].Bar != 0 || bs[3].Index != 3 {
		t.Fatalf("bar 0 tail = %+v %+v", bs[2], bs[3])
	}
	if bs[4].Bar != 1 || bs[4].Index != 0 || !bs[4].Accent || bs[6].Index != 2 {
		t.Fatalf("bar 1 = %+v ... %+v", bs[4], bs[6])
	}
}

func TestSchedulerRejectsInvalidConfig(t *testing.T) {
	s, err := New(staticConfig(), nil, nil, Options{Clock: NewVirtualClock(epoch)})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	bad := staticConfig()
	bad.Tempo.BaseBPM = 500
	if err := s.Publish(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("publish err = %v, want ErrInvalidConfig", err)
	}
	if got := s.Config().Tempo.BaseBPM; got != 120 {
		t.Fatalf("tempo = %v after rejected publish, want 120", got)
	}
	if err := s.Update(func(c *Config) { c.Volume = 2 }); err == nil {
		t.Fatalf("update with volume 2 should fail")
	}
	if err := s.Update(func(c *Config) { c.Pitch = 440 }); err != nil {
		t.Fatalf("update pitch: %v", err)
	}
	if got := s.Config().Pitch; got != 440 {
		t.Fatalf("pitch = %v, want 440", got)
	}
	if _, err := New(bad, nil, nil, Options{}); err == nil {
		t.Fatalf("new with invalid config should fail")
	}
}

func TestSchedulerStopBeforeRun(t *testing.T) {
	sink := &captureSink{}
	s, err := New(staticConfig(), sink.device(), nil, Options{Clock: NewVirtualClock(epoch)})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	stop := make(chan struct{})
	close(stop)
	if err := s.Run(stop); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("plays = %d after immediate stop, want 0", n)
	}
	if s.Running() {
		t.Fatalf("scheduler still running")
	}
}

func TestSchedulerStartStopRestart(t *testing.T) {
	sink := &captureSink{}
	cfg := staticConfig()
	cfg.Tempo.BaseBPM = 240
	s, err := New(cfg, sink.device(), nil, Options{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sub := s.Subscribe(256)
	defer sub.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrRunning) {
		t.Fatalf("second start err = %v, want ErrRunning", err)
	}
	waitBeat(t, sub)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	n := len(sink.snapshot())
	time.Sleep(300 * time.Millisecond)
	if got := len(sink.snapshot()); got != n {
		t.Fatalf("plays grew from %d to %d after Stop", n, got)
	}
	if s.Running() || s.State().Running {
		t.Fatalf("scheduler running after Stop")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	drain(sub)
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	ev := waitBeat(t, sub)
	if ev.Bar != 0 || ev.Index != 0 || !ev.Accent {
		t.Fatalf("restart began at bar %d index %d accent %v", ev.Bar, ev.Index, ev.Accent)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSchedulerStoppedPrecedesRestart(t *testing.T) {
	sink := &captureSink{}
	s, err := New(staticConfig(), sink.device(), nil, Options{
		Clock:   NewVirtualClock(epoch),
		Logger:  log.New(io.Discard, "", 0),
		MaxBars: 1,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sub := s.Subscribe(256)
	defer sub.Close()
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Restart as soon as the run reports itself idle.
	deadline := time.Now().Add(2 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	var kinds []EventKind
	for _, ev := range drain(sub) {
		if ev.Kind == EventStarted || ev.Kind == EventStopped {
			kinds = append(kinds, ev.Kind)
		}
	}
	want := []EventKind{EventStarted, EventStopped, EventStarted, EventStopped}
	if len(kinds) != len(want) {
		t.Fatalf("lifecycle events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("lifecycle events = %v, want %v", kinds, want)
		}
	}
}

func waitBeat(t *testing.T, sub *Subscription) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == EventBeat {
				return ev
			}
		case <-timeout:
			t.Fatalf("no beat within 2s")
		}
	}
}

func TestPlanBeatOrdersByDeadline(t *testing.T) {
	slots := []rhythm.Slot{
		{Voice: rhythm.VoicePrimary, Beat: 1},
		{Voice: rhythm.VoiceSecondary, Beat: 1, Phase: 0.25},
	}
	sec := time.Second
	got := planBeat(slots, 1, epoch.Add(sec), sec, sec, Swing{Enabled: true, Ratio: 0.75})
	// The swung downbeat lands at 1.5s, after the straight secondary at 1.25s.
	if got[0].slot.Voice != rhythm.VoiceSecondary || got[0].deadline.Sub(epoch) != 1250*time.Millisecond {
		t.Fatalf("first firing = %s@%v", got[0].slot.Voice, got[0].deadline.Sub(epoch))
	}
	if got[1].deadline.Sub(epoch) != 1500*time.Millisecond {
		t.Fatalf("swung downbeat at %v, want 1.5s", got[1].deadline.Sub(epoch))
	}
}
