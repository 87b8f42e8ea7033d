package track

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/tempo"
)

// DefaultInterval is how often a Follower asks the detector for the current
// track.
const DefaultInterval = 5 * time.Second

type Track struct {
	Artist string
	Title  string
}

func (t Track) String() string { return t.Artist + " - " + t.Title }

func (t Track) key() string {
	return strings.ToLower(strings.TrimSpace(t.Artist)) + "\x00" + strings.ToLower(strings.TrimSpace(t.Title))
}

// Detector reports what is playing right now. ok is false when nothing is.
type Detector interface {
	CurrentTrack(ctx context.Context) (t Track, ok bool, err error)
}

// Resolver looks up a track's tempo. ok is false when the tempo is unknown.
type Resolver interface {
	ResolveBPM(ctx context.Context, artist, title string) (bpm float64, ok bool, err error)
}

type DetectorFunc func(ctx context.Context) (Track, bool, error)

func (f DetectorFunc) CurrentTrack(ctx context.Context) (Track, bool, error) { return f(ctx) }

type ResolverFunc func(ctx context.Context, artist, title string) (float64, bool, error)

func (f ResolverFunc) ResolveBPM(ctx context.Context, artist, title string) (float64, bool, error) {
	return f(ctx, artist, title)
}

// Chain tries each resolver in order and returns the first tempo found.
// Errors from earlier resolvers are skipped; the last one is returned only if
// no resolver succeeds.
func Chain(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, artist, title string) (float64, bool, error) {
		var last error
		for _, r := range resolvers {
			bpm, ok, err := r.ResolveBPM(ctx, artist, title)
			if err != nil {
				last = err
				continue
			}
			if ok {
				return bpm, true, nil
			}
		}
		return 0, false, last
	})
}

// Cache remembers resolved tempos per track, case-insensitively.
type Cache struct {
	next Resolver
	mu   sync.Mutex
	bpm  map[string]float64
}

func NewCache(next Resolver) *Cache {
	return &Cache{next: next, bpm: make(map[string]float64)}
}

func (c *Cache) ResolveBPM(ctx context.Context, artist, title string) (float64, bool, error) {
	key := Track{Artist: artist, Title: title}.key()
	c.mu.Lock()
	bpm, ok := c.bpm[key]
	c.mu.Unlock()
	if ok {
		return bpm, true, nil
	}
	bpm, ok, err := c.next.ResolveBPM(ctx, artist, title)
	if err != nil || !ok {
		return 0, false, err
	}
	c.mu.Lock()
	c.bpm[key] = bpm
	c.mu.Unlock()
	return bpm, true, nil
}

// Seed asks det for the current track and res for its tempo, clamped to the
// metronome's range. It reports false when nothing is playing, the tempo is
// unknown or either collaborator fails.
func Seed(ctx context.Context, det Detector, res Resolver) (float64, bool) {
	_, bpm, ok, _ := lookup(ctx, det, res)
	return bpm, ok
}

func lookup(ctx context.Context, det Detector, res Resolver) (Track, float64, bool, error) {
	t, ok, err := det.CurrentTrack(ctx)
	if err != nil {
		return Track{}, 0, false, errors.Wrap(err, "detect current track")
	}
	if !ok {
		return Track{}, 0, false, nil
	}
	bpm, ok, err := res.ResolveBPM(ctx, t.Artist, t.Title)
	if err != nil {
		return t, 0, false, errors.Wrapf(err, "resolve bpm for %s", t)
	}
	if !ok || bpm <= 0 {
		return t, 0, false, nil
	}
	return t, tempo.Clamp(bpm), true, nil
}

// Follower keeps the metronome on the tempo of whatever is playing. It polls
// outside the timing loop and hands each newly resolved tempo to Apply.
type Follower struct {
	Detector Detector
	Resolver Resolver
	Apply    func(bpm float64) error
	Interval time.Duration
	Logger   *log.Logger

	current Track
	have    bool
}

// Run polls until ctx is cancelled. Collaborator failures are logged and the
// next poll retries.
func (f *Follower) Run(ctx context.Context) error {
	interval := f.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		f.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Poll checks the current track once and applies its tempo when the track
// has changed since the last successful sync. It reports whether a tempo was
// applied.
func (f *Follower) Poll(ctx context.Context) bool {
	logger := f.Logger
	if logger == nil {
		logger = log.Default()
	}
	t, bpm, ok, err := lookup(ctx, f.Detector, f.Resolver)
	if err != nil {
		logger.Printf("track: %v", err)
		return false
	}
	if !ok {
		return false
	}
	if f.have && t.key() == f.current.key() {
		return false
	}
	if err := f.Apply(bpm); err != nil {
		logger.Printf("track: apply %.1f BPM for %s: %v", bpm, t, err)
		return false
	}
	logger.Printf("track: synced to %s at %.1f BPM", t, bpm)
	f.current, f.have = t, true
	return true
}
