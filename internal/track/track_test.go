package track

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/pkg/errors"
)

func playing(t Track) Detector {
	return DetectorFunc(func(context.Context) (Track, bool, error) { return t, true, nil })
}

func fixedBPM(bpm float64) Resolver {
	return ResolverFunc(func(context.Context, string, string) (float64, bool, error) { return bpm, true, nil })
}

var quiet = log.New(io.Discard, "", 0)

func TestSeedClampsTempo(t *testing.T) {
	song := Track{Artist: "Artist", Title: "Song"}
	if bpm, ok := Seed(context.Background(), playing(song), fixedBPM(300)); !ok || bpm != 240 {
		t.Fatalf("seed = %v,%v, want 240,true", bpm, ok)
	}
	if bpm, ok := Seed(context.Background(), playing(song), fixedBPM(96)); !ok || bpm != 96 {
		t.Fatalf("seed = %v,%v, want 96,true", bpm, ok)
	}
}

func TestSeedNothingPlaying(t *testing.T) {
	idle := DetectorFunc(func(context.Context) (Track, bool, error) { return Track{}, false, nil })
	if _, ok := Seed(context.Background(), idle, fixedBPM(100)); ok {
		t.Fatal("seed should fail with nothing playing")
	}
	broken := DetectorFunc(func(context.Context) (Track, bool, error) { return Track{}, false, errors.New("no player") })
	if _, ok := Seed(context.Background(), broken, fixedBPM(100)); ok {
		t.Fatal("seed should fail when detection fails")
	}
}

func TestChainFallsThrough(t *testing.T) {
	failing := ResolverFunc(func(context.Context, string, string) (float64, bool, error) {
		return 0, false, errors.New("api down")
	})
	unknown := ResolverFunc(func(context.Context, string, string) (float64, bool, error) { return 0, false, nil })
	bpm, ok, err := Chain(failing, unknown, fixedBPM(128)).ResolveBPM(context.Background(), "a", "b")
	if err != nil || !ok || bpm != 128 {
		t.Fatalf("chain = %v,%v,%v, want 128,true,nil", bpm, ok, err)
	}
	if _, ok, err := Chain(failing, unknown).ResolveBPM(context.Background(), "a", "b"); ok || err == nil {
		t.Fatalf("chain without result = %v,%v, want false and the api error", ok, err)
	}
}

func TestCacheResolvesOnce(t *testing.T) {
	calls := 0
	c := NewCache(ResolverFunc(func(context.Context, string, string) (float64, bool, error) {
		calls++
		return 100, true, nil
	}))
	for _, title := range []string{"Song", "song ", "SONG"} {
		if bpm, ok, err := c.ResolveBPM(context.Background(), "Artist", title); err != nil || !ok || bpm != 100 {
			t.Fatalf("resolve %q = %v,%v,%v", title, bpm, ok, err)
		}
	}
	if calls != 1 {
		t.Fatalf("underlying resolver called %d times, want 1", calls)
	}
}

func TestFollowerAppliesOnTrackChange(t *testing.T) {
	current := Track{Artist: "A", Title: "One"}
	var applied []float64
	f := &Follower{
		Detector: DetectorFunc(func(context.Context) (Track, bool, error) { return current, true, nil }),
		Resolver: ResolverFunc(func(_ context.Context, _, title string) (float64, bool, error) {
			if title == "One" {
				return 90, true, nil
			}
			return 140, true, nil
		}),
		Apply:  func(bpm float64) error { applied = append(applied, bpm); return nil },
		Logger: quiet,
	}
	ctx := context.Background()
	if !f.Poll(ctx) {
		t.Fatal("first poll should apply")
	}
	if f.Poll(ctx) {
		t.Fatal("same track should not re-apply")
	}
	current = Track{Artist: "A", Title: "Two"}
	if !f.Poll(ctx) {
		t.Fatal("new track should apply")
	}
	if len(applied) != 2 || applied[0] != 90 || applied[1] != 140 {
		t.Fatalf("applied = %v, want [90 140]", applied)
	}
}

func TestFollowerRetriesAfterApplyError(t *testing.T) {
	fail := true
	f := &Follower{
		Detector: playing(Track{Artist: "A", Title: "B"}),
		Resolver: fixedBPM(100),
		Apply: func(float64) error {
			if fail {
				return errors.New("rejected")
			}
			return nil
		},
		Logger: quiet,
	}
	if f.Poll(context.Background()) {
		t.Fatal("failed apply reported success")
	}
	fail = false
	if !f.Poll(context.Background()) {
		t.Fatal("retry should apply")
	}
}

func TestFollowerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &Follower{Detector: playing(Track{}), Resolver: fixedBPM(100), Apply: func(float64) error { return nil }, Logger: quiet}
	if err := f.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want context.Canceled", err)
	}
}
