package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/engine"
	"github.com/cbegin/metromatch-go/internal/rhythm"
	"github.com/cbegin/metromatch-go/internal/tempo"
)

// Config holds the runtime settings of the metronome command.
type Config struct {
	// Audio
	Backend    string
	SampleRate int

	// Click
	BPM           float64
	Volume        float64
	Pitch         float64
	TimeSignature string // "4/4"
	ClickDuration time.Duration

	// Features
	Dynamic      bool
	Variance     float64 // BPM either side of BPM
	DynamicEvery int     // beats per tempo draw
	Swing        bool
	SwingRatio   float64
	Polyrhythm   string // "3:2", empty when disabled

	// Outputs
	OSCAddr    string // host:port, empty disables OSC
	ListenAddr string // WebRTC listen address, empty disables streaming

	// Track following
	NowPlaying string // "Artist - Title" file to follow, empty disables
	TempoTable string // "Artist - Title = BPM" lines
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Load reads the given .env files (".env" when none are named) and then the
// METROMATCH_* environment. Variables already set in the environment win over
// the files; missing files are ignored.
func Load(files ...string) Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
	return FromEnv()
}

// FromEnv reads configuration from environment variables with defaults.
func FromEnv() Config {
	return Config{
		Backend:    envStr("METROMATCH_BACKEND", "ebiten"),
		SampleRate: envInt("METROMATCH_SAMPLE_RATE", 48000),

		BPM:           envFloat("METROMATCH_BPM", 120),
		Volume:        envFloat("METROMATCH_VOLUME", 0.7),
		Pitch:         envFloat("METROMATCH_PITCH", 1000),
		TimeSignature: envStr("METROMATCH_TIME_SIGNATURE", "4/4"),
		ClickDuration: time.Duration(envInt("METROMATCH_CLICK_MS", 60)) * time.Millisecond,

		Dynamic:      envBool("METROMATCH_DYNAMIC", false),
		Variance:     envFloat("METROMATCH_VARIANCE", 10),
		DynamicEvery: envInt("METROMATCH_DYNAMIC_EVERY", 1),
		Swing:        envBool("METROMATCH_SWING", false),
		SwingRatio:   envFloat("METROMATCH_SWING_RATIO", 0.66),
		Polyrhythm:   envStr("METROMATCH_POLYRHYTHM", ""),

		OSCAddr:    envStr("METROMATCH_OSC_ADDR", ""),
		ListenAddr: envStr("METROMATCH_LISTEN_ADDR", ""),

		NowPlaying: envStr("METROMATCH_NOW_PLAYING", ""),
		TempoTable: envStr("METROMATCH_TEMPO_TABLE", ""),
	}
}

// Engine converts c to a validated engine configuration.
func (c Config) Engine() (engine.Config, error) {
	ec := engine.DefaultConfig()
	ec.Tempo = tempo.Config{
		BaseBPM:  c.BPM,
		Dynamic:  c.Dynamic,
		Variance: c.Variance,
		Every:    c.DynamicEvery,
	}
	ec.Volume = c.Volume
	ec.Pitch = c.Pitch
	ec.ClickDuration = c.ClickDuration

	ts, err := rhythm.ParseTimeSignature(c.TimeSignature)
	if err != nil {
		return engine.Config{}, errors.Wrap(err, "time signature")
	}
	ec.Signature = ts
	ec.Swing = engine.Swing{Enabled: c.Swing, Ratio: c.SwingRatio}
	if c.Polyrhythm != "" {
		r, err := rhythm.ParseRatio(c.Polyrhythm)
		if err != nil {
			return engine.Config{}, errors.Wrap(err, "polyrhythm")
		}
		ec.Polyrhythm = rhythm.Polyrhythm{Enabled: true, Ratio: r}
	}
	if err := ec.Validate(); err != nil {
		return engine.Config{}, err
	}
	return ec, nil
}
