package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cbegin/metromatch-go"
	"github.com/cbegin/metromatch-go/internal/audio"
	"github.com/cbegin/metromatch-go/internal/config"
	"github.com/cbegin/metromatch-go/internal/oscbeat"
	"github.com/cbegin/metromatch-go/internal/stream"
	"github.com/cbegin/metromatch-go/internal/track"
)

func main() {
	env := config.Load()
	var (
		sampleRate = flag.Int("sample-rate", env.SampleRate, "output sample rate")
		backend    = flag.String("backend", env.Backend, fmt.Sprintf("audio backend: %v", audio.Backends()))
		bpm        = flag.Float64("bpm", env.BPM, "base tempo in BPM (40-240)")
		volume     = flag.Float64("volume", env.Volume, "click volume (0-1)")
		pitch      = flag.Float64("pitch", env.Pitch, "click frequency in Hz (200-2000)")
		signature  = flag.String("sig", env.TimeSignature, "time signature, e.g. 4/4, 7/8")
		clickMs    = flag.Int("click-ms", int(env.ClickDuration/time.Millisecond), "click length in ms")
		dynamic    = flag.Bool("dynamic", env.Dynamic, "vary the tempo randomly")
		variance   = flag.Float64("variance", env.Variance, "dynamic tempo variance in BPM either side of -bpm (1-50)")
		every      = flag.Int("every", env.DynamicEvery, "beats to hold each dynamic tempo")
		swing      = flag.Bool("swing", env.Swing, "swing the off-beats")
		swingRatio = flag.Float64("swing-ratio", env.SwingRatio, "swing ratio (0.5-0.75)")
		poly       = flag.String("poly", env.Polyrhythm, "polyrhythm ratio, e.g. 3:2 (empty = off)")
		bars       = flag.Int("bars", 0, "stop after N bars (0 = run until interrupted)")
		render     = flag.String("render", "", "write the click track to this WAV file instead of playing")
		seed       = flag.Uint64("seed", 0, "random seed for -render (0 = time based)")
		oscAddr    = flag.String("osc", env.OSCAddr, "send beats as OSC to host:port")
		listen     = flag.String("listen", env.ListenAddr, "stream the click over WebRTC on this address")
		follow     = flag.String("follow", env.NowPlaying, "follow the tempo of the track named in this now-playing file")
		tempos     = flag.String("tempos", env.TempoTable, "tempo table for -follow (\"Artist - Title = BPM\" per line)")
		quiet      = flag.Bool("quiet", false, "do not print beats")
	)
	flag.Parse()

	env.SampleRate = *sampleRate
	env.BPM, env.Volume, env.Pitch = *bpm, *volume, *pitch
	env.TimeSignature = *signature
	env.ClickDuration = time.Duration(*clickMs) * time.Millisecond
	env.Dynamic, env.Variance, env.DynamicEvery = *dynamic, *variance, *every
	env.Swing, env.SwingRatio = *swing, *swingRatio
	env.Polyrhythm = *poly
	cfg, err := env.Engine()
	if err != nil {
		log.Fatal(err)
	}

	if *render != "" {
		n := *bars
		if n <= 0 {
			n = 8
		}
		s := *seed
		if s == 0 {
			s = uint64(time.Now().UnixNano())
		}
		if err := renderWAV(*render, cfg, n, *sampleRate, s); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %d bars to %s\n", n, *render)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var follower *track.Follower
	if *follow != "" {
		if *tempos == "" {
			log.Fatal("-follow needs a -tempos table")
		}
		tab, err := track.LoadTable(*tempos)
		if err != nil {
			log.Fatal(err)
		}
		det, res := track.FileDetector{Path: *follow}, track.NewCache(track.Chain(tab))
		if bpm, ok := track.Seed(ctx, det, res); ok {
			cfg.Tempo.BaseBPM = bpm
		}
		follower = &track.Follower{Detector: det, Resolver: res}
	}

	opts := []metromatch.Option{
		metromatch.WithConfig(cfg),
		metromatch.WithBackend(*backend),
		metromatch.WithMaxBars(*bars),
	}
	if *listen != "" {
		b := stream.NewBroadcaster()
		rtc := stream.NewWebRTCHandler(b, *sampleRate, nil)
		defer rtc.Close()
		mux := http.NewServeMux()
		mux.Handle("/webrtc", rtc)
		go func() {
			log.Printf("streaming click on %s/webrtc", *listen)
			if err := http.ListenAndServe(*listen, mux); err != nil {
				log.Printf("webrtc listener: %v", err)
			}
		}()
		opts = append(opts, metromatch.WithDevice(stream.NewDevice(b)))
	}

	m, err := metromatch.NewMetronome(*sampleRate, opts...)
	if err != nil {
		log.Fatal(err)
	}
	if follower != nil {
		follower.Apply = m.SetTempo
		go follower.Run(ctx)
	}

	if *oscAddr != "" {
		pub, err := oscbeat.Dial(*oscAddr, nil)
		if err != nil {
			log.Fatal(err)
		}
		defer pub.Close()
		sub := m.Subscribe(256)
		defer sub.Close()
		go pub.Run(ctx, sub)
	}

	ch := m.Watch()
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	go func() {
		<-ctx.Done()
		if err := m.Stop(); err != nil {
			log.Printf("stop: %v", err)
		}
	}()

	for ev := range ch {
		switch ev.Kind {
		case metromatch.EventBeat:
			if *quiet {
				continue
			}
			mark := ""
			if ev.Accent {
				mark = " *"
			}
			fmt.Printf("bar %d %s %d%s (%.1f BPM)\n", ev.Bar+1, ev.Voice, ev.Index+1, mark, ev.Tempo)
		case metromatch.EventSinkUnavailable:
			fmt.Printf("audio unavailable, running silently: %v\n", ev.Err)
		case metromatch.EventDropped:
			fmt.Printf("click dropped: %v\n", ev.Err)
		case metromatch.EventStopped:
			if err := m.Stop(); err != nil {
				log.Fatal(err)
			}
			return
		}
	}
}

func renderWAV(path string, cfg metromatch.Config, bars, sampleRate int, seed uint64) error {
	samples, err := metromatch.RenderClickTrack(cfg, bars, sampleRate, seed)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metromatch.WriteWAV(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
