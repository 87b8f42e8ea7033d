package audio

import (
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/engine"
)

// Output latency requested from ebiten. Smaller buffers keep the click close
// to its deadline at the cost of underrun risk on loaded machines.
const ebitenBufferSize = 20 * time.Millisecond

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// ebiten allows a single audio context per process, so every sink shares it.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, errors.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// EbitenDevice plays clicks through ebiten's audio package.
type EbitenDevice struct{}

func (EbitenDevice) Open(sampleRate int) (engine.Sink, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	mix := NewMixer(sampleRate)
	reader := NewStreamReader(mix)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, errors.Wrap(err, "create ebiten player")
	}
	pl.SetBufferSize(ebitenBufferSize)
	pl.Play()
	return &ebitenSink{Mixer: mix, player: pl, reader: reader}, nil
}

type ebitenSink struct {
	*Mixer
	player *ebitaudio.Player
	reader *StreamReader
}

func (s *ebitenSink) Close() error {
	s.player.Pause()
	s.Reset()
	if err := s.player.Close(); err != nil {
		return errors.Wrap(err, "close ebiten player")
	}
	return s.reader.Close()
}
