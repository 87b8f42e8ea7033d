//go:build oto

package audio

import (
	"sync"

	"github.com/hajimehoshi/oto/v2"
	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/engine"
)

func init() {
	Register("oto", OtoDevice{})
}

var (
	otoOnce  sync.Once
	otoCtx   *oto.Context
	otoErr   error
	otoRate  int
	otoReady chan struct{}
)

// OtoDevice plays clicks through oto v2 directly, without ebiten.
type OtoDevice struct{}

func (OtoDevice) Open(sampleRate int) (engine.Sink, error) {
	otoOnce.Do(func() {
		otoRate = sampleRate
		otoCtx, otoReady, otoErr = oto.NewContext(sampleRate, 2, oto.FormatFloat32LE)
	})
	if otoErr != nil {
		return nil, errors.Wrap(otoErr, "create oto context")
	}
	if otoRate != sampleRate {
		return nil, errors.Errorf("oto context already initialized at %d Hz (requested %d Hz)", otoRate, sampleRate)
	}
	<-otoReady
	mix := NewMixer(sampleRate)
	reader := NewStreamReader(mix)
	pl := otoCtx.NewPlayer(reader)
	pl.Play()
	return &otoSink{Mixer: mix, player: pl}, nil
}

type otoSink struct {
	*Mixer
	player oto.Player
}

func (s *otoSink) Close() error {
	s.player.Pause()
	s.Reset()
	return errors.Wrap(s.player.Close(), "close oto player")
}
