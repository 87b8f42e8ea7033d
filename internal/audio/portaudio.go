//go:build portaudio

package audio

import (
	pa "github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"

	"github.com/cbegin/metromatch-go/internal/engine"
)

// Frames per portaudio callback, about 5ms at 48kHz.
const portaudioBufferLen = 256

func init() {
	Register("portaudio", PortAudioDevice{})
}

// PortAudioDevice pulls mixed clicks from a portaudio callback stream on the
// default output device.
type PortAudioDevice struct{}

func (PortAudioDevice) Open(sampleRate int) (engine.Sink, error) {
	if err := pa.Initialize(); err != nil {
		return nil, errors.Wrap(err, "initialize portaudio")
	}
	mix := NewMixer(sampleRate)
	stream, err := pa.OpenDefaultStream(0, 2, float64(sampleRate), portaudioBufferLen, func(out []float32) {
		mix.Process(out)
	})
	if err != nil {
		pa.Terminate()
		return nil, errors.Wrap(err, "open portaudio stream")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		pa.Terminate()
		return nil, errors.Wrap(err, "start portaudio stream")
	}
	return &portaudioSink{Mixer: mix, stream: stream}, nil
}

type portaudioSink struct {
	*Mixer
	stream *pa.Stream
}

func (s *portaudioSink) Close() error {
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	if terr := pa.Terminate(); err == nil {
		err = terr
	}
	s.Reset()
	return errors.Wrap(err, "close portaudio stream")
}
