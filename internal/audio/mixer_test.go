package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/cbegin/metromatch-go/internal/engine"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedMixer(sampleRate int) *Mixer {
	m := NewMixer(sampleRate)
	m.now = func() time.Time { return epoch }
	return m
}

func constClip(frames int, v float32) []float32 {
	out := make([]float32, frames*2)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMixerDelaysClipToDeadline(t *testing.T) {
	m := fixedMixer(1000)
	if err := m.Play(epoch.Add(10*time.Millisecond), constClip(4, 0.25)); err != nil {
		t.Fatalf("play: %v", err)
	}
	buf := make([]float32, 32)
	m.Process(buf)
	for f := 0; f < 16; f++ {
		want := float32(0)
		if f >= 10 && f < 14 {
			want = 0.25
		}
		if buf[f*2] != want || buf[f*2+1] != want {
			t.Fatalf("frame %d = %v/%v, want %v", f, buf[f*2], buf[f*2+1], want)
		}
	}
	if m.Active() != 0 {
		t.Fatalf("finished clip still active")
	}
}

func TestMixerSpansBuffers(t *testing.T) {
	m := fixedMixer(1000)
	_ = m.Play(epoch, constClip(6, 0.1))
	buf := make([]float32, 8)
	m.Process(buf)
	if m.Active() != 1 {
		t.Fatalf("clip should continue into the next buffer")
	}
	m.Process(buf)
	if buf[0] != 0.1 || buf[3] != 0.1 || buf[4] != 0 {
		t.Fatalf("second buffer = %v", buf)
	}
	if m.Active() != 0 {
		t.Fatalf("clip should have finished")
	}
}

func TestMixerLimitsOverlappingClips(t *testing.T) {
	m := fixedMixer(48000)
	for i := 0; i < 4; i++ {
		_ = m.Play(epoch, constClip(256, 0.8))
	}
	buf := make([]float32, 512)
	m.Process(buf)
	ceiling := float32(math.Pow(10, -0.5/20))
	for i, v := range buf {
		if v > ceiling+1e-6 {
			t.Fatalf("sample %d = %v exceeds ceiling %v", i, v, ceiling)
		}
	}
}

func TestMixerEvictsOldestClip(t *testing.T) {
	m := fixedMixer(1000)
	m.maxClips = 2
	for i := 0; i < 3; i++ {
		_ = m.Play(epoch, constClip(8, 0.1))
	}
	if m.Active() != 2 || m.Evicted() != 1 {
		t.Fatalf("active=%d evicted=%d, want 2 and 1", m.Active(), m.Evicted())
	}
	m.Reset()
	if m.Active() != 0 {
		t.Fatalf("reset left clips")
	}
}

type rampSource struct{}

func (rampSource) Process(dst []float32) {
	for i := range dst {
		dst[i] = float32(i) / 10
	}
}

func TestStreamReaderEncodesFloat32LE(t *testing.T) {
	r := NewStreamReader(rampSource{})
	p := make([]byte, 19)
	n, err := r.Read(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 16 {
		t.Fatalf("read %d bytes, want 16 (whole frames only)", n)
	}
	for i := 0; i < 4; i++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
		if got != float32(i)/10 {
			t.Fatalf("sample %d = %v", i, got)
		}
	}
	if n, _ := r.Read(make([]byte, 7)); n != 0 {
		t.Fatalf("short read returned %d bytes", n)
	}
}

func TestRegistry(t *testing.T) {
	dev, err := Lookup("silent")
	if err != nil {
		t.Fatalf("lookup silent: %v", err)
	}
	sink, err := dev.Open(48000)
	if err != nil {
		t.Fatalf("open silent: %v", err)
	}
	if err := sink.Play(epoch, constClip(4, 1)); err != nil {
		t.Fatalf("silent play: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("silent close: %v", err)
	}
	if _, err := Lookup("no-such-backend"); err == nil {
		t.Fatalf("unknown backend should fail")
	}
	Register("test-null", engine.SilentDevice)
	found := false
	for _, name := range Backends() {
		if name == "test-null" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered backend missing from %v", Backends())
	}
}
