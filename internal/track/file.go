package track

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseTrack splits an "Artist - Title" line. ok is false when either half is
// missing.
func ParseTrack(line string) (Track, bool) {
	artist, title, found := strings.Cut(strings.TrimSpace(line), " - ")
	artist, title = strings.TrimSpace(artist), strings.TrimSpace(title)
	if !found || artist == "" || title == "" {
		return Track{}, false
	}
	return Track{Artist: artist, Title: title}, true
}

// FileDetector reads the current track from the first line of a now-playing
// file, the kind media players and streaming tools write out. A missing or
// empty file means nothing is playing.
type FileDetector struct {
	Path string
}

func (d FileDetector) CurrentTrack(context.Context) (Track, bool, error) {
	b, err := os.ReadFile(d.Path)
	if os.IsNotExist(err) {
		return Track{}, false, nil
	}
	if err != nil {
		return Track{}, false, errors.Wrapf(err, "read %s", d.Path)
	}
	line, _, _ := strings.Cut(string(b), "\n")
	t, ok := ParseTrack(line)
	return t, ok, nil
}

// Table is a fixed set of known tempos, keyed case-insensitively by track.
type Table map[string]float64

// ReadTable parses lines of the form "Artist - Title = 128". Blank lines and
// lines starting with # are skipped.
func ReadTable(r io.Reader) (Table, error) {
	tab := Table{}
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			return nil, errors.Errorf("line %d: missing '='", n)
		}
		t, ok := ParseTrack(name)
		if !ok {
			return nil, errors.Errorf("line %d: want \"Artist - Title\", got %q", n, strings.TrimSpace(name))
		}
		bpm, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || bpm <= 0 {
			return nil, errors.Errorf("line %d: bad tempo %q", n, strings.TrimSpace(value))
		}
		tab[t.key()] = bpm
	}
	return tab, errors.Wrap(sc.Err(), "read tempo table")
}

func LoadTable(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open tempo table")
	}
	defer f.Close()
	tab, err := ReadTable(f)
	return tab, errors.Wrap(err, path)
}

func (t Table) ResolveBPM(_ context.Context, artist, title string) (float64, bool, error) {
	bpm, ok := t[Track{Artist: artist, Title: title}.key()]
	return bpm, ok, nil
}
