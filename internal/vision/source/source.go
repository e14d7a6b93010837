// Package source supplies frames to the pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register webp with image.Decode

	"github.com/banshee-data/sightline/internal/vision"
)

// Source yields frames in presentation order. MediaTime may move backwards
// when a source loops or seeks.
type Source interface {
	Next(ctx context.Context) (vision.Frame, error)
}

// ErrEmpty is returned when a directory holds no decodable images.
var ErrEmpty = errors.New("no images found")

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// DirSource plays the images of a directory in name order at a fixed frame
// rate, looping at the end. Frame i has media time i*interval.
type DirSource struct {
	paths    []string
	interval time.Duration
	loop     bool

	mu    sync.Mutex
	index int
	seq   uint64
	loops int
}

// NewDirSource lists dir. fps <= 0 uses 30.
func NewDirSource(dir string, fps float64, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmpty, dir)
	}
	sort.Strings(paths)
	if fps <= 0 {
		fps = 30
	}
	return &DirSource{
		paths:    paths,
		interval: time.Duration(float64(time.Second) / fps),
		loop:     loop,
	}, nil
}

// Len returns the number of frames in one pass.
func (s *DirSource) Len() int { return len(s.paths) }

// Interval returns the media time between frames.
func (s *DirSource) Interval() time.Duration { return s.interval }

// Loops returns how many times playback has wrapped.
func (s *DirSource) Loops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops
}

// Next decodes the current frame and advances. At the end it wraps to the
// first frame when looping, otherwise it returns io.EOF.
func (s *DirSource) Next(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	s.mu.Lock()
	if s.index >= len(s.paths) {
		if !s.loop {
			s.mu.Unlock()
			return vision.Frame{}, io.EOF
		}
		s.index = 0
		s.loops++
	}
	i := s.index
	s.index++
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	img, err := imaging.Open(s.paths[i])
	if err != nil {
		return vision.Frame{}, fmt.Errorf("failed to decode frame %s: %w", filepath.Base(s.paths[i]), err)
	}
	return vision.NewFrame(img, time.Duration(i)*s.interval, seq), nil
}

// Seek moves playback to the frame at media time t, clamped to the
// sequence.
func (s *DirSource) Seek(t time.Duration) {
	i := int(t / s.interval)
	i = max(0, min(i, len(s.paths)-1))
	s.mu.Lock()
	s.index = i
	s.mu.Unlock()
}
