package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
	"time"

	"kanvas-composer/internal/container"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/segment"
)

// PlaybackSource plays a list of segments back to back, the way the editor
// previews a session. Each frame carries the index of the segment it belongs
// to in Frame.Item so the presenter can cut between surfaces.
type PlaybackSource struct {
	segments      []segment.Segment
	fps           int
	imageDuration time.Duration
	loop          bool

	mu       sync.Mutex
	acquired bool
	item     int
	cursor   int // frame or sample index within the current item
	still    *image.RGBA
	clip     *container.File
	first    int
	last     int
	trim     segment.Trim // clamped bounds of the open clip
	seq      uint64
	elapsed  time.Duration
	hold     time.Duration // display time of the previously returned frame
	pace     pacer
}

// NewPlaybackSource plays segs at fps, holding stills for imageDuration.
// With loop set playback restarts after the last segment instead of
// returning io.EOF.
func NewPlaybackSource(segs []segment.Segment, fps int, imageDuration time.Duration, loop bool) *PlaybackSource {
	if fps <= 0 {
		fps = 30
	}
	return &PlaybackSource{
		segments:      append([]segment.Segment(nil), segs...),
		fps:           fps,
		imageDuration: imageDuration,
		loop:          loop,
	}
}

func (s *PlaybackSource) FrameRate() int { return s.fps }

func (s *PlaybackSource) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return fmt.Errorf("%w: nothing to play", ErrDeviceUnavailable)
	}
	s.acquired = true
	s.pace.reset()
	return nil
}

// Release closes the open clip. Playback continues from the same item after
// the next Acquire.
func (s *PlaybackSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = false
	return s.closeItem()
}

func (s *PlaybackSource) closeItem() error {
	s.still = nil
	if s.clip == nil {
		return nil
	}
	err := s.clip.Close()
	s.clip = nil
	return err
}

func (s *PlaybackSource) ReadFrame(ctx context.Context) (media.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return media.Frame{}, ErrDeviceUnavailable
	}
	if err := s.pace.wait(ctx, s.hold); err != nil {
		return media.Frame{}, err
	}

	for {
		if s.item >= len(s.segments) {
			if !s.loop {
				return media.Frame{}, io.EOF
			}
			s.item, s.cursor, s.elapsed = 0, 0, 0
		}
		img, hold, ok, err := s.next()
		if err != nil {
			return media.Frame{}, fmt.Errorf("play item %d: %w", s.item, err)
		}
		if !ok {
			s.closeItem()
			s.item++
			s.cursor = 0
			continue
		}
		f := media.NewFrame(img, s.elapsed, s.seq)
		f.Item = s.item
		s.seq++
		s.elapsed += hold
		s.hold = hold
		return f, nil
	}
}

// next returns the current item's next picture and how long to show it.
func (s *PlaybackSource) next() (*image.RGBA, time.Duration, bool, error) {
	interval := time.Second / time.Duration(s.fps)
	switch v := s.segments[s.item].(type) {
	case segment.Image:
		frames := int(s.imageDuration / interval)
		if frames < 1 {
			frames = 1
		}
		if s.cursor >= frames {
			return nil, 0, false, nil
		}
		if s.still == nil {
			img, err := loadStill(v)
			if err != nil {
				return nil, 0, false, err
			}
			s.still = img
		}
		s.cursor++
		return s.still, interval, true, nil

	case segment.VideoClip:
		if s.clip == nil {
			cf, err := container.Open(v.Path)
			if err != nil {
				return nil, 0, false, err
			}
			start, end := v.Trim.Bounds(cf.Duration())
			s.clip = cf
			s.trim = segment.Trim{Start: start, End: end}
			s.first, s.last = cf.Span(start, end)
			if s.cursor < s.first {
				s.cursor = s.first
			}
		}
		if s.cursor >= s.last {
			return nil, 0, false, nil
		}
		data, err := s.clip.Sample(s.cursor)
		if err != nil {
			return nil, 0, false, err
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, 0, false, err
		}
		hold := container.UnitsToDuration(uint64(s.clip.Clipped(s.cursor, s.trim.Start, s.trim.End)))
		s.cursor++
		return media.ToRGBA(img), hold, true, nil
	}
	return nil, 0, false, segment.ErrInvalidSegment
}

func loadStill(img segment.Image) (*image.RGBA, error) {
	if img.Still != nil {
		return media.ToRGBA(img.Still), nil
	}
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return media.ToRGBA(decoded), nil
}
