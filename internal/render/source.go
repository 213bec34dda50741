package render

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"time"

	"kanvas-composer/internal/media"
)

// ErrDeviceUnavailable is returned when a capture device cannot be acquired
// or has been released.
var ErrDeviceUnavailable = errors.New("render: capture device unavailable")

// Source delivers frames at its native rate. ReadFrame blocks until the next
// frame is due and returns io.EOF when a finite source is exhausted.
type Source interface {
	Acquire() error
	Release() error
	ReadFrame(ctx context.Context) (media.Frame, error)
	FrameRate() int
}

// pacer spaces reads to a frame interval.
type pacer struct {
	next time.Time
}

func (p *pacer) wait(ctx context.Context, interval time.Duration) error {
	now := time.Now()
	if p.next.IsZero() || p.next.Before(now) {
		p.next = now
	}
	if d := time.Until(p.next); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.next = p.next.Add(interval)
	return nil
}

func (p *pacer) reset() { p.next = time.Time{} }

// PatternSource is a synthetic camera producing a moving colour gradient.
// It stands in for a capture device on headless hosts.
type PatternSource struct {
	width, height, fps int

	mu       sync.Mutex
	acquired bool
	seq      uint64
	pace     pacer
}

// NewPatternSource returns a width x height source running at fps.
func NewPatternSource(width, height, fps int) *PatternSource {
	if fps <= 0 {
		fps = 30
	}
	return &PatternSource{width: width, height: height, fps: fps}
}

func (s *PatternSource) FrameRate() int { return s.fps }

func (s *PatternSource) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.width <= 0 || s.height <= 0 {
		return ErrDeviceUnavailable
	}
	s.acquired = true
	s.pace.reset()
	return nil
}

func (s *PatternSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = false
	return nil
}

func (s *PatternSource) ReadFrame(ctx context.Context) (media.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return media.Frame{}, ErrDeviceUnavailable
	}
	if err := s.pace.wait(ctx, time.Second/time.Duration(s.fps)); err != nil {
		return media.Frame{}, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	shift := int(s.seq % 256)
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8((x*255/s.width + shift) % 256),
				G: uint8(y * 255 / s.height),
				B: uint8(255 - shift),
				A: 255,
			})
		}
	}
	ts := time.Duration(s.seq) * time.Second / time.Duration(s.fps)
	f := media.NewFrame(img, ts, s.seq)
	s.seq++
	return f, nil
}
