package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"kanvas-composer/internal/container"
	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/lifecycle"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/platform/metrics"
	"kanvas-composer/internal/segment"
)

type fakeSource struct {
	mu       sync.Mutex
	format   media.PixelFormat
	failAcq  bool
	acquired bool
	acquires int
	releases int
	seq      uint64
	item     func(seq uint64) int
}

func (s *fakeSource) FrameRate() int { return 500 }

func (s *fakeSource) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAcq {
		return errors.New("camera busy")
	}
	s.acquired = true
	s.acquires++
	return nil
}

func (s *fakeSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired = false
	s.releases++
	return nil
}

func (s *fakeSource) ReadFrame(ctx context.Context) (media.Frame, error) {
	select {
	case <-time.After(2 * time.Millisecond):
	case <-ctx.Done():
		return media.Frame{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return media.Frame{}, ErrDeviceUnavailable
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	f := media.NewFrame(img, 0, s.seq)
	if s.format != "" {
		f.Format = s.format
	}
	if s.item != nil {
		f.Item = s.item(s.seq)
	}
	s.seq++
	return f, nil
}

func (s *fakeSource) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires, s.releases
}

type fakeSurface struct {
	mu      sync.Mutex
	frames  []media.Frame
	opacity float64
}

func (s *fakeSurface) Present(f media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSurface) SetOpacity(a float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opacity = a
}

func (s *fakeSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSurface) last() media.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (c *countingSink) Consume(media.Frame) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestRenderer(t *testing.T, bus *lifecycle.Bus) (*Renderer, *fakeSurface, *fakeSurface) {
	t.Helper()
	first, second := &fakeSurface{}, &fakeSurface{}
	r := New(bus, NewPresenter(first, second), nil, nil)
	t.Cleanup(func() { r.Close() })
	return r, first, second
}

func TestRenderer_Start_filters_and_feeds_sink(t *testing.T) {
	r, first, _ := newTestRenderer(t, nil)
	p, err := filter.NewPipeline([]filter.Backend{filter.BackendSoftware}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	f, _ := p.CreateFilter(filter.Grayscale)
	r.SetFilter(f)
	sink := &countingSink{}
	r.SetSink(sink)

	if err := r.Start(&fakeSource{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != StatePlaying {
		t.Fatalf("state: got %s", r.State())
	}
	waitFor(t, "frames", func() bool { return first.count() >= 3 })

	got := first.last()
	if got.Width != 4 || got.Height != 2 {
		t.Errorf("dimensions changed: %dx%d", got.Width, got.Height)
	}
	sink.mu.Lock()
	n := sink.n
	sink.mu.Unlock()
	if n == 0 {
		t.Error("sink received no frames")
	}
}

func TestRenderer_Start_device_unavailable(t *testing.T) {
	r, first, _ := newTestRenderer(t, nil)
	err := r.Start(&fakeSource{failAcq: true})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if r.State() != StateIdle {
		t.Errorf("state: got %s", r.State())
	}
	time.Sleep(20 * time.Millisecond)
	if first.count() != 0 {
		t.Error("frames delivered without a device")
	}
}

func TestRenderer_Pause_Resume(t *testing.T) {
	r, first, _ := newTestRenderer(t, nil)
	if err := r.Start(&fakeSource{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "frames", func() bool { return first.count() > 0 })

	if err := r.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	held := first.count()
	time.Sleep(30 * time.Millisecond)
	if first.count() != held {
		t.Errorf("frames delivered while paused: %d -> %d", held, first.count())
	}
	if err := r.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Pause: expected ErrInvalidState, got %v", err)
	}

	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "frames after resume", func() bool { return first.count() > held })
}

func TestRenderer_Stop_is_terminal(t *testing.T) {
	r, _, _ := newTestRenderer(t, nil)
	src := &fakeSource{}
	r.Start(src)
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if _, rel := src.counts(); rel != 1 {
		t.Errorf("releases: got %d want 1", rel)
	}
	if err := r.Start(src); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Start after Stop: expected ErrInvalidState, got %v", err)
	}
	if err := r.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume after Stop: expected ErrInvalidState, got %v", err)
	}
}

func TestRenderer_lifecycle(t *testing.T) {
	bus := lifecycle.NewBus()
	r, first, _ := newTestRenderer(t, bus)
	src := &fakeSource{}
	r.Start(src)
	waitFor(t, "frames", func() bool { return first.count() > 0 })

	bus.Publish(lifecycle.WillResignActive)
	if r.State() != StatePaused {
		t.Fatalf("after resign: state %s", r.State())
	}
	if _, rel := src.counts(); rel != 1 {
		t.Errorf("device not released: %d", rel)
	}

	bus.Publish(lifecycle.DidBecomeActive)
	if r.State() != StatePlaying {
		t.Fatalf("after become active: state %s", r.State())
	}
	if acq, _ := src.counts(); acq != 2 {
		t.Errorf("device not re-acquired: %d", acq)
	}
	held := first.count()
	waitFor(t, "frames after restore", func() bool { return first.count() > held })

	t.Run("manual_pause_stays_paused", func(t *testing.T) {
		r.Pause()
		bus.Publish(lifecycle.WillResignActive)
		bus.Publish(lifecycle.DidBecomeActive)
		if r.State() != StatePaused {
			t.Errorf("state: got %s", r.State())
		}
	})
}

func TestRenderer_Close_unsubscribes(t *testing.T) {
	bus := lifecycle.NewBus()
	r := New(bus, NewPresenter(&fakeSurface{}, &fakeSurface{}), nil, nil)
	if bus.Len() != 1 {
		t.Fatalf("subscribers: got %d", bus.Len())
	}
	r.Close()
	if bus.Len() != 0 {
		t.Errorf("subscribers after Close: got %d", bus.Len())
	}
}

func TestRenderer_unsupported_format_falls_back(t *testing.T) {
	first, second := &fakeSurface{}, &fakeSurface{}
	m := metrics.New()
	r := New(nil, NewPresenter(first, second), nil, m)
	defer r.Close()

	p, _ := filter.NewPipeline(nil, nil)
	defer p.Close()
	f, _ := p.CreateFilter(filter.Toon)
	r.SetFilter(f)

	r.Start(&fakeSource{format: media.FormatNV12})
	waitFor(t, "frames", func() bool { return first.count() > 0 })

	if got := first.last().Format; got != media.FormatNV12 {
		t.Errorf("expected the unfiltered frame, got format %s", got)
	}
	if n, err := testutil.GatherAndCount(m.Registry(), "kanvas_filter_fallbacks_total"); err != nil || n != 1 {
		t.Errorf("fallback series: got %d, %v", n, err)
	}
}

func TestPresenter_cuts_between_surfaces(t *testing.T) {
	first, second := &fakeSurface{}, &fakeSurface{}
	p := NewPresenter(first, second)
	if first.opacity != 1 || second.opacity != 0 {
		t.Fatalf("initial opacity: %v %v", first.opacity, second.opacity)
	}

	p.Present(media.Frame{Item: 0})
	p.Present(media.Frame{Item: 0})
	p.Present(media.Frame{Item: 1})

	if first.count() != 2 || second.count() != 1 {
		t.Errorf("frames: first %d second %d", first.count(), second.count())
	}
	if p.Active() != 1 || first.opacity != 0 || second.opacity != 1 {
		t.Errorf("expected second surface visible, active %d", p.Active())
	}

	p.ShowFirst()
	if p.Active() != 0 || first.opacity != 1 {
		t.Error("ShowFirst did not switch")
	}
}

func writeTestClip(t *testing.T, samples int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, _ := container.NewWriter(f, 4, 4)
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < samples; i++ {
		img.Set(0, 0, color.RGBA{uint8(i * 50), 0, 0, 255})
		var b bytes.Buffer
		jpeg.Encode(&b, img, nil)
		w.WriteSample(b.Bytes(), container.DeltaFor(10*time.Millisecond))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPlaybackSource(t *testing.T) {
	still := image.NewRGBA(image.Rect(0, 0, 2, 2))
	segs := []segment.Segment{
		segment.Image{ID: "a", Still: still},
		segment.VideoClip{ID: "b", Path: writeTestClip(t, 3), Duration: 30 * time.Millisecond},
	}

	t.Run("plays_items_in_order", func(t *testing.T) {
		src := NewPlaybackSource(segs, 100, 20*time.Millisecond, false)
		if err := src.Acquire(); err != nil {
			t.Fatal(err)
		}
		defer src.Release()

		var items []int
		for {
			f, err := src.ReadFrame(context.Background())
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			items = append(items, f.Item)
		}
		want := []int{0, 0, 1, 1, 1}
		if len(items) != len(want) {
			t.Fatalf("items: got %v want %v", items, want)
		}
		for i := range want {
			if items[i] != want[i] {
				t.Fatalf("items: got %v want %v", items, want)
			}
		}
	})

	t.Run("honours_trim", func(t *testing.T) {
		trimmed := segment.VideoClip{ID: "c", Path: segs[1].(segment.VideoClip).Path, Trim: segment.Trim{Start: 10 * time.Millisecond}}
		src := NewPlaybackSource([]segment.Segment{trimmed}, 100, 0, false)
		src.Acquire()
		defer src.Release()
		n := 0
		for {
			if _, err := src.ReadFrame(context.Background()); err != nil {
				break
			}
			n++
		}
		if n != 2 {
			t.Errorf("frames: got %d want 2", n)
		}
	})

	t.Run("trim_start_inside_sample", func(t *testing.T) {
		trimmed := segment.VideoClip{ID: "c", Path: segs[1].(segment.VideoClip).Path, Trim: segment.Trim{Start: 15 * time.Millisecond}}
		src := NewPlaybackSource([]segment.Segment{trimmed}, 100, 0, false)
		src.Acquire()
		defer src.Release()
		var frames []media.Frame
		for {
			f, err := src.ReadFrame(context.Background())
			if err != nil {
				break
			}
			frames = append(frames, f)
		}
		if len(frames) != 3 {
			t.Fatalf("frames: got %d want 3", len(frames))
		}
		// The straddling first sample is shown for 5ms, the rest for 10ms.
		if frames[1].Timestamp != 5*time.Millisecond || frames[2].Timestamp != 15*time.Millisecond {
			t.Errorf("timestamps: %v %v", frames[1].Timestamp, frames[2].Timestamp)
		}
	})

	t.Run("released_source_reports_unavailable", func(t *testing.T) {
		src := NewPlaybackSource(segs, 100, 20*time.Millisecond, true)
		if _, err := src.ReadFrame(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
			t.Errorf("expected ErrDeviceUnavailable, got %v", err)
		}
	})

	t.Run("empty_cannot_acquire", func(t *testing.T) {
		src := NewPlaybackSource(nil, 100, 0, false)
		if err := src.Acquire(); !errors.Is(err, ErrDeviceUnavailable) {
			t.Errorf("expected ErrDeviceUnavailable, got %v", err)
		}
	})
}

func TestPatternSource(t *testing.T) {
	src := NewPatternSource(8, 4, 200)
	if _, err := src.ReadFrame(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("read before acquire: %v", err)
	}
	src.Acquire()
	a, _ := src.ReadFrame(context.Background())
	b, err := src.ReadFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Width != 8 || a.Height != 4 || b.Seq != a.Seq+1 || b.Timestamp <= a.Timestamp {
		t.Errorf("unexpected frames: %+v / %+v", a.Seq, b.Seq)
	}
}
