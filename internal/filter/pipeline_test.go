package filter

import (
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"

	"kanvas-composer/internal/media"
)

// countingContext wraps the software context and records lifecycle calls.
type countingContext struct {
	*SoftwareContext
	backend Backend
	runs    atomic.Int32
	closed  atomic.Bool
}

func (c *countingContext) Backend() Backend { return c.backend }

func (c *countingContext) Run(k Kernel, dst, src *image.RGBA) error {
	c.runs.Add(1)
	return c.SoftwareContext.Run(k, dst, src)
}

func (c *countingContext) Close() error {
	c.closed.Store(true)
	return nil
}

func registerCounting(t *testing.T, name Backend) **countingContext {
	t.Helper()
	var last *countingContext
	Register(name, func() (Context, error) {
		last = &countingContext{SoftwareContext: NewSoftwareContext(2), backend: name}
		return last, nil
	})
	return &last
}

func testFrame(w, h int) media.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 7), uint8(y * 11), uint8(x + y), 255})
		}
	}
	return media.NewFrame(img, 0, 1)
}

func TestNewPipeline_falls_back_to_software(t *testing.T) {
	p, err := NewPipeline(nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	defer p.Close()
	if p.Backend() != BackendSoftware {
		t.Errorf("expected software fallback, got %q", p.Backend())
	}
}

func TestNewPipeline_unsupported_backend(t *testing.T) {
	_, err := NewPipeline([]Backend{BackendMetal, "vulkan"}, nil)
	if !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
}

func TestFilter_Apply_preserves_dimensions(t *testing.T) {
	p, err := NewPipeline([]Backend{BackendSoftware}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	src := testFrame(37, 23)
	orig := append([]byte(nil), src.Data...)
	for _, typ := range Types() {
		t.Run(typ.Key(), func(t *testing.T) {
			f, err := p.CreateFilter(typ)
			if err != nil {
				t.Fatalf("CreateFilter: %v", err)
			}
			defer f.Close()
			out, err := f.Apply(src)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if out.Width != src.Width || out.Height != src.Height {
				t.Errorf("dimensions changed: %dx%d", out.Width, out.Height)
			}
			if out.Seq != src.Seq || out.Timestamp != src.Timestamp {
				t.Error("timing not preserved")
			}
			for i := range orig {
				if src.Data[i] != orig[i] {
					t.Fatal("source frame was modified")
				}
			}
		})
	}
}

func TestFilter_Apply_grayscale(t *testing.T) {
	p, _ := NewPipeline([]Backend{BackendSoftware}, nil)
	defer p.Close()
	f, _ := p.CreateFilter(Grayscale)

	out, err := f.Apply(testFrame(4, 4))
	if err != nil {
		t.Fatal(err)
	}
	img, _ := out.RGBA()
	c := img.RGBAAt(3, 2)
	if c.R != c.G || c.G != c.B {
		t.Errorf("expected gray pixel, got %v", c)
	}
}

func TestFilter_Apply_bgra_input(t *testing.T) {
	p, _ := NewPipeline([]Backend{BackendSoftware}, nil)
	defer p.Close()
	f, _ := p.CreateFilter(MirrorTwo)

	frame := media.Frame{Data: []byte{0, 0, 255, 255, 255, 0, 0, 255}, Width: 2, Height: 1, Format: media.FormatBGRA}
	out, err := f.Apply(frame)
	if err != nil {
		t.Fatal(err)
	}
	img, _ := out.RGBA()
	if img.RGBAAt(1, 0) != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("mirror of red pixel: got %v", img.RGBAAt(1, 0))
	}
}

func TestFilter_Apply_unsupported_frame_format(t *testing.T) {
	p, _ := NewPipeline([]Backend{BackendSoftware}, nil)
	defer p.Close()
	f, _ := p.CreateFilter(Lego)

	frame := media.Frame{Data: make([]byte, 64), Width: 8, Height: 4, Format: media.FormatNV12}
	out, err := f.Apply(frame)
	if !errors.Is(err, ErrUnsupportedFrameFormat) {
		t.Fatalf("expected ErrUnsupportedFrameFormat, got %v", err)
	}
	if out.Format != media.FormatNV12 {
		t.Error("the unfiltered frame should be returned for substitution")
	}
}

func TestPipeline_SetPreference_rebuilds_context(t *testing.T) {
	first := registerCounting(t, "test-first")
	second := registerCounting(t, "test-second")

	p, err := NewPipeline([]Backend{"test-first"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	f, _ := p.CreateFilter(Toon)
	if _, err := f.Apply(testFrame(8, 8)); err != nil {
		t.Fatal(err)
	}

	if err := p.SetPreference([]Backend{"test-second"}); err != nil {
		t.Fatal(err)
	}
	if (*first).closed.Load() {
		t.Error("old context closed while a filter still holds it")
	}
	if _, err := f.Apply(testFrame(8, 8)); err != nil {
		t.Fatal(err)
	}
	if !(*first).closed.Load() {
		t.Error("old context should close once its last filter rebinds")
	}
	if f.Backend() != "test-second" {
		t.Errorf("filter should rebind, got %q", f.Backend())
	}
	if (*second).runs.Load() != 1 {
		t.Errorf("second context runs: %d", (*second).runs.Load())
	}
}

func TestPipeline_context_refcount(t *testing.T) {
	t.Run("last_filter_release_closes", func(t *testing.T) {
		ctx := registerCounting(t, "test-refcount")
		p, err := NewPipeline([]Backend{"test-refcount"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		a, _ := p.CreateFilter(Grayscale)
		b, _ := p.CreateFilter(Film)

		p.Close()
		if (*ctx).closed.Load() {
			t.Fatal("context closed while filters still hold it")
		}
		a.Close()
		if (*ctx).closed.Load() {
			t.Fatal("context closed while one filter still holds it")
		}
		b.Close()
		if !(*ctx).closed.Load() {
			t.Error("context should close with its last filter")
		}
	})

	t.Run("rebuild_without_filters_closes", func(t *testing.T) {
		first := registerCounting(t, "test-refcount-a")
		registerCounting(t, "test-refcount-b")
		p, err := NewPipeline([]Backend{"test-refcount-a"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer p.Close()
		f, _ := p.CreateFilter(Toon)
		f.Close()
		if (*first).closed.Load() {
			t.Fatal("pipeline still holds the active context")
		}
		if err := p.SetPreference([]Backend{"test-refcount-b"}); err != nil {
			t.Fatal(err)
		}
		if !(*first).closed.Load() {
			t.Error("unreferenced context should close on rebuild")
		}
	})

	t.Run("apply_after_pipeline_close_releases", func(t *testing.T) {
		ctx := registerCounting(t, "test-refcount-c")
		p, err := NewPipeline([]Backend{"test-refcount-c"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		f, _ := p.CreateFilter(Lego)
		p.Close()
		if _, err := f.Apply(testFrame(2, 2)); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
		if !(*ctx).closed.Load() {
			t.Error("failed Apply should release the filter's reference")
		}
		f.Close()
	})
}

func TestPipeline_SetPreference_failure_keeps_context(t *testing.T) {
	p, _ := NewPipeline([]Backend{BackendSoftware}, nil)
	defer p.Close()
	if err := p.SetPreference([]Backend{BackendOpenGL}); !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("expected ErrUnsupportedBackend, got %v", err)
	}
	if p.Backend() != BackendSoftware {
		t.Errorf("previous context should stay active, got %q", p.Backend())
	}
}

func TestFilter_Close(t *testing.T) {
	p, _ := NewPipeline([]Backend{BackendSoftware}, nil)
	f, _ := p.CreateFilter(Film)
	f.Close()
	if _, err := f.Apply(testFrame(2, 2)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	g, _ := p.CreateFilter(Film)
	p.Close()
	if _, err := g.Apply(testFrame(2, 2)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after pipeline close, got %v", err)
	}
}

func TestType_Key(t *testing.T) {
	if Lego.Key() != "lego" {
		t.Errorf("Lego.Key() = %q", Lego.Key())
	}
	typ, err := ParseType("mirrorFour")
	if err != nil || typ != MirrorFour {
		t.Errorf("ParseType: %v %v", typ, err)
	}
	if _, err := ParseType("sparkle"); err == nil {
		t.Error("expected error for unknown key")
	}
}
