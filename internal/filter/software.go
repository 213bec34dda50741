package filter

import (
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"
)

func init() {
	Register(BackendSoftware, func() (Context, error) {
		return NewSoftwareContext(runtime.GOMAXPROCS(0)), nil
	})
}

// SoftwareContext runs kernels on the CPU, splitting the frame into
// horizontal bands processed in parallel.
type SoftwareContext struct {
	bands int
}

// NewSoftwareContext returns a context that uses up to bands goroutines per frame.
func NewSoftwareContext(bands int) *SoftwareContext {
	if bands < 1 {
		bands = 1
	}
	return &SoftwareContext{bands: bands}
}

// Backend implements Context.
func (c *SoftwareContext) Backend() Backend { return BackendSoftware }

// Run implements Context.
func (c *SoftwareContext) Run(k Kernel, dst, src *image.RGBA) error {
	h := src.Bounds().Dy()
	bands := c.bands
	if bands > h {
		bands = h
	}
	if bands <= 1 {
		k(dst, src, 0, h)
		return nil
	}

	step := (h + bands - 1) / bands
	var g errgroup.Group
	for y0 := 0; y0 < h; y0 += step {
		y0, y1 := y0, min(y0+step, h)
		g.Go(func() error {
			k(dst, src, y0, y1)
			return nil
		})
	}
	return g.Wait()
}

// Close implements Context.
func (c *SoftwareContext) Close() error { return nil }
