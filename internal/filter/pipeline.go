// Package filter implements the per-frame filter pipeline and its backend
// selection.
package filter

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"kanvas-composer/internal/media"
)

// Pipeline owns one active Context, chosen from an ordered preference list
// when the pipeline is built or the preference changes.
type Pipeline struct {
	log *slog.Logger

	mu         sync.RWMutex
	preference []Backend
	ctx        *shared // holds one reference while active
	generation int
	closed     bool
}

// NewPipeline resolves preference to the first backend whose context
// initializes. An empty preference uses DefaultPreference.
func NewPipeline(preference []Backend, log *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{log: log}
	if err := p.SetPreference(preference); err != nil {
		return nil, err
	}
	return p, nil
}

// resolve walks the preference list in order.
func resolve(preference []Backend, log *slog.Logger) (Context, error) {
	var errs []error
	for _, b := range preference {
		f, ok := lookup(b)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: not registered", b))
			continue
		}
		ctx, err := f()
		if err != nil {
			if log != nil {
				log.Info("filter backend unavailable, trying next",
					slog.String("backend", string(b)),
					slog.String("error", err.Error()))
			}
			errs = append(errs, err)
			continue
		}
		return ctx, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedBackend, errors.Join(errs...))
}

// shared counts the holders of a Context: the pipeline while the context
// is active, every filter bound to it, and every Apply in flight. The last
// release closes the context.
type shared struct {
	Context
	refs atomic.Int32
	log  *slog.Logger
}

func newShared(ctx Context, log *slog.Logger) *shared {
	s := &shared{Context: ctx, log: log}
	s.refs.Store(1)
	return s
}

func (s *shared) acquire() *shared {
	s.refs.Add(1)
	return s
}

func (s *shared) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	if err := s.Context.Close(); err != nil && s.log != nil {
		s.log.Warn("closing filter context",
			slog.String("backend", string(s.Backend())),
			slog.String("error", err.Error()))
	}
}

// SetPreference rebuilds the context from a new preference list. The
// pipeline drops its reference to the old context, which closes once every
// filter bound to it has rebound (on its next Apply) or been released.
// On failure the previous context stays active.
func (p *Pipeline) SetPreference(preference []Backend) error {
	if len(preference) == 0 {
		preference = DefaultPreference
	}
	ctx, err := resolve(preference, p.log)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ctx.Close()
		return ErrClosed
	}
	old := p.ctx
	p.ctx = newShared(ctx, p.log)
	p.preference = append([]Backend(nil), preference...)
	p.generation++
	p.mu.Unlock()

	if old != nil {
		old.release()
	}
	if p.log != nil {
		p.log.Debug("filter backend selected", slog.String("backend", string(ctx.Backend())))
	}
	return nil
}

// Backend reports the backend of the active context.
func (p *Pipeline) Backend() Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx == nil {
		return ""
	}
	return p.ctx.Backend()
}

// Close drops the pipeline's reference to the active context. Filters fail
// with ErrClosed afterwards and release their own references.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ctx := p.ctx
	p.ctx = nil
	p.mu.Unlock()
	if ctx != nil {
		ctx.release()
	}
	return nil
}

// acquire takes a reference on the active context. The pipeline's own
// reference keeps the count above zero while the read lock is held.
func (p *Pipeline) acquire() (*shared, int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.ctx == nil {
		return nil, 0, ErrClosed
	}
	return p.ctx.acquire(), p.generation, nil
}

func (p *Pipeline) currentGeneration() (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation, p.closed || p.ctx == nil
}

// CreateFilter binds a filter of type t to the active context.
func (p *Pipeline) CreateFilter(t Type) (*Filter, error) {
	if t != Passthrough && t.kernel() == nil {
		return nil, fmt.Errorf("filter: unknown type %d", int(t))
	}
	ctx, gen, err := p.acquire()
	if err != nil {
		return nil, err
	}
	return &Filter{typ: t, pipeline: p, ctx: ctx, generation: gen}, nil
}

// Filter is one filter instance holding a reference on a pipeline context.
type Filter struct {
	typ      Type
	pipeline *Pipeline

	mu         sync.Mutex
	ctx        *shared
	generation int
	closed     bool
}

// Type returns the filter's effect.
func (f *Filter) Type() Type { return f.typ }

// Backend returns the backend the filter is currently bound to.
func (f *Filter) Backend() Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx == nil {
		return ""
	}
	return f.ctx.Backend()
}

// Apply filters one frame. The result has the source's dimensions,
// timestamp and sequence; the source frame is never modified.
func (f *Filter) Apply(frame media.Frame) (media.Frame, error) {
	if frame.Format.BytesPerPixel() != 4 {
		return frame, fmt.Errorf("%w: %s", ErrUnsupportedFrameFormat, frame.Format)
	}
	ctx, err := f.bind()
	if err != nil {
		return frame, err
	}
	defer ctx.release()
	if f.typ == Passthrough {
		return frame, nil
	}

	src, err := frame.RGBA()
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrUnsupportedFrameFormat, err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	if err := ctx.Run(f.typ.kernel(), dst, src); err != nil {
		return frame, fmt.Errorf("filter %s: %w", f.typ, err)
	}

	out := media.NewFrame(dst, frame.Timestamp, frame.Seq)
	out.Item = frame.Item
	return out, nil
}

// bind returns the context to run on with a reference held for the call,
// moving the filter's own reference across a pipeline rebuild.
func (f *Filter) bind() (*shared, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	gen, gone := f.pipeline.currentGeneration()
	if gone {
		f.drop()
		return nil, ErrClosed
	}
	if gen != f.generation {
		ctx, gen, err := f.pipeline.acquire()
		if err != nil {
			f.drop()
			return nil, err
		}
		f.drop()
		f.ctx, f.generation = ctx, gen
	}
	return f.ctx.acquire(), nil
}

// drop releases the filter's reference. Callers hold f.mu.
func (f *Filter) drop() {
	if f.ctx != nil {
		f.ctx.release()
		f.ctx = nil
	}
}

// Close releases the instance and its context reference. Apply fails with
// ErrClosed afterwards.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.drop()
}
