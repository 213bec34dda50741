// Package render runs the live frame loop: source, filter, presentation
// surfaces and an optional recording sink.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/lifecycle"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/platform/logger"
	"kanvas-composer/internal/platform/metrics"
)

// ErrInvalidState is returned for a transition the current state does not allow.
var ErrInvalidState = errors.New("render: invalid renderer state")

// State of a Renderer. Stopped is terminal.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Renderer pulls frames from a Source on its own goroutine and pushes them
// through the active filter to the presenter and sink.
type Renderer struct {
	presenter *Presenter
	log       *slog.Logger
	metrics   *metrics.Metrics
	sub       *lifecycle.Subscription

	mu         sync.Mutex
	state      State
	src        Source
	filter     *filter.Filter
	sink       FrameSink
	wake       chan struct{} // closed when leaving StatePaused
	suspended  bool          // device released by a lifecycle event
	wasPlaying bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// New returns an idle renderer subscribed to bus. Metrics may be nil.
func New(bus *lifecycle.Bus, presenter *Presenter, log *slog.Logger, m *metrics.Metrics) *Renderer {
	if log == nil {
		log = logger.Discard()
	}
	r := &Renderer{presenter: presenter, log: log, metrics: m}
	if bus != nil {
		r.sub = bus.Subscribe(r.onLifecycle)
	}
	return r
}

// State returns the current state.
func (r *Renderer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetFilter replaces the filter applied to each frame. nil renders unfiltered.
func (r *Renderer) SetFilter(f *filter.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = f
}

// SetSink attaches a sink that receives every presented frame. nil detaches.
func (r *Renderer) SetSink(s FrameSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// Start acquires src and begins the frame loop. A device that cannot be
// acquired leaves the renderer idle.
func (r *Renderer) Start(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, r.state)
	}
	if err := src.Acquire(); err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.src = src
	r.state = StatePlaying
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, src, r.done)

	r.log.Info("renderer started", slog.Int("fps", src.FrameRate()))
	return nil
}

// Pause holds the loop without releasing the device.
func (r *Renderer) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePlaying {
		return fmt.Errorf("%w: pause while %s", ErrInvalidState, r.state)
	}
	r.pauseLocked()
	return nil
}

func (r *Renderer) pauseLocked() {
	r.state = StatePaused
	r.wake = make(chan struct{})
}

// Resume continues a paused renderer, re-acquiring the device if a
// lifecycle event released it.
func (r *Renderer) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, r.state)
	}
	if r.suspended {
		if err := r.src.Acquire(); err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		r.suspended = false
	}
	r.resumeLocked()
	return nil
}

func (r *Renderer) resumeLocked() {
	r.state = StatePlaying
	close(r.wake)
}

// Stop ends the loop and releases the device. Stopping twice is a no-op.
func (r *Renderer) Stop() error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	prev := r.state
	r.state = StateStopped
	cancel, done, src, suspended := r.cancel, r.done, r.src, r.suspended
	r.mu.Unlock()

	if prev == StateIdle {
		return nil
	}
	cancel()
	<-done
	r.log.Info("renderer stopped")
	if suspended {
		return nil
	}
	return src.Release()
}

// Close stops the renderer and drops its lifecycle subscription.
func (r *Renderer) Close() error {
	err := r.Stop()
	if r.sub != nil {
		r.sub.Close()
	}
	return err
}

func (r *Renderer) onLifecycle(e lifecycle.Event) {
	switch e {
	case lifecycle.WillResignActive:
		r.suspend()
	case lifecycle.DidBecomeActive:
		r.restore()
	}
}

func (r *Renderer) suspend() {
	r.mu.Lock()
	if r.suspended || (r.state != StatePlaying && r.state != StatePaused) {
		r.mu.Unlock()
		return
	}
	r.wasPlaying = r.state == StatePlaying
	if r.wasPlaying {
		r.pauseLocked()
	}
	r.suspended = true
	src := r.src
	r.mu.Unlock()

	if err := src.Release(); err != nil {
		r.log.Warn("release device failed", slog.String("error", err.Error()))
	}
	r.log.Info("renderer suspended")
}

func (r *Renderer) restore() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.suspended || r.state != StatePaused {
		return
	}
	if err := r.src.Acquire(); err != nil {
		r.log.Error("re-acquire device failed", slog.String("error", err.Error()))
		return
	}
	r.suspended = false
	if r.wasPlaying {
		r.resumeLocked()
	}
	r.log.Info("renderer restored", slog.Bool("playing", r.wasPlaying))
}

// waitPlaying blocks while paused and reports whether the loop should go on.
func (r *Renderer) waitPlaying(ctx context.Context) bool {
	r.mu.Lock()
	for r.state == StatePaused {
		wake := r.wake
		r.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return false
		}
		r.mu.Lock()
	}
	playing := r.state == StatePlaying
	r.mu.Unlock()
	return playing
}

func (r *Renderer) loop(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)
	for r.waitPlaying(ctx) {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if r.State() == StatePaused {
				continue
			}
			if errors.Is(err, io.EOF) {
				r.log.Info("source exhausted")
			} else {
				r.log.Error("read frame failed", slog.String("error", err.Error()))
			}
			go r.Stop()
			return
		}
		if r.State() != StatePlaying {
			continue
		}
		r.render(frame)
	}
}

func (r *Renderer) render(frame media.Frame) {
	r.mu.Lock()
	f, sink := r.filter, r.sink
	r.mu.Unlock()

	out := frame
	if f != nil {
		filtered, err := f.Apply(frame)
		switch {
		case err == nil:
			out = filtered
		case errors.Is(err, filter.ErrUnsupportedFrameFormat):
			r.fallback("unsupported_format")
		default:
			r.log.Warn("filter failed", slog.Uint64("seq", frame.Seq), slog.String("error", err.Error()))
			r.fallback("filter_error")
		}
	}

	if err := r.presenter.Present(out); err != nil {
		r.log.Warn("present failed", slog.Uint64("seq", out.Seq), slog.String("error", err.Error()))
	}
	if sink != nil {
		sink.Consume(out)
	}
	if r.metrics != nil {
		r.metrics.IncFramesRendered()
	}
}

func (r *Renderer) fallback(reason string) {
	if r.metrics != nil {
		r.metrics.IncFilterFallback(reason)
	}
}
