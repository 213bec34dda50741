package render

import (
	"sync"

	"kanvas-composer/internal/media"
)

// Surface is a presentation layer. Opacity changes apply immediately.
type Surface interface {
	Present(f media.Frame) error
	SetOpacity(alpha float64)
}

// FrameSink receives every presented frame, e.g. a recorder.
type FrameSink interface {
	Consume(f media.Frame)
}

// Presenter drives two stacked surfaces. Exactly one is visible; a change of
// media item cuts to the other surface so the next item never shows a
// partially updated picture.
type Presenter struct {
	surfaces [2]Surface

	mu      sync.Mutex
	active  int
	item    int
	started bool
}

// NewPresenter shows first and hides second.
func NewPresenter(first, second Surface) *Presenter {
	p := &Presenter{surfaces: [2]Surface{first, second}}
	p.show(0)
	return p
}

func (p *Presenter) show(i int) {
	p.active = i
	p.surfaces[i].SetOpacity(1)
	p.surfaces[1-i].SetOpacity(0)
}

// ShowFirst makes the first surface visible.
func (p *Presenter) ShowFirst() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.show(0)
}

// ShowSecond makes the second surface visible.
func (p *Presenter) ShowSecond() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.show(1)
}

// Active returns 0 or 1 for the visible surface.
func (p *Presenter) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Present draws f on the visible surface, cutting over first when f belongs
// to a different media item than the previous frame.
func (p *Presenter) Present(f media.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started && f.Item != p.item {
		next := 1 - p.active
		if err := p.surfaces[next].Present(f); err != nil {
			return err
		}
		p.show(next)
		p.item = f.Item
		return nil
	}
	p.started = true
	p.item = f.Item
	return p.surfaces[p.active].Present(f)
}
