package filter

import (
	"errors"
	"image"
	"sort"
	"sync"
)

// Backend names a rendering API.
type Backend string

const (
	BackendMetal    Backend = "metal"
	BackendOpenGL   Backend = "opengl"
	BackendSoftware Backend = "software"
)

// DefaultPreference is tried in order when no preference is configured.
var DefaultPreference = []Backend{BackendMetal, BackendOpenGL, BackendSoftware}

var (
	// ErrUnsupportedBackend is returned when no backend in the preference
	// list yields a working context.
	ErrUnsupportedBackend = errors.New("filter: unsupported backend")

	// ErrContextUnavailable is returned by a factory whose API exists in
	// principle but cannot be initialized on this device.
	ErrContextUnavailable = errors.New("filter: context unavailable")

	// ErrUnsupportedFrameFormat is returned by Apply for frames the backend
	// cannot read. Callers present the unfiltered frame instead.
	ErrUnsupportedFrameFormat = errors.New("filter: unsupported frame format")

	// ErrClosed is returned by Apply after Close.
	ErrClosed = errors.New("filter: closed")
)

// Kernel writes rows [y0, y1) of dst from src. dst and src share bounds;
// kernels may read any row of src.
type Kernel func(dst, src *image.RGBA, y0, y1 int)

// Context is an execution context bound to one backend. It owns the
// backend's device resources until Close.
type Context interface {
	Backend() Backend
	Run(k Kernel, dst, src *image.RGBA) error
	Close() error
}

// Factory creates a Context. It returns an error wrapping
// ErrContextUnavailable when the device does not support the backend.
type Factory func() (Context, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[Backend]Factory)
)

// Register makes a backend available to pipelines. Registering a name again
// replaces the earlier factory, which is how a host with a real GPU driver
// overrides the headless stubs.
func Register(b Backend, f Factory) {
	if f == nil {
		panic("filter: Register factory is nil")
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[b] = f
}

// Backends lists registered backends, sorted by name.
func Backends() []Backend {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]Backend, 0, len(factories))
	for b := range factories {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func lookup(b Backend) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[b]
	return f, ok
}

// ParseBackends converts configuration strings into a preference list.
func ParseBackends(names []string) []Backend {
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		out = append(out, Backend(n))
	}
	return out
}
