package filter

import "fmt"

// Headless builds link no GPU driver: the metal and opengl factories always
// fail and the default preference list falls through to software.
func init() {
	for _, b := range []Backend{BackendMetal, BackendOpenGL} {
		b := b
		Register(b, func() (Context, error) {
			return nil, fmt.Errorf("%w: %s driver not linked", ErrContextUnavailable, b)
		})
	}
}
