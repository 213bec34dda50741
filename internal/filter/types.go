package filter

import "fmt"

// Type identifies a filter effect.
type Type int

const (
	Passthrough Type = iota
	Grayscale
	Manga
	Lego
	Film
	RGB
	MirrorTwo
	MirrorFour
	Toon
)

var typeKeys = [...]string{
	Passthrough: "passthrough",
	Grayscale:   "grayscale",
	Manga:       "manga",
	Lego:        "lego",
	Film:        "film",
	RGB:         "rgb",
	MirrorTwo:   "mirrorTwo",
	MirrorFour:  "mirrorFour",
	Toon:        "toon",
}

// Key returns the stable identifier used in settings and the API.
func (t Type) Key() string {
	if t < 0 || int(t) >= len(typeKeys) {
		return fmt.Sprintf("filter(%d)", int(t))
	}
	return typeKeys[t]
}

func (t Type) String() string { return t.Key() }

// ParseType inverts Key.
func ParseType(key string) (Type, error) {
	for i, k := range typeKeys {
		if k == key {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("filter: unknown type %q", key)
}

// Types lists every filter type in declaration order.
func Types() []Type {
	out := make([]Type, len(typeKeys))
	for i := range typeKeys {
		out[i] = Type(i)
	}
	return out
}

func (t Type) kernel() Kernel {
	switch t {
	case Grayscale:
		return grayscaleKernel
	case Manga:
		return mangaKernel
	case Lego:
		return legoKernel
	case Film:
		return filmKernel
	case RGB:
		return rgbSplitKernel
	case MirrorTwo:
		return mirrorKernel(true, false)
	case MirrorFour:
		return mirrorKernel(true, true)
	case Toon:
		return toonKernel
	}
	return nil
}
