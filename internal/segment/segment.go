package segment

import (
	"errors"
	"image"
	"time"

	"kanvas-composer/internal/media"
)

// Segment is one captured unit: exactly one of Image or VideoClip.
// The unexported marker keeps the set of variants closed.
type Segment interface {
	segment()
}

// Image is a still frame, on disk and/or in memory.
type Image struct {
	ID    string
	Path  string      // encoded still on durable storage, may be empty for in-memory stills
	Still image.Image // decoded still, may be nil when Path is set

	// PairedClip is the clip recorded alongside a stop-motion photo. The
	// composer may return it instead of the still.
	PairedClip string
	Mode       media.Mode
	CapturedAt time.Time
}

// VideoClip references a recorded clip file.
type VideoClip struct {
	ID         string
	Path       string
	Poster     string // optional still path
	Duration   time.Duration
	Trim       Trim
	Mode       media.Mode
	CapturedAt time.Time
}

func (Image) segment()     {}
func (VideoClip) segment() {}

// Trim selects [Start, End) of a clip. A zero End means the end of the clip.
type Trim struct {
	Start time.Duration
	End   time.Duration
}

// Bounds clamps the trim range to a clip of length total.
func (t Trim) Bounds(total time.Duration) (start, end time.Duration) {
	start, end = t.Start, t.End
	if end <= 0 || end > total {
		end = total
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		start = end
	}
	return start, end
}

// ErrInvalidSegment is returned for a nil segment or one with no media.
var ErrInvalidSegment = errors.New("segment: invalid segment")

// Validate checks that the segment references media.
func Validate(s Segment) error {
	switch v := s.(type) {
	case Image:
		if v.Path == "" && v.Still == nil {
			return ErrInvalidSegment
		}
	case VideoClip:
		if v.Path == "" {
			return ErrInvalidSegment
		}
	default:
		return ErrInvalidSegment
	}
	return nil
}

// IDOf returns the segment's identifier.
func IDOf(s Segment) string {
	switch v := s.(type) {
	case Image:
		return v.ID
	case VideoClip:
		return v.ID
	}
	return ""
}

// PlayDuration is the time the segment occupies in a merged timeline:
// stills are held for imageDuration, clips play their trimmed range.
func PlayDuration(s Segment, imageDuration time.Duration) time.Duration {
	switch v := s.(type) {
	case Image:
		return imageDuration
	case VideoClip:
		start, end := v.Trim.Bounds(v.Duration)
		return end - start
	}
	return 0
}
