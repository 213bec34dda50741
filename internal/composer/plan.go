package composer

import "kanvas-composer/internal/segment"

// Action is what a merge request resolves to.
type Action int

const (
	// ActionMerge concatenates every segment into a new asset.
	ActionMerge Action = iota
	// ActionImage returns the single still as is.
	ActionImage
	// ActionPairedClip returns the clip recorded with a stop-motion photo.
	ActionPairedClip
)

func (a Action) String() string {
	switch a {
	case ActionImage:
		return "image"
	case ActionPairedClip:
		return "paired_clip"
	default:
		return "merge"
	}
}

// Plan decides whether segs need merging at all. It does no I/O.
func Plan(segs []segment.Segment, s Settings) (Action, error) {
	if len(segs) == 0 {
		return 0, ErrEmptySession
	}
	if len(segs) == 1 {
		if img, ok := segs[0].(segment.Image); ok {
			if s.ExportStopMotionPhotoAsVideo && img.PairedClip != "" {
				return ActionPairedClip, nil
			}
			return ActionImage, nil
		}
	}
	return ActionMerge, nil
}
