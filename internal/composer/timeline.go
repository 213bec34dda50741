package composer

import (
	"fmt"
	"strings"
	"time"

	"kanvas-composer/internal/media"
	"kanvas-composer/internal/segment"
)

// Entry places one segment on the merged timeline.
type Entry struct {
	Index    int           `json:"index"`
	ID       string        `json:"id"`
	Kind     media.Kind    `json:"kind"`
	Path     string        `json:"path,omitempty"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

// Timeline is the ordered layout of a merge.
type Timeline struct {
	Entries []Entry       `json:"entries"`
	Total   time.Duration `json:"total"`
}

// BuildTimeline lays segments end to end in store order. Stills occupy
// imageDuration, clips their trimmed length.
func BuildTimeline(segs []segment.Segment, imageDuration time.Duration) Timeline {
	tl := Timeline{Entries: make([]Entry, 0, len(segs))}
	for i, s := range segs {
		e := Entry{Index: i, ID: segment.IDOf(s), Start: tl.Total, Duration: segment.PlayDuration(s, imageDuration)}
		switch v := s.(type) {
		case segment.Image:
			e.Kind, e.Path = media.KindImage, v.Path
		case segment.VideoClip:
			e.Kind, e.Path = media.KindVideo, v.Path
		}
		tl.Entries = append(tl.Entries, e)
		tl.Total += e.Duration
	}
	return tl
}

// Longest returns the longest entry duration, or zero for an empty timeline.
func (tl Timeline) Longest() time.Duration {
	var longest time.Duration
	for _, e := range tl.Entries {
		longest = max(longest, e.Duration)
	}
	return longest
}

// String renders the timeline as a small text manifest, one entry per line.
func (tl Timeline) String() string {
	var b strings.Builder
	b.WriteString("#KANVAS-TIMELINE\n")
	fmt.Fprintf(&b, "#TOTAL:%.3f\n", tl.Total.Seconds())
	for _, e := range tl.Entries {
		fmt.Fprintf(&b, "#ENTRY:%d,%s,%.3f,%.3f\n", e.Index, e.Kind, e.Start.Seconds(), e.Duration.Seconds())
		if e.Path != "" {
			b.WriteString(e.Path)
			b.WriteString("\n")
		}
	}
	return b.String()
}
