package segment

import (
	"errors"
	"image"
	"strings"
	"testing"
	"time"
)

func ids(segs []Segment) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = IDOf(s)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newFilled(n int) *Store {
	s, _ := NewStore()
	for i := 0; i < n; i++ {
		_ = s.Append(VideoClip{ID: string(rune('a' + i)), Path: "/clip.mp4", Duration: time.Second})
	}
	return s
}

func TestStore_Append_and_snapshot(t *testing.T) {
	s := newFilled(2)
	snap := s.Segments()
	_ = s.Append(Image{ID: "z", Path: "/z.png"})

	if len(snap) != 2 {
		t.Errorf("snapshot should not see later appends, len %d", len(snap))
	}
	if s.Len() != 3 {
		t.Errorf("Len: got %d", s.Len())
	}
}

func TestNewStore_reports_invalid(t *testing.T) {
	s, err := NewStore(
		Image{ID: "a", Path: "/a.png"},
		VideoClip{ID: "lost"},
		nil,
		VideoClip{ID: "b", Path: "/b.mp4", Duration: time.Second},
	)
	if !errors.Is(err, ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
	if !strings.Contains(err.Error(), `segment 1 ("lost")`) || !strings.Contains(err.Error(), "segment 2") {
		t.Errorf("error should name each dropped segment: %v", err)
	}
	if got := ids(s.Segments()); !equal(got, []string{"a", "b"}) {
		t.Errorf("valid segments kept in order: %v", got)
	}

	t.Run("all_valid", func(t *testing.T) {
		s, err := NewStore(Image{ID: "a", Path: "/a.png"})
		if err != nil || s.Len() != 1 {
			t.Errorf("got %d segments, %v", s.Len(), err)
		}
	})
}

func TestStore_Append_invalid(t *testing.T) {
	s, _ := NewStore()
	if err := s.Append(nil); !errors.Is(err, ErrInvalidSegment) {
		t.Errorf("nil segment: %v", err)
	}
	if err := s.Append(Image{ID: "x"}); !errors.Is(err, ErrInvalidSegment) {
		t.Errorf("image without media: %v", err)
	}
	if err := s.Append(Image{ID: "m", Still: image.NewRGBA(image.Rect(0, 0, 1, 1))}); err != nil {
		t.Errorf("in-memory still should be accepted: %v", err)
	}
}

func TestStore_Remove(t *testing.T) {
	s := newFilled(3)

	t.Run("reindexes", func(t *testing.T) {
		removed, err := s.Remove(1)
		if err != nil {
			t.Fatal(err)
		}
		if IDOf(removed) != "b" {
			t.Errorf("removed %q", IDOf(removed))
		}
		if got := ids(s.Segments()); !equal(got, []string{"a", "c"}) {
			t.Errorf("got %v", got)
		}
	})

	t.Run("out_of_range", func(t *testing.T) {
		if _, err := s.Remove(2); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("expected ErrIndexOutOfRange, got %v", err)
		}
		if _, err := s.Remove(-1); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("expected ErrIndexOutOfRange, got %v", err)
		}
	})
}

func TestStore_Replace(t *testing.T) {
	s := newFilled(2)
	old, err := s.Replace(0, Image{ID: "img", Path: "/i.png"})
	if err != nil {
		t.Fatal(err)
	}
	if IDOf(old) != "a" {
		t.Errorf("old: %q", IDOf(old))
	}
	if got := ids(s.Segments()); !equal(got, []string{"img", "b"}) {
		t.Errorf("got %v", got)
	}
	if _, err := s.Replace(5, Image{ID: "x", Path: "/x.png"}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestStore_Insert(t *testing.T) {
	s := newFilled(2)
	if err := s.Insert(2, Image{ID: "end", Path: "/e.png"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(0, Image{ID: "start", Path: "/s.png"}); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Segments()); !equal(got, []string{"start", "a", "b", "end"}) {
		t.Errorf("got %v", got)
	}
	if err := s.Insert(9, Image{ID: "x", Path: "/x.png"}); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestStore_Move(t *testing.T) {
	cases := []struct {
		name     string
		from, to int
		want     []string
	}{
		{"forward", 0, 3, []string{"b", "c", "d", "a", "e"}},
		{"backward", 4, 1, []string{"a", "e", "b", "c", "d"}},
		{"same_index", 2, 2, []string{"a", "b", "c", "d", "e"}},
		{"adjacent", 1, 2, []string{"a", "c", "b", "d", "e"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newFilled(5)
			moved, _ := s.At(tc.from)
			if err := s.Move(tc.from, tc.to); err != nil {
				t.Fatal(err)
			}
			got := ids(s.Segments())
			if !equal(got, tc.want) {
				t.Errorf("got %v want %v", got, tc.want)
			}
			if got[tc.to] != IDOf(moved) {
				t.Errorf("moved item should land at %d", tc.to)
			}
		})
	}

	s := newFilled(2)
	if err := s.Move(0, 2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestPlayDuration(t *testing.T) {
	clip := VideoClip{ID: "c", Path: "/c.mp4", Duration: 3 * time.Second}
	if got := PlayDuration(clip, time.Second); got != 3*time.Second {
		t.Errorf("clip: %v", got)
	}
	clip.Trim = Trim{Start: 500 * time.Millisecond, End: 2 * time.Second}
	if got := PlayDuration(clip, time.Second); got != 1500*time.Millisecond {
		t.Errorf("trimmed clip: %v", got)
	}
	clip.Trim = Trim{Start: 5 * time.Second}
	if got := PlayDuration(clip, time.Second); got != 0 {
		t.Errorf("trim past end: %v", got)
	}
	if got := PlayDuration(Image{ID: "i", Path: "/i.png"}, 1500*time.Millisecond); got != 1500*time.Millisecond {
		t.Errorf("image: %v", got)
	}
}
