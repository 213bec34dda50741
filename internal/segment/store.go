// Package segment defines captured segments and the ordered store a session
// keeps them in.
package segment

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned by index-based operations outside [0, Len).
var ErrIndexOutOfRange = errors.New("segment: index out of range")

// Store is the ordered segment sequence of one session. It manages
// references only and never copies media bytes.
//
// Store is not safe for concurrent mutation; the owning session serializes
// edits against export.
type Store struct {
	segments []Segment
}

// NewStore returns a store holding segs in order. Invalid segments are
// left out and reported together in the error, which wraps
// ErrInvalidSegment; the store is usable either way.
func NewStore(segs ...Segment) (*Store, error) {
	s := &Store{}
	var errs []error
	for i, seg := range segs {
		if err := s.Append(seg); err != nil {
			errs = append(errs, fmt.Errorf("segment %d (%q): %w", i, IDOf(seg), err))
		}
	}
	return s, errors.Join(errs...)
}

// Len returns the number of segments.
func (s *Store) Len() int {
	return len(s.segments)
}

// Segments returns a snapshot of the sequence. Later edits do not affect it.
func (s *Store) Segments() []Segment {
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// At returns the segment at index i.
func (s *Store) At(i int) (Segment, error) {
	if err := s.check(i); err != nil {
		return nil, err
	}
	return s.segments[i], nil
}

// Append adds seg at the end.
func (s *Store) Append(seg Segment) error {
	if err := Validate(seg); err != nil {
		return err
	}
	s.segments = append(s.segments, seg)
	return nil
}

// Insert places seg at index i, shifting later segments. i may equal Len.
func (s *Store) Insert(i int, seg Segment) error {
	if i < 0 || i > len(s.segments) {
		return fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, i, len(s.segments))
	}
	if err := Validate(seg); err != nil {
		return err
	}
	s.segments = append(s.segments, nil)
	copy(s.segments[i+1:], s.segments[i:])
	s.segments[i] = seg
	return nil
}

// Remove deletes and returns the segment at index i.
func (s *Store) Remove(i int) (Segment, error) {
	if err := s.check(i); err != nil {
		return nil, err
	}
	removed := s.segments[i]
	copy(s.segments[i:], s.segments[i+1:])
	s.segments[len(s.segments)-1] = nil
	s.segments = s.segments[:len(s.segments)-1]
	return removed, nil
}

// Replace swaps the segment at index i and returns the previous one.
func (s *Store) Replace(i int, seg Segment) (Segment, error) {
	if err := s.check(i); err != nil {
		return nil, err
	}
	if err := Validate(seg); err != nil {
		return nil, err
	}
	old := s.segments[i]
	s.segments[i] = seg
	return old, nil
}

// Move relocates the segment at from so that it ends up at index to.
// Other segments keep their relative order.
func (s *Store) Move(from, to int) error {
	if err := s.check(from); err != nil {
		return err
	}
	if err := s.check(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	seg := s.segments[from]
	if from < to {
		copy(s.segments[from:to], s.segments[from+1:to+1])
	} else {
		copy(s.segments[to+1:from+1], s.segments[to:from])
	}
	s.segments[to] = seg
	return nil
}

func (s *Store) check(i int) error {
	if i < 0 || i >= len(s.segments) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s.segments))
	}
	return nil
}
