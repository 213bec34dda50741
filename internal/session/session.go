// Package session owns capture sessions: the ordered segment store, the
// export settings, and the single-writer rule between edits and exports.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kanvas-composer/internal/composer"
	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/segment"
)

var (
	// ErrExportInProgress is returned when a session is mutated or exported
	// while an export of it is running.
	ErrExportInProgress = errors.New("session: export in progress")

	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session: not found")
)

// Settings are the per-session capture and export options.
type Settings struct {
	OutputFormat                 composer.Format `json:"output_format"`
	Filter                       filter.Type     `json:"-"`
	Mode                         media.Mode      `json:"mode"`
	ExportStopMotionPhotoAsVideo bool            `json:"export_stop_motion_photo_as_video"`
	ImageDuration                time.Duration   `json:"image_duration"`
}

// Compose converts the settings for a merge.
func (s Settings) Compose() composer.Settings {
	return composer.Settings{
		OutputFormat:                 s.OutputFormat,
		ImageDuration:                s.ImageDuration,
		ExportStopMotionPhotoAsVideo: s.ExportStopMotionPhotoAsVideo,
	}
}

// Session is one capture session. All methods are safe for concurrent use.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	store     *segment.Store
	settings  Settings
	exporting bool
}

// New returns an empty session.
func New(id string, settings Settings) *Session {
	s, _ := Load(id, settings)
	return s
}

// Load returns a session holding segs. Segments that fail validation are
// dropped; the session is returned with the rest, alongside an error
// wrapping segment.ErrInvalidSegment that names each one dropped.
func Load(id string, settings Settings, segs ...segment.Segment) (*Session, error) {
	store, err := segment.NewStore(segs...)
	return &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		store:     store,
		settings:  settings,
	}, err
}

// Settings returns the current settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings replaces the settings.
func (s *Session) SetSettings(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
}

// Len returns the number of segments.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// Segments returns a snapshot of the segments in order.
func (s *Session) Segments() []segment.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Segments()
}

// Exporting reports whether an export holds the session.
func (s *Session) Exporting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exporting
}

// mutate runs fn under the lock unless an export is running.
func (s *Session) mutate(fn func(st *segment.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exporting {
		return ErrExportInProgress
	}
	return fn(s.store)
}

// Append adds seg at the end.
func (s *Session) Append(seg segment.Segment) error {
	if err := segment.Validate(seg); err != nil {
		return err
	}
	return s.mutate(func(st *segment.Store) error { return st.Append(seg) })
}

// Insert places seg at index i.
func (s *Session) Insert(i int, seg segment.Segment) error {
	if err := segment.Validate(seg); err != nil {
		return err
	}
	return s.mutate(func(st *segment.Store) error { return st.Insert(i, seg) })
}

// Remove deletes and returns the segment at i.
func (s *Session) Remove(i int) (segment.Segment, error) {
	var removed segment.Segment
	err := s.mutate(func(st *segment.Store) error {
		var err error
		removed, err = st.Remove(i)
		return err
	})
	return removed, err
}

// Replace swaps the segment at i and returns the old one.
func (s *Session) Replace(i int, seg segment.Segment) (segment.Segment, error) {
	if err := segment.Validate(seg); err != nil {
		return nil, err
	}
	var old segment.Segment
	err := s.mutate(func(st *segment.Store) error {
		var err error
		old, err = st.Replace(i, seg)
		return err
	})
	return old, err
}

// Move reorders one segment.
func (s *Session) Move(from, to int) error {
	return s.mutate(func(st *segment.Store) error { return st.Move(from, to) })
}

// BeginExport freezes the session and returns the snapshot to export along
// with the function that releases it. Edits fail with ErrExportInProgress
// until release is called; release may be called more than once.
func (s *Session) BeginExport() ([]segment.Segment, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exporting {
		return nil, nil, ErrExportInProgress
	}
	if s.store.Len() == 0 {
		return nil, nil, fmt.Errorf("session %s: %w", s.ID, composer.ErrEmptySession)
	}
	s.exporting = true
	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			s.exporting = false
			s.mu.Unlock()
		})
	}
	return s.store.Segments(), release, nil
}
