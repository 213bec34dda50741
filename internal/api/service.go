// Package api exposes the capture engine over HTTP: sessions, recording,
// live rendering, exports and the lifecycle bus.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"kanvas-composer/internal/catalog"
	"kanvas-composer/internal/composer"
	"kanvas-composer/internal/container"
	"kanvas-composer/internal/dispatch"
	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/lifecycle"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/metadata"
	"kanvas-composer/internal/platform/logger"
	"kanvas-composer/internal/platform/metrics"
	"kanvas-composer/internal/preview"
	"kanvas-composer/internal/recorder"
	"kanvas-composer/internal/render"
	"kanvas-composer/internal/segment"
	"kanvas-composer/internal/session"
	"kanvas-composer/internal/storage"
)

var (
	// ErrInvalidPath is returned for metadata lookups outside the media root.
	ErrInvalidPath = errors.New("api: path outside media directory")

	// ErrUnknownSource is returned for an unknown renderer source name.
	ErrUnknownSource = errors.New("api: unknown renderer source")
)

// Options are the engine parameters the service applies to new sessions
// and devices.
type Options struct {
	MediaRoot   string
	FrameRate   int
	FrameWidth  int
	FrameHeight int

	ExportStopMotionPhotoAsVideo bool // default for sessions that do not say
}

// Deps are the shared engine components.
type Deps struct {
	Manager    *session.Manager
	Catalog    *catalog.Catalog // optional
	Storage    storage.Storage
	Composer   *composer.Composer
	Tagger     *metadata.Tagger
	Pipeline   *filter.Pipeline
	Bus        *lifecycle.Bus
	Dispatcher dispatch.Dispatcher
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// rig is the live capture chain of one session.
type rig struct {
	recorder  *recorder.Recorder
	renderer  *render.Renderer
	presenter *render.Presenter
	hub       *preview.Hub
	filter    *filter.Filter
}

// Service coordinates sessions with their capture rigs.
type Service struct {
	opts Options
	Deps

	mu   sync.Mutex
	rigs map[string]*rig
}

// NewService returns a service over deps.
func NewService(opts Options, deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 30
	}
	return &Service{opts: opts, Deps: deps, rigs: make(map[string]*rig)}
}

// Restore loads the sessions stored in the catalog into the manager.
func (s *Service) Restore() (int, error) {
	if s.Catalog == nil {
		return 0, nil
	}
	sessions, err := s.Catalog.LoadSessions()
	switch {
	case errors.Is(err, segment.ErrInvalidSegment):
		s.Log.Warn("catalog segments dropped on restore", slog.String("error", err.Error()))
	case err != nil:
		return 0, err
	}
	for _, sess := range sessions {
		s.Manager.Add(sess)
	}
	return len(sessions), nil
}

func (s *Service) persist(sess *session.Session) {
	if s.Catalog == nil {
		return
	}
	if err := s.Catalog.SaveSession(sess); err != nil {
		s.Log.Error("catalog save failed", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
}

// CreateSession registers a new session.
func (s *Service) CreateSession(settings session.Settings) *session.Session {
	sess := s.Manager.Create(settings)
	s.persist(sess)
	s.Log.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("output_format", string(sess.Settings().OutputFormat)))
	return sess
}

// DeleteSession tears down the session's rig and forgets it.
func (s *Service) DeleteSession(id string) error {
	if _, err := s.Manager.Get(id); err != nil {
		return err
	}
	s.mu.Lock()
	r := s.rigs[id]
	delete(s.rigs, id)
	s.mu.Unlock()
	if r != nil {
		r.close()
	}
	s.Manager.Delete(id)
	if s.Catalog != nil {
		return s.Catalog.DeleteSession(id)
	}
	return nil
}

// Session returns the session with the given ID.
func (s *Service) Session(id string) (*session.Session, error) {
	return s.Manager.Get(id)
}

// rig returns the session's capture chain, building it on first use.
func (s *Service) rig(id string) (*rig, *session.Session, error) {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rigs[id]; ok {
		return r, sess, nil
	}

	f, err := s.Pipeline.CreateFilter(sess.Settings().Filter)
	if err != nil {
		return nil, nil, err
	}
	hub := preview.NewHub(s.Log, 0)
	r := &rig{
		recorder: recorder.New(recorder.Config{
			Session:    sess,
			Storage:    s.Storage,
			Composer:   s.Composer,
			Dispatcher: s.Dispatcher,
			FrameRate:  s.opts.FrameRate,
			Log:        s.Log,
			Metrics:    s.Metrics,
		}),
		presenter: render.NewPresenter(hub.Layer(0), hub.Layer(1)),
		hub:       hub,
		filter:    f,
	}
	r.renderer = s.newRenderer(r)
	s.rigs[id] = r
	return r, sess, nil
}

func (s *Service) newRenderer(r *rig) *render.Renderer {
	rn := render.New(s.Bus, r.presenter, s.Log, s.Metrics)
	rn.SetFilter(r.filter)
	rn.SetSink(r.recorder)
	return rn
}

func (r *rig) close() {
	r.renderer.Close()
	r.hub.Close()
	r.filter.Close()
}

// Close stops every rig.
func (s *Service) Close() {
	s.mu.Lock()
	rigs := s.rigs
	s.rigs = make(map[string]*rig)
	s.mu.Unlock()
	for _, r := range rigs {
		r.close()
	}
}

// RemoveSegment deletes the segment at index.
func (s *Service) RemoveSegment(id string, index int) (segment.Segment, error) {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return nil, err
	}
	removed, err := sess.Remove(index)
	if err != nil {
		return nil, err
	}
	s.persist(sess)
	return removed, nil
}

// MoveSegment reorders the session.
func (s *Service) MoveSegment(id string, from, to int) error {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return err
	}
	if err := sess.Move(from, to); err != nil {
		return err
	}
	s.persist(sess)
	return nil
}

// InsertSegment adds seg at index, or appends it when index is negative.
func (s *Service) InsertSegment(id string, index int, seg segment.Segment) error {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return err
	}
	if seg, err = s.localize(seg); err != nil {
		return err
	}
	if index < 0 {
		err = sess.Append(seg)
	} else {
		err = sess.Insert(index, seg)
	}
	if err != nil {
		return err
	}
	s.persist(sess)
	return nil
}

// ReplaceSegment swaps the segment at index for seg and returns the old one.
func (s *Service) ReplaceSegment(id string, index int, seg segment.Segment) (segment.Segment, error) {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return nil, err
	}
	if seg, err = s.localize(seg); err != nil {
		return nil, err
	}
	old, err := sess.Replace(index, seg)
	if err != nil {
		return nil, err
	}
	s.persist(sess)
	return old, nil
}

// localize resolves host supplied paths against the media root and fills a
// missing clip duration from the file.
func (s *Service) localize(seg segment.Segment) (segment.Segment, error) {
	var err error
	switch v := seg.(type) {
	case segment.Image:
		if v.Path, err = s.resolve(v.Path); err != nil {
			return nil, err
		}
		if v.PairedClip != "" {
			if v.PairedClip, err = s.resolve(v.PairedClip); err != nil {
				return nil, err
			}
		}
		return v, nil
	case segment.VideoClip:
		if v.Path, err = s.resolve(v.Path); err != nil {
			return nil, err
		}
		if v.Duration <= 0 {
			cf, err := container.Open(v.Path)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", segment.ErrInvalidSegment, err)
			}
			v.Duration = cf.Duration()
			cf.Close()
		}
		return v, nil
	}
	return nil, segment.ErrInvalidSegment
}

// resolve maps path into the media root. Empty paths pass through for
// validation by the segment store.
func (s *Service) resolve(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.opts.MediaRoot, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(s.opts.MediaRoot, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrInvalidPath
	}
	return path, nil
}

// Timeline lays out the session as it would be merged.
func (s *Service) Timeline(id string) (composer.Timeline, error) {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return composer.Timeline{}, err
	}
	return composer.BuildTimeline(sess.Segments(), sess.Settings().ImageDuration), nil
}

// StartRecording begins a clip in the session.
func (s *Service) StartRecording(id string, mode media.Mode) error {
	r, sess, err := s.rig(id)
	if err != nil {
		return err
	}
	if mode == "" {
		mode = sess.Settings().Mode
	}
	return r.recorder.StartRecording(mode)
}

// StopRecording finalizes the clip and waits for the completion.
func (s *Service) StopRecording(ctx context.Context, id string) (segment.VideoClip, error) {
	r, sess, err := s.rig(id)
	if err != nil {
		return segment.VideoClip{}, err
	}
	clip, err := dispatch.Await(ctx, func(done func(segment.VideoClip, error)) {
		r.recorder.StopRecording(done)
	})
	if err == nil {
		s.persist(sess)
	}
	return clip, err
}

// TakePhoto captures the latest rendered frame.
func (s *Service) TakePhoto(ctx context.Context, id string, mode media.Mode) (segment.Image, error) {
	r, sess, err := s.rig(id)
	if err != nil {
		return segment.Image{}, err
	}
	if mode == "" {
		mode = media.ModePhoto
	}
	shot, err := dispatch.Await(ctx, func(done func(segment.Image, error)) {
		r.recorder.TakePhoto(mode, done)
	})
	if err == nil {
		s.persist(sess)
	}
	return shot, err
}

func (s *Service) recordExport(id string, a *composer.Asset) {
	if s.Catalog == nil {
		return
	}
	if _, err := s.Catalog.RecordExport(id, a); err != nil {
		s.Log.Error("catalog export record failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// ExportRecording merges the session into a camera-tagged video.
func (s *Service) ExportRecording(ctx context.Context, id string) (*composer.Asset, error) {
	r, _, err := s.rig(id)
	if err != nil {
		return nil, err
	}
	return dispatch.Await(ctx, func(done func(*composer.Asset, error)) {
		r.recorder.ExportRecording(func(a *composer.Asset, _ *metadata.Info, err error) {
			if err == nil {
				s.recordExport(id, a)
			}
			done(a, err)
		})
	})
}

// Merge composes the session using its own output settings.
func (s *Service) Merge(ctx context.Context, id string) (*composer.Asset, error) {
	sess, err := s.Manager.Get(id)
	if err != nil {
		return nil, err
	}
	snapshot, release, err := sess.BeginExport()
	if err != nil {
		return nil, err
	}
	return dispatch.Await(ctx, func(done func(*composer.Asset, error)) {
		s.Composer.MergeAssets(snapshot, sess.Settings().Compose(), func(a *composer.Asset, err error) {
			release()
			if err == nil {
				s.recordExport(id, a)
			}
			done(a, err)
		})
	})
}

// Exports lists the catalogued exports of a session.
func (s *Service) Exports(id string) ([]catalog.Export, error) {
	if _, err := s.Manager.Get(id); err != nil {
		return nil, err
	}
	if s.Catalog == nil {
		return nil, nil
	}
	return s.Catalog.Exports(id)
}

// Renderer applies a renderer action: start, pause, resume or stop.
// Starting after a stop builds a fresh renderer.
func (s *Service) Renderer(id, action, source string) (render.State, error) {
	r, sess, err := s.rig(id)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	rn := r.renderer
	if action == "start" && rn.State() == render.StateStopped {
		rn.Close()
		rn = s.newRenderer(r)
		r.renderer = rn
	}
	s.mu.Unlock()

	switch action {
	case "start":
		var src render.Source
		if src, err = s.source(source, sess); err == nil {
			err = rn.Start(src)
		}
	case "pause":
		err = rn.Pause()
	case "resume":
		err = rn.Resume()
	case "stop":
		err = rn.Stop()
	default:
		err = fmt.Errorf("%w: action %q", render.ErrInvalidState, action)
	}
	return rn.State(), err
}

func (s *Service) source(name string, sess *session.Session) (render.Source, error) {
	switch name {
	case "", "camera":
		return render.NewPatternSource(s.opts.FrameWidth, s.opts.FrameHeight, s.opts.FrameRate), nil
	case "playback":
		return render.NewPlaybackSource(sess.Segments(), s.opts.FrameRate, sess.Settings().ImageDuration, true), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
}

// SetFilter switches the session's filter effect.
func (s *Service) SetFilter(id string, t filter.Type) error {
	r, sess, err := s.rig(id)
	if err != nil {
		return err
	}
	f, err := s.Pipeline.CreateFilter(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := r.filter
	r.filter = f
	r.renderer.SetFilter(f)
	s.mu.Unlock()
	old.Close()

	settings := sess.Settings()
	settings.Filter = t
	sess.SetSettings(settings)
	s.persist(sess)
	return nil
}

// SetBackends rebuilds the filter context from a new preference list.
func (s *Service) SetBackends(names []string) (filter.Backend, error) {
	if err := s.Pipeline.SetPreference(filter.ParseBackends(names)); err != nil {
		return s.Pipeline.Backend(), err
	}
	return s.Pipeline.Backend(), nil
}

// Preview returns the session's preview hub.
func (s *Service) Preview(id string) (*preview.Hub, error) {
	r, _, err := s.rig(id)
	if err != nil {
		return nil, err
	}
	return r.hub, nil
}

// Lifecycle publishes a host lifecycle event to every renderer.
func (s *Service) Lifecycle(e lifecycle.Event) {
	s.Log.Info("lifecycle event", slog.String("event", e.String()), slog.Int("subscribers", s.Bus.Len()))
	s.Bus.Publish(e)
}

// ReadMetadata returns the provenance block of a file under the media root.
func (s *Service) ReadMetadata(path string) (*metadata.Info, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	path, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return s.Tagger.Read(path)
}

// ActiveSessions returns the session count for the metrics gauge.
func (s *Service) ActiveSessions() int {
	return s.Manager.Count()
}
