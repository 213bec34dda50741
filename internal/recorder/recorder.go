// Package recorder turns rendered frames into segments: clips between start
// and stop, and stills on demand.
package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kanvas-composer/internal/composer"
	"kanvas-composer/internal/container"
	"kanvas-composer/internal/dispatch"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/metadata"
	"kanvas-composer/internal/platform/logger"
	"kanvas-composer/internal/platform/metrics"
	"kanvas-composer/internal/segment"
	"kanvas-composer/internal/session"
	"kanvas-composer/internal/storage"
)

var (
	// ErrInvalidState is returned when an operation does not fit the
	// recorder's current state.
	ErrInvalidState = errors.New("recorder: invalid state")

	// ErrNoActiveRecording is returned by StopRecording when nothing is recording.
	ErrNoActiveRecording = errors.New("recorder: no active recording")

	// ErrWriteFailed wraps storage and encoding failures.
	ErrWriteFailed = errors.New("recorder: write failed")

	// ErrNoFrame is returned by TakePhoto before any frame has been seen.
	ErrNoFrame = errors.New("recorder: no frame captured yet")
)

// State of the current or most recent recording.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Status describes the current or most recent recording. A stopped
// recording with a non-nil Err failed.
type Status struct {
	State State
	Mode  media.Mode
	Err   error
}

// Config wires a Recorder to its session.
type Config struct {
	Session    *session.Session
	Storage    storage.Storage
	Composer   *composer.Composer
	Dispatcher dispatch.Dispatcher

	FrameRate int // pacing of the final sample when timestamps run out, default 30
	Quality   int // JPEG quality of clip samples, default 90

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Recorder captures frames for one session. It implements render.FrameSink.
type Recorder struct {
	session  *session.Session
	storage  storage.Storage
	composer *composer.Composer
	dispatch dispatch.Dispatcher
	interval time.Duration
	quality  int
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	status    Status
	active    *recording // accepting frames
	finishing bool
	last      media.Frame
}

// New returns an idle recorder.
func New(cfg Config) *Recorder {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 90
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Recorder{
		session:  cfg.Session,
		storage:  cfg.Storage,
		composer: cfg.Composer,
		dispatch: cfg.Dispatcher,
		interval: time.Second / time.Duration(cfg.FrameRate),
		quality:  cfg.Quality,
		log:      cfg.Log.With(slog.String("session_id", cfg.Session.ID)),
		metrics:  cfg.Metrics,
	}
}

// Status returns the state of the current or most recent recording.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StartRecording opens a new clip. Frames passed to Consume are written to
// it until StopRecording.
func (r *Recorder) StartRecording(mode media.Mode) error {
	if !mode.RecordsVideo() {
		return fmt.Errorf("%w: mode %q does not record video", ErrInvalidState, mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil || r.finishing {
		return fmt.Errorf("%w: already recording", ErrInvalidState)
	}
	if r.session.Exporting() {
		return session.ErrExportInProgress
	}

	id := uuid.NewString()
	name := "clip-" + id + ".mp4"
	pending, err := r.storage.Create(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	r.active = &recording{
		id:      id,
		name:    name,
		mode:    mode,
		pending: pending,
		started: time.Now().UTC(),
	}
	r.status = Status{State: StateRecording, Mode: mode}
	r.log.Info("recording started", slog.String("segment_id", id), slog.String("mode", string(mode)))
	return nil
}

// Consume receives a rendered frame. It keeps the latest frame for photos
// and appends to the active clip, if any.
func (r *Recorder) Consume(f media.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = f
	rec := r.active
	if rec == nil || rec.err != nil {
		return
	}
	if err := rec.add(f, r.interval, r.quality); err != nil {
		rec.err = err
		r.log.Error("recording write failed", slog.String("segment_id", rec.id), slog.String("error", err.Error()))
	}
}

// StopRecording finalizes the active clip and appends it to the session.
// done runs once on the dispatcher.
func (r *Recorder) StopRecording(done func(segment.VideoClip, error)) {
	completion := dispatch.NewCompletion(r.dispatch, done)

	r.mu.Lock()
	rec := r.active
	if rec == nil {
		r.mu.Unlock()
		completion.Fail(ErrNoActiveRecording)
		return
	}
	r.active = nil
	r.finishing = true
	r.mu.Unlock()

	go func() {
		clip, err := r.finish(rec)
		r.mu.Lock()
		r.finishing = false
		r.status = Status{State: StateStopped, Mode: rec.mode, Err: err}
		r.mu.Unlock()
		completion.Settle(clip, err)
	}()
}

func (r *Recorder) finish(rec *recording) (segment.VideoClip, error) {
	if err := rec.close(r.interval); err != nil {
		rec.pending.Abort()
		return segment.VideoClip{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	path, err := rec.pending.Commit()
	if err != nil {
		return segment.VideoClip{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	clip := segment.VideoClip{
		ID:         rec.id,
		Path:       path,
		Duration:   rec.writer.Duration(),
		Mode:       rec.mode,
		CapturedAt: rec.started,
	}
	if err := r.session.Append(clip); err != nil {
		r.storage.Remove(rec.name)
		return segment.VideoClip{}, err
	}
	if r.metrics != nil {
		r.metrics.IncSegmentsRecorded()
	}
	r.log.Info("recording stopped",
		slog.String("segment_id", clip.ID),
		slog.Int("frames", rec.writer.Samples()),
		slog.Duration("duration", clip.Duration))
	return clip, nil
}

// TakePhoto stores the latest frame as a PNG and appends it to the session.
// In stop-motion mode a clip holding the still for the session's image
// duration is written alongside it.
func (r *Recorder) TakePhoto(mode media.Mode, done func(segment.Image, error)) {
	completion := dispatch.NewCompletion(r.dispatch, done)

	r.mu.Lock()
	frame := r.last
	r.mu.Unlock()
	if frame.Width == 0 {
		completion.Fail(ErrNoFrame)
		return
	}
	if r.session.Exporting() {
		completion.Fail(session.ErrExportInProgress)
		return
	}

	go func() {
		completion.Settle(r.photo(frame, mode))
	}()
}

func (r *Recorder) photo(frame media.Frame, mode media.Mode) (segment.Image, error) {
	img, err := frame.RGBA()
	if err != nil {
		return segment.Image{}, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	id := uuid.NewString()
	photoName := "photo-" + id + ".png"
	path, err := r.write(photoName, func(p storage.Pending) error { return png.Encode(p, img) })
	if err != nil {
		return segment.Image{}, err
	}
	shot := segment.Image{ID: id, Path: path, Mode: mode, CapturedAt: time.Now().UTC()}
	cleanup := []string{photoName}

	if mode == media.ModeStopMotion {
		clipName := "clip-" + id + ".mp4"
		hold := r.session.Settings().ImageDuration
		shot.PairedClip, err = r.write(clipName, func(p storage.Pending) error { return r.stillClip(p, img, hold) })
		if err != nil {
			r.storage.Remove(photoName)
			return segment.Image{}, err
		}
		cleanup = append(cleanup, clipName)
	}

	if err := r.session.Append(shot); err != nil {
		for _, name := range cleanup {
			r.storage.Remove(name)
		}
		return segment.Image{}, err
	}
	if r.metrics != nil {
		r.metrics.IncPhotosTaken()
	}
	r.log.Info("photo taken",
		slog.String("segment_id", id),
		slog.String("mode", string(mode)),
		slog.Bool("paired_clip", shot.PairedClip != ""))
	return shot, nil
}

// write creates name, fills it with fn and commits it.
func (r *Recorder) write(name string, fn func(storage.Pending) error) (string, error) {
	pending, err := r.storage.Create(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := fn(pending); err != nil {
		pending.Abort()
		return "", fmt.Errorf("%w: %s: %v", ErrWriteFailed, name, err)
	}
	path, err := pending.Commit()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return path, nil
}

func (r *Recorder) stillClip(p storage.Pending, img image.Image, hold time.Duration) error {
	b := img.Bounds()
	cw, err := container.NewWriter(p, b.Dx(), b.Dy())
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return err
	}
	if hold <= 0 {
		hold = r.interval
	}
	if err := cw.WriteSample(buf.Bytes(), container.DeltaFor(hold)); err != nil {
		return err
	}
	return cw.Close()
}

// ExportRecording merges the session into one video tagged as a camera
// capture. The session cannot be edited until done has run. On failure done
// receives nil asset and info.
func (r *Recorder) ExportRecording(done func(*composer.Asset, *metadata.Info, error)) {
	if done == nil {
		done = func(*composer.Asset, *metadata.Info, error) {}
	}
	snapshot, release, err := r.session.BeginExport()
	if err != nil {
		r.dispatch.Async(func() { done(nil, nil, err) })
		return
	}

	s := r.session.Settings().Compose()
	s.OutputFormat = composer.FormatVideo
	s.Source = metadata.SourceCamera
	r.composer.MergeAssets(snapshot, s, func(a *composer.Asset, err error) {
		release()
		if err != nil {
			done(nil, nil, err)
			return
		}
		done(a, a.Metadata, nil)
	})
}
