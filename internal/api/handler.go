package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kanvas-composer/internal/composer"
	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/lifecycle"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/metadata"
	"kanvas-composer/internal/platform/metrics"
	"kanvas-composer/internal/recorder"
	"kanvas-composer/internal/render"
	"kanvas-composer/internal/segment"
	"kanvas-composer/internal/session"
)

// waitTimeout bounds how long a request waits for a completion.
const waitTimeout = 2 * time.Minute

// Handler exposes the engine HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Register mounts every route on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions", h.ListSessions)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.DeleteSession)
		r.Get("/segments", h.ListSegments)
		r.Post("/segments", h.InsertSegment)
		r.Put("/segments/{index}", h.ReplaceSegment)
		r.Delete("/segments/{index}", h.RemoveSegment)
		r.Post("/segments/move", h.MoveSegment)
		r.Get("/timeline", h.GetTimeline)
		r.Post("/recording/start", h.StartRecording)
		r.Post("/recording/stop", h.StopRecording)
		r.Post("/photo", h.TakePhoto)
		r.Post("/export", h.ExportRecording)
		r.Post("/merge", h.Merge)
		r.Get("/exports", h.ListExports)
		r.Post("/filter", h.SetFilter)
		r.Post("/renderer/{action}", h.Renderer)
		r.Get("/preview", h.Preview)
	})
	r.Post("/filter/backends", h.SetBackends)
	r.Post("/lifecycle/{event}", h.Lifecycle)
	r.Get("/metadata", h.GetMetadata)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, segment.ErrIndexOutOfRange),
		errors.Is(err, segment.ErrInvalidSegment),
		errors.Is(err, ErrUnknownSource),
		errors.Is(err, ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrExportInProgress),
		errors.Is(err, recorder.ErrInvalidState),
		errors.Is(err, recorder.ErrNoActiveRecording),
		errors.Is(err, recorder.ErrNoFrame),
		errors.Is(err, render.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, composer.ErrEmptySession),
		errors.Is(err, filter.ErrUnsupportedBackend):
		return http.StatusUnprocessableEntity
	case errors.Is(err, metadata.ErrUnsupportedAsset):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, render.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	attrs := []any{
		slog.String("session_id", chi.URLParam(r, "session_id")),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	}
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", attrs...)
	} else {
		h.log.Info("request rejected", attrs...)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

type createSessionRequest struct {
	OutputFormat                 string `json:"output_format"`
	Filter                       string `json:"filter"`
	Mode                         string `json:"mode"`
	ExportStopMotionPhotoAsVideo *bool  `json:"export_stop_motion_photo_as_video"`
	ImageDurationMs              int64  `json:"image_duration_ms"`
}

func (req createSessionRequest) settings(defaultAsVideo bool) (session.Settings, error) {
	var s session.Settings
	var err error
	if req.OutputFormat != "" {
		if s.OutputFormat, err = composer.ParseFormat(req.OutputFormat); err != nil {
			return s, err
		}
	}
	if req.Filter != "" {
		if s.Filter, err = filter.ParseType(req.Filter); err != nil {
			return s, err
		}
	}
	if req.Mode != "" {
		if s.Mode, err = media.ParseMode(req.Mode); err != nil {
			return s, err
		}
	}
	s.ExportStopMotionPhotoAsVideo = defaultAsVideo
	if req.ExportStopMotionPhotoAsVideo != nil {
		s.ExportStopMotionPhotoAsVideo = *req.ExportStopMotionPhotoAsVideo
	}
	s.ImageDuration = time.Duration(req.ImageDurationMs) * time.Millisecond
	return s, nil
}

type sessionView struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	OutputFormat    string    `json:"output_format"`
	Filter          string    `json:"filter"`
	Mode            string    `json:"mode"`
	AsVideo         bool      `json:"export_stop_motion_photo_as_video"`
	ImageDurationMs int64     `json:"image_duration_ms"`
	Segments        int       `json:"segments"`
	Exporting       bool      `json:"exporting"`
}

func viewSession(s *session.Session) sessionView {
	st := s.Settings()
	return sessionView{
		ID:              s.ID,
		CreatedAt:       s.CreatedAt,
		OutputFormat:    string(st.OutputFormat),
		Filter:          st.Filter.Key(),
		Mode:            string(st.Mode),
		AsVideo:         st.ExportStopMotionPhotoAsVideo,
		ImageDurationMs: st.ImageDuration.Milliseconds(),
		Segments:        s.Len(),
		Exporting:       s.Exporting(),
	}
}

type segmentView struct {
	Index       int        `json:"index"`
	ID          string     `json:"id"`
	Kind        media.Kind `json:"kind"`
	Path        string     `json:"path,omitempty"`
	PairedClip  string     `json:"paired_clip,omitempty"`
	Poster      string     `json:"poster,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	TrimStartMs int64      `json:"trim_start_ms,omitempty"`
	TrimEndMs   int64      `json:"trim_end_ms,omitempty"`
	Mode        media.Mode `json:"mode,omitempty"`
	CapturedAt  time.Time  `json:"captured_at"`
}

func viewSegment(i int, s segment.Segment) segmentView {
	switch v := s.(type) {
	case segment.Image:
		return segmentView{Index: i, ID: v.ID, Kind: media.KindImage, Path: v.Path, PairedClip: v.PairedClip, Mode: v.Mode, CapturedAt: v.CapturedAt}
	case segment.VideoClip:
		return segmentView{
			Index: i, ID: v.ID, Kind: media.KindVideo, Path: v.Path, Poster: v.Poster,
			DurationMs:  v.Duration.Milliseconds(),
			TrimStartMs: v.Trim.Start.Milliseconds(),
			TrimEndMs:   v.Trim.End.Milliseconds(),
			Mode:        v.Mode, CapturedAt: v.CapturedAt,
		}
	}
	return segmentView{Index: i}
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		h.log.Debug("invalid session body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	settings, err := req.settings(h.svc.opts.ExportStopMotionPhotoAsVideo)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sess := h.svc.CreateSession(settings)
	h.updateGauge()
	writeJSON(w, http.StatusCreated, viewSession(sess))
}

func (h *Handler) updateGauge() {
	if h.metrics != nil {
		h.metrics.SetActiveSessions(h.svc.ActiveSessions())
	}
}

// ListSessions handles GET /sessions, oldest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.svc.Manager.List()
	out := make([]sessionView, len(sessions))
	for i, s := range sessions {
		out[i] = viewSession(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Session(chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(sess))
}

// DeleteSession handles DELETE /sessions/{session_id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(chi.URLParam(r, "session_id")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.updateGauge()
	w.WriteHeader(http.StatusNoContent)
}

// ListSegments handles GET /sessions/{session_id}/segments.
func (h *Handler) ListSegments(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Session(chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	segs := sess.Segments()
	out := make([]segmentView, len(segs))
	for i, s := range segs {
		out[i] = viewSegment(i, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// RemoveSegment handles DELETE /sessions/{session_id}/segments/{index}.
func (h *Handler) RemoveSegment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	removed, err := h.svc.RemoveSegment(chi.URLParam(r, "session_id"), index)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSegment(index, removed))
}

// segmentRequest describes a segment supplied by the host. Paths are
// relative to the media directory.
type segmentRequest struct {
	Index       *int       `json:"index"`
	Kind        media.Kind `json:"kind"`
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	PairedClip  string     `json:"paired_clip"`
	Poster      string     `json:"poster"`
	DurationMs  int64      `json:"duration_ms"`
	TrimStartMs int64      `json:"trim_start_ms"`
	TrimEndMs   int64      `json:"trim_end_ms"`
	Mode        string     `json:"mode"`
}

func (req segmentRequest) toSegment() (segment.Segment, error) {
	var mode media.Mode
	if req.Mode != "" {
		var err error
		if mode, err = media.ParseMode(req.Mode); err != nil {
			return nil, err
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	switch req.Kind {
	case media.KindImage:
		return segment.Image{ID: id, Path: req.Path, PairedClip: req.PairedClip, Mode: mode, CapturedAt: time.Now().UTC()}, nil
	case media.KindVideo:
		return segment.VideoClip{
			ID: id, Path: req.Path, Poster: req.Poster,
			Duration: ms(req.DurationMs),
			Trim:     segment.Trim{Start: ms(req.TrimStartMs), End: ms(req.TrimEndMs)},
			Mode:     mode, CapturedAt: time.Now().UTC(),
		}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", segment.ErrInvalidSegment, req.Kind)
}

func (h *Handler) segmentBody(w http.ResponseWriter, r *http.Request) (segmentRequest, segment.Segment, bool) {
	var req segmentRequest
	if err := decode(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return req, nil, false
	}
	seg, err := req.toSegment()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return req, nil, false
	}
	return req, seg, true
}

// InsertSegment handles POST /sessions/{session_id}/segments.
// Body: { "kind": "image", "path": "a.png", "index": 0 }; without index the
// segment is appended.
func (h *Handler) InsertSegment(w http.ResponseWriter, r *http.Request) {
	req, seg, ok := h.segmentBody(w, r)
	if !ok {
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	if err := h.svc.InsertSegment(chi.URLParam(r, "session_id"), index, seg); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// ReplaceSegment handles PUT /sessions/{session_id}/segments/{index}.
func (h *Handler) ReplaceSegment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_, seg, ok := h.segmentBody(w, r)
	if !ok {
		return
	}
	old, err := h.svc.ReplaceSegment(chi.URLParam(r, "session_id"), index, seg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSegment(index, old))
}

type moveRequest struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

// MoveSegment handles POST /sessions/{session_id}/segments/move.
// Body: { "from": 2, "to": 0 }.
func (h *Handler) MoveSegment(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decode(r, &req); err != nil || req.From == nil || req.To == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.svc.MoveSegment(chi.URLParam(r, "session_id"), *req.From, *req.To); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTimeline handles GET /sessions/{session_id}/timeline.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := h.svc.Timeline(chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(tl.String()))
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (h *Handler) mode(w http.ResponseWriter, r *http.Request) (media.Mode, bool) {
	var req modeRequest
	if err := decode(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return "", false
	}
	if req.Mode == "" {
		return "", true
	}
	mode, err := media.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return "", false
	}
	return mode, true
}

// StartRecording handles POST /sessions/{session_id}/recording/start.
func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	mode, ok := h.mode(w, r)
	if !ok {
		return
	}
	if err := h.svc.StartRecording(chi.URLParam(r, "session_id"), mode); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StopRecording handles POST /sessions/{session_id}/recording/stop.
func (h *Handler) StopRecording(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	clip, err := h.svc.StopRecording(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSegment(-1, clip))
}

// TakePhoto handles POST /sessions/{session_id}/photo.
func (h *Handler) TakePhoto(w http.ResponseWriter, r *http.Request) {
	mode, ok := h.mode(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	shot, err := h.svc.TakePhoto(ctx, chi.URLParam(r, "session_id"), mode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSegment(-1, shot))
}

// ExportRecording handles POST /sessions/{session_id}/export.
func (h *Handler) ExportRecording(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	asset, err := h.svc.ExportRecording(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

// Merge handles POST /sessions/{session_id}/merge.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()
	asset, err := h.svc.Merge(ctx, chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

// ListExports handles GET /sessions/{session_id}/exports.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	exports, err := h.svc.Exports(chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exports)
}

type filterRequest struct {
	Filter string `json:"filter"`
}

// SetFilter handles POST /sessions/{session_id}/filter.
// Body: { "filter": "lego" }.
func (h *Handler) SetFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := decode(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	t, err := filter.ParseType(req.Filter)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.SetFilter(chi.URLParam(r, "session_id"), t); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type backendsRequest struct {
	Backends []string `json:"backends"`
}

// SetBackends handles POST /filter/backends.
// Body: { "backends": ["metal", "software"] }.
func (h *Handler) SetBackends(w http.ResponseWriter, r *http.Request) {
	var req backendsRequest
	if err := decode(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	active, err := h.svc.SetBackends(req.Backends)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("filter backend switched", slog.String("backend", string(active)))
	writeJSON(w, http.StatusOK, map[string]string{"backend": string(active)})
}

type rendererRequest struct {
	Source string `json:"source"`
}

// Renderer handles POST /sessions/{session_id}/renderer/{action}.
func (h *Handler) Renderer(w http.ResponseWriter, r *http.Request) {
	var req rendererRequest
	if err := decode(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	state, err := h.svc.Renderer(chi.URLParam(r, "session_id"), chi.URLParam(r, "action"), req.Source)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

// Preview handles GET /sessions/{session_id}/preview (WebSocket).
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	hub, err := h.svc.Preview(chi.URLParam(r, "session_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hub.ServeHTTP(w, r)
}

// Lifecycle handles POST /lifecycle/{event} with event background or foreground.
func (h *Handler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	e, err := lifecycle.ParseEvent(chi.URLParam(r, "event"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.svc.Lifecycle(e)
	w.WriteHeader(http.StatusNoContent)
}

// GetMetadata handles GET /metadata?path=.
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	info, err := h.svc.ReadMetadata(path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if info == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
