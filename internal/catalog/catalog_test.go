package catalog

import (
	"errors"
	"image"
	"testing"
	"time"

	"kanvas-composer/internal/composer"
	"kanvas-composer/internal/filter"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/metadata"
	"kanvas-composer/internal/segment"
	"kanvas-composer/internal/session"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalog_SaveSession_LoadSessions(t *testing.T) {
	c := openTestCatalog(t)
	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := session.New("s1", session.Settings{
		OutputFormat:                 composer.FormatGIF,
		Filter:                       filter.Lego,
		Mode:                         media.ModeStopMotion,
		ExportStopMotionPhotoAsVideo: true,
		ImageDuration:                1500 * time.Millisecond,
	})
	s.Append(segment.Image{ID: "a", Path: "/media/a.png", PairedClip: "/media/a.mp4", Mode: media.ModeStopMotion, CapturedAt: captured})
	s.Append(segment.VideoClip{ID: "b", Path: "/media/b.mp4", Duration: 3 * time.Second,
		Trim: segment.Trim{Start: 500 * time.Millisecond}, Mode: media.ModeNormal, CapturedAt: captured})
	s.Append(segment.Image{ID: "mem", Still: image.NewRGBA(image.Rect(0, 0, 1, 1))})

	if err := c.SaveSession(s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	loaded, err := c.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("sessions: got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != "s1" {
		t.Errorf("id: %q", got.ID)
	}
	if st := got.Settings(); st.Filter != filter.Lego || st.OutputFormat != composer.FormatGIF || st.ImageDuration != 1500*time.Millisecond || !st.ExportStopMotionPhotoAsVideo {
		t.Errorf("settings: %+v", st)
	}

	segs := got.Segments()
	if len(segs) != 2 {
		t.Fatalf("segments: got %d, in-memory still should be skipped", len(segs))
	}
	img, ok := segs[0].(segment.Image)
	if !ok || img.PairedClip != "/media/a.mp4" || !img.CapturedAt.Equal(captured) {
		t.Errorf("image: %+v", segs[0])
	}
	clip, ok := segs[1].(segment.VideoClip)
	if !ok || clip.Duration != 3*time.Second || clip.Trim.Start != 500*time.Millisecond {
		t.Errorf("clip: %+v", segs[1])
	}
}

func TestCatalog_SaveSession_replaces_order(t *testing.T) {
	c := openTestCatalog(t)
	s := session.New("s1", session.Settings{})
	s.Append(segment.Image{ID: "a", Path: "/a.png"})
	s.Append(segment.Image{ID: "b", Path: "/b.png"})
	c.SaveSession(s)

	s.Move(1, 0)
	s.Remove(1)
	if err := c.SaveSession(s); err != nil {
		t.Fatal(err)
	}

	loaded, _ := c.LoadSessions()
	segs := loaded[0].Segments()
	if len(segs) != 1 || segment.IDOf(segs[0]) != "b" {
		t.Errorf("segments after edit: %+v", segs)
	}
}

func TestCatalog_DeleteSession(t *testing.T) {
	c := openTestCatalog(t)
	s := session.New("s1", session.Settings{})
	s.Append(segment.Image{ID: "a", Path: "/a.png"})
	c.SaveSession(s)

	if err := c.DeleteSession("s1"); err != nil {
		t.Fatal(err)
	}
	loaded, err := c.LoadSessions()
	if err != nil || len(loaded) != 0 {
		t.Errorf("after delete: %d sessions, %v", len(loaded), err)
	}
	var n int
	c.db.QueryRow(`SELECT COUNT(*) FROM segments`).Scan(&n)
	if n != 0 {
		t.Errorf("orphan segments: %d", n)
	}
}

func TestCatalog_LoadSessions_drops_invalid_segments(t *testing.T) {
	c := openTestCatalog(t)
	s := session.New("s1", session.Settings{})
	s.Append(segment.Image{ID: "a", Path: "/a.png"})
	s.Append(segment.VideoClip{ID: "b", Path: "/b.mp4", Duration: time.Second})
	if err := c.SaveSession(s); err != nil {
		t.Fatal(err)
	}
	if _, err := c.db.Exec(`UPDATE segments SET path = '' WHERE id = 'b'`); err != nil {
		t.Fatal(err)
	}

	loaded, err := c.LoadSessions()
	if !errors.Is(err, segment.ErrInvalidSegment) {
		t.Fatalf("expected ErrInvalidSegment, got %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("session should still load, got %d", len(loaded))
	}
	segs := loaded[0].Segments()
	if len(segs) != 1 || segment.IDOf(segs[0]) != "a" {
		t.Errorf("segments: %+v", segs)
	}
}

func TestCatalog_RecordExport(t *testing.T) {
	c := openTestCatalog(t)
	asset := &composer.Asset{
		Path:     "/exports/x.mp4",
		Kind:     media.KindVideo,
		Duration: 5 * time.Second,
		Action:   "merge",
		Metadata: &metadata.Info{Source: metadata.SourceCamera},
	}
	e, err := c.RecordExport("s1", asset)
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == 0 {
		t.Error("expected an id")
	}
	c.RecordExport("s2", asset)

	list, err := c.Exports("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Duration != 5*time.Second || list[0].Source != "kanvas_camera" || list[0].Kind != media.KindVideo {
		t.Errorf("exports: %+v", list)
	}
}
