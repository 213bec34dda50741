package recorder

import (
	"bytes"
	"errors"
	"image/jpeg"
	"time"

	"kanvas-composer/internal/container"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/storage"
)

// recording is one clip being written. A sample's duration is known only
// when the next frame arrives, so the latest encoded frame is held back.
type recording struct {
	id      string
	name    string
	mode    media.Mode
	pending storage.Pending
	writer  *container.Writer
	started time.Time
	err     error

	held   []byte
	heldAt time.Duration
}

func (rec *recording) add(f media.Frame, interval time.Duration, quality int) error {
	img, err := f.RGBA()
	if err != nil {
		return err
	}
	if rec.writer == nil {
		if rec.writer, err = container.NewWriter(rec.pending, f.Width, f.Height); err != nil {
			return err
		}
	} else if f.Width != rec.writer.Width() || f.Height != rec.writer.Height() {
		img = media.Fit(img, rec.writer.Width(), rec.writer.Height())
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return err
	}
	if rec.held != nil {
		d := f.Timestamp - rec.heldAt
		if d <= 0 {
			d = interval
		}
		if err := rec.writer.WriteSample(rec.held, container.DeltaFor(d)); err != nil {
			return err
		}
	}
	rec.held, rec.heldAt = buf.Bytes(), f.Timestamp
	return nil
}

// close flushes the held frame and finalizes the container.
func (rec *recording) close(interval time.Duration) error {
	if rec.err != nil {
		return rec.err
	}
	if rec.writer == nil {
		return errors.New("no frames captured")
	}
	if rec.held != nil {
		if err := rec.writer.WriteSample(rec.held, container.DeltaFor(interval)); err != nil {
			return err
		}
		rec.held = nil
	}
	return rec.writer.Close()
}
