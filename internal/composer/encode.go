package composer

import (
	"bytes"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"io"
	"time"

	"golang.org/x/image/draw"

	"kanvas-composer/internal/container"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/segment"
)

// gifTick is the GIF delay unit.
const gifTick = 10 * time.Millisecond

// writeVideo concatenates segs into a clip. Clip samples are copied as is
// when they already have the output size; stills become one sample held for
// the image duration.
func (c *Composer) writeVideo(w io.WriteSeeker, segs []segment.Segment, width, height int, s Settings) (time.Duration, error) {
	cw, err := container.NewWriter(w, width, height)
	if err != nil {
		return 0, err
	}
	for i, seg := range segs {
		switch v := seg.(type) {
		case segment.Image:
			data, err := c.stillJPEG(v, width, height)
			if err != nil {
				return 0, fmt.Errorf("segment %d: %w", i, err)
			}
			if err := cw.WriteSample(data, container.DeltaFor(s.ImageDuration)); err != nil {
				return 0, err
			}
		case segment.VideoClip:
			err := eachSample(v, func(data []byte, cf *container.File, delta uint32) error {
				if cf.Width != width || cf.Height != height {
					img, err := jpeg.Decode(bytes.NewReader(data))
					if err != nil {
						return err
					}
					if data, err = c.encodeJPEG(media.Fit(img, width, height)); err != nil {
						return err
					}
				}
				return cw.WriteSample(data, delta)
			})
			if err != nil {
				return 0, fmt.Errorf("segment %d: %w", i, err)
			}
		default:
			return 0, fmt.Errorf("segment %d: %w", i, segment.ErrInvalidSegment)
		}
	}
	if err := cw.Close(); err != nil {
		return 0, err
	}
	return cw.Duration(), nil
}

// eachSample walks the trimmed samples of a clip. Samples straddling the
// trim start or end are kept with their delta cut to the trimmed range, so
// the clip plays for exactly end-start.
func eachSample(v segment.VideoClip, fn func(data []byte, cf *container.File, delta uint32) error) error {
	cf, err := container.Open(v.Path)
	if err != nil {
		return err
	}
	defer cf.Close()
	if cf.Codec != container.CodecJPEG {
		return fmt.Errorf("unsupported codec %q", cf.Codec)
	}

	start, end := v.Trim.Bounds(cf.Duration())
	first, last := cf.Span(start, end)
	for i := first; i < last; i++ {
		delta := cf.Clipped(i, start, end)
		data, err := cf.Sample(i)
		if err != nil {
			return err
		}
		if err := fn(data, cf, delta); err != nil {
			return err
		}
	}
	return nil
}

func (c *Composer) encodeJPEG(img image.Image) ([]byte, error) {
	var b bytes.Buffer
	if err := jpeg.Encode(&b, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func stillKey(img segment.Image, format string, width, height int) (string, bool) {
	if img.ID == "" && img.Path == "" {
		return "", false
	}
	return fmt.Sprintf("%s|%s|%s|%dx%d", format, img.ID, img.Path, width, height), true
}

// stillJPEG returns the encoded still at the output size, from the cache
// when a previous merge already encoded it.
func (c *Composer) stillJPEG(img segment.Image, width, height int) ([]byte, error) {
	key, cacheable := stillKey(img, "jpeg", width, height)
	if cacheable {
		if data, ok := c.stills.Get(key); ok {
			return data, nil
		}
	}
	src, err := loadStill(img)
	if err != nil {
		return nil, err
	}
	data, err := c.encodeJPEG(media.Fit(src, width, height))
	if err != nil {
		return nil, err
	}
	c.encodes.Add(1)
	if cacheable {
		c.stills.Add(key, data)
	}
	return data, nil
}

func quantize(img image.Image, width, height int) *image.Paletted {
	dst := image.NewPaletted(image.Rect(0, 0, width, height), palette.Plan9)
	draw.FloydSteinberg.Draw(dst, dst.Rect, media.Fit(img, width, height), image.Point{})
	return dst
}

// stillPaletted caches the palette indexes of a quantized still.
func (c *Composer) stillPaletted(img segment.Image, width, height int) (*image.Paletted, error) {
	key, cacheable := stillKey(img, "gif", width, height)
	if cacheable {
		if pix, ok := c.stills.Get(key); ok {
			return &image.Paletted{Pix: pix, Stride: width, Rect: image.Rect(0, 0, width, height), Palette: palette.Plan9}, nil
		}
	}
	src, err := loadStill(img)
	if err != nil {
		return nil, err
	}
	p := quantize(src, width, height)
	c.encodes.Add(1)
	if cacheable {
		c.stills.Add(key, p.Pix)
	}
	return p, nil
}

// gifTimer turns durations into GIF delays, carrying the rounding error
// forward so the total stays exact to one tick.
type gifTimer struct {
	elapsed time.Duration
	emitted int
}

func (t *gifTimer) delay(d time.Duration) int {
	t.elapsed += d
	target := int((t.elapsed + gifTick/2) / gifTick)
	delay := target - t.emitted
	t.emitted = target
	return delay
}

// writeGIF renders segs as a looping animated GIF.
func (c *Composer) writeGIF(w io.Writer, segs []segment.Segment, width, height int, s Settings) (time.Duration, error) {
	anim := &gif.GIF{LoopCount: 0}
	var timer gifTimer
	add := func(frame *image.Paletted, d time.Duration) {
		delay := timer.delay(d)
		if delay <= 0 {
			return
		}
		if n := len(anim.Delay); n > 0 && anim.Image[n-1] == frame {
			anim.Delay[n-1] += delay
			return
		}
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, delay)
	}

	for i, seg := range segs {
		switch v := seg.(type) {
		case segment.Image:
			p, err := c.stillPaletted(v, width, height)
			if err != nil {
				return 0, fmt.Errorf("segment %d: %w", i, err)
			}
			add(p, s.ImageDuration)
		case segment.VideoClip:
			err := eachSample(v, func(data []byte, _ *container.File, delta uint32) error {
				img, err := jpeg.Decode(bytes.NewReader(data))
				if err != nil {
					return err
				}
				add(quantize(img, width, height), container.UnitsToDuration(uint64(delta)))
				return nil
			})
			if err != nil {
				return 0, fmt.Errorf("segment %d: %w", i, err)
			}
		default:
			return 0, fmt.Errorf("segment %d: %w", i, segment.ErrInvalidSegment)
		}
	}
	if len(anim.Image) == 0 {
		return 0, fmt.Errorf("nothing to encode")
	}
	for i, d := range anim.Delay {
		// GIF delays are 16 bit.
		anim.Delay[i] = min(d, 0xFFFF)
	}
	if err := gif.EncodeAll(w, anim); err != nil {
		return 0, err
	}
	return time.Duration(timer.emitted) * gifTick, nil
}
