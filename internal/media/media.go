// Package media holds the value types shared by the capture, render and
// composition packages.
package media

import (
	"fmt"
	"image"
	"time"
)

// PixelFormat names the memory layout of Frame.Data.
type PixelFormat string

const (
	FormatRGBA    PixelFormat = "rgba"
	FormatBGRA    PixelFormat = "bgra"
	FormatNV12    PixelFormat = "nv12"
	FormatYUV420P PixelFormat = "yuv420p"
)

// BytesPerPixel reports the packed pixel size, or 0 for planar formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGBA, FormatBGRA:
		return 4
	default:
		return 0
	}
}

// Frame is one captured or decoded picture. Data is shared by reference and
// must not be modified once the frame has been handed to another stage.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp time.Duration // presentation time relative to the source start
	Seq       uint64
	Item      int // index of the media item a playback source is presenting
}

// NewFrame wraps an RGBA image without copying.
func NewFrame(img *image.RGBA, ts time.Duration, seq uint64) Frame {
	b := img.Bounds()
	return Frame{
		Data:      img.Pix,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Stride:    img.Stride,
		Format:    FormatRGBA,
		Timestamp: ts,
		Seq:       seq,
	}
}

// Validate checks that Data is large enough for the declared geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("media: invalid frame size %dx%d", f.Width, f.Height)
	}
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return nil
	}
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * bpp
	}
	if stride < f.Width*bpp || len(f.Data) < stride*(f.Height-1)+f.Width*bpp {
		return fmt.Errorf("media: frame data too short for %dx%d %s", f.Width, f.Height, f.Format)
	}
	return nil
}

// RGBA returns the frame as an *image.RGBA, converting from BGRA when needed.
// RGBA frames are returned without copying.
func (f Frame) RGBA() (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	switch f.Format {
	case FormatRGBA:
		return &image.RGBA{Pix: f.Data, Stride: stride, Rect: image.Rect(0, 0, f.Width, f.Height)}, nil
	case FormatBGRA:
		img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for y := 0; y < f.Height; y++ {
			src := f.Data[y*stride : y*stride+f.Width*4]
			dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
			for x := 0; x < len(src); x += 4 {
				dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("media: no RGBA view for %s", f.Format)
	}
}

// Kind discriminates exported assets.
type Kind string

const (
	KindVideo    Kind = "video"
	KindImage    Kind = "image"
	KindAnimated Kind = "animated"
)

// Mode is the camera mode a segment was captured in.
type Mode string

const (
	ModePhoto      Mode = "photo"
	ModeStopMotion Mode = "stopMotion"
	ModeGIF        Mode = "gif"
	ModeNormal     Mode = "normal"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePhoto, ModeStopMotion, ModeGIF, ModeNormal:
		return m, nil
	}
	return "", fmt.Errorf("media: unknown camera mode %q", s)
}

// RecordsVideo reports whether the mode captures clips rather than stills.
func (m Mode) RecordsVideo() bool {
	return m == ModeNormal || m == ModeGIF || m == ModeStopMotion
}
