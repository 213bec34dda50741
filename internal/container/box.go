// Package container reads and writes the clip container used for recorded
// segments and merged exports: ISO-BMFF style boxes with a JPEG sample
// stream in mdat and the sample tables in a trailing moov.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is returned for files whose box structure cannot be parsed.
var ErrMalformed = errors.New("container: malformed file")

// Box is one box header found while walking a file.
type Box struct {
	Type       string
	Offset     int64 // start of the header
	Size       int64 // header plus payload
	HeaderSize int64
}

// PayloadOffset is where the box body starts.
func (b Box) PayloadOffset() int64 { return b.Offset + b.HeaderSize }

// PayloadSize is the length of the box body.
func (b Box) PayloadSize() int64 { return b.Size - b.HeaderSize }

func (b Box) String() string {
	return fmt.Sprintf("[%s] @ %d (Size: %d)", b.Type, b.Offset, b.Size)
}

// Walk lists the boxes in r between start and end without reading payloads.
func Walk(r io.ReaderAt, start, end int64) ([]Box, error) {
	var boxes []Box
	header := make([]byte, 16)
	for offset := start; offset < end; {
		if end-offset < 8 {
			return nil, fmt.Errorf("%w: %d trailing bytes at %d", ErrMalformed, end-offset, offset)
		}
		if _, err := r.ReadAt(header[:8], offset); err != nil {
			return nil, fmt.Errorf("%w: read header at %d: %v", ErrMalformed, offset, err)
		}
		size := int64(binary.BigEndian.Uint32(header[0:4]))
		typ := string(header[4:8])
		headerSize := int64(8)

		switch size {
		case 1:
			if _, err := r.ReadAt(header[8:16], offset+8); err != nil {
				return nil, fmt.Errorf("%w: read extended size at %d: %v", ErrMalformed, offset, err)
			}
			size = int64(binary.BigEndian.Uint64(header[8:16]))
			headerSize = 16
		case 0:
			size = end - offset
		}
		if size < headerSize || offset+size > end {
			return nil, fmt.Errorf("%w: box %q at %d has size %d", ErrMalformed, typ, offset, size)
		}

		boxes = append(boxes, Box{Type: typ, Offset: offset, Size: size, HeaderSize: headerSize})
		offset += size
	}
	return boxes, nil
}

// Find returns the first box of type typ.
func Find(boxes []Box, typ string) (Box, bool) {
	for _, b := range boxes {
		if b.Type == typ {
			return b, true
		}
	}
	return Box{}, false
}

func readPayload(r io.ReaderAt, b Box) ([]byte, error) {
	buf := make([]byte, b.PayloadSize())
	if _, err := r.ReadAt(buf, b.PayloadOffset()); err != nil {
		return nil, fmt.Errorf("%w: read %s payload: %v", ErrMalformed, b.Type, err)
	}
	return buf, nil
}

// boxWriter accumulates big-endian fields, like an AtomWriter over a buffer.
type boxWriter struct {
	buf []byte
}

func (w *boxWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *boxWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *boxWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *boxWriter) tag(s string) { w.buf = append(w.buf, s[:4]...) }
func (w *boxWriter) raw(b []byte) { w.buf = append(w.buf, b...) }

// fullBoxHeader writes version and flags.
func (w *boxWriter) fullBoxHeader() { w.u32(0) }

// box serializes typ around payload.
func box(typ string, payload []byte) []byte {
	w := &boxWriter{buf: make([]byte, 0, 8+len(payload))}
	w.u32(uint32(8 + len(payload)))
	w.tag(typ)
	w.raw(payload)
	return w.buf
}
