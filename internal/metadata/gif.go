package metadata

import (
	"bytes"
	"fmt"
	"io"
)

// gifAppID is the application identifier (8 bytes) plus authentication
// code (3 bytes) of the extension that carries the block.
const gifAppID = "KANVASMD1.0"

// gifLayout locates the parts of a GIF stream this package cares about.
type gifLayout struct {
	headerEnd int      // end of header, screen descriptor and global colour table
	blocks    [][2]int // [start, end) of each block after headerEnd, trailer excluded
	ours      []int    // indexes into blocks holding our application extension
	payload   []byte
}

func colorTableSize(packed byte) int {
	if packed&0x80 == 0 {
		return 0
	}
	return 3 << ((packed & 0x07) + 1)
}

// subBlocks skips a chain of data sub-blocks starting at off and returns the
// joined data and the offset after the terminator.
func subBlocks(data []byte, off int) ([]byte, int, error) {
	var out []byte
	for {
		if off >= len(data) {
			return nil, 0, fmt.Errorf("%w: truncated GIF sub-block", ErrCorrupt)
		}
		n := int(data[off])
		off++
		if n == 0 {
			return out, off, nil
		}
		if off+n > len(data) {
			return nil, 0, fmt.Errorf("%w: GIF sub-block overruns file", ErrCorrupt)
		}
		out = append(out, data[off:off+n]...)
		off += n
	}
}

func parseGIF(data []byte) (*gifLayout, error) {
	if len(data) < 13 {
		return nil, fmt.Errorf("%w: truncated GIF header", ErrCorrupt)
	}
	l := &gifLayout{headerEnd: 13 + colorTableSize(data[10])}
	if l.headerEnd > len(data) {
		return nil, fmt.Errorf("%w: truncated GIF colour table", ErrCorrupt)
	}

	for off := l.headerEnd; ; {
		if off >= len(data) {
			return nil, fmt.Errorf("%w: GIF without trailer", ErrCorrupt)
		}
		start := off
		switch data[off] {
		case 0x3B:
			return l, nil
		case 0x21:
			if off+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated GIF extension", ErrCorrupt)
			}
			label := data[off+1]
			body, next, err := subBlocks(data, off+2)
			if err != nil {
				return nil, err
			}
			if label == 0xFF && data[off+2] == 11 && string(data[off+3:off+14]) == gifAppID {
				l.ours = append(l.ours, len(l.blocks))
				l.payload = body[11:]
			}
			off = next
		case 0x2C:
			if off+10 > len(data) {
				return nil, fmt.Errorf("%w: truncated GIF image descriptor", ErrCorrupt)
			}
			off += 10 + colorTableSize(data[off+9])
			off++ // LZW minimum code size
			_, next, err := subBlocks(data, off)
			if err != nil {
				return nil, err
			}
			off = next
		default:
			return nil, fmt.Errorf("%w: unknown GIF block 0x%02x", ErrCorrupt, data[off])
		}
		l.blocks = append(l.blocks, [2]int{start, off})
	}
}

func appExtension(payload []byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x21, 0xFF, 11})
	b.WriteString(gifAppID)
	for len(payload) > 0 {
		n := min(len(payload), 255)
		b.WriteByte(byte(n))
		b.Write(payload[:n])
		payload = payload[n:]
	}
	b.WriteByte(0)
	return b.Bytes()
}

func writeGIF(w io.Writer, data, payload []byte) error {
	l, err := parseGIF(data)
	if err != nil {
		return err
	}
	// Extensions need the 89a header.
	header := append([]byte("GIF89a"), data[6:l.headerEnd]...)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(appExtension(payload)); err != nil {
		return err
	}
	skip := make(map[int]bool, len(l.ours))
	for _, i := range l.ours {
		skip[i] = true
	}
	for i, b := range l.blocks {
		if skip[i] {
			continue
		}
		if _, err := w.Write(data[b[0]:b[1]]); err != nil {
			return err
		}
	}
	_, err = w.Write([]byte{0x3B})
	return err
}

func readGIF(data []byte) ([]byte, error) {
	l, err := parseGIF(data)
	if err != nil {
		return nil, err
	}
	if len(l.ours) == 0 {
		return nil, nil
	}
	return l.payload, nil
}
