package metadata

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// pngKeyword names the text chunk holding the block.
const pngKeyword = "kanvas:metadata"

type pngChunk struct {
	typ  string
	data []byte
	raw  []byte // full chunk including length, type and CRC
}

func pngChunks(data []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("%w: not a PNG", ErrUnsupportedAsset)
	}
	var chunks []pngChunk
	for off := len(pngSignature); off < len(data); {
		if len(data)-off < 12 {
			return nil, fmt.Errorf("%w: truncated PNG chunk", ErrCorrupt)
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		end := off + 12 + n
		if end > len(data) {
			return nil, fmt.Errorf("%w: PNG chunk overruns file", ErrCorrupt)
		}
		chunks = append(chunks, pngChunk{
			typ:  string(data[off+4 : off+8]),
			data: data[off+8 : off+8+n],
			raw:  data[off:end],
		})
		off = end
	}
	return chunks, nil
}

// itxt builds an uncompressed iTXt chunk body.
func itxt(keyword string, text []byte) []byte {
	var b bytes.Buffer
	b.WriteString(keyword)
	b.WriteByte(0) // keyword terminator
	b.WriteByte(0) // compression flag
	b.WriteByte(0) // compression method
	b.WriteByte(0) // empty language tag
	b.WriteByte(0) // empty translated keyword
	b.Write(text)
	return b.Bytes()
}

func encodeChunk(typ string, data []byte) []byte {
	out := make([]byte, 0, 12+len(data))
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, typ...)
	out = append(out, data...)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)
	return binary.BigEndian.AppendUint32(out, crc.Sum32())
}

// ourText returns the block text when c is a text chunk under our keyword.
// Blocks are written as uncompressed iTXt; tEXt, zTXt and compressed iTXt
// under the same keyword are read too, since image tools rewrite text
// chunks in those forms.
func ourText(c pngChunk) ([]byte, bool, error) {
	switch c.typ {
	case "tEXt", "zTXt", "iTXt":
	default:
		return nil, false, nil
	}
	key := append([]byte(pngKeyword), 0)
	if !bytes.HasPrefix(c.data, key) {
		return nil, false, nil
	}
	rest := c.data[len(key):]

	switch c.typ {
	case "tEXt":
		return rest, true, nil
	case "zTXt":
		if len(rest) < 1 || rest[0] != 0 {
			return nil, true, fmt.Errorf("%w: zTXt compression method", ErrCorrupt)
		}
		text, err := inflate(rest[1:])
		return text, true, err
	}

	// iTXt: compression flag, method, language tag, translated keyword.
	if len(rest) < 2 {
		return nil, true, fmt.Errorf("%w: short iTXt chunk", ErrCorrupt)
	}
	compressed, method := rest[0], rest[1]
	rest = rest[2:]
	for i := 0; i < 2; i++ {
		n := bytes.IndexByte(rest, 0)
		if n < 0 {
			return nil, true, fmt.Errorf("%w: unterminated iTXt header", ErrCorrupt)
		}
		rest = rest[n+1:]
	}
	if compressed == 0 {
		return rest, true, nil
	}
	if method != 0 {
		return nil, true, fmt.Errorf("%w: iTXt compression method", ErrCorrupt)
	}
	text, err := inflate(rest)
	return text, true, err
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()
	text, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return text, nil
}

func writePNG(w io.Writer, data, payload []byte) error {
	chunks, err := pngChunks(data)
	if err != nil {
		return err
	}
	if _, err := w.Write(pngSignature); err != nil {
		return err
	}
	wrote := false
	for _, c := range chunks {
		if _, ours, _ := ourText(c); ours {
			continue
		}
		if c.typ == "IEND" && !wrote {
			if _, err := w.Write(encodeChunk("iTXt", itxt(pngKeyword, payload))); err != nil {
				return err
			}
			wrote = true
		}
		if _, err := w.Write(c.raw); err != nil {
			return err
		}
	}
	if !wrote {
		return fmt.Errorf("%w: PNG without IEND", ErrCorrupt)
	}
	return nil
}

func readPNG(data []byte) ([]byte, error) {
	chunks, err := pngChunks(data)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		text, ok, err := ourText(c)
		if !ok {
			continue
		}
		crc := crc32.NewIEEE()
		crc.Write([]byte(c.typ))
		crc.Write(c.data)
		if binary.BigEndian.Uint32(c.raw[len(c.raw)-4:]) != crc.Sum32() {
			return nil, fmt.Errorf("%w: bad %s checksum", ErrCorrupt, c.typ)
		}
		return text, err
	}
	return nil, nil
}
