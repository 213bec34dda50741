package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const (
	// Timescale is the number of time units per second in every clip.
	// 600 divides evenly by 24, 25, 30 and 60 fps.
	Timescale = 600

	// Brand is the ftyp major brand of clip files.
	Brand = "kvcl"

	// CodecJPEG marks a sample stream of baseline JPEG pictures.
	CodecJPEG = "jpeg"

	// MetadataBox is the box inside the top-level udta that carries the
	// provenance block.
	MetadataBox = "kmta"
)

// ErrNotClip is returned when a file does not carry the clip brand.
var ErrNotClip = errors.New("container: not a clip file")

// DeltaFor converts a sample duration into timescale units (at least 1).
func DeltaFor(d time.Duration) uint32 {
	u := math.Round(d.Seconds() * Timescale)
	if u < 1 {
		return 1
	}
	return uint32(u)
}

// UnitsToDuration converts timescale units into a time.Duration.
func UnitsToDuration(units uint64) time.Duration {
	return time.Duration(units) * time.Second / Timescale
}

// Writer streams samples into a clip. Samples go straight to mdat; the
// sample tables are written in moov by Close.
type Writer struct {
	w         io.WriteSeeker
	width     int
	height    int
	mdatStart int64
	mdatSize  int64
	sizes     []uint32
	deltas    []uint32
	closed    bool
}

// NewWriter writes the file type box and opens mdat.
func NewWriter(w io.WriteSeeker, width, height int) (*Writer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("container: invalid clip size %dx%d", width, height)
	}
	ftyp := &boxWriter{}
	ftyp.tag(Brand)
	ftyp.u32(0)
	ftyp.tag(Brand)
	ftyp.tag("isom")
	if _, err := w.Write(box("ftyp", ftyp.buf)); err != nil {
		return nil, err
	}

	start, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	// Size is patched by Close.
	if _, err := w.Write(box("mdat", nil)); err != nil {
		return nil, err
	}
	return &Writer{w: w, width: width, height: height, mdatStart: start, mdatSize: 8}, nil
}

// Width and Height report the clip geometry.
func (cw *Writer) Width() int  { return cw.width }
func (cw *Writer) Height() int { return cw.height }

// Samples reports how many samples have been written.
func (cw *Writer) Samples() int { return len(cw.sizes) }

// Duration reports the summed sample durations written so far.
func (cw *Writer) Duration() time.Duration {
	var units uint64
	for _, d := range cw.deltas {
		units += uint64(d)
	}
	return UnitsToDuration(units)
}

// WriteSample appends one encoded picture lasting delta timescale units.
func (cw *Writer) WriteSample(data []byte, delta uint32) error {
	if cw.closed {
		return errors.New("container: write after close")
	}
	if len(data) == 0 {
		return errors.New("container: empty sample")
	}
	if delta == 0 {
		delta = 1
	}
	if cw.mdatSize+int64(len(data)) > math.MaxUint32 {
		return errors.New("container: mdat exceeds 4 GiB")
	}
	if _, err := cw.w.Write(data); err != nil {
		return err
	}
	cw.mdatSize += int64(len(data))
	cw.sizes = append(cw.sizes, uint32(len(data)))
	cw.deltas = append(cw.deltas, delta)
	return nil
}

// Close patches the mdat size and writes moov. It does not close the
// underlying writer.
func (cw *Writer) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true
	if len(cw.sizes) == 0 {
		return errors.New("container: clip has no samples")
	}

	end, err := cw.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := cw.w.Seek(cw.mdatStart, io.SeekStart); err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(cw.mdatSize))
	if _, err := cw.w.Write(size[:]); err != nil {
		return err
	}
	if _, err := cw.w.Seek(end, io.SeekStart); err != nil {
		return err
	}

	_, err = cw.w.Write(cw.moov())
	return err
}

func (cw *Writer) moov() []byte {
	var units uint64
	for _, d := range cw.deltas {
		units += uint64(d)
	}

	mvhd := &boxWriter{}
	mvhd.fullBoxHeader()
	mvhd.u32(Timescale)
	mvhd.u64(units)
	mvhd.u32(uint32(cw.width))
	mvhd.u32(uint32(cw.height))

	stsd := &boxWriter{}
	stsd.fullBoxHeader()
	stsd.tag(CodecJPEG)

	stsz := &boxWriter{}
	stsz.fullBoxHeader()
	stsz.u32(uint32(len(cw.sizes)))
	for _, s := range cw.sizes {
		stsz.u32(s)
	}

	// stts is run-length encoded as (count, delta) pairs.
	stts := &boxWriter{}
	stts.fullBoxHeader()
	var runs [][2]uint32
	for _, d := range cw.deltas {
		if n := len(runs); n > 0 && runs[n-1][1] == d {
			runs[n-1][0]++
			continue
		}
		runs = append(runs, [2]uint32{1, d})
	}
	stts.u32(uint32(len(runs)))
	for _, r := range runs {
		stts.u32(r[0])
		stts.u32(r[1])
	}

	var body bytes.Buffer
	body.Write(box("mvhd", mvhd.buf))
	body.Write(box("stsd", stsd.buf))
	body.Write(box("stsz", stsz.buf))
	body.Write(box("stts", stts.buf))
	return box("moov", body.Bytes())
}

// Sample locates one picture in a clip file.
type Sample struct {
	Offset int64
	Size   uint32
	Time   uint64 // decode time in timescale units
	Delta  uint32
}

// Clip is the parsed structure of a clip file.
type Clip struct {
	Width     int
	Height    int
	Timescale uint32
	Codec     string
	Samples   []Sample
	Metadata  []byte // payload of udta/kmta, nil when untagged
}

// Duration is the sum of all sample durations.
func (c *Clip) Duration() time.Duration {
	if len(c.Samples) == 0 {
		return 0
	}
	last := c.Samples[len(c.Samples)-1]
	return time.Duration(last.Time+uint64(last.Delta)) * time.Second / time.Duration(c.Timescale)
}

// Span returns the index range of samples that overlap [start, end). A
// sample straddling start or end is included; Clipped gives its visible part.
func (c *Clip) Span(start, end time.Duration) (first, last int) {
	from, to := c.units(start), c.units(end)
	first, last = len(c.Samples), len(c.Samples)
	for i, s := range c.Samples {
		if s.Time+uint64(s.Delta) <= from {
			continue
		}
		if first == len(c.Samples) {
			first = i
		}
		if s.Time >= to {
			last = i
			break
		}
	}
	if first > last {
		first = last
	}
	return first, last
}

// Clipped returns the delta of sample i cut to [start, end), at least one unit.
func (c *Clip) Clipped(i int, start, end time.Duration) uint32 {
	s := c.Samples[i]
	from := max(s.Time, c.units(start))
	to := min(s.Time+uint64(s.Delta), c.units(end))
	if to <= from {
		return 1
	}
	return uint32(to - from)
}

func (c *Clip) units(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(math.Round(d.Seconds() * float64(c.Timescale)))
}

// IsClip reports whether the first bytes of a file carry the clip brand.
func IsClip(header []byte) bool {
	return len(header) >= 12 && string(header[4:8]) == "ftyp" && string(header[8:12]) == Brand
}

// Parse reads the clip structure from r, which holds size bytes.
func Parse(r io.ReaderAt, size int64) (*Clip, error) {
	head := make([]byte, 12)
	if _, err := r.ReadAt(head, 0); err != nil || !IsClip(head) {
		return nil, ErrNotClip
	}
	top, err := Walk(r, 0, size)
	if err != nil {
		return nil, err
	}
	mdat, ok := Find(top, "mdat")
	if !ok {
		return nil, fmt.Errorf("%w: no mdat", ErrMalformed)
	}
	moov, ok := Find(top, "moov")
	if !ok {
		return nil, fmt.Errorf("%w: no moov", ErrMalformed)
	}

	clip := &Clip{}
	children, err := Walk(r, moov.PayloadOffset(), moov.Offset+moov.Size)
	if err != nil {
		return nil, err
	}
	var sizes []uint32
	var deltas []uint32
	for _, child := range children {
		p, err := readPayload(r, child)
		if err != nil {
			return nil, err
		}
		switch child.Type {
		case "mvhd":
			if len(p) < 24 {
				return nil, fmt.Errorf("%w: short mvhd", ErrMalformed)
			}
			clip.Timescale = binary.BigEndian.Uint32(p[4:8])
			clip.Width = int(binary.BigEndian.Uint32(p[16:20]))
			clip.Height = int(binary.BigEndian.Uint32(p[20:24]))
		case "stsd":
			if len(p) < 8 {
				return nil, fmt.Errorf("%w: short stsd", ErrMalformed)
			}
			clip.Codec = string(p[4:8])
		case "stsz":
			if sizes, err = parseTable(p, 1); err != nil {
				return nil, err
			}
		case "stts":
			runs, err := parseTable(p, 2)
			if err != nil {
				return nil, err
			}
			for i := 0; i < len(runs); i += 2 {
				for n := uint32(0); n < runs[i]; n++ {
					deltas = append(deltas, runs[i+1])
				}
			}
		}
	}
	if clip.Timescale == 0 {
		return nil, fmt.Errorf("%w: missing timescale", ErrMalformed)
	}
	if len(sizes) != len(deltas) {
		return nil, fmt.Errorf("%w: %d sizes for %d durations", ErrMalformed, len(sizes), len(deltas))
	}

	offset := mdat.PayloadOffset()
	var t uint64
	clip.Samples = make([]Sample, len(sizes))
	for i := range sizes {
		clip.Samples[i] = Sample{Offset: offset, Size: sizes[i], Time: t, Delta: deltas[i]}
		offset += int64(sizes[i])
		t += uint64(deltas[i])
	}
	if offset > mdat.Offset+mdat.Size {
		return nil, fmt.Errorf("%w: samples overrun mdat", ErrMalformed)
	}

	if udta, ok := Find(top, "udta"); ok {
		inner, err := Walk(r, udta.PayloadOffset(), udta.Offset+udta.Size)
		if err != nil {
			return nil, err
		}
		if meta, ok := Find(inner, MetadataBox); ok {
			if clip.Metadata, err = readPayload(r, meta); err != nil {
				return nil, err
			}
		}
	}
	return clip, nil
}

// parseTable reads a full box holding a count followed by count*width u32s.
func parseTable(p []byte, width int) ([]uint32, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("%w: short table", ErrMalformed)
	}
	n := int(binary.BigEndian.Uint32(p[4:8])) * width
	if len(p) < 8+4*n {
		return nil, fmt.Errorf("%w: table truncated", ErrMalformed)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(p[8+4*i:])
	}
	return out, nil
}

// ReadSample returns the encoded bytes of s.
func ReadSample(r io.ReaderAt, s Sample) ([]byte, error) {
	buf := make([]byte, s.Size)
	if _, err := r.ReadAt(buf, s.Offset); err != nil {
		return nil, fmt.Errorf("read sample at %d: %w", s.Offset, err)
	}
	return buf, nil
}

// File is an open clip.
type File struct {
	*Clip
	f *os.File
}

// Open parses the clip at path and keeps it open for sample reads.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	clip, err := Parse(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{Clip: clip, f: f}, nil
}

// Sample reads sample i.
func (cf *File) Sample(i int) ([]byte, error) {
	if i < 0 || i >= len(cf.Samples) {
		return nil, fmt.Errorf("container: sample %d of %d", i, len(cf.Samples))
	}
	return ReadSample(cf.f, cf.Samples[i])
}

// Close closes the file.
func (cf *File) Close() error {
	return cf.f.Close()
}

// WriteMetadata copies the clip in r to w with the udta box replaced by one
// holding payload. Sample data is copied byte for byte.
func WriteMetadata(w io.Writer, r io.ReaderAt, size int64, payload []byte) error {
	head := make([]byte, 12)
	if _, err := r.ReadAt(head, 0); err != nil || !IsClip(head) {
		return ErrNotClip
	}
	top, err := Walk(r, 0, size)
	if err != nil {
		return err
	}
	for _, b := range top {
		if b.Type == "udta" {
			continue
		}
		if _, err := io.Copy(w, io.NewSectionReader(r, b.Offset, b.Size)); err != nil {
			return err
		}
	}
	_, err = w.Write(box("udta", box(MetadataBox, payload)))
	return err
}
