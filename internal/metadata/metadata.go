// Package metadata reads and writes the provenance block embedded in
// exported assets.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"kanvas-composer/internal/container"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/storage"
)

// Source identifies what produced an asset.
type Source string

const (
	SourceCamera       Source = "kanvas_camera"
	SourceMediaLibrary Source = "media_library"
)

// Info is the metadata block.
type Info struct {
	Source Source            `json:"source"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Equal compares two blocks field by field.
func (i Info) Equal(o Info) bool {
	if i.Source != o.Source || len(i.Extra) != len(o.Extra) {
		return false
	}
	for k, v := range i.Extra {
		if ov, ok := o.Extra[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

var (
	// ErrUnsupportedAsset is returned for files that are not a clip, PNG or GIF.
	ErrUnsupportedAsset = errors.New("metadata: unsupported asset format")

	// ErrCorrupt is returned when an embedded block exists but cannot be decoded.
	ErrCorrupt = errors.New("metadata: corrupt metadata block")
)

// Sniff reports the asset kind from the first bytes of a file.
func Sniff(header []byte) (media.Kind, bool) {
	switch {
	case container.IsClip(header):
		return media.KindVideo, true
	case bytes.HasPrefix(header, pngSignature):
		return media.KindImage, true
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return media.KindAnimated, true
	}
	return "", false
}

// Tagger embeds Info in asset files in place.
type Tagger struct {
	log *slog.Logger
}

// NewTagger returns a Tagger. log may be nil.
func NewTagger(log *slog.Logger) *Tagger {
	return &Tagger{log: log}
}

// Tag writes info into the asset at path, replacing any earlier block.
// Pixel and sample data are copied unchanged; the file is replaced
// atomically.
func (t *Tagger) Tag(path string, info Info) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read asset: %w", err)
	}
	kind, ok := Sniff(data)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, path)
	}

	var write func(w io.Writer) error
	switch kind {
	case media.KindVideo:
		write = func(w io.Writer) error {
			return container.WriteMetadata(w, bytes.NewReader(data), int64(len(data)), payload)
		}
	case media.KindImage:
		write = func(w io.Writer) error { return writePNG(w, data, payload) }
	case media.KindAnimated:
		write = func(w io.Writer) error { return writeGIF(w, data, payload) }
	}
	if err := storage.Rewrite(path, write); err != nil {
		return fmt.Errorf("tag %s: %w", path, err)
	}
	if t.log != nil {
		t.log.Debug("asset tagged",
			slog.String("path", path),
			slog.String("kind", string(kind)),
			slog.String("source", string(info.Source)))
	}
	return nil
}

// Read returns the block embedded in the asset at path, or nil when the
// asset carries none.
func (t *Tagger) Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	kind, ok := Sniff(data)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, path)
	}

	var payload []byte
	switch kind {
	case media.KindVideo:
		clip, err := container.Parse(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("parse clip: %w", err)
		}
		payload = clip.Metadata
	case media.KindImage:
		payload, err = readPNG(data)
	case media.KindAnimated:
		payload, err = readGIF(data)
	}
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}

	var info Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &info, nil
}
