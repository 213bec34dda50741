package metadata

import (
	"bytes"
	"compress/zlib"
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kanvas-composer/internal/container"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 30), uint8(y * 40), 100, 255})
		}
	}
	return img
}

func writePNGFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.png")
	var b bytes.Buffer
	if err := png.Encode(&b, testImage()); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, b.Bytes(), 0o644)
	return path
}

func writeGIFFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anim.gif")
	anim := &gif.GIF{LoopCount: 0}
	for i := 0; i < 3; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, 4, 4), palette.Plan9)
		frame.SetColorIndex(i, i, uint8(10+i))
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 10)
	}
	var b bytes.Buffer
	if err := gif.EncodeAll(&b, anim); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(path, b.Bytes(), 0o644)
	return path
}

func writeClipFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	f, _ := os.Create(path)
	defer f.Close()
	w, _ := container.NewWriter(f, 4, 4)
	w.WriteSample([]byte("frame-0"), 20)
	w.WriteSample([]byte("frame-1"), 20)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTagger_round_trip(t *testing.T) {
	tagger := NewTagger(nil)
	info := Info{Source: SourceCamera, Extra: map[string]string{"mode": "stopMotion", "note": "héllo"}}

	cases := map[string]func(*testing.T) string{
		"video": writeClipFile,
		"image": writePNGFile,
		"gif":   writeGIFFile,
	}
	for name, mk := range cases {
		t.Run(name, func(t *testing.T) {
			path := mk(t)
			if err := tagger.Tag(path, info); err != nil {
				t.Fatalf("Tag: %v", err)
			}
			got, err := tagger.Read(path)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got == nil || got.Source != SourceCamera {
				t.Fatalf("Read: got %+v", got)
			}
			if !got.Equal(info) {
				t.Errorf("extra fields lost: %+v", got)
			}
		})
	}
}

func TestTagger_Read_untagged(t *testing.T) {
	tagger := NewTagger(nil)
	for _, mk := range []func(*testing.T) string{writeClipFile, writePNGFile, writeGIFFile} {
		got, err := tagger.Read(mk(t))
		if err != nil || got != nil {
			t.Errorf("untagged asset: got %+v, %v", got, err)
		}
	}
}

func TestTagger_retag_replaces(t *testing.T) {
	tagger := NewTagger(nil)
	for _, mk := range []func(*testing.T) string{writeClipFile, writePNGFile, writeGIFFile} {
		path := mk(t)
		tagger.Tag(path, Info{Source: SourceMediaLibrary})
		tagger.Tag(path, Info{Source: SourceCamera})
		got, err := tagger.Read(path)
		if err != nil || got == nil || got.Source != SourceCamera {
			t.Errorf("%s: got %+v, %v", filepath.Base(path), got, err)
		}
		data, _ := os.ReadFile(path)
		if n := strings.Count(string(data), `"source"`); n != 1 {
			t.Errorf("%s: expected one block, found %d", filepath.Base(path), n)
		}
	}
}

func TestTagger_Tag_keeps_pixels(t *testing.T) {
	tagger := NewTagger(nil)

	t.Run("png", func(t *testing.T) {
		path := writePNGFile(t)
		if err := tagger.Tag(path, Info{Source: SourceCamera}); err != nil {
			t.Fatal(err)
		}
		f, _ := os.Open(path)
		defer f.Close()
		img, err := png.Decode(f)
		if err != nil {
			t.Fatalf("tagged PNG no longer decodes: %v", err)
		}
		want := testImage()
		for y := 0; y < 6; y++ {
			for x := 0; x < 8; x++ {
				r1, g1, b1, a1 := img.At(x, y).RGBA()
				r2, g2, b2, a2 := want.At(x, y).RGBA()
				if r1 != r2 || g1 != g2 || b1 != b2 || a1 != a2 {
					t.Fatalf("pixel (%d,%d) changed", x, y)
				}
			}
		}
	})

	t.Run("gif", func(t *testing.T) {
		path := writeGIFFile(t)
		if err := tagger.Tag(path, Info{Source: SourceCamera}); err != nil {
			t.Fatal(err)
		}
		f, _ := os.Open(path)
		defer f.Close()
		anim, err := gif.DecodeAll(f)
		if err != nil {
			t.Fatalf("tagged GIF no longer decodes: %v", err)
		}
		if len(anim.Image) != 3 || anim.Image[2].ColorIndexAt(2, 2) != 12 {
			t.Error("GIF frames changed")
		}
	})

	t.Run("video", func(t *testing.T) {
		path := writeClipFile(t)
		if err := tagger.Tag(path, Info{Source: SourceCamera}); err != nil {
			t.Fatal(err)
		}
		cf, err := container.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer cf.Close()
		s, _ := cf.Sample(1)
		if string(s) != "frame-1" {
			t.Errorf("sample changed: %q", s)
		}
	})
}

func TestTagger_unsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(path, []byte("just text, not media"), 0o644)
	tagger := NewTagger(nil)
	if err := tagger.Tag(path, Info{Source: SourceCamera}); !errors.Is(err, ErrUnsupportedAsset) {
		t.Errorf("Tag: expected ErrUnsupportedAsset, got %v", err)
	}
	if _, err := tagger.Read(path); !errors.Is(err, ErrUnsupportedAsset) {
		t.Errorf("Read: expected ErrUnsupportedAsset, got %v", err)
	}
}

func TestTagger_long_gif_payload(t *testing.T) {
	path := writeGIFFile(t)
	tagger := NewTagger(nil)
	info := Info{Source: SourceCamera, Extra: map[string]string{"blob": strings.Repeat("x", 700)}}
	if err := tagger.Tag(path, info); err != nil {
		t.Fatal(err)
	}
	got, err := tagger.Read(path)
	if err != nil || got == nil || !got.Equal(info) {
		t.Errorf("payload spanning sub-blocks: %+v, %v", got, err)
	}
}

// withTextChunk rewrites the PNG at path with an extra text chunk before IEND.
func withTextChunk(t *testing.T, path, typ string, body []byte) {
	t.Helper()
	data, _ := os.ReadFile(path)
	chunks, err := pngChunks(data)
	if err != nil {
		t.Fatal(err)
	}
	out := append([]byte(nil), pngSignature...)
	for _, c := range chunks {
		if c.typ == "IEND" {
			out = append(out, encodeChunk(typ, body)...)
		}
		out = append(out, c.raw...)
	}
	os.WriteFile(path, out, 0o644)
}

func deflate(t *testing.T, text []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	zw := zlib.NewWriter(&b)
	zw.Write(text)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return b.Bytes()
}

func TestTagger_Read_png_text_forms(t *testing.T) {
	payload := []byte(`{"source":"kanvas_camera","extra":{"mode":"normal"}}`)
	key := []byte(pngKeyword + "\x00")

	cases := []struct {
		name string
		typ  string
		body []byte
	}{
		{"text", "tEXt", append(append([]byte(nil), key...), payload...)},
		{"ztxt", "zTXt", append(append(append([]byte(nil), key...), 0), deflate(t, payload)...)},
		{"compressed_itxt", "iTXt", append(append(append([]byte(nil), key...), 1, 0, 0, 0), deflate(t, payload)...)},
		{"itxt_with_language", "iTXt", append(append(append([]byte(nil), key...), []byte("\x00\x00en\x00metadata\x00")...), payload...)},
	}
	tagger := NewTagger(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writePNGFile(t)
			withTextChunk(t, path, tc.typ, tc.body)

			got, err := tagger.Read(path)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if got == nil || got.Source != SourceCamera || got.Extra["mode"] != "normal" {
				t.Fatalf("Read: got %+v", got)
			}

			if err := tagger.Tag(path, Info{Source: SourceMediaLibrary}); err != nil {
				t.Fatal(err)
			}
			data, _ := os.ReadFile(path)
			if n := strings.Count(string(data), pngKeyword); n != 1 {
				t.Errorf("retag should replace the %s chunk, found %d blocks", tc.typ, n)
			}
			got, _ = tagger.Read(path)
			if got == nil || got.Source != SourceMediaLibrary {
				t.Errorf("after retag: %+v", got)
			}
		})
	}

	t.Run("other_keyword_ignored", func(t *testing.T) {
		path := writePNGFile(t)
		withTextChunk(t, path, "tEXt", append([]byte("Comment\x00"), payload...))
		got, err := tagger.Read(path)
		if err != nil || got != nil {
			t.Errorf("foreign text chunk: got %+v, %v", got, err)
		}
	})

	t.Run("bad_ztxt_stream", func(t *testing.T) {
		path := writePNGFile(t)
		withTextChunk(t, path, "zTXt", append(append(append([]byte(nil), key...), 0), "not zlib"...))
		if _, err := tagger.Read(path); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}
