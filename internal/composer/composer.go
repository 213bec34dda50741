// Package composer merges an ordered list of segments into one exported
// asset: a clip video or an animated GIF.
package composer

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"kanvas-composer/internal/container"
	"kanvas-composer/internal/dispatch"
	"kanvas-composer/internal/media"
	"kanvas-composer/internal/metadata"
	"kanvas-composer/internal/platform/logger"
	"kanvas-composer/internal/platform/metrics"
	"kanvas-composer/internal/segment"
	"kanvas-composer/internal/storage"
)

var (
	// ErrCompositionFailed wraps every failure while building or tagging an export.
	ErrCompositionFailed = errors.New("composer: composition failed")

	// ErrEmptySession is returned when there is nothing to merge.
	ErrEmptySession = errors.New("composer: session has no segments")
)

// Format selects the container of a merged asset.
type Format string

const (
	FormatVideo Format = "video"
	FormatGIF   Format = "gif"
)

// ParseFormat validates a format name. "animated" is accepted for gif.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", string(FormatVideo):
		return FormatVideo, nil
	case string(FormatGIF), "animated":
		return FormatGIF, nil
	}
	return "", fmt.Errorf("composer: unknown output format %q", s)
}

// Settings control one merge.
type Settings struct {
	OutputFormat                 Format
	ImageDuration                time.Duration
	ExportStopMotionPhotoAsVideo bool
	Source                       metadata.Source // provenance written to the asset; defaults to the camera
}

// Asset is an exported file.
type Asset struct {
	Path     string         `json:"path"`
	Kind     media.Kind     `json:"kind"`
	Duration time.Duration  `json:"duration"`
	Action   string         `json:"action"`
	Metadata *metadata.Info `json:"metadata"`

	owned bool // file was created by this export
}

// Config wires a Composer.
type Config struct {
	Storage    storage.Storage
	Tagger     *metadata.Tagger
	Dispatcher dispatch.Dispatcher

	StillCacheSize int // encoded stills kept for retries, default 64
	Quality        int // JPEG quality of re-encoded pictures, default 90

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Composer builds exports. It is safe for concurrent use.
type Composer struct {
	storage  storage.Storage
	tagger   *metadata.Tagger
	dispatch dispatch.Dispatcher
	stills   *lru.Cache[string, []byte]
	quality  int
	log      *slog.Logger
	metrics  *metrics.Metrics

	encodes atomic.Int64 // still encodes, cache misses only
}

// New returns a Composer.
func New(cfg Config) (*Composer, error) {
	if cfg.Storage == nil || cfg.Dispatcher == nil {
		return nil, errors.New("composer: storage and dispatcher are required")
	}
	size := cfg.StillCacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("still cache: %w", err)
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 90
	}
	if cfg.Tagger == nil {
		cfg.Tagger = metadata.NewTagger(cfg.Log)
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Composer{
		storage:  cfg.Storage,
		tagger:   cfg.Tagger,
		dispatch: cfg.Dispatcher,
		stills:   cache,
		quality:  cfg.Quality,
		log:      cfg.Log,
		metrics:  cfg.Metrics,
	}, nil
}

// MergeAssets merges a snapshot of segs in the background and delivers the
// result to done on the dispatcher, exactly once. On failure the asset is
// nil and no partial file is left behind.
func (c *Composer) MergeAssets(segs []segment.Segment, s Settings, done func(*Asset, error)) {
	completion := dispatch.NewCompletion(c.dispatch, done)
	snapshot := append([]segment.Segment(nil), segs...)
	go func() {
		completion.Settle(c.Merge(snapshot, s))
	}()
}

// Merge is the blocking form of MergeAssets.
func (c *Composer) Merge(segs []segment.Segment, s Settings) (*Asset, error) {
	start := time.Now()
	action, err := Plan(segs, s)
	if err != nil {
		return nil, err
	}

	var asset *Asset
	switch action {
	case ActionImage:
		asset, err = c.exportImage(segs[0].(segment.Image))
	case ActionPairedClip:
		asset, err = c.exportPairedClip(segs[0].(segment.Image))
	default:
		asset, err = c.merge(segs, s)
	}
	if err == nil {
		asset.Action = action.String()
		err = c.tag(asset, s, len(segs))
	}

	elapsed := time.Since(start)
	if err != nil {
		c.observe(metrics.MergeFailed, elapsed)
		c.log.Error("merge failed",
			slog.Int("segments", len(segs)),
			slog.String("action", action.String()),
			slog.String("error", err.Error()))
		if errors.Is(err, ErrCompositionFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCompositionFailed, err)
	}

	result := metrics.MergeMerged
	if action != ActionMerge {
		result = metrics.MergePassthrough
	}
	c.observe(result, elapsed)
	attrs := []any{
		slog.String("path", asset.Path),
		slog.String("kind", string(asset.Kind)),
		slog.String("action", asset.Action),
		slog.Int("segments", len(segs)),
		slog.Duration("duration", asset.Duration),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	}
	if info, err := os.Stat(asset.Path); err == nil {
		attrs = append(attrs, logger.Size("size", info.Size()))
	}
	c.log.Info("asset exported", attrs...)
	return asset, nil
}

func (c *Composer) observe(result string, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveMerge(result, elapsed.Seconds())
	}
}

func (c *Composer) tag(a *Asset, s Settings, segments int) error {
	source := s.Source
	if source == "" {
		source = metadata.SourceCamera
	}
	info := metadata.Info{Source: source, Extra: map[string]string{
		"segments": strconv.Itoa(segments),
		"action":   a.Action,
	}}
	a.Metadata = &info
	// Segment files handed back as is stay byte for byte untouched; their
	// provenance travels on the asset only.
	if !a.owned {
		return nil
	}
	if err := c.tagger.Tag(a.Path, info); err != nil {
		os.Remove(a.Path)
		a.Metadata = nil
		return fmt.Errorf("tag export: %w", err)
	}
	return nil
}

func (c *Composer) exportImage(img segment.Image) (*Asset, error) {
	if img.Path != "" {
		return &Asset{Path: img.Path, Kind: media.KindImage}, nil
	}
	// In-memory still: persist it first.
	pending, err := c.storage.Create(exportName(".png"))
	if err != nil {
		return nil, err
	}
	if err := png.Encode(pending, img.Still); err != nil {
		pending.Abort()
		return nil, fmt.Errorf("encode still: %w", err)
	}
	path, err := pending.Commit()
	if err != nil {
		return nil, err
	}
	return &Asset{Path: path, Kind: media.KindImage, owned: true}, nil
}

func (c *Composer) exportPairedClip(img segment.Image) (*Asset, error) {
	cf, err := container.Open(img.PairedClip)
	if err != nil {
		return nil, fmt.Errorf("open paired clip: %w", err)
	}
	defer cf.Close()
	return &Asset{Path: img.PairedClip, Kind: media.KindVideo, Duration: cf.Duration()}, nil
}

func (c *Composer) merge(segs []segment.Segment, s Settings) (*Asset, error) {
	width, height, err := outputSize(segs[0])
	if err != nil {
		return nil, err
	}

	ext, kind := ".mp4", media.KindVideo
	if s.OutputFormat == FormatGIF {
		ext, kind = ".gif", media.KindAnimated
	}
	pending, err := c.storage.Create(exportName(ext))
	if err != nil {
		return nil, err
	}

	var duration time.Duration
	if kind == media.KindAnimated {
		duration, err = c.writeGIF(pending, segs, width, height, s)
	} else {
		duration, err = c.writeVideo(pending, segs, width, height, s)
	}
	if err != nil {
		pending.Abort()
		return nil, err
	}
	path, err := pending.Commit()
	if err != nil {
		return nil, err
	}
	return &Asset{Path: path, Kind: kind, Duration: duration, owned: true}, nil
}

func exportName(ext string) string {
	return "export-" + uuid.NewString() + ext
}

// outputSize is the size of the first segment.
func outputSize(first segment.Segment) (int, int, error) {
	switch v := first.(type) {
	case segment.Image:
		img, err := loadStill(v)
		if err != nil {
			return 0, 0, err
		}
		b := img.Bounds()
		return b.Dx(), b.Dy(), nil
	case segment.VideoClip:
		cf, err := container.Open(v.Path)
		if err != nil {
			return 0, 0, err
		}
		defer cf.Close()
		return cf.Width, cf.Height, nil
	}
	return 0, 0, segment.ErrInvalidSegment
}

func loadStill(img segment.Image) (image.Image, error) {
	if img.Still != nil {
		return img.Still, nil
	}
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("open still: %w", err)
	}
	defer f.Close()
	decoded, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode still %s: %w", img.Path, err)
	}
	return decoded, nil
}
