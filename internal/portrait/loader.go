package portrait

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"time"

	"github.com/anthonynsimon/bild/clone"
	"github.com/anthonynsimon/bild/transform"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Loader resolves variants to canonical portraits: uploaded files first,
// then the configured source, then the synthesized fallback.
type Loader struct {
	files   Source
	source  Source
	size    int
	timeout time.Duration
	cache   *lru.Cache[string, *image.RGBA]
	logger  *slog.Logger
}

// NewSource builds the remote source for cfg.Mode. Synth mode has none.
func NewSource(cfg config.PortraitConfig) (Source, error) {
	switch cfg.Mode {
	case "synth", "":
		return nil, nil
	case "http":
		return NewHTTPSource(cfg.URLs), nil
	case "exec":
		return NewExecSource(cfg.Command, cfg.Size)
	default:
		return nil, fmt.Errorf("unsupported portrait mode %q", cfg.Mode)
	}
}

var errNoSource = errors.New("no portrait source configured")

func NewLoader(cfg config.PortraitConfig, avatarDir string, source Source, logger *slog.Logger) (*Loader, error) {
	if cfg.Size <= 0 {
		return nil, errors.New("portrait size must be positive")
	}
	cache, err := lru.New[string, *image.RGBA](max(cfg.CacheSize, 1))
	if err != nil {
		return nil, err
	}
	var files Source
	if avatarDir != "" {
		files = FileSource{Dir: avatarDir}
	}
	return &Loader{
		files:   files,
		source:  source,
		size:    cfg.Size,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		cache:   cache,
		logger:  logger.With(slog.String("component", "portrait")),
	}, nil
}

// Size is the canonical edge length of every returned portrait.
func (l *Loader) Size() int { return l.size }

// Load returns a private copy of the portrait for variant. It never fails.
func (l *Loader) Load(ctx context.Context, variant string) *image.RGBA {
	if img, ok := l.cache.Get(variant); ok {
		return clone.AsRGBA(img)
	}
	img, err := l.fetch(ctx, variant)
	if errors.Is(err, errNoSource) {
		// synth mode: the synthesized portrait is the canonical one
		img = Synthesize(variant, l.size)
	} else if err != nil {
		l.logger.Warn("using synthesized portrait", slog.String("variant", variant), slogError(err))
		return Synthesize(variant, l.size)
	}
	canonical := Normalize(img, l.size)
	l.cache.Add(variant, canonical)
	return clone.AsRGBA(canonical)
}

// Forget drops a cached portrait so the next Load refetches it.
func (l *Loader) Forget(variant string) {
	l.cache.Remove(variant)
}

func (l *Loader) fetch(ctx context.Context, variant string) (image.Image, error) {
	var errs []error
	if l.files != nil {
		img, err := l.files.Fetch(ctx, variant)
		if err == nil {
			return img, nil
		}
		errs = append(errs, err)
	}
	if l.source == nil {
		return nil, errNoSource
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	img, err := l.source.Fetch(ctx, variant)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image for %q", ErrFetch, variant)
	}
	return img, nil
}

// Normalize center-crops img to a square and resizes it to size×size.
func Normalize(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		out := image.NewRGBA(image.Rect(0, 0, size, size))
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
		return out
	}
	side := min(b.Dx(), b.Dy())
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	square := transform.Crop(img, image.Rect(x0, y0, x0+side, y0+side))
	return transform.Resize(square, size, size, transform.Linear)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
