package canvas

import (
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"

	"github.com/go-fonts/latin-modern/lmmono10regular"
	"github.com/go-fonts/latin-modern/lmsans10bold"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// FontStyle selects one of the embedded typefaces.
type FontStyle int

const (
	Sans FontStyle = iota
	Mono
)

type faceKey struct {
	style FontStyle
	size  float64
}

var (
	parseOnce sync.Once
	parsed    map[FontStyle]*opentype.Font
	parseErr  error

	facesMu sync.Mutex
	faces   = map[faceKey]font.Face{}
)

func loadFonts() error {
	parseOnce.Do(func() {
		parsed = make(map[FontStyle]*opentype.Font, 2)
		for style, data := range map[FontStyle][]byte{Sans: lmsans10bold.TTF, Mono: lmmono10regular.TTF} {
			f, err := opentype.Parse(data)
			if err != nil {
				parseErr = fmt.Errorf("parse embedded font: %w", err)
				return
			}
			parsed[style] = f
		}
	})
	return parseErr
}

// Face returns a cached font face for the style at size pixels.
func Face(style FontStyle, size float64) (font.Face, error) {
	if err := loadFonts(); err != nil {
		return nil, err
	}
	key := faceKey{style: style, size: size}
	facesMu.Lock()
	defer facesMu.Unlock()
	if f, ok := faces[key]; ok {
		return f, nil
	}
	f, err := opentype.NewFace(parsed[style], &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}
	faces[key] = f
	return f, nil
}

// Text draws s with its baseline starting at (x, y).
func (c *Canvas) Text(s string, x, y, size float64, style FontStyle, col color.Color) error {
	face, err := Face(style, size)
	if err != nil {
		return err
	}
	min := c.img.Bounds().Min
	// Faces are shared between canvases; glyph rasterization is not reentrant.
	facesMu.Lock()
	defer facesMu.Unlock()
	d := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(min.X+int(x), min.Y+int(y)),
	}
	d.DrawString(s)
	return nil
}

// MeasureText returns the advance width of s in pixels.
func MeasureText(s string, size float64, style FontStyle) (float64, error) {
	face, err := Face(style, size)
	if err != nil {
		return 0, err
	}
	facesMu.Lock()
	defer facesMu.Unlock()
	return float64(font.MeasureString(face, s)) / 64, nil
}

// FitText shortens s with a trailing "..." until it is at most maxWidth
// pixels wide. It returns "" when not even the ellipsis fits.
func FitText(s string, maxWidth, size float64, style FontStyle) (string, error) {
	w, err := MeasureText(s, size, style)
	if err != nil || w <= maxWidth {
		return s, err
	}
	runes := []rune(s)
	for n := len(runes) - 1; n >= 0; n-- {
		cand := strings.TrimRight(string(runes[:n]), " ") + "..."
		if w, err = MeasureText(cand, size, style); err != nil {
			return "", err
		}
		if w <= maxWidth {
			return cand, nil
		}
	}
	return "", nil
}
