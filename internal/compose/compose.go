// Package compose layers background, body, face and overlays into a
// fixed-size portrait frame and encodes it.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/canvas"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"

	statusBarHeight = 80
	captionLimit    = 40
)

var (
	accent     = canvas.MustHex("#25f4ee")
	barColor   = canvas.MustHex("#000000")
	liveColor  = canvas.MustHex("#00ff00")
	idleColor  = canvas.MustHex("#646464")
	textColor  = canvas.MustHex("#ffffff")
	mutedColor = canvas.MustHex("#c8c8c8")
	neckColor  = canvas.MustHex("#c8aa96")
	suitColor  = canvas.MustHex("#1e1e32")
)

// Gradient background: per channel base, amplitude and row phase (R, G, B).
var (
	gradientBase      = [3]float64{40, 50, 80}
	gradientAmplitude = [3]float64{60, 70, 80}
	gradientPhase     = [3]float64{0, 120, 240}
)

// Options controls frame geometry, overlays and encoding.
type Options struct {
	Width     int
	Height    int
	FaceX     int
	FaceY     int
	Format    string
	Quality   int
	Label     string
	Watermark string
	ShowDebug bool
}

// DefaultOptions is a 1080×1920 JPEG frame with the face at (240, 300).
func DefaultOptions() Options {
	return Options{
		Width:     1080,
		Height:    1920,
		FaceX:     240,
		FaceY:     300,
		Format:    FormatJPEG,
		Quality:   90,
		Label:     "INTERACTIVE AVATAR",
		Watermark: "Live Shopping - Interactive Avatar",
		ShowDebug: true,
	}
}

// OptionsFrom maps the render section of the service config.
func OptionsFrom(cfg config.RenderConfig) Options {
	return Options{
		Width:     cfg.Width,
		Height:    cfg.Height,
		FaceX:     cfg.FaceX,
		FaceY:     cfg.FaceY,
		Format:    cfg.Format,
		Quality:   cfg.Quality,
		Label:     cfg.Label,
		Watermark: cfg.Watermark,
		ShowDebug: cfg.ShowDebug,
	}
}

// Meta describes the session a frame belongs to.
type Meta struct {
	SessionID string
	Variant   string
	Frame     uint64
}

// Compositor assembles frames.
type Compositor struct {
	opts Options
}

// New validates opts and returns a compositor.
func New(opts Options) (*Compositor, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, errors.New("frame dimensions must be positive")
	}
	switch opts.Format {
	case FormatJPEG:
		if opts.Quality < 1 || opts.Quality > 100 {
			return nil, errors.New("jpeg quality must be between 1 and 100")
		}
	case FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported frame format %q", opts.Format)
	}
	return &Compositor{opts: opts}, nil
}

// Options returns the compositor's settings.
func (c *Compositor) Options() Options { return c.opts }

// ContentType is the MIME type of encoded frames.
func (c *Compositor) ContentType() string {
	if c.opts.Format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Frame composes and encodes one frame.
func (c *Compositor) Frame(face *image.RGBA, meta Meta, in anim.Input, st anim.State, t float64) ([]byte, error) {
	img, err := c.Compose(face, meta, in, st, t)
	if err != nil {
		return nil, err
	}
	return c.Encode(img)
}

// Compose returns the unencoded frame. Its size is always Width×Height.
func (c *Compositor) Compose(face *image.RGBA, meta Meta, in anim.Input, st anim.State, t float64) (*image.RGBA, error) {
	if face == nil {
		return nil, errors.New("no face image")
	}
	frame := image.NewRGBA(image.Rect(0, 0, c.opts.Width, c.opts.Height))
	cv := canvas.New(frame)

	Background(frame, t)
	c.body(cv, face.Bounds().Dx(), face.Bounds().Dy())

	fr := image.Rect(c.opts.FaceX, c.opts.FaceY, c.opts.FaceX+face.Bounds().Dx(), c.opts.FaceY+face.Bounds().Dy())
	draw.Draw(frame, fr.Intersect(frame.Bounds()), face, face.Bounds().Min, draw.Src)

	if err := c.statusBar(cv, meta, in); err != nil {
		return nil, err
	}
	if err := c.footer(cv, in, st); err != nil {
		return nil, err
	}
	return frame, nil
}

// Encode serializes a frame in the configured format.
func (c *Compositor) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch c.opts.Format {
	case FormatPNG:
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.opts.Quality})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", c.opts.Format, err)
	}
	return buf.Bytes(), nil
}

// Background paints the slow vertical gradient for time t (seconds).
func Background(frame *image.RGBA, t float64) {
	b := frame.Bounds()
	for i := 0; i < b.Dy(); i++ {
		px := GradientAt(i, t)
		row := frame.Pix[i*frame.Stride : i*frame.Stride+4*b.Dx()]
		for x := 0; x < len(row); x += 4 {
			row[x], row[x+1], row[x+2], row[x+3] = px.R, px.G, px.B, 0xff
		}
	}
}

// GradientAt returns the background color of row i at time t.
func GradientAt(i int, t float64) color.RGBA {
	var ch [3]uint8
	for k := range ch {
		v := gradientBase[k] + gradientAmplitude[k]*math.Abs(math.Sin((float64(i)+t*20+gradientPhase[k])/200))
		ch[k] = uint8(anim.Clamp(v, 0, 255))
	}
	return color.RGBA{R: ch[0], G: ch[1], B: ch[2], A: 0xff}
}

// body draws neck, shoulders and torso directly below the face region.
func (c *Compositor) body(cv *canvas.Canvas, faceW, faceH int) {
	u := float64(faceW) / 600
	x0 := float64(c.opts.FaceX)
	top := float64(c.opts.FaceY + faceH)
	bottom := float64(c.opts.Height)

	cv.FillRect(int(x0+200*u), int(top), int(x0+400*u), int(top+100*u), neckColor)
	cv.FillArc(x0+300*u, top+100*u, 200*u, 80*u, 0, 0, 180, suitColor)
	cv.FillPolygon([]canvas.Point{
		{X: x0 + 100*u, Y: top + 100*u},
		{X: x0 + 500*u, Y: top + 100*u},
		{X: x0 + 580*u, Y: bottom},
		{X: x0 + 20*u, Y: bottom},
	}, suitColor)
	cv.FillArc(x0+300*u, top+100*u, 60*u, 40*u, 0, 0, 180, neckColor)
}

func (c *Compositor) statusBar(cv *canvas.Canvas, meta Meta, in anim.Input) error {
	bar := cv.Region(image.Rect(0, 0, cv.Width(), statusBarHeight))
	w, h := bar.Width(), bar.Height()
	bar.FillRect(0, 0, w, h, barColor)
	bar.StrokeRect(1, 1, float64(w-1), float64(h-1), 2, accent)

	status := fmt.Sprintf("%s | %s | Gesture: %d%%", c.opts.Label, strings.ToUpper(meta.Variant), int(math.Round(anim.Clamp(in.GestureIntensity, 0, 100))))
	// leave room for the SPEAKING indicator on the right
	status, err := canvas.FitText(status, float64(w-260), 28, canvas.Sans)
	if err != nil {
		return err
	}
	if err := bar.Text(status, 30, 50, 28, canvas.Sans, accent); err != nil {
		return err
	}

	if in.Speaking {
		bar.FillCircle(float64(w-60), 40, 20, liveColor)
		return bar.Text("SPEAKING", float64(w-230), 50, 24, canvas.Sans, liveColor)
	}
	bar.FillCircle(float64(w-60), 40, 20, idleColor)
	return nil
}

func (c *Compositor) footer(cv *canvas.Canvas, in anim.Input, st anim.State) error {
	h := float64(cv.Height())
	maxW := float64(cv.Width() - 60)
	lines := []struct {
		text  string
		y     float64
		size  float64
		style canvas.FontStyle
		col   color.Color
	}{
		{Caption(in), h - 110, 26, canvas.Sans, textColor},
		{"", h - 70, 20, canvas.Mono, mutedColor},
		{c.opts.Watermark, h - 30, 24, canvas.Sans, textColor},
	}
	if c.opts.ShowDebug {
		lines[1].text = fmt.Sprintf("Blink: %.1f   Mouth: %.1f   Smile: %.1f   Focus: %.1f", st.EyeBlink, st.MouthOpen, st.Smile, st.EyeFocus)
	}
	for _, l := range lines {
		if l.text == "" {
			continue
		}
		text, err := canvas.FitText(l.text, maxW, l.size, l.style)
		if err != nil {
			return err
		}
		if err := cv.Text(text, 30, l.y, l.size, l.style, l.col); err != nil {
			return err
		}
	}
	return nil
}

// Caption returns the quoted caption for a speaking input, truncated to 40
// runes with an ellipsis. Idle inputs have no caption.
func Caption(in anim.Input) string {
	if !in.Speaking || in.Text == "" {
		return ""
	}
	text := in.Text
	if utf8.RuneCountInString(text) > captionLimit {
		text = string([]rune(text)[:captionLimit]) + "..."
	}
	return "'" + text + "'"
}
