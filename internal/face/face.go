// Package face paints expression parameters onto a base portrait.
package face

import (
	"image"
	"image/color"
	"math"

	"github.com/loqalabs/loqa-avatar/internal/anim"
	"github.com/loqalabs/loqa-avatar/internal/canvas"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	// BlinkClosed is the eyeBlink level at and above which eyes are drawn shut.
	BlinkClosed = 0.5

	// TiltDegrees converts headTilt into a rotation angle.
	TiltDegrees = 15.0

	teethThreshold  = 0.5
	tongueThreshold = 0.7
)

// Layout positions facial features as fractions of the portrait size.
type Layout struct {
	EyeY       float64
	EyeSpacing float64
	MouthY     float64
	BrowGap    float64
}

// DefaultLayout matches the synthesized portrait and the canonical photo framing.
var DefaultLayout = Layout{
	EyeY:       0.45,
	EyeSpacing: 0.10,
	MouthY:     0.65,
	BrowGap:    0.05,
}

var (
	irisColor   = color.RGBA{R: 100, G: 60, B: 30, A: 255}
	pupilColor  = color.RGBA{R: 10, G: 10, B: 10, A: 255}
	glintColor  = color.RGBA{R: 255, G: 255, B: 255, A: 230}
	lidColor    = color.RGBA{R: 220, G: 190, B: 170, A: 255}
	lashColor   = color.RGBA{R: 70, G: 45, B: 35, A: 255}
	mouthColor  = color.RGBA{R: 90, G: 30, B: 35, A: 255}
	teethColor  = color.RGBA{R: 250, G: 250, B: 245, A: 255}
	tongueColor = color.RGBA{R: 230, G: 130, B: 140, A: 255}
	smileColor  = color.RGBA{R: 200, G: 100, B: 100, A: 255}
	browColor   = color.RGBA{R: 40, G: 30, B: 20, A: 255}
)

// Renderer draws a face for an animation state.
type Renderer struct {
	Layout Layout
}

// NewRenderer returns a renderer using DefaultLayout.
func NewRenderer() *Renderer {
	return &Renderer{Layout: DefaultLayout}
}

// Render returns a new image of base's size with st applied. base is not modified.
func (r *Renderer) Render(base *image.RGBA, st anim.State) *image.RGBA {
	out := Warp(base, st.HeadTilt*TiltDegrees, 1+st.Breathing)
	c := canvas.New(out)
	g := r.geometry(out.Bounds().Dx(), out.Bounds().Dy())

	r.paintEyes(c, g, st)
	r.paintMouth(c, g, st.MouthOpen)
	r.paintSmile(c, g, st.Smile)
	r.paintBrows(c, g, st.EyebrowRaise)
	return out
}

// Warp rotates src by deg degrees (counter-clockwise on screen) and scales it
// by scale, both about the image center, in a single resampling pass. Pixels
// uncovered by the transformed portrait take the portrait's corner color.
func Warp(src *image.RGBA, deg, scale float64) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(src.At(b.Min.X, b.Min.Y)), image.Point{}, draw.Src)
	if deg == 0 && scale == 1 {
		draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)
		return out
	}

	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	sin, cos := math.Sincos(deg * math.Pi / 180)
	a, bb := scale*cos, scale*sin
	// Maps source coordinates (relative to b.Min) to destination coordinates.
	m := f64.Aff3{
		a, bb, (1-a)*cx - bb*cy - a*float64(b.Min.X) - bb*float64(b.Min.Y),
		-bb, a, bb*cx + (1-a)*cy + bb*float64(b.Min.X) - a*float64(b.Min.Y),
	}
	draw.BiLinear.Transform(out, m, src, b, draw.Over, nil)
	return out
}

type geometry struct {
	size          float64
	cx            float64
	eyeY          float64
	leftX, rightX float64
	mouthY        float64
	browY         float64
	unit          float64
}

func (r *Renderer) geometry(w, h int) geometry {
	size := math.Min(float64(w), float64(h))
	cx := float64(w) / 2
	eyeY := float64(h) * r.Layout.EyeY
	return geometry{
		size:   size,
		cx:     cx,
		eyeY:   eyeY,
		leftX:  cx - size*r.Layout.EyeSpacing,
		rightX: cx + size*r.Layout.EyeSpacing,
		mouthY: float64(h) * r.Layout.MouthY,
		browY:  eyeY - size*r.Layout.BrowGap,
		unit:   size / 600,
	}
}

func (r *Renderer) paintEyes(c *canvas.Canvas, g geometry, st anim.State) {
	for _, x := range []float64{g.leftX, g.rightX} {
		if st.EyeBlink >= BlinkClosed {
			// lid over the eye, then the lash line along the canonical eye row
			c.FillEllipse(x, g.eyeY, 26*g.unit, 16*g.unit, 0, lidColor)
			c.Line(x-25*g.unit, g.eyeY, x+25*g.unit, g.eyeY, 4*g.unit, lashColor)
			continue
		}
		pupil := 6 * g.unit
		if st.EyeFocus > 0 {
			pupil = 4 * g.unit
		}
		c.FillCircle(x, g.eyeY, 12*g.unit, irisColor)
		c.FillCircle(x, g.eyeY, pupil, pupilColor)
		c.FillCircle(x-4*g.unit, g.eyeY-4*g.unit, 2.5*g.unit, glintColor)
	}
}

// MouthSize returns the half-axes of the mouth opening for a portrait of the given size.
func MouthSize(open, size float64) (rx, ry float64) {
	unit := size / 600
	return (30 + open*50) * unit, (15 + open*25) * unit
}

func (r *Renderer) paintMouth(c *canvas.Canvas, g geometry, open float64) {
	if open <= 0 {
		return
	}
	rx, ry := MouthSize(open, g.size)
	c.FillArc(g.cx, g.mouthY, rx, ry, 0, 0, 180, mouthColor)
	if open > teethThreshold {
		c.FillArc(g.cx, g.mouthY, rx*0.85, ry*0.3, 0, 0, 180, teethColor)
	}
	if open > tongueThreshold {
		c.FillEllipse(g.cx, g.mouthY+ry*0.7, rx*0.5, ry*0.25, 0, tongueColor)
	}
}

func (r *Renderer) paintSmile(c *canvas.Canvas, g geometry, smile float64) {
	if smile <= 0 {
		return
	}
	width := (40 + smile*30) * g.unit
	c.StrokeArc(g.cx, g.mouthY-10*g.unit, width, 12*g.unit, 0, 0, 180, 4*g.unit, smileColor)
}

func (r *Renderer) paintBrows(c *canvas.Canvas, g geometry, raise float64) {
	if raise <= 0 {
		return
	}
	y := g.browY - raise*30*g.unit
	for _, x := range []float64{g.leftX, g.rightX} {
		c.FillArc(x, y, 35*g.unit, 10*g.unit, 0, 180, 360, browColor)
	}
}
