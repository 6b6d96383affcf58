// Package canvas draws anti-aliased shapes and text onto RGBA images.
//
// Coordinates are local to the destination's bounds, so a canvas built on a
// sub-image draws relative to that sub-image's top-left corner. Everything is
// clipped to the destination bounds.
package canvas

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/srwiley/rasterx"
	"golang.org/x/image/math/fixed"
)

// Point is a position in canvas coordinates.
type Point struct {
	X, Y float64
}

// Canvas paints onto an RGBA image.
type Canvas struct {
	img     *image.RGBA
	filler  *rasterx.Filler
	stroker *rasterx.Stroker
}

// New returns a canvas drawing onto img.
func New(img *image.RGBA) *Canvas {
	b := img.Bounds()
	scanner := rasterx.NewScannerGV(b.Dx(), b.Dy(), img, b)
	return &Canvas{
		img:     img,
		filler:  rasterx.NewFiller(b.Dx(), b.Dy(), scanner),
		stroker: rasterx.NewStroker(b.Dx(), b.Dy(), scanner),
	}
}

// Width returns the canvas width in pixels.
func (c *Canvas) Width() int { return c.img.Bounds().Dx() }

// Height returns the canvas height in pixels.
func (c *Canvas) Height() int { return c.img.Bounds().Dy() }

// Region returns a canvas over r (in this canvas' coordinates), clipped to the image.
func (c *Canvas) Region(r image.Rectangle) *Canvas {
	r = r.Add(c.img.Bounds().Min).Intersect(c.img.Bounds())
	return New(c.img.SubImage(r).(*image.RGBA))
}

// Fill paints the whole canvas with col.
func (c *Canvas) Fill(col color.Color) {
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(col), image.Point{}, draw.Src)
}

// FillRect paints the axis-aligned rectangle [x0,x1)×[y0,y1).
func (c *Canvas) FillRect(x0, y0, x1, y1 int, col color.Color) {
	min := c.img.Bounds().Min
	r := image.Rect(x0, y0, x1, y1).Add(min).Intersect(c.img.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(c.img, r, image.NewUniform(col), image.Point{}, draw.Over)
}

// StrokeRect outlines the rectangle with a line of the given width.
func (c *Canvas) StrokeRect(x0, y0, x1, y1, width float64, col color.Color) {
	c.stroke([]Point{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}, true, width, col)
}

// FillEllipse fills an ellipse rotated by rot degrees about its center.
func (c *Canvas) FillEllipse(cx, cy, rx, ry, rot float64, col color.Color) {
	if rx <= 0 || ry <= 0 {
		return
	}
	c.filler.Clear()
	rasterx.AddEllipse(cx, cy, rx, ry, rot, c.filler)
	c.filler.SetColor(col)
	c.filler.Draw()
	c.filler.Clear()
}

// FillCircle fills a circle.
func (c *Canvas) FillCircle(cx, cy, r float64, col color.Color) {
	if r <= 0 {
		return
	}
	c.filler.Clear()
	rasterx.AddCircle(cx, cy, r, c.filler)
	c.filler.SetColor(col)
	c.filler.Draw()
	c.filler.Clear()
}

// FillArc fills the region between an elliptical arc and its chord. Angles are
// in degrees, measured clockwise from the positive x axis (y grows downward),
// so 0..180 is the lower half.
func (c *Canvas) FillArc(cx, cy, rx, ry, rot, start, end float64, col color.Color) {
	if rx <= 0 || ry <= 0 {
		return
	}
	c.FillPolygon(ArcPoints(cx, cy, rx, ry, rot, start, end), col)
}

// StrokeArc draws an elliptical arc outline.
func (c *Canvas) StrokeArc(cx, cy, rx, ry, rot, start, end, width float64, col color.Color) {
	if rx <= 0 || ry <= 0 {
		return
	}
	c.stroke(ArcPoints(cx, cy, rx, ry, rot, start, end), false, width, col)
}

// FillPolygon fills a closed polygon.
func (c *Canvas) FillPolygon(pts []Point, col color.Color) {
	if len(pts) < 3 {
		return
	}
	c.filler.Clear()
	c.filler.Start(rasterx.ToFixedP(pts[0].X, pts[0].Y))
	for _, p := range pts[1:] {
		c.filler.Line(rasterx.ToFixedP(p.X, p.Y))
	}
	c.filler.Stop(true)
	c.filler.SetColor(col)
	c.filler.Draw()
	c.filler.Clear()
}

// Line draws a straight segment with round caps.
func (c *Canvas) Line(x0, y0, x1, y1, width float64, col color.Color) {
	c.stroke([]Point{{x0, y0}, {x1, y1}}, false, width, col)
}

func (c *Canvas) stroke(pts []Point, closed bool, width float64, col color.Color) {
	if len(pts) < 2 || width <= 0 {
		return
	}
	c.stroker.Clear()
	c.stroker.SetStroke(fixed.Int26_6(width*64), 4<<6, rasterx.RoundCap, rasterx.RoundCap, rasterx.RoundGap, rasterx.Round)
	c.stroker.Start(rasterx.ToFixedP(pts[0].X, pts[0].Y))
	for _, p := range pts[1:] {
		c.stroker.Line(rasterx.ToFixedP(p.X, p.Y))
	}
	c.stroker.Stop(closed)
	c.stroker.SetColor(col)
	c.stroker.Draw()
	c.stroker.Clear()
}

// ArcPoints samples an elliptical arc into a polyline.
func ArcPoints(cx, cy, rx, ry, rot, start, end float64) []Point {
	if end < start {
		start, end = end, start
	}
	steps := int(math.Ceil((end-start)/5)) + 1
	if steps < 2 {
		steps = 2
	}
	sinR, cosR := math.Sincos(rot * math.Pi / 180)
	pts := make([]Point, 0, steps)
	for i := 0; i < steps; i++ {
		a := (start + (end-start)*float64(i)/float64(steps-1)) * math.Pi / 180
		sinA, cosA := math.Sincos(a)
		x, y := rx*cosA, ry*sinA
		pts = append(pts, Point{
			X: cx + x*cosR - y*sinR,
			Y: cy + x*sinR + y*cosR,
		})
	}
	return pts
}
