package canvas

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

// MustHex parses a "#rrggbb" literal and panics on malformed input. It is
// meant for package-level palettes.
func MustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic("canvas: " + err.Error())
	}
	return c
}

// Mix blends a toward b by t in CIE L*a*b* space and returns an opaque RGBA.
func Mix(a, b color.Color, t float64) color.RGBA {
	ca, _ := colorful.MakeColor(a)
	cb, _ := colorful.MakeColor(b)
	r, g, bl := ca.BlendLab(cb, t).Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: bl, A: 0xff}
}
