package portrait

import (
	"hash/fnv"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/blur"
	"github.com/loqalabs/loqa-avatar/internal/canvas"
)

type palette struct {
	background color.Color
	skin       color.Color
	hair       color.Color
	eye        color.Color
	lips       color.Color
	longHair   bool
}

var palettes = map[string]palette{
	"female": {
		background: canvas.MustHex("#3c465a"),
		skin:       canvas.MustHex("#f0c8aa"),
		hair:       canvas.MustHex("#5a3c28"),
		eye:        canvas.MustHex("#ffffff"),
		lips:       canvas.MustHex("#c86478"),
		longHair:   true,
	},
	"male": {
		background: canvas.MustHex("#32414b"),
		skin:       canvas.MustHex("#dcb496"),
		hair:       canvas.MustHex("#28231e"),
		eye:        canvas.MustHex("#ffffff"),
		lips:       canvas.MustHex("#a06464"),
	},
	"default": {
		background: canvas.MustHex("#464650"),
		skin:       canvas.MustHex("#e6be9b"),
		hair:       canvas.MustHex("#46372d"),
		eye:        canvas.MustHex("#ffffff"),
		lips:       canvas.MustHex("#b46e6e"),
	},
}

var paletteOrder = []string{"female", "male", "default"}

func paletteFor(variant string) palette {
	if p, ok := palettes[variant]; ok {
		return p
	}
	h := fnv.New32a()
	h.Write([]byte(variant))
	return palettes[paletteOrder[h.Sum32()%uint32(len(paletteOrder))]]
}

// Synthesize paints a deterministic size×size face for variant. Features sit
// where the face renderer expects them: eyes at 45% height, 10% either side
// of center, mouth at 65%.
func Synthesize(variant string, size int) *image.RGBA {
	p := paletteFor(variant)
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	c := canvas.New(img)
	s := float64(size)
	cx := s / 2

	c.Fill(p.background)
	shadow := canvas.Mix(p.skin, color.Black, 0.25)
	if p.longHair {
		c.FillEllipse(cx, 0.55*s, 0.38*s, 0.45*s, 0, p.hair)
	}
	c.FillRect(int(0.42*s), int(0.75*s), int(0.58*s), size, shadow)
	c.FillEllipse(cx, 0.39*s, 0.34*s, 0.30*s, 0, p.hair)
	c.FillEllipse(cx, 0.51*s, 0.29*s, 0.36*s, 0, shadow)
	c.FillEllipse(cx, 0.50*s, 0.28*s, 0.35*s, 0, p.skin)
	c.FillArc(cx, 0.36*s, 0.29*s, 0.17*s, 0, 180, 360, p.hair)

	blush := canvas.Mix(p.skin, p.lips, 0.3)
	c.FillEllipse(cx-0.16*s, 0.57*s, 0.05*s, 0.03*s, 0, blush)
	c.FillEllipse(cx+0.16*s, 0.57*s, 0.05*s, 0.03*s, 0, blush)

	for _, x := range []float64{cx - 0.10*s, cx + 0.10*s} {
		c.FillEllipse(x, 0.45*s, 0.045*s, 0.025*s, 0, p.eye)
	}
	c.Line(cx, 0.48*s, cx-0.02*s, 0.56*s, 0.006*s, shadow)
	c.Line(cx-0.02*s, 0.56*s, cx+0.015*s, 0.565*s, 0.006*s, shadow)
	c.FillEllipse(cx, 0.65*s, 0.06*s, 0.015*s, 0, p.lips)

	return blur.Gaussian(img, s/300)
}
