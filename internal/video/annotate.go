package video

import (
	"image"
	"image/color"
	stddraw "image/draw"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/palette"
)

// Annotator draws labelled boxes onto frames using the per-title
// character styles.
type Annotator struct {
	styles      *palette.Manager
	title       string
	strokeWidth int
	strokeAlpha uint8
	fontScale   int
}

// NewAnnotator builds an annotator for one title.
func NewAnnotator(styles *palette.Manager, title string, t *config.AnnotationTuning) *Annotator {
	width := t.StrokeWidth
	if width < 1 {
		width = 2
	}
	opacity := t.StrokeOpacity
	if opacity <= 0 || opacity > 1 {
		opacity = 0.85
	}
	scale := t.FontScale
	if scale < 1 {
		scale = 1
	}
	return &Annotator{
		styles:      styles,
		title:       title,
		strokeWidth: width,
		strokeAlpha: uint8(opacity * 255),
		fontScale:   scale,
	}
}

// Annotate renders every held face onto a copy of the frame image. The
// input image is never modified; sinks may still be encoding it.
func (a *Annotator) Annotate(img image.Image, faces []heldFace) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	stddraw.Draw(dst, bounds, img, bounds.Min, stddraw.Src)

	for _, f := range faces {
		label := f.decision.Label
		style, shape := a.styleOf(f)
		col := withAlpha(style.RGBA(), a.strokeAlpha)

		rect := clampRect(f.bbox, bounds)
		if rect.Empty() {
			continue
		}
		switch shape {
		case palette.ShapeEllipse:
			a.drawEllipse(dst, rect, col)
		case palette.ShapeRounded:
			a.drawRoundedBox(dst, rect, col)
		default:
			a.drawBox(dst, rect, col)
		}
		a.drawLabel(dst, label, rect, style.RGBA())
	}
	return dst
}

func (a *Annotator) styleOf(f heldFace) (palette.Style, string) {
	if f.decision.Identity != nil && a.styles != nil {
		if st, ok := a.styles.StyleFor(a.title, f.decision.Label); ok {
			return st, st.Shape
		}
	}
	// Unstyled identities get the first palette color and a plain box.
	return palette.Style{ColorIndex: 0}, palette.ShapeRectangle
}

// withAlpha applies stroke opacity to a solid color. color.RGBA is
// alpha-premultiplied, so the channels scale with the alpha.
func withAlpha(c color.RGBA, alpha uint8) color.RGBA {
	a := uint32(alpha)
	return color.RGBA{
		R: uint8(uint32(c.R) * a / 255),
		G: uint8(uint32(c.G) * a / 255),
		B: uint8(uint32(c.B) * a / 255),
		A: alpha,
	}
}

func clampRect(bbox []float64, bounds image.Rectangle) image.Rectangle {
	if len(bbox) != 4 {
		return image.Rectangle{}
	}
	return image.Rect(int(bbox[0]), int(bbox[1]), int(bbox[2]), int(bbox[3])).Intersect(bounds)
}

// drawBox strokes a rectangle outline of the configured width.
func (a *Annotator) drawBox(dst *image.RGBA, rect image.Rectangle, col color.RGBA) {
	w := a.strokeWidth
	fill := image.NewUniform(col)
	// Top, bottom, left, right.
	stddraw.Draw(dst, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+w), fill, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(rect.Min.X, rect.Max.Y-w, rect.Max.X, rect.Max.Y), fill, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+w, rect.Max.Y), fill, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(rect.Max.X-w, rect.Min.Y, rect.Max.X, rect.Max.Y), fill, image.Point{}, stddraw.Over)
}

// drawRoundedBox strokes a rectangle with quarter-circle corners. The
// corner radius scales with the box, so small faces still read as boxes.
func (a *Annotator) drawRoundedBox(dst *image.RGBA, rect image.Rectangle, col color.RGBA) {
	r := rect.Dx() / 8
	if rh := rect.Dy() / 8; rh < r {
		r = rh
	}
	if r < a.strokeWidth+1 {
		a.drawBox(dst, rect, col)
		return
	}

	w := a.strokeWidth
	fill := image.NewUniform(col)
	// Straight edges, inset by the corner radius.
	stddraw.Draw(dst, image.Rect(rect.Min.X+r, rect.Min.Y, rect.Max.X-r, rect.Min.Y+w), fill, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(rect.Min.X+r, rect.Max.Y-w, rect.Max.X-r, rect.Max.Y), fill, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(rect.Min.X, rect.Min.Y+r, rect.Min.X+w, rect.Max.Y-r), fill, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(rect.Max.X-w, rect.Min.Y+r, rect.Max.X, rect.Max.Y-r), fill, image.Point{}, stddraw.Over)

	// Quarter arcs joining the edges, marched like drawEllipse. Each
	// arc center sits one radius inside its corner.
	corners := []struct {
		cx, cy int
		start  float64
	}{
		{rect.Max.X - r, rect.Min.Y + r, -math.Pi / 2}, // top right
		{rect.Max.X - r, rect.Max.Y - r, 0},            // bottom right
		{rect.Min.X + r, rect.Max.Y - r, math.Pi / 2},  // bottom left
		{rect.Min.X + r, rect.Min.Y + r, math.Pi},      // top left
	}
	steps := 4 * r
	for _, c := range corners {
		for t := 0; t < w; t++ {
			radius := float64(r - t)
			for i := 0; i <= steps; i++ {
				theta := c.start + math.Pi/2*float64(i)/float64(steps)
				x := float64(c.cx) + radius*math.Cos(theta)
				y := float64(c.cy) + radius*math.Sin(theta)
				blendPixel(dst, int(x), int(y), col)
			}
		}
	}
}

// drawEllipse strokes the ellipse inscribed in rect by marching the
// parameter angle at sub-pixel steps.
func (a *Annotator) drawEllipse(dst *image.RGBA, rect image.Rectangle, col color.RGBA) {
	cx := float64(rect.Min.X+rect.Max.X) / 2
	cy := float64(rect.Min.Y+rect.Max.Y) / 2
	rx := float64(rect.Dx()) / 2
	ry := float64(rect.Dy()) / 2
	if rx < 1 || ry < 1 {
		return
	}

	steps := int(4 * (rx + ry))
	for i := 0; i < steps; i++ {
		theta := 2 * math.Pi * float64(i) / float64(steps)
		x := cx + rx*math.Cos(theta)
		y := cy + ry*math.Sin(theta)
		for dx := 0; dx < a.strokeWidth; dx++ {
			for dy := 0; dy < a.strokeWidth; dy++ {
				blendPixel(dst, int(x)+dx, int(y)+dy, col)
			}
		}
	}
}

func blendPixel(dst *image.RGBA, x, y int, col color.RGBA) {
	if !(image.Point{x, y}).In(dst.Bounds()) {
		return
	}
	stddraw.Draw(dst, image.Rect(x, y, x+1, y+1), image.NewUniform(col), image.Point{}, stddraw.Over)
}

// drawLabel renders the label just above the box (below its top edge
// when there is no room), black-outlined so it stays readable on any
// background. No background plate: plates cover faces in crowded shots.
func (a *Annotator) drawLabel(dst *image.RGBA, label string, rect image.Rectangle, col color.RGBA) {
	if label == "" {
		return
	}

	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	textH := face.Metrics().Height.Ceil()

	// Render at 1x into a tight buffer, then scale.
	pad := 2
	buf := image.NewRGBA(image.Rect(0, 0, textW+2*pad, textH+2*pad))
	dot := fixed.P(pad, pad+face.Metrics().Ascent.Ceil())

	outline := color.RGBA{0, 0, 0, 255}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			d := font.Drawer{
				Dst:  buf,
				Src:  image.NewUniform(outline),
				Face: face,
				Dot:  fixed.P(pad+dx, pad+dy+face.Metrics().Ascent.Ceil()),
			}
			d.DrawString(label)
		}
	}
	d := font.Drawer{Dst: buf, Src: image.NewUniform(col), Face: face, Dot: dot}
	d.DrawString(label)

	scaledW := buf.Bounds().Dx() * a.fontScale
	scaledH := buf.Bounds().Dy() * a.fontScale

	x := rect.Min.X
	y := rect.Min.Y - scaledH
	if y < dst.Bounds().Min.Y {
		y = rect.Min.Y + a.strokeWidth
	}
	if x+scaledW > dst.Bounds().Max.X {
		x = dst.Bounds().Max.X - scaledW
	}
	if x < dst.Bounds().Min.X {
		x = dst.Bounds().Min.X
	}

	target := image.Rect(x, y, x+scaledW, y+scaledH)
	if a.fontScale == 1 {
		stddraw.Draw(dst, target, buf, image.Point{}, stddraw.Over)
		return
	}
	draw.NearestNeighbor.Scale(dst, target, buf, buf.Bounds(), draw.Over, nil)
}
