package video

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/palette"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/resolve"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

func testAnnotationTuning() config.AnnotationTuning {
	return config.AnnotationTuning{StrokeWidth: 2, StrokeOpacity: 0.85, FontScale: 1}
}

func held(key, label string, bbox []float64) heldFace {
	return heldFace{
		decision: resolve.Decision{
			Identity: &store.IdentityRecord{Key: key, DisplayName: label},
			Label:    label,
			Tier:     resolve.TierHigh,
		},
		bbox: bbox,
	}
}

func TestAnnotate_DoesNotModifyInput(t *testing.T) {
	tuning := testAnnotationTuning()
	a := NewAnnotator(nil, "", &tuning)

	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	before := img.At(50, 40)

	out := a.Annotate(img, []heldFace{held("a", "Andy", []float64{40, 40, 160, 160})})
	if img.At(50, 40) != before {
		t.Error("input image was modified")
	}
	if out.At(50, 40) == before {
		t.Error("output image missing the box stroke")
	}
}

func TestAnnotate_UsesAssignedPaletteColor(t *testing.T) {
	m, err := palette.Load(filepath.Join(t.TempDir(), "palette.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AssignTitle("Heat", []string{"Neil McCauley", "Vincent Hanna"}, ""); err != nil {
		t.Fatal(err)
	}
	st, _ := m.StyleFor("Heat", "Vincent Hanna")

	tuning := testAnnotationTuning()
	tuning.StrokeOpacity = 1 // exact color check
	a := NewAnnotator(m, "Heat", &tuning)

	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	out := a.Annotate(img, []heldFace{held("x", "Vincent Hanna", []float64{40, 40, 160, 160})})

	want := st.RGBA()
	if got := out.RGBAAt(50, 40); got != want {
		t.Errorf("box color = %v, want %v", got, want)
	}
}

func TestAnnotate_RoundedShapeCutsCorners(t *testing.T) {
	m, err := palette.Load(filepath.Join(t.TempDir(), "palette.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AssignTitle("Heat", []string{"Neil McCauley"}, palette.ShapeRounded); err != nil {
		t.Fatal(err)
	}

	tuning := testAnnotationTuning()
	tuning.StrokeOpacity = 1
	a := NewAnnotator(m, "Heat", &tuning)

	// 120x120 box: corner radius 15, so the stroke starts 15 px in
	// from each corner.
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	out := a.Annotate(img, []heldFace{held("x", "Neil McCauley", []float64{40, 40, 160, 160})})

	if got := out.RGBAAt(40, 40); got != (color.RGBA{}) {
		t.Errorf("square corner pixel painted on a rounded box: %v", got)
	}
	if got := out.RGBAAt(100, 40); got == (color.RGBA{}) {
		t.Error("top edge of the rounded box is missing")
	}
	if got := out.RGBAAt(44, 44); got == (color.RGBA{}) {
		t.Error("corner arc of the rounded box is missing")
	}

	// The same box with the default shape does paint the square corner.
	plain := NewAnnotator(nil, "", &tuning)
	boxed := plain.Annotate(img, []heldFace{held("x", "Neil McCauley", []float64{40, 40, 160, 160})})
	if got := boxed.RGBAAt(40, 40); got == (color.RGBA{}) {
		t.Error("plain rectangle left its corner unpainted")
	}
}

func TestAnnotate_SkipsBoxOutsideFrame(t *testing.T) {
	tuning := testAnnotationTuning()
	a := NewAnnotator(nil, "", &tuning)

	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	out := a.Annotate(img, []heldFace{held("a", "A", []float64{500, 500, 600, 600})})

	for x := 0; x < 100; x += 7 {
		for y := 0; y < 100; y += 7 {
			if out.RGBAAt(x, y) != (color.RGBA{}) {
				t.Fatalf("pixel (%d,%d) modified by an off-frame box", x, y)
			}
		}
	}
}

func TestAnnotate_LabelStaysInsideFrame(t *testing.T) {
	tuning := testAnnotationTuning()
	a := NewAnnotator(nil, "", &tuning)

	// Box flush with the top edge: the label has no room above and
	// must drop inside the box instead of panicking or vanishing.
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	out := a.Annotate(img, []heldFace{held("a", "Somebody", []float64{10, 0, 190, 100})})

	var labelled bool
	for x := 10; x < 190 && !labelled; x++ {
		for y := 0; y < 30; y++ {
			c := out.RGBAAt(x, y)
			if c.R == 0 && c.G == 0 && c.B == 0 && c.A == 255 {
				labelled = true // text outline pixels are opaque black
				break
			}
		}
	}
	if !labelled {
		t.Error("no label outline rendered near the box")
	}
}
