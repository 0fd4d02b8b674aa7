package registration

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LayerColors are the colors used for the three overlay layers.
type LayerColors struct {
	Target          color.RGBA
	Source          color.RGBA
	Correspondences color.RGBA
}

// DefaultLayerColors returns grey target, red source and green matches.
func DefaultLayerColors() LayerColors {
	return LayerColors{
		Target:          color.RGBA{90, 90, 90, 255},
		Source:          color.RGBA{220, 40, 40, 255},
		Correspondences: color.RGBA{40, 170, 60, 255},
	}
}

// overlayScene is a run projected to 2D and fitted to a drawing area.
type overlayScene struct {
	target, source []orb.Point
	corres         CorrespondenceSet
	bound          orb.Bound
	scale          float64
	padding        float64
	width, height  float64
}

// newOverlayScene projects the run and scales it so the larger extent spans
// size drawing units.
func newOverlayScene(r *RunRecord, proj Projection, size, padding float64) (*overlayScene, error) {
	if r.Target == nil {
		return nil, fmt.Errorf("run %s has no target cloud", r.ID)
	}
	aligned, err := r.AlignedSource()
	if err != nil {
		return nil, err
	}
	if proj == "" {
		proj = ProjectXY
	}
	target := proj.multiPoint(r.Target.Positions())
	source := proj.multiPoint(aligned.Positions())

	s := &overlayScene{
		target:  target,
		source:  source,
		corres:  r.Result.CorrespondenceSet,
		padding: padding,
	}
	switch {
	case len(target) > 0 && len(source) > 0:
		s.bound = target.Bound().Union(source.Bound())
	case len(target) > 0:
		s.bound = target.Bound()
	case len(source) > 0:
		s.bound = source.Bound()
	}

	extent := max(s.bound.Max[0]-s.bound.Min[0], s.bound.Max[1]-s.bound.Min[1])
	s.scale = 1
	if extent > 0 {
		s.scale = size / extent
	}
	s.width = (s.bound.Max[0]-s.bound.Min[0])*s.scale + 2*padding
	s.height = (s.bound.Max[1]-s.bound.Min[1])*s.scale + 2*padding
	return s, nil
}

// toCanvas maps a projected point into drawing units with the origin at the
// bottom-left corner.
func (s *overlayScene) toCanvas(p orb.Point) (float64, float64) {
	return (p[0]-s.bound.Min[0])*s.scale + s.padding, (p[1]-s.bound.Min[1])*s.scale + s.padding
}

// PreviewRenderer draws a run as a raster PNG with a text legend.
type PreviewRenderer struct {
	Projection Projection
	Size       int // pixels spanned by the larger extent
	Padding    int
	PointSize  int
	Colors     LayerColors
	// MaxCorrespondences caps the drawn correspondence lines; 0 means all.
	MaxCorrespondences int
}

// NewPreviewRenderer creates a renderer with default settings
func NewPreviewRenderer() *PreviewRenderer {
	return &PreviewRenderer{
		Projection:         ProjectXY,
		Size:               800,
		Padding:            40,
		PointSize:          1,
		Colors:             DefaultLayerColors(),
		MaxCorrespondences: 2000,
	}
}

// Render draws the run onto a new image.
func (r *PreviewRenderer) Render(run *RunRecord) (*image.RGBA, error) {
	scene, err := newOverlayScene(run, r.Projection, float64(r.Size), float64(r.Padding))
	if err != nil {
		return nil, err
	}
	width, height := int(scene.width+0.5), int(scene.height+0.5)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	// Image rows grow downward.
	toPixel := func(p orb.Point) (int, int) {
		x, y := scene.toCanvas(p)
		return int(x + 0.5), height - 1 - int(y+0.5)
	}

	n := scene.corres.Len()
	if r.MaxCorrespondences > 0 && n > r.MaxCorrespondences {
		n = r.MaxCorrespondences
	}
	for i := 0; i < n; i++ {
		x0, y0 := toPixel(scene.source[scene.corres.SourceIndices[i]])
		x1, y1 := toPixel(scene.target[scene.corres.TargetIndices[i]])
		drawLine(img, x0, y0, x1, y1, r.Colors.Correspondences)
	}
	for _, p := range scene.target {
		x, y := toPixel(p)
		drawSquare(img, x, y, r.PointSize*2+1, r.Colors.Target)
	}
	for _, p := range scene.source {
		x, y := toPixel(p)
		drawSquare(img, x, y, r.PointSize*2+1, r.Colors.Source)
	}

	r.drawLegend(img, run)
	return img, nil
}

// RenderToPNG writes the preview as a PNG to the provided writer
func (r *PreviewRenderer) RenderToPNG(w io.Writer, run *RunRecord) error {
	img, err := r.Render(run)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// drawLegend adds the layer swatches and the run metrics in the top-left corner
func (r *PreviewRenderer) drawLegend(img *image.RGBA, run *RunRecord) {
	black := color.RGBA{0, 0, 0, 255}
	y := 15
	for _, entry := range []struct {
		label string
		c     color.RGBA
	}{
		{"target", r.Colors.Target},
		{"source", r.Colors.Source},
		{"matches", r.Colors.Correspondences},
	} {
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, entry.c)
			}
		}
		drawText(img, 28, y, entry.label, black)
		y += 18
	}
	drawText(img, 10, y, fmt.Sprintf("fitness %.4f  rmse %.4g  iter %d",
		run.Result.Fitness, run.Result.InlierRMSE, run.Result.Iterations), black)
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	b := img.Bounds()
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= b.Min.X && x < b.Max.X && y >= b.Min.Y && y < b.Max.Y {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// drawLine draws a one pixel line (Bresenham).
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	b := img.Bounds()
	e := dx + dy
	for {
		if x0 >= b.Min.X && x0 < b.Max.X && y0 >= b.Min.Y && y0 < b.Max.Y {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// SaveOverlay renders run to path, as SVG for .svg and PNG otherwise, drawn
// in the plane selected by proj. An empty proj means ProjectXY.
func SaveOverlay(path string, run *RunRecord, proj Projection) error {
	proj, err := ParseProjection(string(proj))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if strings.EqualFold(filepath.Ext(path), ".svg") {
		r := NewVectorRenderer()
		r.Projection = proj
		return r.RenderToSVG(f, run)
	}
	r := NewPreviewRenderer()
	r.Projection = proj
	return r.RenderToPNG(f, run)
}
