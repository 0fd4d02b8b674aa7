package registration

import (
	"image/color"
	"image/png"
	"io"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer draws a run as vector graphics. Drawing units are
// millimetres of the output document.
type VectorRenderer struct {
	Projection  Projection
	Size        float64 // extent of the larger axis in mm
	Padding     float64
	PointRadius float64
	LineWidth   float64
	Colors      LayerColors
	Resolution  canvas.Resolution // Resolution for PNG output (default: 300 DPI)
	// MaxCorrespondences caps the drawn correspondence lines; 0 means all.
	MaxCorrespondences int
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		Projection:         ProjectXY,
		Size:               200,
		Padding:            10,
		PointRadius:        0.4,
		LineWidth:          0.15,
		Colors:             DefaultLayerColors(),
		Resolution:         canvas.DPI(300),
		MaxCorrespondences: 5000,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer, run *RunRecord) error {
	scene, err := newOverlayScene(run, r.Projection, r.Size, r.Padding)
	if err != nil {
		return err
	}

	svgRenderer := svg.New(w, scene.width, scene.height, nil)
	r.renderToCanvas(svgRenderer, scene)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the overlay at r.Resolution.
func (r *VectorRenderer) RenderToPNG(w io.Writer, run *RunRecord) error {
	scene, err := newOverlayScene(run, r.Projection, r.Size, r.Padding)
	if err != nil {
		return err
	}

	rast := rasterizer.New(scene.width, scene.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, scene)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, scene *overlayScene) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(scene.width, scene.height), bgStyle, canvas.Identity)

	// Matches first so points stay visible on top.
	n := scene.corres.Len()
	if r.MaxCorrespondences > 0 && n > r.MaxCorrespondences {
		n = r.MaxCorrespondences
	}
	if n > 0 {
		lineStyle := canvas.DefaultStyle
		lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		lineStyle.Stroke = canvas.Paint{Color: r.Colors.Correspondences}
		lineStyle.StrokeWidth = r.LineWidth

		lines := &canvas.Path{}
		for i := 0; i < n; i++ {
			x0, y0 := scene.toCanvas(scene.source[scene.corres.SourceIndices[i]])
			x1, y1 := scene.toCanvas(scene.target[scene.corres.TargetIndices[i]])
			lines.MoveTo(x0, y0)
			lines.LineTo(x1, y1)
		}
		renderer.RenderPath(lines, lineStyle, canvas.Identity)
	}

	r.renderPoints(renderer, scene, scene.target, r.Colors.Target)
	r.renderPoints(renderer, scene, scene.source, r.Colors.Source)
}

func (r *VectorRenderer) renderPoints(renderer canvasRenderer, scene *overlayScene, points []orb.Point, c color.RGBA) {
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: c}
	style.Stroke = canvas.Paint{Color: canvas.Transparent}

	dot := canvas.Circle(r.PointRadius)
	for _, p := range points {
		x, y := scene.toCanvas(p)
		renderer.RenderPath(dot, style, canvas.Identity.Translate(x, y))
	}
}
