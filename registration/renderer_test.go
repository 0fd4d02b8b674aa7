package registration

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewRenderer_Render(t *testing.T) {
	r := NewPreviewRenderer()
	r.Size = 200
	img, err := r.Render(sampleRun(t))
	require.NoError(t, err)

	b := img.Bounds()
	assert.Greater(t, b.Dx(), 200)
	assert.Greater(t, b.Dy(), 200)

	// The source point at the origin lands in the bottom-left corner of the
	// drawing area.
	x, y := r.Padding, b.Dy()-1-r.Padding
	assert.Equal(t, r.Colors.Source, img.RGBAAt(x, y))
}

func TestPreviewRenderer_PNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPreviewRenderer().RenderToPNG(&buf, sampleRun(t)))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)
}

func TestVectorRenderer_SVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewVectorRenderer().RenderToSVG(&buf, sampleRun(t)))

	out := buf.String()
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, "</svg>")
	assert.Contains(t, out, "path")
}

func TestVectorRenderer_PNG(t *testing.T) {
	r := NewVectorRenderer()
	r.Size = 20
	var buf bytes.Buffer
	require.NoError(t, r.RenderToPNG(&buf, sampleRun(t)))

	_, err := png.Decode(&buf)
	require.NoError(t, err)
}

func TestRenderers_EmptyRun(t *testing.T) {
	run := sampleRun(t)
	run.Target = nil

	_, err := NewPreviewRenderer().Render(run)
	assert.Error(t, err)
	assert.Error(t, NewVectorRenderer().RenderToSVG(&bytes.Buffer{}, run))
}

func TestSaveOverlay(t *testing.T) {
	dir := t.TempDir()
	run := sampleRun(t)

	svgPath := filepath.Join(dir, "overlay.svg")
	require.NoError(t, SaveOverlay(svgPath, run, ProjectXY))
	data, err := os.ReadFile(svgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")

	pngPath := filepath.Join(dir, "preview.png")
	require.NoError(t, SaveOverlay(pngPath, run, ""))
	f, err := os.Open(pngPath)
	require.NoError(t, err)
	defer f.Close()
	_, err = png.Decode(f)
	assert.NoError(t, err)

	err = SaveOverlay(filepath.Join(dir, "bad.svg"), run, "xw")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, statErr := os.Stat(filepath.Join(dir, "bad.svg"))
	assert.True(t, os.IsNotExist(statErr), "no file is created for an unknown projection")
}
