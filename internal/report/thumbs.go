package report

import (
	"bytes"
	"fmt"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ridgeline-obs/calwatch/internal/frame"
	"github.com/ridgeline-obs/calwatch/internal/security"
)

// imageGrid adapts a pixel image to the heat-map grid interface.
type imageGrid struct {
	im *frame.Image
}

func (g imageGrid) Dims() (c, r int) { return g.im.NX, g.im.NY }
func (g imageGrid) X(c int) float64  { return float64(c) }
func (g imageGrid) Y(r int) float64  { return float64(r) }

func (g imageGrid) Z(c, r int) float64 {
	v := g.im.At(r, c)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// RenderThumbnail renders a combined frame as a heat-map PNG for the
// alert and publishing collaborators.
func RenderThumbnail(instrument string, cfg frame.ConfigGroup, ft frame.FrameType, im *frame.Image) (Artifact, error) {
	name := fmt.Sprintf("%s_%s_%s_%s.png",
		security.SanitizeFilename(instrument), ft, cfg.Binning, cfg.AmpConfig)

	hm := plotter.NewHeatMap(imageGrid{im}, palette.Heat(256, 1))
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s %s %s", instrument, ft, cfg)
	p.X.Label.Text = "x (pixel)"
	p.Y.Label.Text = "y (pixel)"
	p.Add(hm)

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return Artifact{}, fmt.Errorf("render thumbnail %s: %w", name, err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return Artifact{}, fmt.Errorf("render thumbnail %s: %w", name, err)
	}
	return Artifact{Name: name, ContentType: "image/png", Data: buf.Bytes()}, nil
}
