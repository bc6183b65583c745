package traj

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Default plot size.
const (
	DefaultPlotWidth  = 10 * vg.Inch
	DefaultPlotHeight = 4 * vg.Inch
)

var (
	residualColor = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	rmseColor     = color.RGBA{R: 30, G: 30, B: 200, A: 255}
)

// ResidualPlot builds a plot of the translation error against the
// reference timestamp of each pair, with the RMSE as a dashed line.
func ResidualPlot(title string, pairs []PosePair, res ATEResult) (*plot.Plot, error) {
	if len(pairs) != len(res.Alignment.Residuals) {
		return nil, fmt.Errorf("%w: %d pairs but %d residuals", ErrInvalidInput, len(pairs), len(res.Alignment.Residuals))
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: nothing to plot", ErrNoOverlap)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Translation error"

	pts := make(plotter.XYs, len(pairs))
	for i, pr := range pairs {
		pts[i] = plotter.XY{X: pr.Ref.Timestamp, Y: res.Alignment.Residuals[i]}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = residualColor
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("error", line)

	first, last := pts[0].X, pts[len(pts)-1].X
	rmse, err := plotter.NewLine(plotter.XYs{{X: first, Y: res.Stats.RMSE}, {X: last, Y: res.Stats.RMSE}})
	if err != nil {
		return nil, err
	}
	rmse.Color = rmseColor
	rmse.Width = vg.Points(1)
	rmse.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(rmse)
	p.Legend.Add(fmt.Sprintf("rmse %.4g", res.Stats.RMSE), rmse)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WriteResidualPlot renders the residual plot in format ("png", "svg", "pdf").
func WriteResidualPlot(w io.Writer, format, title string, pairs []PosePair, res ATEResult) error {
	p, err := ResidualPlot(title, pairs, res)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(DefaultPlotWidth, DefaultPlotHeight, format)
	if err != nil {
		return fmt.Errorf("%w: plot format %q: %v", ErrInvalidInput, format, err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveResidualPlot writes the residual plot to path, taking the format from
// the file extension.
func SaveResidualPlot(path, title string, pairs []PosePair, res ATEResult) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		format = "png"
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		return WriteResidualPlot(w, format, title, pairs, res)
	})
}
