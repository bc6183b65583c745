package traj

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/golang/geo/r3"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer draws trajectories as vector graphics. World units are
// multiplied by Scale to get canvas millimetres.
type VectorRenderer struct {
	Layers      []TrajectoryLayer
	Segments    [][2]r3.Vector // Pair segments, drawn thin and grey
	Plane       Plane
	Scale       float64           // Canvas mm per world unit
	Padding     float64           // Padding in world units
	Resolution  canvas.Resolution // PNG resolution
	GridSpacing float64           // Grid spacing in world units; 0 disables
}

// NewVectorRenderer creates a renderer at 100 mm per world unit with a
// unit grid and 150 DPI PNG output.
func NewVectorRenderer(layers []TrajectoryLayer, plane Plane) *VectorRenderer {
	return &VectorRenderer{
		Layers:      layers,
		Plane:       plane,
		Scale:       100,
		Padding:     0.5,
		Resolution:  canvas.DPI(150),
		GridSpacing: 1,
	}
}

// canvasRenderer is implemented by the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

type viewport struct {
	minX, minY, maxX, maxY float64
	width, height          float64
}

func (r *VectorRenderer) viewport() (viewport, error) {
	minX, minY, maxX, maxY, ok := layerBounds(r.Layers, r.Plane)
	if !ok {
		return viewport{}, fmt.Errorf("%w: no points to render", ErrInvalidInput)
	}
	if !(r.Scale > 0) {
		return viewport{}, fmt.Errorf("%w: render scale must be positive", ErrInvalidInput)
	}
	return viewport{
		minX: minX, minY: minY, maxX: maxX, maxY: maxY,
		width:  (maxX - minX + 2*r.Padding) * r.Scale,
		height: (maxY - minY + 2*r.Padding) * r.Scale,
	}, nil
}

// RenderToSVG writes the view as SVG.
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	vp, err := r.viewport()
	if err != nil {
		return err
	}
	s := svg.New(w, vp.width, vp.height, nil)
	r.renderToCanvas(s, vp)
	return s.Close()
}

// RenderToPNG writes the view as PNG at Resolution.
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	vp, err := r.viewport()
	if err != nil {
		return err
	}
	rast := rasterizer.New(vp.width, vp.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, vp)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, vp viewport) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(vp.width, vp.height), bg, canvas.Identity)

	toCanvas := func(x, y float64) (float64, float64) {
		return (x - vp.minX + r.Padding) * r.Scale, (y - vp.minY + r.Padding) * r.Scale
	}
	project := func(v r3.Vector) (float64, float64) {
		return toCanvas(r.Plane.Project(v))
	}

	if r.GridSpacing > 0 {
		grid := canvas.DefaultStyle
		grid.Fill = canvas.Paint{Color: canvas.Transparent}
		grid.Stroke = canvas.Paint{Color: color.RGBA{R: 211, G: 211, B: 211, A: 255}}
		grid.StrokeWidth = 0.3
		grid.Dashes = []float64{2, 2}

		x0, x1 := vp.minX-r.Padding, vp.maxX+r.Padding
		y0, y1 := vp.minY-r.Padding, vp.maxY+r.Padding
		for x := math.Ceil(x0/r.GridSpacing) * r.GridSpacing; x <= x1; x += r.GridSpacing {
			p := &canvas.Path{}
			p.MoveTo(toCanvas(x, y0))
			p.LineTo(toCanvas(x, y1))
			renderer.RenderPath(p, grid, canvas.Identity)
		}
		for y := math.Ceil(y0/r.GridSpacing) * r.GridSpacing; y <= y1; y += r.GridSpacing {
			p := &canvas.Path{}
			p.MoveTo(toCanvas(x0, y))
			p.LineTo(toCanvas(x1, y))
			renderer.RenderPath(p, grid, canvas.Identity)
		}
	}

	if len(r.Segments) > 0 {
		seg := canvas.DefaultStyle
		seg.Fill = canvas.Paint{Color: canvas.Transparent}
		seg.Stroke = canvas.Paint{Color: color.RGBA{R: 160, G: 160, B: 160, A: 255}}
		seg.StrokeWidth = 0.2
		for _, s := range r.Segments {
			p := &canvas.Path{}
			p.MoveTo(project(s[0]))
			p.LineTo(project(s[1]))
			renderer.RenderPath(p, seg, canvas.Identity)
		}
	}

	for _, l := range r.Layers {
		if len(l.Points) == 0 {
			continue
		}
		stroke := canvas.DefaultStyle
		stroke.Fill = canvas.Paint{Color: canvas.Transparent}
		stroke.Stroke = canvas.Paint{Color: l.Color}
		stroke.StrokeWidth = 0.8

		p := &canvas.Path{}
		for i, v := range l.Points {
			x, y := project(v)
			if i == 0 {
				p.MoveTo(x, y)
			} else {
				p.LineTo(x, y)
			}
		}
		renderer.RenderPath(p, stroke, canvas.Identity)

		marker := canvas.DefaultStyle
		marker.Fill = canvas.Paint{Color: l.Color}
		marker.Stroke = canvas.Paint{Color: canvas.Black}
		marker.StrokeWidth = 0.3

		sx, sy := project(l.Points[0])
		renderer.RenderPath(canvas.Circle(2).Translate(sx, sy), marker, canvas.Identity)
		ex, ey := project(l.Points[len(l.Points)-1])
		renderer.RenderPath(canvas.Rectangle(4, 4).Translate(ex-2, ey-2), marker, canvas.Identity)
	}
}

// SaveSVG writes the SVG view to path.
func (r *VectorRenderer) SaveSVG(path string) error {
	return writeFileAtomic(path, r.RenderToSVG)
}

// SavePNG writes the PNG view to path.
func (r *VectorRenderer) SavePNG(path string) error {
	return writeFileAtomic(path, r.RenderToPNG)
}
