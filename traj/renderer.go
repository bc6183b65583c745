package traj

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Plane selects the two world axes a top-down view shows.
type Plane int

const (
	PlaneXY Plane = iota
	PlaneXZ
	PlaneYZ
)

func (p Plane) String() string {
	switch p {
	case PlaneXZ:
		return "xz"
	case PlaneYZ:
		return "yz"
	}
	return "xy"
}

// ParsePlane accepts "xy", "xz" and "yz". Empty means xy.
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xy":
		return PlaneXY, nil
	case "xz":
		return PlaneXZ, nil
	case "yz":
		return PlaneYZ, nil
	}
	return 0, fmt.Errorf("%w: unknown plane %q", ErrInvalidInput, s)
}

// Project drops the axis normal to the plane.
func (p Plane) Project(v r3.Vector) (float64, float64) {
	switch p {
	case PlaneXZ:
		return v.X, v.Z
	case PlaneYZ:
		return v.Y, v.Z
	}
	return v.X, v.Y
}

// TrajectoryLayer is one polyline to draw.
type TrajectoryLayer struct {
	Name   string
	Points []r3.Vector
	Color  color.RGBA
}

// DefaultColors returns the palette used for layers without a configured color.
func DefaultColors() []color.RGBA {
	return []color.RGBA{
		{R: 0, G: 0, B: 139, A: 255},   // reference: dark blue
		{R: 200, G: 30, B: 30, A: 255}, // red
		{R: 0, G: 120, B: 0, A: 255},   // green
		{R: 184, G: 134, B: 11, A: 255},
	}
}

// LiveLayer draws the positions of t in the stream color hexColor ("#RRGGBB").
func LiveLayer(name string, t Trajectory, hexColor string) TrajectoryLayer {
	return TrajectoryLayer{Name: name, Points: t.Positions(), Color: parseHexColor(hexColor)}
}

// EvaluationLayers returns the reference positions, the aligned estimate
// positions and the pair segments between them, all in the reference frame.
func EvaluationLayers(pairs []PosePair, res ATEResult, estColor color.RGBA) ([]TrajectoryLayer, [][2]r3.Vector) {
	inv := res.Alignment.Inverse()
	ref := TrajectoryLayer{Name: "reference", Color: DefaultColors()[0]}
	est := TrajectoryLayer{Name: "estimate", Color: estColor}
	segments := make([][2]r3.Vector, len(pairs))
	for i, p := range pairs {
		r := p.Ref.Pose.Position()
		e := inv.Apply(p.Est.Pose.Position())
		ref.Points = append(ref.Points, r)
		est.Points = append(est.Points, e)
		segments[i] = [2]r3.Vector{r, e}
	}
	return []TrajectoryLayer{ref, est}, segments
}

// layerBounds returns the projected extent of all layers.
func layerBounds(layers []TrajectoryLayer, plane Plane) (minX, minY, maxX, maxY float64, ok bool) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64
	for _, l := range layers {
		for _, v := range l.Points {
			x, y := plane.Project(v)
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
			ok = true
		}
	}
	return
}

// RasterRenderer draws trajectories into an RGBA image with a text legend.
type RasterRenderer struct {
	Layers  []TrajectoryLayer
	Plane   Plane
	Width   int // Image width in pixels; height follows the aspect ratio
	Padding int
}

// NewRasterRenderer creates a renderer with an 800 pixel wide image.
func NewRasterRenderer(layers []TrajectoryLayer, plane Plane) *RasterRenderer {
	return &RasterRenderer{Layers: layers, Plane: plane, Width: 800, Padding: 20}
}

// Render draws every layer: the polyline, a circle at the first pose and a
// square at the last.
func (r *RasterRenderer) Render() (*image.RGBA, error) {
	minX, minY, maxX, maxY, ok := layerBounds(r.Layers, r.Plane)
	if !ok {
		return nil, fmt.Errorf("%w: no points to render", ErrInvalidInput)
	}
	spanX := math.Max(maxX-minX, 1e-9)
	spanY := math.Max(maxY-minY, 1e-9)

	inner := r.Width - 2*r.Padding
	if inner <= 0 {
		return nil, fmt.Errorf("%w: image width %d is smaller than its padding", ErrInvalidInput, r.Width)
	}
	scale := float64(inner) / math.Max(spanX, spanY)
	width := r.Width
	height := int(math.Ceil(spanY*scale)) + 2*r.Padding

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	white := color.RGBA{255, 255, 255, 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = white.R, white.G, white.B, white.A
	}

	// Image y grows downwards.
	toPixel := func(v r3.Vector) (int, int) {
		x, y := r.Plane.Project(v)
		px := r.Padding + int(math.Round((x-minX)*scale))
		py := height - r.Padding - int(math.Round((y-minY)*scale))
		return px, py
	}

	for _, l := range r.Layers {
		for i := 1; i < len(l.Points); i++ {
			x0, y0 := toPixel(l.Points[i-1])
			x1, y1 := toPixel(l.Points[i])
			drawLine(img, x0, y0, x1, y1, l.Color)
		}
		if n := len(l.Points); n > 0 {
			cx, cy := toPixel(l.Points[0])
			drawCircle(img, cx, cy, 4, l.Color)
			ex, ey := toPixel(l.Points[n-1])
			drawSquare(img, ex, ey, 8, l.Color)
		}
	}
	r.drawLegend(img)
	return img, nil
}

// RenderPNG encodes Render's image as PNG.
func (r *RasterRenderer) RenderPNG(w io.Writer) error {
	img, err := r.Render()
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// SavePNG writes the rendered image to path.
func (r *RasterRenderer) SavePNG(path string) error {
	return writeFileAtomic(path, r.RenderPNG)
}

func (r *RasterRenderer) drawLegend(img *image.RGBA) {
	y := 15
	for _, l := range r.Layers {
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-9, l.Color)
			}
		}
		drawText(img, 28, y, l.Name, color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// drawLine draws a one pixel line with Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.Set(x0, y0, c)
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

// drawCircle draws a filled circle.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				img.Set(cx+dx, cy+dy, c)
			}
		}
	}
}

// drawSquare draws a filled square.
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			img.Set(cx+dx, cy+dy, c)
		}
	}
}

// drawText renders text with its baseline at y.
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses "#RRGGBB". Anything else yields red.
func parseHexColor(hex string) color.RGBA {
	fallback := color.RGBA{255, 0, 0, 255}
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return fallback
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fallback
	}
	return color.RGBA{r, g, b, 255}
}
