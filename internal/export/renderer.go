// Package export flattens a whiteboard's element set into a static image and
// optionally publishes it to the asset library.
package export

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/collabcanvas/boardsync/backend/internal/board"
)

const (
	defaultCanvasWidth  = 1600
	defaultCanvasHeight = 1200
	defaultStrokeWidth  = 4.0
)

var (
	canvasBackground = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	fallbackFill     = color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
	placeholderFill  = color.RGBA{R: 0xd9, G: 0xd9, B: 0xd9, A: 0xff}
	textFill         = color.RGBA{R: 0x33, G: 0x33, B: 0x33, A: 0x40}
)

// geometry is the portion of the opaque element payload the renderer
// understands. Fields the drawing clients add beyond these pass through
// untouched.
type geometry struct {
	X           float64         `json:"x"`
	Y           float64         `json:"y"`
	Width       float64         `json:"width"`
	Height      float64         `json:"height"`
	Fill        string          `json:"fill"`
	StrokeWidth float64         `json:"stroke_width"`
	Points      []geometryPoint `json:"points"`
}

type geometryPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RendererConfig sets the output canvas dimensions.
type RendererConfig struct {
	CanvasWidth  int
	CanvasHeight int
}

// Renderer rasterizes element sets onto a flat RGBA canvas.
type Renderer struct {
	width  int
	height int
}

// NewRenderer constructs a renderer, falling back to default dimensions.
func NewRenderer(cfg RendererConfig) *Renderer {
	width := cfg.CanvasWidth
	if width <= 0 {
		width = defaultCanvasWidth
	}
	height := cfg.CanvasHeight
	if height <= 0 {
		height = defaultCanvasHeight
	}
	return &Renderer{width: width, height: height}
}

// Render paints the elements in slice order (callers pass them sorted by
// zIndex) onto a white canvas. Elements listed in placeholders render as a
// neutral box: their asset preview is still being generated elsewhere.
// Unparseable geometry degrades to a placeholder as well; rendering is
// defined for any state, including zero elements.
func (r *Renderer) Render(elements []board.Element, placeholders map[int64]bool) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: canvasBackground}, image.Point{}, draw.Src)

	for _, element := range elements {
		var geo geometry
		parseErr := json.Unmarshal([]byte(element.PayloadJSON), &geo)

		if placeholders[element.UID] || parseErr != nil {
			r.fillRect(canvas, geo, placeholderFill)
			continue
		}

		switch element.ElementType {
		case board.ElementTypePath:
			r.drawPath(canvas, geo)
		case board.ElementTypeText:
			r.fillRectOver(canvas, geo, textFill)
		default:
			r.fillRect(canvas, geo, parseColor(geo.Fill))
		}
	}

	return canvas
}

// EncodePNG serializes the rendered canvas.
func EncodePNG(img image.Image) ([]byte, error) {
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func (r *Renderer) fillRect(canvas *image.RGBA, geo geometry, fill color.Color) {
	rect := r.clampRect(geo)
	draw.Draw(canvas, rect, &image.Uniform{C: fill}, image.Point{}, draw.Src)
}

func (r *Renderer) fillRectOver(canvas *image.RGBA, geo geometry, fill color.Color) {
	rect := r.clampRect(geo)
	draw.Draw(canvas, rect, &image.Uniform{C: fill}, image.Point{}, draw.Over)
}

func (r *Renderer) clampRect(geo geometry) image.Rectangle {
	rect := image.Rect(int(geo.X), int(geo.Y), int(geo.X+geo.Width), int(geo.Y+geo.Height))
	return rect.Intersect(image.Rect(0, 0, r.width, r.height))
}

// drawPath stamps the stroke along the polyline, interpolating between
// consecutive points so fast strokes stay contiguous.
func (r *Renderer) drawPath(canvas *image.RGBA, geo geometry) {
	if len(geo.Points) == 0 {
		return
	}
	stroke := geo.StrokeWidth
	if stroke <= 0 {
		stroke = defaultStrokeWidth
	}
	fill := parseColor(geo.Fill)

	previous := geo.Points[0]
	r.stamp(canvas, previous, stroke, fill)
	for _, point := range geo.Points[1:] {
		steps := int(maxFloat(absFloat(point.X-previous.X), absFloat(point.Y-previous.Y)))
		for step := 1; step <= steps; step++ {
			t := float64(step) / float64(steps)
			r.stamp(canvas, geometryPoint{
				X: previous.X + (point.X-previous.X)*t,
				Y: previous.Y + (point.Y-previous.Y)*t,
			}, stroke, fill)
		}
		r.stamp(canvas, point, stroke, fill)
		previous = point
	}
}

func (r *Renderer) stamp(canvas *image.RGBA, at geometryPoint, stroke float64, fill color.Color) {
	half := stroke / 2
	rect := image.Rect(int(at.X-half), int(at.Y-half), int(at.X+half), int(at.Y+half)).
		Intersect(image.Rect(0, 0, r.width, r.height))
	draw.Draw(canvas, rect, &image.Uniform{C: fill}, image.Point{}, draw.Src)
}

// parseColor decodes a #rrggbb hex string, falling back to gray.
func parseColor(value string) color.Color {
	if len(value) != 7 || value[0] != '#' {
		return fallbackFill
	}
	var rgb [3]uint8
	for i := 0; i < 3; i++ {
		high, okHigh := hexNibble(value[1+i*2])
		low, okLow := hexNibble(value[2+i*2])
		if !okHigh || !okLow {
			return fallbackFill
		}
		rgb[i] = high<<4 | low
	}
	return color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 0xff}
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func absFloat(value float64) float64 {
	if value < 0 {
		return -value
	}
	return value
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
