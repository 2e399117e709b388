package export

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/collabcanvas/boardsync/backend/internal/board"
)

func renderTestElement(uid, zIndex int64, elementType board.ElementType, payload string) board.Element {
	return board.Element{
		BoardID:     "board-1",
		UID:         uid,
		ElementType: elementType,
		PayloadJSON: payload,
		ZIndex:      zIndex,
		Revision:    1,
	}
}

func TestRenderBlankCanvasForZeroElements(t *testing.T) {
	renderer := NewRenderer(RendererConfig{CanvasWidth: 40, CanvasHeight: 30})

	canvas := renderer.Render(nil, nil)

	bounds := canvas.Bounds()
	if bounds.Dx() != 40 || bounds.Dy() != 30 {
		t.Fatalf("unexpected canvas bounds %v", bounds)
	}
	if got := canvas.RGBAAt(10, 10); got != canvasBackground {
		t.Fatalf("expected white background, got %v", got)
	}
}

func TestRenderPaintsInStackingOrder(t *testing.T) {
	renderer := NewRenderer(RendererConfig{CanvasWidth: 100, CanvasHeight: 100})

	elements := []board.Element{
		renderTestElement(1, 0, board.ElementTypeShape, `{"x":10,"y":10,"width":40,"height":40,"fill":"#ff0000"}`),
		renderTestElement(2, 1, board.ElementTypeShape, `{"x":30,"y":30,"width":40,"height":40,"fill":"#0000ff"}`),
	}

	canvas := renderer.Render(elements, nil)

	// The overlap region must show the higher z element.
	if got := canvas.RGBAAt(35, 35); got.B != 0xff || got.R != 0 {
		t.Fatalf("expected blue overlap pixel, got %v", got)
	}
	if got := canvas.RGBAAt(15, 15); got.R != 0xff || got.B != 0 {
		t.Fatalf("expected red pixel outside overlap, got %v", got)
	}
}

func TestRenderPlaceholderForPendingPreview(t *testing.T) {
	renderer := NewRenderer(RendererConfig{CanvasWidth: 100, CanvasHeight: 100})

	elements := []board.Element{
		renderTestElement(7, 0, board.ElementTypeImage, `{"x":0,"y":0,"width":50,"height":50,"fill":"#00ff00"}`),
	}

	canvas := renderer.Render(elements, map[int64]bool{7: true})

	if got := canvas.RGBAAt(25, 25); got != placeholderFill {
		t.Fatalf("expected placeholder fill, got %v", got)
	}
}

func TestRenderDegradesUnparseableGeometry(t *testing.T) {
	renderer := NewRenderer(RendererConfig{CanvasWidth: 100, CanvasHeight: 100})

	elements := []board.Element{
		renderTestElement(1, 0, board.ElementTypeShape, `not json at all`),
	}

	// Must not panic; the broken element renders as a zero-sized placeholder.
	canvas := renderer.Render(elements, nil)
	if got := canvas.RGBAAt(50, 50); got != canvasBackground {
		t.Fatalf("expected untouched background, got %v", got)
	}
}

func TestRenderPathStampsStroke(t *testing.T) {
	renderer := NewRenderer(RendererConfig{CanvasWidth: 100, CanvasHeight: 100})

	elements := []board.Element{
		renderTestElement(1, 0, board.ElementTypePath, `{"fill":"#000000","stroke_width":6,"points":[{"x":10,"y":10},{"x":60,"y":10}]}`),
	}

	canvas := renderer.Render(elements, nil)

	if got := canvas.RGBAAt(30, 10); got == canvasBackground {
		t.Fatalf("expected stroke pixel along the segment, got %v", got)
	}
	if got := canvas.RGBAAt(30, 80); got != canvasBackground {
		t.Fatalf("expected background away from the stroke, got %v", got)
	}
}

func TestRenderClampsOutOfBoundsGeometry(t *testing.T) {
	renderer := NewRenderer(RendererConfig{CanvasWidth: 50, CanvasHeight: 50})

	elements := []board.Element{
		renderTestElement(1, 0, board.ElementTypeShape, `{"x":-100,"y":-100,"width":1000,"height":1000,"fill":"#112233"}`),
	}

	canvas := renderer.Render(elements, nil)
	if got := canvas.RGBAAt(25, 25); got.R != 0x11 || got.G != 0x22 || got.B != 0x33 {
		t.Fatalf("expected clamped fill to cover the canvas, got %v", got)
	}
}

func TestParseColorFallsBackOnBadInput(t *testing.T) {
	for _, value := range []string{"", "red", "#12", "#zzzzzz"} {
		if got := parseColor(value); got != fallbackFill {
			t.Fatalf("expected fallback fill for %q, got %v", value, got)
		}
	}
	if got := parseColor("#a1b2c3"); got == fallbackFill {
		t.Fatalf("expected parsed color for valid hex")
	}
}

func TestEncodePNGRoundTrip(t *testing.T) {
	renderer := NewRenderer(RendererConfig{CanvasWidth: 20, CanvasHeight: 10})
	canvas := renderer.Render(nil, nil)

	encoded, err := EncodePNG(canvas)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("failed to decode png: %v", err)
	}
	if decoded.Bounds() != image.Rect(0, 0, 20, 10) {
		t.Fatalf("unexpected decoded bounds %v", decoded.Bounds())
	}
}
