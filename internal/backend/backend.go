// Package backend defines the text-recognition collaborator interface and
// the bounded invoker that keeps calls to it within a wall-clock budget.
//
// The backend itself is a black box: it accepts an image file and returns
// spans of text with positions and confidences. Implementations are not
// cooperatively cancellable, so the invoker runs each call on its own
// goroutine and abandons it when the timeout expires.
package backend

import "strings"

// Point is a pixel coordinate in image space.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Polygon is the quadrilateral bounding a recognized span, in reading
// order starting at the top-left corner.
type Polygon [4]Point

// TextSpan is one recognized piece of text.
type TextSpan struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Polygon    Polygon `json:"polygon"`
}

// Translate returns a copy of the span with its polygon shifted by
// (dx, dy). Used to map spans recognized in a cropped region back into
// the coordinate space of the original image.
func (s TextSpan) Translate(dx, dy int) TextSpan {
	out := s
	for i := range out.Polygon {
		out.Polygon[i].X += dx
		out.Polygon[i].Y += dy
	}
	return out
}

// RawLine is one recognized line in the flat collaborator shape:
// a bounding polygon paired with text and confidence.
type RawLine struct {
	Polygon    Polygon
	Text       string
	Confidence float64
}

// RawResult carries a backend response in either of the two shapes
// collaborators produce: a flat list of lines, or a structured record
// with parallel text/score/polygon arrays. At most one shape is
// populated per result.
type RawResult struct {
	Lines []RawLine

	Texts  []string
	Scores []float64
	Polys  []Polygon
}

// Normalize converts either result shape into text spans, dropping empty
// texts and spans whose confidence does not exceed minConfidence.
//
// Missing scores in the record shape default to 0.5 and missing polygons
// to the zero quadrilateral, matching the lenient handling collaborators
// expect.
func (r *RawResult) Normalize(minConfidence float64) []TextSpan {
	if r == nil {
		return nil
	}

	var spans []TextSpan
	if len(r.Lines) > 0 {
		for _, line := range r.Lines {
			text := strings.TrimSpace(line.Text)
			if text == "" || line.Confidence <= minConfidence {
				continue
			}
			spans = append(spans, TextSpan{Text: text, Confidence: line.Confidence, Polygon: line.Polygon})
		}
		return spans
	}

	for i, raw := range r.Texts {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		conf := 0.5
		if i < len(r.Scores) {
			conf = r.Scores[i]
		}
		if conf <= minConfidence {
			continue
		}
		var poly Polygon
		if i < len(r.Polys) {
			poly = r.Polys[i]
		}
		spans = append(spans, TextSpan{Text: text, Confidence: conf, Polygon: poly})
	}
	return spans
}

// Backend is the text-recognition capability consumed by the engine.
//
// Run reads the image at the given path and returns every recognized
// span. Implementations may block for an unbounded time and cannot be
// cancelled; callers wanting a deadline must go through Invoker.
type Backend interface {
	Run(imagePath string) (*RawResult, error)
}

// Factory constructs a fresh backend instance. The engine's resource
// guard uses it to discard and rebuild the backend under memory
// pressure.
type Factory func() (Backend, error)
