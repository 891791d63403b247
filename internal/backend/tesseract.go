package backend

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract is the default Backend implementation, recognizing text with
// the Tesseract engine via gosseract.
type Tesseract struct {
	language string
}

// NewTesseract creates a Tesseract backend for the given language code
// (e.g. "eng"). The corresponding training data must be installed on the
// system.
func NewTesseract(language string) *Tesseract {
	return &Tesseract{language: language}
}

// TesseractFactory returns a Factory producing Tesseract backends, for
// use with the engine's reconstructible backend handle.
func TesseractFactory(language string) Factory {
	return func() (Backend, error) {
		return NewTesseract(language), nil
	}
}

// Run recognizes all text in the image at imagePath.
//
// Word-level bounding boxes are mapped to axis-aligned quadrilaterals.
// If box extraction fails the recognized text is still returned as a
// single span with no position.
func (t *Tesseract) Run(imagePath string) (*RawResult, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetImage(imagePath); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		text, terr := client.Text()
		if terr != nil {
			return nil, fmt.Errorf("recognition failed: %w", terr)
		}
		if text == "" {
			return &RawResult{}, nil
		}
		return &RawResult{Lines: []RawLine{{Text: text, Confidence: 0.5}}}, nil
	}

	result := &RawResult{Lines: make([]RawLine, 0, len(boxes))}
	for _, box := range boxes {
		if box.Word == "" {
			continue
		}
		min, max := box.Box.Min, box.Box.Max
		result.Lines = append(result.Lines, RawLine{
			Text:       box.Word,
			Confidence: box.Confidence / 100.0,
			Polygon: Polygon{
				{X: min.X, Y: min.Y},
				{X: max.X, Y: min.Y},
				{X: max.X, Y: max.Y},
				{X: min.X, Y: max.Y},
			},
		})
	}
	return result, nil
}
