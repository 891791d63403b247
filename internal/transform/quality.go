package transform

import (
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// Difficulty grades how hard an image is expected to be for text
// recognition.
type Difficulty string

const (
	DifficultyEasy     Difficulty = "easy"
	DifficultyMedium   Difficulty = "medium"
	DifficultyHard     Difficulty = "hard"
	DifficultyVeryHard Difficulty = "very_hard"
)

// Assessment summarizes perceptual statistics of an image. Brightness
// and contrast are mean and standard deviation of CIE Lab lightness in
// [0, 1]; sharpness is the mean local lightness gradient.
type Assessment struct {
	Brightness float64    `json:"brightness"`
	Contrast   float64    `json:"contrast"`
	Sharpness  float64    `json:"sharpness"`
	Difficulty Difficulty `json:"difficulty"`
}

// RecommendedStrategy maps the difficulty grade to the strategy the
// orchestrator should reach for first.
func (a Assessment) RecommendedStrategy() Strategy {
	switch a.Difficulty {
	case DifficultyVeryHard:
		return SuperAggressive
	case DifficultyHard:
		return Aggressive
	case DifficultyMedium:
		return Enhanced
	default:
		return Standard
	}
}

// Assess computes brightness, contrast and sharpness statistics and
// grades recognition difficulty. Large images are sampled on a stride so
// assessment stays cheap relative to recognition itself.
func Assess(img image.Image) Assessment {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Assessment{Difficulty: DifficultyVeryHard}
	}

	stride := maxInt(1, maxInt(w, h)/256)

	// Lightness samples on the grid.
	cols := (w + stride - 1) / stride
	rows := (h + stride - 1) / stride
	lum := make([]float64, 0, cols*rows)
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			c, ok := colorful.MakeColor(img.At(x, y))
			if !ok {
				lum = append(lum, 0)
				continue
			}
			l, _, _ := c.Lab()
			lum = append(lum, l)
		}
	}

	n := float64(len(lum))
	var sum float64
	for _, l := range lum {
		sum += l
	}
	mean := sum / n

	var variance float64
	for _, l := range lum {
		d := l - mean
		variance += d * d
	}
	contrast := math.Sqrt(variance / n)

	// Mean gradient over the sample grid.
	var grad float64
	var gradN int
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			if c+1 < cols {
				grad += math.Abs(lum[i+1] - lum[i])
				gradN++
			}
			if r+1 < rows {
				grad += math.Abs(lum[i+cols] - lum[i])
				gradN++
			}
		}
	}
	sharpness := 0.0
	if gradN > 0 {
		sharpness = grad / float64(gradN)
	}

	return Assessment{
		Brightness: mean,
		Contrast:   contrast,
		Sharpness:  sharpness,
		Difficulty: gradeDifficulty(mean, contrast, sharpness),
	}
}

// gradeDifficulty scores the statistics: extreme brightness, flat
// contrast and blur each add points, and the total selects the grade.
func gradeDifficulty(brightness, contrast, sharpness float64) Difficulty {
	score := 0

	switch {
	case brightness < 0.25 || brightness > 0.85:
		score += 2
	case brightness < 0.35 || brightness > 0.75:
		score++
	}

	switch {
	case contrast < 0.08:
		score += 3
	case contrast < 0.12:
		score += 2
	case contrast < 0.18:
		score++
	}

	switch {
	case sharpness < 0.02:
		score += 2
	case sharpness < 0.05:
		score++
	}

	switch {
	case score >= 5:
		return DifficultyVeryHard
	case score >= 3:
		return DifficultyHard
	case score >= 1:
		return DifficultyMedium
	default:
		return DifficultyEasy
	}
}
