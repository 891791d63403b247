// Package transform provides the strategy-parameterized image pipelines
// that prepare photographs for text recognition.
//
// Every operation is a pure function returning a new image; inputs are
// never mutated. When a pipeline fails partway (corrupt or degenerate
// input) the original image is returned unchanged so recognition can
// still be attempted on it.
package transform

import (
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/convolution"
	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"
)

// ResizeToBounds scales img down so neither dimension exceeds maxDim,
// preserving aspect ratio with Lanczos resampling. Images already within
// bounds are returned as-is; nothing is ever scaled up.
func ResizeToBounds(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return img
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
}

// Enhance applies the named strategy's pipeline to img and returns the
// result as a new image.
//
//   - standard: no enhancement (the orchestrator has already resized).
//   - enhanced: local contrast equalization, light median denoise,
//     adaptive binarization.
//   - aggressive: stronger equalization, heavier rank-filter denoise,
//     sharpening convolution, Otsu global binarization.
//   - super_aggressive: the aggressive pipeline with more extreme
//     parameters and a double sharpening pass.
//
// Any internal failure returns the input unchanged.
func Enhance(img image.Image, strategy Strategy) (out image.Image) {
	out = img
	defer func() {
		if r := recover(); r != nil {
			out = img
		}
	}()

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return img
	}

	switch strategy {
	case Enhanced:
		gray := toGray(img)
		eq := equalizeAdaptive(gray, 2.0)
		den := toGray(effect.Median(eq, 3))
		return adaptiveBinarize(den, 11, 2)

	case Aggressive:
		gray := toGray(img)
		eq := equalizeAdaptive(gray, 4.0)
		den := toGray(effect.Median(eq, 5))
		sharp := toGray(sharpen(den))
		return segment.Threshold(sharp, otsuLevel(sharp))

	case SuperAggressive:
		gray := toGray(img)
		eq := equalizeAdaptive(gray, 6.0)
		den := toGray(effect.Median(eq, 5))
		sharp := toGray(sharpen(sharpen(den)))
		return segment.Threshold(sharp, otsuLevel(sharp))

	default:
		return img
	}
}

// OtsuBinarize converts img to a binary image using Otsu's
// threshold-selection method over the grayscale histogram.
func OtsuBinarize(img image.Image) *image.Gray {
	gray := toGray(img)
	return segment.Threshold(gray, otsuLevel(gray))
}

// toGray converts any image to 8-bit grayscale using ITU-R BT.601
// luminance weights.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			lum := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000
			gray.SetGray(x, y, color.Gray{Y: uint8(lum)})
		}
	}
	return gray
}

// sharpen applies the 3x3 edge-boost kernel used for faded or
// low-contrast print.
func sharpen(img image.Image) *image.RGBA {
	k := convolution.NewKernel(3, 3)
	k.Matrix = []float64{
		-1, -1, -1,
		-1, 9, -1,
		-1, -1, -1,
	}
	return convolution.Convolve(img, k, &convolution.Options{Bias: 0, Wrap: false, KeepAlpha: true})
}

// equalizeAdaptive performs tiled histogram equalization with a clip
// limit, spreading local contrast so faint print separates from the
// packaging background. The image is divided into an 8x8 tile grid; each
// tile's histogram is clipped at clipLimit times the uniform bin height,
// the clipped excess is redistributed evenly, and the tile is remapped
// through the resulting cumulative distribution.
func equalizeAdaptive(gray *image.Gray, clipLimit float64) *image.Gray {
	const tiles = 8

	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)

	tileW := (w + tiles - 1) / tiles
	tileH := (h + tiles - 1) / tiles
	if tileW == 0 || tileH == 0 {
		copy(out.Pix, gray.Pix)
		return out
	}

	for ty := 0; ty < tiles; ty++ {
		for tx := 0; tx < tiles; tx++ {
			x0 := b.Min.X + tx*tileW
			y0 := b.Min.Y + ty*tileH
			x1 := minInt(x0+tileW, b.Max.X)
			y1 := minInt(y0+tileH, b.Max.Y)
			if x0 >= x1 || y0 >= y1 {
				continue
			}

			var hist [256]int
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					hist[gray.GrayAt(x, y).Y]++
				}
			}

			pixels := (x1 - x0) * (y1 - y0)
			limit := int(clipLimit * float64(pixels) / 256.0)
			if limit < 1 {
				limit = 1
			}

			excess := 0
			for i := range hist {
				if hist[i] > limit {
					excess += hist[i] - limit
					hist[i] = limit
				}
			}
			share := excess / 256
			for i := range hist {
				hist[i] += share
			}

			// Cumulative distribution mapped to the full 8-bit range.
			var lut [256]uint8
			cum := 0
			for i := range hist {
				cum += hist[i]
				lut[i] = uint8(255 * cum / pixels)
			}

			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					out.SetGray(x, y, color.Gray{Y: lut[gray.GrayAt(x, y).Y]})
				}
			}
		}
	}
	return out
}

// adaptiveBinarize thresholds each pixel against the mean of its
// window x window neighborhood minus a small constant, which copes with
// uneven lighting across curved packaging.
func adaptiveBinarize(gray *image.Gray, window, c int) *image.Gray {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)

	// Summed-area table for O(1) window means.
	integral := make([]int, (w+1)*(h+1))
	stride := w + 1
	for y := 0; y < h; y++ {
		rowSum := 0
		for x := 0; x < w; x++ {
			rowSum += int(gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + rowSum
		}
	}

	half := window / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0 := maxInt(0, x-half)
			y0 := maxInt(0, y-half)
			x1 := minInt(w-1, x+half)
			y1 := minInt(h-1, y+half)

			area := (x1 - x0 + 1) * (y1 - y0 + 1)
			sum := integral[(y1+1)*stride+x1+1] - integral[y0*stride+x1+1] -
				integral[(y1+1)*stride+x0] + integral[y0*stride+x0]
			mean := sum / area

			v := uint8(0)
			if int(gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y) > mean-c {
				v = 255
			}
			out.SetGray(b.Min.X+x, b.Min.Y+y, color.Gray{Y: v})
		}
	}
	return out
}

// otsuLevel selects the global threshold maximizing between-class
// variance over the grayscale histogram. The returned level is the first
// value of the bright class, matching segment.Threshold's at-or-above
// comparison.
func otsuLevel(gray *image.Gray) uint8 {
	var hist [256]int
	b := gray.Bounds()
	total := b.Dx() * b.Dy()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[gray.GrayAt(x, y).Y]++
		}
	}

	sum := 0.0
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var (
		sumB, wB  float64
		best      float64
		threshold uint8
	)
	for i, n := range hist {
		wB += float64(n)
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * float64(n)
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = uint8(i)
		}
	}
	if threshold < 255 {
		threshold++
	}
	return threshold
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
