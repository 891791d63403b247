// Package roi locates candidate text-bearing regions of an image so
// recognition can run on small crops instead of the whole photograph.
//
// Detection runs two independent passes over the grayscale image, a
// connected-component pass over the binarized image and an edge-plus-
// morphology pass, filters candidates by area and aspect ratio, and
// merges overlapping survivors. A policy gate decides when region-based
// processing is worth the overhead at all.
package roi

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/packlabel/dateocr/internal/transform"
)

const (
	// Candidate filters: printed date stamps sit in this area and
	// aspect-ratio envelope.
	minTextArea    = 100
	maxTextArea    = 50000
	minAspectRatio = 0.1
	maxAspectRatio = 10.0

	// mergeOverlap is the fraction of the smaller region's area above
	// which two regions are merged.
	mergeOverlap = 0.5

	// Policy gate thresholds.
	smallImagePixels = 250000
	largeImagePixels = 1000000
	elongationRatio  = 3.0

	// Cost model for the region path: more than maxRegions crops, or a
	// predicted cost over the budget, signals whole-image fallback.
	maxRegions    = 15
	perRegionCost = 8
	costBudget    = 60
)

// Region is an axis-aligned candidate text region.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the region's area in square pixels.
func (r Region) Area() int {
	return r.Width * r.Height
}

func (r Region) valid() bool {
	area := r.Area()
	if area < minTextArea || area > maxTextArea {
		return false
	}
	if r.Height == 0 {
		return false
	}
	aspect := float64(r.Width) / float64(r.Height)
	return aspect >= minAspectRatio && aspect <= maxAspectRatio
}

// overlapExceeds reports whether the intersection of a and b covers
// more than the merge threshold of the smaller region.
func overlapExceeds(a, b Region) bool {
	ox := minInt(a.X+a.Width, b.X+b.Width) - maxInt(a.X, b.X)
	oy := minInt(a.Y+a.Height, b.Y+b.Height) - maxInt(a.Y, b.Y)
	if ox <= 0 || oy <= 0 {
		return false
	}
	smaller := minInt(a.Area(), b.Area())
	return float64(ox*oy) > float64(smaller)*mergeOverlap
}

// union returns the bounding rectangle of both regions.
func union(a, b Region) Region {
	x0 := minInt(a.X, b.X)
	y0 := minInt(a.Y, b.Y)
	x1 := maxInt(a.X+a.Width, b.X+b.Width)
	y1 := maxInt(a.Y+a.Height, b.Y+b.Height)
	return Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// DetectRegions finds candidate text regions in img.
//
// Candidates from both detection passes are filtered by the area and
// aspect bounds, then merged until no surviving pair overlaps above the
// threshold.
func DetectRegions(img image.Image) []Region {
	gray := imaging.Grayscale(img)

	var candidates []Region
	candidates = append(candidates, detectBlobs(gray)...)
	candidates = append(candidates, detectEdges(gray)...)

	var filtered []Region
	for _, r := range candidates {
		if r.valid() {
			filtered = append(filtered, r)
		}
	}
	return MergeRegions(filtered)
}

// MergeRegions repeatedly merges pairs whose overlap exceeds half the
// smaller region's area until a fixed point is reached. Merging an
// already-merged list is therefore a no-op.
func MergeRegions(regions []Region) []Region {
	merged := make([]Region, len(regions))
	copy(merged, regions)

	for {
		changed := false
		for i := 0; i < len(merged) && !changed; i++ {
			for j := i + 1; j < len(merged); j++ {
				if overlapExceeds(merged[i], merged[j]) {
					merged[i] = union(merged[i], merged[j])
					merged = append(merged[:j], merged[j+1:]...)
					changed = true
					break
				}
			}
		}
		if !changed {
			return merged
		}
	}
}

// ShouldUseROI is the policy gate for region-based processing.
//
// Small images are cheaper to recognize whole; very large or strongly
// elongated images benefit from cropping. forceWhole overrides the gate
// entirely, replacing the per-file exemptions the heuristic used to
// need.
func ShouldUseROI(img image.Image, forceWhole bool) bool {
	if forceWhole {
		return false
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return false
	}

	pixels := w * h
	if pixels < smallImagePixels {
		return false
	}
	if pixels > largeImagePixels {
		return true
	}

	longer := math.Max(float64(w), float64(h))
	shorter := math.Min(float64(w), float64(h))
	return longer/shorter > elongationRatio
}

// ExceedsBudget reports whether processing n regions individually would
// cost more than whole-image recognition is expected to.
func ExceedsBudget(n int) bool {
	return n > maxRegions || n*perRegionCost > costBudget
}

// CropRegions returns one sub-image per region, each grown by padding
// and clipped to the image bounds.
func CropRegions(img image.Image, regions []Region, padding int) []image.Image {
	b := img.Bounds()
	crops := make([]image.Image, 0, len(regions))
	for _, r := range regions {
		x0 := maxInt(b.Min.X, r.X-padding)
		y0 := maxInt(b.Min.Y, r.Y-padding)
		x1 := minInt(b.Max.X, r.X+r.Width+padding)
		y1 := minInt(b.Max.Y, r.Y+r.Height+padding)
		if x0 >= x1 || y0 >= y1 {
			continue
		}
		crops = append(crops, imaging.Crop(img, image.Rect(x0, y0, x1, y1)))
	}
	return crops
}

// PaddedOrigin returns the top-left corner of the padded, clipped crop
// for r, which is the offset needed to map crop-space coordinates back
// into the original image.
func PaddedOrigin(img image.Image, r Region, padding int) (int, int) {
	b := img.Bounds()
	return maxInt(b.Min.X, r.X-padding), maxInt(b.Min.Y, r.Y-padding)
}

// detectBlobs finds dark connected components on the Otsu-binarized
// image. Printed characters cluster into compact dark blobs on the
// lighter packaging background.
func detectBlobs(img image.Image) []Region {
	binary := transform.OtsuBinarize(img)
	return componentBoxes(binary, func(v uint8) bool { return v == 0 })
}

// detectEdges finds connected components of the thresholded gradient
// magnitude after a horizontal morphological close, which bridges the
// gaps between adjacent characters on a line.
func detectEdges(img image.Image) []Region {
	gray := toGray(img)
	edges := sobelEdges(gray, 96)
	closed := closeHorizontal(edges)
	return componentBoxes(closed, func(v uint8) bool { return v == 255 })
}

// componentBoxes labels 4-connected components of pixels matching fg and
// returns their bounding boxes.
func componentBoxes(img *image.Gray, fg func(uint8) bool) []Region {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	visited := make([]bool, w*h)

	at := func(x, y int) uint8 { return img.GrayAt(b.Min.X+x, b.Min.Y+y).Y }

	var boxes []Region
	stack := make([][2]int, 0, 256)

	for sy := 0; sy < h; sy++ {
		for sx := 0; sx < w; sx++ {
			if visited[sy*w+sx] || !fg(at(sx, sy)) {
				continue
			}

			minX, minY, maxX, maxY := sx, sy, sx, sy
			stack = append(stack[:0], [2]int{sx, sy})
			visited[sy*w+sx] = true

			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				x, y := p[0], p[1]

				minX = minInt(minX, x)
				minY = minInt(minY, y)
				maxX = maxInt(maxX, x)
				maxY = maxInt(maxY, y)

				for _, d := range [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					nx, ny := x+d[0], y+d[1]
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if visited[ny*w+nx] || !fg(at(nx, ny)) {
						continue
					}
					visited[ny*w+nx] = true
					stack = append(stack, [2]int{nx, ny})
				}
			}

			boxes = append(boxes, Region{
				X:      b.Min.X + minX,
				Y:      b.Min.Y + minY,
				Width:  maxX - minX + 1,
				Height: maxY - minY + 1,
			})
		}
	}
	return boxes
}

// sobelEdges thresholds the Sobel gradient magnitude into a binary edge
// map (255 = edge).
func sobelEdges(gray *image.Gray, threshold int) *image.Gray {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)

	at := func(x, y int) int {
		x = clamp(x, 0, w-1)
		y = clamp(y, 0, h-1)
		return int(gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := -at(x-1, y-1) + at(x+1, y-1) +
				-2*at(x-1, y) + 2*at(x+1, y) +
				-at(x-1, y+1) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)

			if int(math.Sqrt(float64(gx*gx+gy*gy))) >= threshold {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// closeHorizontal dilates then erodes with a horizontal 1x3 element,
// joining edge fragments along a text line.
func closeHorizontal(img *image.Gray) *image.Gray {
	dilated := morphHorizontal(img, func(a, b, c uint8) uint8 {
		return maxUint8(a, maxUint8(b, c))
	})
	return morphHorizontal(dilated, func(a, b, c uint8) uint8 {
		return minUint8(a, minUint8(b, c))
	})
}

func morphHorizontal(img *image.Gray, op func(a, b, c uint8) uint8) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			left := img.Pix[y*img.Stride+clamp(x-1, 0, w-1)]
			mid := img.Pix[y*img.Stride+x]
			right := img.Pix[y*img.Stride+clamp(x+1, 0, w-1)]
			out.Pix[y*out.Stride+x] = op(left, mid, right)
		}
	}
	return out
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			gray.Pix[(y-b.Min.Y)*gray.Stride+(x-b.Min.X)] = uint8((299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000)
		}
	}
	return gray
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
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

func minUint8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func maxUint8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}
