package grounding

import "github.com/menta2k/phrase-grounder/pkg/types"

// LocationBins is the size of the quantized coordinate grid
const LocationBins = 1000.0

// Denormalize maps a location token quadruple (x1, y1, x2, y2) on the
// 1000-unit grid to pixel coordinates. Values are neither clamped nor
// validated; callers only pass complete quadruples.
func Denormalize(locs [4]int, size types.ImageSize) [4]float64 {
	w, h := float64(size.Width), float64(size.Height)
	return [4]float64{
		float64(locs[0]) / LocationBins * w,
		float64(locs[1]) / LocationBins * h,
		float64(locs[2]) / LocationBins * w,
		float64(locs[3]) / LocationBins * h,
	}
}
