package surface

import "math"

// Flatness reduces a standard-form surface plus a local noise estimate
// into the pair of unitless flatness statistics used for alerting.
//
// Each statistic expresses how many noise standard deviations the fitted
// surface changes by across the narrow dimension of the detector: the
// linear score from the steeper of the two slopes, the quadratic score
// from the stronger of the two curvatures. A perfectly flat frame scores
// (0, 0); tilted or curved frames grow without bound.
//
// A zero, negative, or non-finite cropStd makes the ratio undefined; the
// policy here is to return NaN for both scores so the frame is marked
// unevaluable downstream instead of inventing a value.
func Flatness(s Standard, nx, ny int, cropStd float64) (linear, quadratic float64) {
	if !s.Interpretable || cropStd <= 0 || !finite(cropStd) {
		return math.NaN(), math.NaN()
	}
	npixMin := float64(nx)
	if ny < nx {
		npixMin = float64(ny)
	}
	linear = npixMin * math.Max(math.Abs(s.SlopeMajor), math.Abs(s.SlopeMinor)) / cropStd
	quadratic = npixMin * npixMin * math.Max(math.Abs(s.Major), math.Abs(s.Minor)) / cropStd
	return linear, quadratic
}
