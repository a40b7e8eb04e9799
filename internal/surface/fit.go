package surface

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ridgeline-obs/calwatch/internal/frame"
)

// Fit holds the least-squares surface fit of an image:
//
//	z = c0 + c1*x + c2*y + c3*x^2 + c4*y^2 + c5*x*y
//
// in the centered coordinates of the Grids used for the fit. When the fit
// was plane-only the quadratic coefficients are zero and Quadratic is
// false; Coeff[0:3] are exactly [offset, slope_x, slope_y] in both cases.
type Fit struct {
	Coeff     [6]float64
	Quadratic bool
}

// Degenerate reports whether the solve failed and the coefficients are
// all-NaN. Degenerate fits propagate NaN downstream instead of stopping
// the pipeline.
func (f Fit) Degenerate() bool {
	return math.IsNaN(f.Coeff[0])
}

// FitSurface performs the least-squares fit of a plane (quadratic=false)
// or quadric surface (quadratic=true) to the image.
//
// If grids is nil or was built for a different shape, fresh grids are
// built and returned so the caller can reuse them for subsequent frames
// of the same shape. Non-finite pixels contribute zero to the right-hand
// side, so masked pixels do not corrupt the fit.
//
// A singular or non-finite normal matrix yields an all-NaN Fit rather
// than an error: numeric degeneracy is a per-frame condition, not a
// pipeline failure.
func FitSurface(im *frame.Image, grids *Grids, quadratic bool) (Fit, *Grids) {
	if !grids.Matches(im.NY, im.NX) {
		grids = NewGrids(im.NY, im.NX)
	}

	const n = 6
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}

	// Upper-left quadrant: the plane block, always present.
	m.Set(0, 0, grids.NPix)
	m.Set(0, 1, grids.SumX)
	m.Set(0, 2, grids.SumY)
	m.Set(1, 0, grids.SumX)
	m.Set(1, 1, grids.SumX2)
	m.Set(1, 2, grids.SumXY)
	m.Set(2, 0, grids.SumY)
	m.Set(2, 1, grids.SumXY)
	m.Set(2, 2, grids.SumY2)

	if quadratic {
		// Lower-left quadrant.
		m.Set(3, 0, grids.SumX2)
		m.Set(3, 1, grids.SumX3)
		m.Set(3, 2, grids.SumX2Y)
		m.Set(4, 0, grids.SumY2)
		m.Set(4, 1, grids.SumXY2)
		m.Set(4, 2, grids.SumY3)
		m.Set(5, 0, grids.SumXY)
		m.Set(5, 1, grids.SumX2Y)
		m.Set(5, 2, grids.SumXY2)
		// Right half.
		rhalf := [n][3]float64{
			{grids.SumX2, grids.SumY2, grids.SumXY},
			{grids.SumX3, grids.SumXY2, grids.SumX2Y},
			{grids.SumX2Y, grids.SumY3, grids.SumXY2},
			{grids.SumX4, grids.SumX2Y2, grids.SumX3Y},
			{grids.SumX2Y2, grids.SumY4, grids.SumXY3},
			{grids.SumX3Y, grids.SumXY3, grids.SumX2Y2},
		}
		for i := 0; i < n; i++ {
			for j := 0; j < 3; j++ {
				m.Set(i, 3+j, rhalf[i][j])
			}
		}
	}

	// Right-hand side: NaN-ignoring weighted sums of the data against
	// the coordinate grids.
	var sD, sXD, sYD, sX2D, sY2D, sXYD float64
	for i, v := range im.Pix {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sD += v
		sXD += grids.X[i] * v
		sYD += grids.Y[i] * v
		if quadratic {
			sX2D += grids.X2[i] * v
			sY2D += grids.Y2[i] * v
			sXYD += grids.XY[i] * v
		}
	}
	rhs := mat.NewVecDense(n, nil)
	rhs.SetVec(0, sD)
	rhs.SetVec(1, sXD)
	rhs.SetVec(2, sYD)
	if quadratic {
		rhs.SetVec(3, sX2D)
		rhs.SetVec(4, sY2D)
		rhs.SetVec(5, sXYD)
	}

	fit := Fit{Quadratic: quadratic}
	if !matFinite(m) {
		return degenerateFit(quadratic), grids
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		// Singular normal matrix: surface a degenerate result.
		return degenerateFit(quadratic), grids
	}
	var sol mat.VecDense
	sol.MulVec(&inv, rhs)
	for i := 0; i < n; i++ {
		fit.Coeff[i] = sol.AtVec(i)
	}
	return fit, grids
}

// Model reconstructs the fitted surface as an image of the grid shape.
// Diagnostic only; the pipeline never needs the full model array.
func Model(fit Fit, grids *Grids) *frame.Image {
	out := frame.NewImage(grids.NY, grids.NX)
	for i := range out.Pix {
		v := fit.Coeff[0] + fit.Coeff[1]*grids.X[i] + fit.Coeff[2]*grids.Y[i]
		if fit.Quadratic {
			v += fit.Coeff[3]*grids.X2[i] + fit.Coeff[4]*grids.Y2[i] + fit.Coeff[5]*grids.XY[i]
		}
		out.Pix[i] = v
	}
	return out
}

func degenerateFit(quadratic bool) Fit {
	f := Fit{Quadratic: quadratic}
	for i := range f.Coeff {
		f.Coeff[i] = math.NaN()
	}
	return f
}

func matFinite(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
