package surface

import (
	"math"
)

// Class labels the shape of an interpreted quadric surface.
type Class string

const (
	ClassPlane         Class = "Plane"
	ClassEllipticUp    Class = "Elliptic Paraboloid Up"
	ClassEllipticDown  Class = "Elliptic Paraboloid Down"
	ClassHyperbolic    Class = "Hyperbolic Paraboloid"
	ClassUninterpreted Class = "Uninterpretable"
)

// Standard is the axis-aligned standard form of a fitted quadric,
//
//	z = a'*x'^2 + b'*y'^2 + c'*x' + d'*y' + F
//
// with the primed axes rotated by RotDeg from the detector axes. The
// orientation convention |Major| <= |Minor| holds whenever Interpretable
// is true; otherwise all numeric fields are NaN.
type Standard struct {
	RotDeg     float64 // rotation of the surface axes, degrees in [0, 180)
	Major      float64 // quadratic coefficient along x' (a')
	Minor      float64 // quadratic coefficient along y' (b')
	SlopeMajor float64 // linear slope along x'
	SlopeMinor float64 // linear slope along y'
	Offset     float64 // zero point F
	Orient     int     // sign of a' for elliptic surfaces, else 0
	Class      Class
	Interpretable bool
}

// normalizeCap bounds the orientation-normalization loop. The convention
// check flips the axes by 90 degrees at most once for finite inputs, so
// the cap only matters as a guard against pathological coefficients.
const normalizeCap = 8

// StandardForm rotates raw fit coefficients, read as the quadric
// z = F + D*x + E*y + A*x^2 + C*y^2 + B*xy, into standard form.
//
// Non-finite rotated coefficients abandon interpretation immediately and
// return an explicitly uninterpretable Standard rather than partially
// filled fields.
func StandardForm(fit Fit) Standard {
	F, D, E := fit.Coeff[0], fit.Coeff[1], fit.Coeff[2]
	A, C, B := fit.Coeff[3], fit.Coeff[4], fit.Coeff[5]

	theta := 0.5 * math.Atan2(B, A-C)

	var aPrime, bPrime, costh, sinth float64
	ok := false
	for i := 0; i < normalizeCap; i++ {
		// Keep theta within [0, pi).
		if theta < 0 {
			theta += math.Pi
		}
		if theta >= math.Pi {
			theta -= math.Pi
		}
		costh = math.Cos(theta)
		sinth = math.Sin(theta)

		// Rotated quadratic coefficients on x'^2 and y'^2.
		aPrime = A*costh*costh + B*sinth*costh + C*sinth*sinth
		bPrime = A*sinth*sinth - B*sinth*costh + C*costh*costh

		if !finite(aPrime) || !finite(bPrime) {
			return uninterpretable()
		}
		// Orientation convention: x' is the shallower ("semimajor") axis.
		if math.Abs(aPrime) <= math.Abs(bPrime) {
			ok = true
			break
		}
		theta += math.Pi / 2.0
	}
	if !ok {
		return uninterpretable()
	}

	s := Standard{
		RotDeg:        theta * 180.0 / math.Pi,
		Major:         aPrime,
		Minor:         bPrime,
		SlopeMajor:    D*costh + E*sinth,
		SlopeMinor:    -D*sinth + E*costh,
		Offset:        F,
		Interpretable: true,
	}

	switch {
	case aPrime == 0 && bPrime == 0:
		s.Class = ClassPlane
	case sign(aPrime) == sign(bPrime):
		s.Orient = sign(aPrime)
		if s.Orient > 0 {
			s.Class = ClassEllipticUp
		} else {
			s.Class = ClassEllipticDown
		}
	default:
		s.Class = ClassHyperbolic
	}
	return s
}

func uninterpretable() Standard {
	nan := math.NaN()
	return Standard{
		RotDeg:     nan,
		Major:      nan,
		Minor:      nan,
		SlopeMajor: nan,
		SlopeMinor: nan,
		Offset:     nan,
		Class:      ClassUninterpreted,
	}
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
