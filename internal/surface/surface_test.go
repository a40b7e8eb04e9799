package surface

import (
	"math"
	"testing"

	"github.com/ridgeline-obs/calwatch/internal/frame"
)

// planeImage builds ny x nx pixels of z = a + b*x + c*y in the centered
// coordinates the fitter uses.
func planeImage(ny, nx int, a, b, c float64) *frame.Image {
	im := frame.NewImage(ny, nx)
	cx := float64(nx) / 2.0
	cy := float64(ny) / 2.0
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			im.Set(y, x, a+b*(float64(x)-cx)+c*(float64(y)-cy))
		}
	}
	return im
}

func TestFitSurface_ConstantFrame(t *testing.T) {
	im := planeImage(64, 80, 250.0, 0, 0)

	fit, grids := FitSurface(im, nil, false)
	if grids == nil || !grids.Matches(64, 80) {
		t.Fatalf("expected grids built for 64x80")
	}
	if math.Abs(fit.Coeff[0]-250.0) > 1e-9 {
		t.Errorf("offset = %g, want 250", fit.Coeff[0])
	}
	for i := 1; i <= 2; i++ {
		if math.Abs(fit.Coeff[i]) > 1e-9 {
			t.Errorf("coeff[%d] = %g, want ~0", i, fit.Coeff[i])
		}
	}
	for i := 3; i < 6; i++ {
		if fit.Coeff[i] != 0 {
			t.Errorf("plane-only fit produced quadratic term coeff[%d] = %g", i, fit.Coeff[i])
		}
	}
}

func TestFitSurface_PlaneRecovery(t *testing.T) {
	const a, b, c = 120.0, 0.05, -0.02
	im := planeImage(50, 60, a, b, c)

	// Plane-only fit recovers (a, b, c).
	fit, grids := FitSurface(im, nil, false)
	checkCoeff := func(got, want float64, name string) {
		t.Helper()
		if math.Abs(got-want) > 1e-6 {
			t.Errorf("%s = %g, want %g", name, got, want)
		}
	}
	checkCoeff(fit.Coeff[0], a, "offset")
	checkCoeff(fit.Coeff[1], b, "slope_x")
	checkCoeff(fit.Coeff[2], c, "slope_y")

	// The quadric fit recovers the same linear terms with quadratic
	// terms approximately zero.
	qfit, _ := FitSurface(im, grids, true)
	checkCoeff(qfit.Coeff[0], a, "offset (quadric)")
	checkCoeff(qfit.Coeff[1], b, "slope_x (quadric)")
	checkCoeff(qfit.Coeff[2], c, "slope_y (quadric)")
	for i := 3; i < 6; i++ {
		if math.Abs(qfit.Coeff[i]) > 1e-9 {
			t.Errorf("quadratic coeff[%d] = %g, want ~0", i, qfit.Coeff[i])
		}
	}
}

func TestFitSurface_GridReuse(t *testing.T) {
	im := planeImage(32, 32, 10, 0, 0)
	_, grids := FitSurface(im, nil, true)

	// Same shape reuses the grids; a different shape rebuilds them.
	_, again := FitSurface(im, grids, true)
	if again != grids {
		t.Error("grids rebuilt for identical shape")
	}
	other := planeImage(16, 32, 10, 0, 0)
	_, rebuilt := FitSurface(other, grids, true)
	if rebuilt == grids {
		t.Error("grids not rebuilt for mismatched shape")
	}
}

func TestFitSurface_IgnoresNonFinitePixels(t *testing.T) {
	im := planeImage(40, 40, 100, 0.01, 0.01)
	im.Set(3, 7, math.NaN())
	im.Set(20, 20, math.Inf(1))

	fit, _ := FitSurface(im, nil, true)
	if fit.Degenerate() {
		t.Fatal("fit degenerate with masked pixels present")
	}
	for i, v := range fit.Coeff {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("coeff[%d] non-finite: %g", i, v)
		}
	}
}

func TestStandardForm_OrientationConvention(t *testing.T) {
	cases := []struct {
		name  string
		coeff [6]float64
	}{
		{"elliptic up", [6]float64{5, 0.1, -0.2, 2e-6, 8e-6, 1e-6}},
		{"elliptic down", [6]float64{5, 0, 0, -7e-6, -1e-6, 2e-6}},
		{"hyperbolic", [6]float64{1, 0.3, 0.1, 4e-6, -3e-6, 5e-7}},
		{"rotated", [6]float64{0, 0, 0, 9e-6, 1e-6, 6e-6}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := StandardForm(Fit{Coeff: tc.coeff, Quadratic: true})
			if !s.Interpretable {
				t.Fatal("finite coefficients marked uninterpretable")
			}
			if math.Abs(s.Major) > math.Abs(s.Minor) {
				t.Errorf("|major| = %g > |minor| = %g", math.Abs(s.Major), math.Abs(s.Minor))
			}
			if s.RotDeg < 0 || s.RotDeg >= 180 {
				t.Errorf("rotation %g outside [0, 180)", s.RotDeg)
			}
		})
	}
}

func TestStandardForm_Classification(t *testing.T) {
	plane := StandardForm(Fit{Coeff: [6]float64{3, 0.1, 0.2, 0, 0, 0}})
	if plane.Class != ClassPlane {
		t.Errorf("plane classified as %q", plane.Class)
	}
	if plane.Orient != 0 {
		t.Errorf("plane orientation = %d, want 0", plane.Orient)
	}

	up := StandardForm(Fit{Coeff: [6]float64{0, 0, 0, 1e-6, 2e-6, 0}, Quadratic: true})
	if up.Class != ClassEllipticUp || up.Orient != 1 {
		t.Errorf("upward elliptic: class %q orient %d", up.Class, up.Orient)
	}

	down := StandardForm(Fit{Coeff: [6]float64{0, 0, 0, -1e-6, -2e-6, 0}, Quadratic: true})
	if down.Class != ClassEllipticDown || down.Orient != -1 {
		t.Errorf("downward elliptic: class %q orient %d", down.Class, down.Orient)
	}

	hyp := StandardForm(Fit{Coeff: [6]float64{0, 0, 0, 1e-6, -2e-6, 0}, Quadratic: true})
	if hyp.Class != ClassHyperbolic {
		t.Errorf("hyperbolic classified as %q", hyp.Class)
	}
}

func TestStandardForm_NonFiniteAbandons(t *testing.T) {
	s := StandardForm(degenerateFit(true))
	if s.Interpretable {
		t.Fatal("NaN coefficients marked interpretable")
	}
	if s.Class != ClassUninterpreted {
		t.Errorf("class = %q, want %q", s.Class, ClassUninterpreted)
	}
	if !math.IsNaN(s.Major) || !math.IsNaN(s.SlopeMajor) || !math.IsNaN(s.Offset) {
		t.Error("uninterpretable form carries finite fields")
	}
}

func TestFlatness(t *testing.T) {
	flat := Standard{Interpretable: true}
	lin, quad := Flatness(flat, 2048, 2028, 5.0)
	if lin != 0 || quad != 0 {
		t.Errorf("flat surface scored (%g, %g), want (0, 0)", lin, quad)
	}

	tilted := Standard{Interpretable: true, SlopeMajor: 0.01, SlopeMinor: -0.002, Major: 1e-6, Minor: 2e-6}
	lin, quad = Flatness(tilted, 200, 100, 2.0)
	if want := 100 * 0.01 / 2.0; math.Abs(lin-want) > 1e-12 {
		t.Errorf("linear flatness = %g, want %g", lin, want)
	}
	if want := 100 * 100 * 2e-6 / 2.0; math.Abs(quad-want) > 1e-12 {
		t.Errorf("quadratic flatness = %g, want %g", quad, want)
	}

	// Zero noise scale is a degenerate input: scores are NaN, never a panic.
	lin, quad = Flatness(tilted, 200, 100, 0)
	if !math.IsNaN(lin) || !math.IsNaN(quad) {
		t.Errorf("zero stddev scored (%g, %g), want NaN", lin, quad)
	}
}

func TestModel_Reconstruction(t *testing.T) {
	im := planeImage(24, 30, 42.0, 0.3, -0.1)
	fit, grids := FitSurface(im, nil, false)
	model := Model(fit, grids)
	for i := range im.Pix {
		if math.Abs(model.Pix[i]-im.Pix[i]) > 1e-6 {
			t.Fatalf("model diverges from plane at pixel %d: %g vs %g", i, model.Pix[i], im.Pix[i])
		}
	}
}
