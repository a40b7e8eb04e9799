// Package surface fits plane and quadric surfaces to 2D pixel arrays and
// reduces the fits into the standard-form and flatness statistics used by
// the nightly quality metrics.
package surface

// Grids precomputes, for one frame shape, the origin-centered coordinate
// arrays and their power sums needed to assemble the least-squares normal
// equations. The arrays depend only on the shape, so callers fitting many
// frames of identical shape should build this once and reuse it.
type Grids struct {
	NX, NY int

	// Elementwise coordinate grids (row-major, same layout as the image)
	// plus their products, kept for surface reconstruction.
	X, Y       []float64
	X2, XY, Y2 []float64

	// Power sums over the full grid, up to 4th order.
	NPix                       float64
	SumX, SumY                 float64
	SumX2, SumXY, SumY2        float64
	SumX3, SumX2Y, SumXY2      float64
	SumY3                      float64
	SumX4, SumX3Y, SumX2Y2     float64
	SumXY3, SumY4              float64
}

// NewGrids builds the coordinate arrays for an ny-row by nx-column frame
// with the origin at (nx/2, ny/2). Pure function of the shape.
func NewGrids(ny, nx int) *Grids {
	g := &Grids{
		NX: nx,
		NY: ny,
		X:  make([]float64, nx*ny),
		Y:  make([]float64, nx*ny),
		X2: make([]float64, nx*ny),
		XY: make([]float64, nx*ny),
		Y2: make([]float64, nx*ny),
	}
	cx := float64(nx) / 2.0
	cy := float64(ny) / 2.0
	i := 0
	for yi := 0; yi < ny; yi++ {
		y := float64(yi) - cy
		for xi := 0; xi < nx; xi++ {
			x := float64(xi) - cx
			x2, xy, y2 := x*x, x*y, y*y
			g.X[i], g.Y[i] = x, y
			g.X2[i], g.XY[i], g.Y2[i] = x2, xy, y2

			g.SumX += x
			g.SumY += y
			g.SumX2 += x2
			g.SumXY += xy
			g.SumY2 += y2
			g.SumX3 += x2 * x
			g.SumX2Y += x2 * y
			g.SumXY2 += x * y2
			g.SumY3 += y2 * y
			g.SumX4 += x2 * x2
			g.SumX3Y += x2 * xy
			g.SumX2Y2 += x2 * y2
			g.SumXY3 += xy * y2
			g.SumY4 += y2 * y2
			i++
		}
	}
	g.NPix = float64(nx * ny)
	return g
}

// Matches reports whether the grids were built for the given shape.
func (g *Grids) Matches(ny, nx int) bool {
	return g != nil && g.NX == nx && g.NY == ny
}
