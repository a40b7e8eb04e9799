// Package frame defines the raw calibration frame model: pixel images,
// parsed header tags, detector sections, and the overscan reduction that
// turns a raw readout into a trimmed science-area image.
package frame

import (
	"fmt"
	"math"
	"time"
)

// FrameType identifies the calibration frame class.
type FrameType string

const (
	Bias     FrameType = "bias"
	Dark     FrameType = "dark"
	DomeFlat FrameType = "domeflat"
	SkyFlat  FrameType = "skyflat"
)

// FrameTypes lists the types a calibration container can hold, in
// processing order (bias before flats, since flats subtract the bias).
var FrameTypes = []FrameType{Bias, Dark, DomeFlat, SkyFlat}

// Rect is a half-open pixel rectangle [X0,X1) x [Y0,Y1) in array
// coordinates (x = column, y = row).
type Rect struct {
	X0, X1 int // columns
	Y0, Y1 int // rows
}

// Width returns the number of columns spanned.
func (r Rect) Width() int { return r.X1 - r.X0 }

// Height returns the number of rows spanned.
func (r Rect) Height() int { return r.Y1 - r.Y0 }

// Empty reports whether the rectangle spans no pixels.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// AmpSection holds the data and overscan rectangles for one amplifier
// of a multi-amplifier readout.
type AmpSection struct {
	ID      string
	DataSec Rect
	BiasSec Rect
}

// Header carries the already-parsed header tags the pipeline consumes.
// FITS parsing happens upstream; by the time a frame reaches this
// package every field below is typed.
type Header struct {
	DateObs     time.Time
	Instrument  string
	FrameType   FrameType
	ObsNumber   int
	Filename    string
	Binning     string // e.g. "2x2"
	Filter      string
	NumAmp      int
	AmpID       string // joined amplifier designation, e.g. "A" or "ABCD"
	ExpTime     float64
	MountTemp   float64
	AmbientTemp float64

	// Full-frame sections. For NumAmp == 1 these are the only sections
	// used; multi-amp reads additionally carry per-amp sections.
	DataSec Rect
	BiasSec Rect
	Amps    []AmpSection

	// Mechanism positions recorded for flats (fold mirror, filter wheel,
	// instrument cover). Values arrive as whatever the header parser
	// produced; the metric builder coerces them to float64.
	Mechanisms map[string]any
}

// Config returns the detector configuration group this frame belongs to.
func (h *Header) Config() ConfigGroup {
	return ConfigGroup{Binning: h.Binning, AmpConfig: h.AmpID}
}

// Validate checks the tags every frame must carry. A frame failing this
// check is reported and excluded rather than silently coerced.
func (h *Header) Validate() error {
	switch {
	case h.Instrument == "":
		return fmt.Errorf("frame %q: instrument tag not set", h.Filename)
	case h.FrameType == "":
		return fmt.Errorf("frame %q: frametype tag not set", h.Filename)
	case h.Binning == "":
		return fmt.Errorf("frame %q: binning tag not set", h.Filename)
	case h.AmpID == "":
		return fmt.Errorf("frame %q: amplifier tag not set", h.Filename)
	case h.DateObs.IsZero():
		return fmt.Errorf("frame %q: observation time not set", h.Filename)
	}
	return nil
}

// ConfigGroup scopes one pipeline invocation: all frames in a group share
// identical binning and full-frame amplifier configuration.
type ConfigGroup struct {
	Binning   string
	AmpConfig string
}

func (c ConfigGroup) String() string {
	return c.Binning + "/" + c.AmpConfig
}

// Defined reports whether both halves of the configuration are set.
// Processing a group with an undefined configuration is a fatal
// precondition violation for that group.
func (c ConfigGroup) Defined() bool {
	return c.Binning != "" && c.AmpConfig != ""
}

// RawFrame couples a header with its pixel grid. The caller owns the
// frame; reduction never mutates Pix in place but produces new images.
type RawFrame struct {
	Header Header
	Image  *Image
}

// Image is a row-major 2D float64 pixel grid.
type Image struct {
	NX  int // columns
	NY  int // rows
	Pix []float64
}

// NewImage allocates a zeroed image of the given shape.
func NewImage(ny, nx int) *Image {
	return &Image{NX: nx, NY: ny, Pix: make([]float64, nx*ny)}
}

// At returns the pixel at row y, column x.
func (im *Image) At(y, x int) float64 { return im.Pix[y*im.NX+x] }

// Set assigns the pixel at row y, column x.
func (im *Image) Set(y, x int, v float64) { im.Pix[y*im.NX+x] = v }

// Row returns the slice backing row y. The slice aliases the image.
func (im *Image) Row(y int) []float64 { return im.Pix[y*im.NX : (y+1)*im.NX] }

// Sub copies the rectangle r out of the image into a new image.
func (im *Image) Sub(r Rect) (*Image, error) {
	if r.X0 < 0 || r.Y0 < 0 || r.X1 > im.NX || r.Y1 > im.NY || r.Empty() {
		return nil, fmt.Errorf("section [%d:%d,%d:%d] outside %dx%d image",
			r.X0, r.X1, r.Y0, r.Y1, im.NX, im.NY)
	}
	out := NewImage(r.Height(), r.Width())
	for y := r.Y0; y < r.Y1; y++ {
		copy(out.Row(y-r.Y0), im.Row(y)[r.X0:r.X1])
	}
	return out, nil
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	out := NewImage(im.NY, im.NX)
	copy(out.Pix, im.Pix)
	return out
}

// AddScalar adds v to every pixel in place and returns the image.
func (im *Image) AddScalar(v float64) *Image {
	for i := range im.Pix {
		im.Pix[i] += v
	}
	return im
}

// Scale multiplies every pixel by v in place and returns the image.
func (im *Image) Scale(v float64) *Image {
	for i := range im.Pix {
		im.Pix[i] *= v
	}
	return im
}

// SubtractImage subtracts other pixel-wise, returning a new image.
// Shapes must match.
func (im *Image) SubtractImage(other *Image) (*Image, error) {
	if im.NX != other.NX || im.NY != other.NY {
		return nil, fmt.Errorf("shape mismatch: %dx%d vs %dx%d",
			im.NX, im.NY, other.NX, other.NY)
	}
	out := NewImage(im.NY, im.NX)
	for i := range im.Pix {
		out.Pix[i] = im.Pix[i] - other.Pix[i]
	}
	return out, nil
}

// FiniteFraction returns the fraction of pixels holding finite values.
func (im *Image) FiniteFraction() float64 {
	if len(im.Pix) == 0 {
		return 0
	}
	n := 0
	for _, v := range im.Pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			n++
		}
	}
	return float64(n) / float64(len(im.Pix))
}
