// Package calib reduces gathered calibration frames for one night and
// one detector configuration into per-frame quality metrics and,
// optionally, combined master frames.
package calib

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cast"
	"gonum.org/v1/gonum/stat"

	"github.com/ridgeline-obs/calwatch/internal/frame"
	"github.com/ridgeline-obs/calwatch/internal/surface"
)

// MechanismKeys are the light-path mechanism positions recorded for dome
// flats: fold mirror positions, lamp carriage axes, and the instrument
// cover. Each must be present and numerically coercible on a flat frame.
var MechanismKeys = []string{
	"rc1pos_x", "rc1pos_y", "rc2pos_x", "rc2pos_y",
	"icpos",
	"fmpos_a", "fmpos_b", "fmpos_c", "fmpos_d",
}

// FrameMetric is the per-frame quality record: identifying tags, region
// statistics, the standard-form surface fields, and the two flatness
// scores. Built once per processed frame and immutable thereafter.
type FrameMetric struct {
	// Identifying tags.
	DateObs    time.Time
	Instrument string
	FrameType  frame.FrameType
	ObsNumber  int
	Filename   string
	Binning    string
	Filter     string
	NumAmp     int
	AmpID      string
	CropSize   int

	// Header scalars.
	ExpTime     float64
	MountTemp   float64
	AmbientTemp float64

	// Region statistics (whole frame and crop region).
	FrameAvg, FrameMed, FrameStd float64
	CropAvg, CropMed, CropStd    float64

	// Standard-form surface fields.
	Surface surface.Standard

	// Flatness scores.
	LinFlat  float64
	QuadFlat float64

	// Mechanism positions, present for flats only.
	Mech map[string]float64
}

// Fields flattens all numeric metrics into the named field set written to
// the metric store. Non-finite entries are kept here; the store's write
// path is responsible for dropping them explicitly.
func (m *FrameMetric) Fields() map[string]float64 {
	f := map[string]float64{
		"obserno":   float64(m.ObsNumber),
		"exptime":   m.ExpTime,
		"mnttemp":   m.MountTemp,
		"tempamb":   m.AmbientTemp,
		"frame_avg": m.FrameAvg,
		"frame_med": m.FrameMed,
		"frame_std": m.FrameStd,
		"crop_avg":  m.CropAvg,
		"crop_med":  m.CropMed,
		"crop_std":  m.CropStd,
		"qs_rot":    m.Surface.RotDeg,
		"qs_maj":    m.Surface.Major,
		"qs_min":    m.Surface.Minor,
		"qs_bma":    m.Surface.SlopeMajor,
		"qs_bmi":    m.Surface.SlopeMinor,
		"qs_zpt":    m.Surface.Offset,
		"qs_open":   float64(m.Surface.Orient),
		"lin_flat":  m.LinFlat,
		"quad_flat": m.QuadFlat,
	}
	for k, v := range m.Mech {
		f[k] = v
	}
	return f
}

// UnsetMetric returns a FrameMetric whose numeric fields are all NaN.
// Used when reconstructing a metric from stored rows, where a field
// absent from the store must stay unset rather than read as zero.
func UnsetMetric() FrameMetric {
	nan := math.NaN()
	m := FrameMetric{
		ExpTime: nan, MountTemp: nan, AmbientTemp: nan,
		FrameAvg: nan, FrameMed: nan, FrameStd: nan,
		CropAvg: nan, CropMed: nan, CropStd: nan,
		LinFlat: nan, QuadFlat: nan,
	}
	m.Surface.RotDeg = nan
	m.Surface.Major = nan
	m.Surface.Minor = nan
	m.Surface.SlopeMajor = nan
	m.Surface.SlopeMinor = nan
	m.Surface.Offset = nan
	return m
}

// SetField assigns one named numeric field, the inverse of Fields.
// Names outside the fixed set land in Mech, matching how Fields
// flattens mechanism positions.
func (m *FrameMetric) SetField(name string, v float64) {
	switch name {
	case "obserno":
		m.ObsNumber = int(v)
	case "exptime":
		m.ExpTime = v
	case "mnttemp":
		m.MountTemp = v
	case "tempamb":
		m.AmbientTemp = v
	case "frame_avg":
		m.FrameAvg = v
	case "frame_med":
		m.FrameMed = v
	case "frame_std":
		m.FrameStd = v
	case "crop_avg":
		m.CropAvg = v
	case "crop_med":
		m.CropMed = v
	case "crop_std":
		m.CropStd = v
	case "qs_rot":
		m.Surface.RotDeg = v
	case "qs_maj":
		m.Surface.Major = v
	case "qs_min":
		m.Surface.Minor = v
	case "qs_bma":
		m.Surface.SlopeMajor = v
	case "qs_bmi":
		m.Surface.SlopeMinor = v
	case "qs_zpt":
		m.Surface.Offset = v
	case "qs_open":
		m.Surface.Orient = int(v)
	case "lin_flat":
		m.LinFlat = v
	case "quad_flat":
		m.QuadFlat = v
	default:
		if m.Mech == nil {
			m.Mech = map[string]float64{}
		}
		m.Mech[name] = v
	}
}

// MetricNames returns the sorted field names of the metric, for stable
// iteration in reports and validation.
func (m *FrameMetric) MetricNames() []string {
	fields := m.Fields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// BuildMetric combines header tags, whole- and crop-region statistics,
// and the surface fit into one FrameMetric. cropBorder pixels are
// trimmed from each edge for the crop region, whose standard deviation
// becomes the noise scale for the flatness statistics.
//
// Missing or malformed required tags are reported as errors, never
// silently coerced.
func BuildMetric(hdr *frame.Header, im *frame.Image, fit surface.Fit, cropBorder int) (FrameMetric, error) {
	if err := hdr.Validate(); err != nil {
		return FrameMetric{}, err
	}
	if 2*cropBorder >= im.NX || 2*cropBorder >= im.NY {
		return FrameMetric{}, fmt.Errorf("frame %q: crop border %d consumes the whole %dx%d frame",
			hdr.Filename, cropBorder, im.NX, im.NY)
	}

	cropRect := frame.Rect{
		X0: cropBorder, X1: im.NX - cropBorder,
		Y0: cropBorder, Y1: im.NY - cropBorder,
	}
	crop, err := im.Sub(cropRect)
	if err != nil {
		return FrameMetric{}, fmt.Errorf("frame %q: crop: %w", hdr.Filename, err)
	}

	m := FrameMetric{
		DateObs:     hdr.DateObs,
		Instrument:  hdr.Instrument,
		FrameType:   hdr.FrameType,
		ObsNumber:   hdr.ObsNumber,
		Filename:    hdr.Filename,
		Binning:     hdr.Binning,
		Filter:      hdr.Filter,
		NumAmp:      hdr.NumAmp,
		AmpID:       hdr.AmpID,
		CropSize:    cropBorder,
		ExpTime:     hdr.ExpTime,
		MountTemp:   hdr.MountTemp,
		AmbientTemp: hdr.AmbientTemp,
	}

	m.FrameAvg, m.FrameMed, m.FrameStd = regionStats(im.Pix)
	m.CropAvg, m.CropMed, m.CropStd = regionStats(crop.Pix)

	m.Surface = surface.StandardForm(fit)
	m.LinFlat, m.QuadFlat = surface.Flatness(m.Surface, im.NX, im.NY, m.CropStd)

	if hdr.FrameType == frame.DomeFlat || hdr.FrameType == frame.SkyFlat {
		m.Mech = make(map[string]float64, len(MechanismKeys))
		for _, key := range MechanismKeys {
			raw, ok := hdr.Mechanisms[key]
			if !ok {
				return FrameMetric{}, fmt.Errorf("frame %q: mechanism tag %q absent", hdr.Filename, key)
			}
			v, err := cast.ToFloat64E(raw)
			if err != nil {
				return FrameMetric{}, fmt.Errorf("frame %q: mechanism tag %q: %w", hdr.Filename, key, err)
			}
			m.Mech[key] = v
		}
	}
	return m, nil
}

// regionStats computes NaN-tolerant mean, median, and standard deviation
// of a pixel slice. All-NaN input yields NaN statistics.
func regionStats(pix []float64) (mean, med, std float64) {
	finite := make([]float64, 0, len(pix))
	for _, v := range pix {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		nan := math.NaN()
		return nan, nan, nan
	}
	mean = stat.Mean(finite, nil)
	med, _ = stats.Median(finite)
	// Population standard deviation, matching the historical metric
	// definition the baselines were accumulated under.
	var ss float64
	for _, v := range finite {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(len(finite)))
	return mean, med, std
}
