package frame

import (
	"fmt"
	"sort"
)

// SubtractOverscan removes the electronic bias level measured in the
// overscan strip and trims the image to the data section.
//
// The detector is read out row by row with overscan pixels at the end of
// each row, so the bias level is estimated per row: the median of the
// overscan columns in that row, smoothed by a first-order polynomial fit
// of median against row index. The fitted level is subtracted from the
// whole row before the overscan columns are trimmed away.
//
// Rows outside the data section are dropped first, because both edges of
// the chip carry non-data rows that would otherwise corrupt the fit.
func SubtractOverscan(im *Image, biasSec, dataSec Rect) (*Image, error) {
	if biasSec.Empty() {
		return nil, fmt.Errorf("overscan section is empty")
	}

	// Drop the non-data rows from top and bottom.
	rows := Rect{X0: 0, X1: im.NX, Y0: dataSec.Y0, Y1: dataSec.Y1}
	trimmed, err := im.Sub(rows)
	if err != nil {
		return nil, fmt.Errorf("row trim: %w", err)
	}

	// Per-row median of the overscan strip.
	if biasSec.X1 > trimmed.NX {
		return nil, fmt.Errorf("overscan section [%d:%d] outside %d-column image",
			biasSec.X0, biasSec.X1, trimmed.NX)
	}
	levels := make([]float64, trimmed.NY)
	scratch := make([]float64, biasSec.Width())
	for y := 0; y < trimmed.NY; y++ {
		copy(scratch, trimmed.Row(y)[biasSec.X0:biasSec.X1])
		levels[y] = median(scratch)
	}

	// First-order polynomial fit of level vs row index, then subtract
	// the fitted level from each row.
	b0, b1 := polyfit1(levels)
	for y := 0; y < trimmed.NY; y++ {
		level := b0 + b1*float64(y)
		row := trimmed.Row(y)
		for x := range row {
			row[x] -= level
		}
	}

	// Trim away the now-spent overscan columns, keeping the data columns.
	cols := Rect{X0: dataSec.X0, X1: dataSec.X1, Y0: 0, Y1: trimmed.NY}
	out, err := trimmed.Sub(cols)
	if err != nil {
		return nil, fmt.Errorf("column trim: %w", err)
	}
	return out, nil
}

// Reduce performs the full overscan reduction for a frame, handling both
// single- and multi-amplifier readouts. Multi-amp reads are reduced
// independently per amplifier sub-region, written back into place, and
// finally trimmed to the full-frame data section.
func Reduce(f *RawFrame) (*Image, error) {
	hdr := &f.Header
	if hdr.NumAmp <= 1 {
		return SubtractOverscan(f.Image, hdr.BiasSec, hdr.DataSec)
	}

	work := f.Image.Clone()
	for _, amp := range hdr.Amps {
		// Amp sections are in full-frame coordinates, so the strip fit
		// runs over exactly this amplifier's rows and overscan columns.
		reduced, err := SubtractOverscan(work, amp.BiasSec, amp.DataSec)
		if err != nil {
			return nil, fmt.Errorf("amp %s: %w", amp.ID, err)
		}
		// Write the reduced amplifier region back into its data
		// section so the final full-frame trim can reassemble.
		for y := 0; y < reduced.NY; y++ {
			copy(work.Row(amp.DataSec.Y0+y)[amp.DataSec.X0:amp.DataSec.X1], reduced.Row(y))
		}
	}
	return work.Sub(hdr.DataSec)
}

// polyfit1 fits level = b0 + b1*index by ordinary least squares over the
// implicit index 0..n-1.
func polyfit1(v []float64) (b0, b1 float64) {
	n := float64(len(v))
	if len(v) == 0 {
		return 0, 0
	}
	if len(v) == 1 {
		return v[0], 0
	}
	var sx, sy, sxx, sxy float64
	for i, y := range v {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return sy / n, 0
	}
	b1 = (n*sxy - sx*sy) / den
	b0 = (sy - b1*sx) / n
	return b0, b1
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sort.Float64s(v)
	mid := len(v) / 2
	if len(v)%2 == 1 {
		return v[mid]
	}
	return 0.5 * (v[mid-1] + v[mid])
}
