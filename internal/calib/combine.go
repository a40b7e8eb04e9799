package calib

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/ridgeline-obs/calwatch/internal/frame"
)

// madToSigma converts a median absolute deviation to a normal-equivalent
// standard deviation.
const madToSigma = 1.4826022185056018

// CombineOptions tunes the sigma-clipped stack combine.
type CombineOptions struct {
	// SigmaLow and SigmaHigh are the clip thresholds in robust sigma
	// below and above the per-pixel median. Zero means the default 3.0.
	SigmaLow  float64
	SigmaHigh float64

	// MaxIters bounds the clip iterations. Zero means the default 5.
	MaxIters int

	// MemLimit caps the working-set size in bytes; the stack is
	// processed in row chunks that fit within it. Zero means the
	// default 8.192e9.
	MemLimit int64
}

func (o CombineOptions) withDefaults() CombineOptions {
	if o.SigmaLow == 0 {
		o.SigmaLow = 3.0
	}
	if o.SigmaHigh == 0 {
		o.SigmaHigh = 3.0
	}
	if o.MaxIters == 0 {
		o.MaxIters = 5
	}
	if o.MemLimit == 0 {
		o.MemLimit = 8_192_000_000
	}
	return o
}

// Combine stacks same-shaped images into one by per-pixel sigma-clipped
// averaging. Each pixel's stack is iteratively clipped about its median
// using a MAD-derived robust sigma, then the survivors are averaged.
// Non-finite samples are discarded up front; a pixel whose whole stack
// is non-finite comes out NaN.
//
// The stack is walked in row chunks sized to the memory limit, so
// arbitrarily tall stacks combine in bounded memory.
func Combine(images []*frame.Image, opts CombineOptions) (*frame.Image, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("combine: empty stack")
	}
	opts = opts.withDefaults()

	nx, ny := images[0].NX, images[0].NY
	for i, im := range images {
		if im.NX != nx || im.NY != ny {
			return nil, fmt.Errorf("combine: image %d is %dx%d, want %dx%d", i, im.NX, im.NY, nx, ny)
		}
	}

	out := frame.NewImage(ny, nx)

	// Bytes per row across the whole stack, plus one scratch stack.
	rowBytes := int64(nx) * int64(len(images)+1) * 8
	chunkRows := int(opts.MemLimit / rowBytes)
	if chunkRows < 1 {
		chunkRows = 1
	}
	if chunkRows > ny {
		chunkRows = ny
	}

	sample := make([]float64, 0, len(images))
	for y0 := 0; y0 < ny; y0 += chunkRows {
		y1 := y0 + chunkRows
		if y1 > ny {
			y1 = ny
		}
		for y := y0; y < y1; y++ {
			for x := 0; x < nx; x++ {
				sample = sample[:0]
				for _, im := range images {
					v := im.At(y, x)
					if !math.IsNaN(v) && !math.IsInf(v, 0) {
						sample = append(sample, v)
					}
				}
				out.Set(y, x, clippedMean(sample, opts))
			}
		}
	}
	return out, nil
}

// clippedMean sigma-clips the sample about its median and returns the
// mean of the survivors. The sample slice is reordered in place.
func clippedMean(sample []float64, opts CombineOptions) float64 {
	if len(sample) == 0 {
		return math.NaN()
	}
	for iter := 0; iter < opts.MaxIters; iter++ {
		med, _ := stats.Median(sample)
		mad, _ := stats.MedianAbsoluteDeviation(sample)
		sigma := mad * madToSigma
		// Zero MAD collapses the clip bounds to the median itself, so
		// only samples equal to the median survive.
		lo := med - opts.SigmaLow*sigma
		hi := med + opts.SigmaHigh*sigma
		kept := sample[:0]
		for _, v := range sample {
			if v >= lo && v <= hi {
				kept = append(kept, v)
			}
		}
		if len(kept) == len(sample) || len(kept) == 0 {
			break
		}
		sample = kept
	}
	var sum float64
	for _, v := range sample {
		sum += v
	}
	return sum / float64(len(sample))
}
