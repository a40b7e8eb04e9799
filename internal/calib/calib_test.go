package calib

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgeline-obs/calwatch/internal/frame"
	"github.com/ridgeline-obs/calwatch/internal/fsutil"
	"github.com/ridgeline-obs/calwatch/internal/surface"
)

const (
	testNX = 48 // raw columns including overscan
	testNY = 40 // raw rows including edge trim
)

var (
	testDataSec = frame.Rect{X0: 0, X1: 32, Y0: 4, Y1: 36}
	testBiasSec = frame.Rect{X0: 36, X1: 48, Y0: 4, Y1: 36}
)

// rawBias builds a raw single-amp frame whose data region holds level
// plus the overscan pedestal, so reduction recovers level exactly.
func rawBias(obs int, level, pedestal float64) *frame.RawFrame {
	im := frame.NewImage(testNY, testNX)
	for y := 0; y < testNY; y++ {
		for x := 0; x < testNX; x++ {
			if x >= testBiasSec.X0 {
				im.Set(y, x, pedestal)
			} else {
				im.Set(y, x, level+pedestal)
			}
		}
	}
	return &frame.RawFrame{
		Header: frame.Header{
			DateObs:    time.Date(2026, 2, 10, 3, 0, obs, 0, time.UTC),
			Instrument: "imager",
			FrameType:  frame.Bias,
			ObsNumber:  obs,
			Filename:   "20260210.000" + string(rune('0'+obs)) + ".gz",
			Binning:    "1x1",
			NumAmp:     1,
			AmpID:      "A",
			DataSec:    testDataSec,
			BiasSec:    testBiasSec,
		},
		Image: im,
	}
}

func flatMechanisms() map[string]any {
	m := make(map[string]any, len(MechanismKeys))
	for i, k := range MechanismKeys {
		m[k] = i * 100
	}
	return m
}

func testOptions() Options {
	return Options{
		CropBorder: 4,
		Combine:    CombineOptions{MemLimit: 64 * 1024},
	}
}

func TestNewContainerRejectsUndefinedConfig(t *testing.T) {
	_, err := NewContainer("imager", frame.ConfigGroup{Binning: "1x1"}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndefinedConfig)
}

func TestProcessBiasEmptyInput(t *testing.T) {
	c, err := NewContainer("imager", frame.ConfigGroup{Binning: "1x1", AmpConfig: "A"}, testOptions())
	require.NoError(t, err)
	require.NoError(t, c.ProcessBias(nil))
	assert.Empty(t, c.BiasMetrics())
	assert.Nil(t, c.CombinedBias())
}

func TestProcessBiasClipsOutlier(t *testing.T) {
	cache := NewCache(fsutil.NewMemoryFileSystem(), "cache")
	opts := testOptions()
	opts.Cache = cache
	c, err := NewContainer("imager", frame.ConfigGroup{Binning: "1x1", AmpConfig: "A"}, opts)
	require.NoError(t, err)

	// Five identical frames plus one carrying a single wild pixel well
	// inside the crop region.
	frames := make([]*frame.RawFrame, 6)
	for i := range frames {
		frames[i] = rawBias(i+1, 100, 500)
	}
	frames[5].Image.Set(20, 16, 100+500+5000)

	require.NoError(t, c.ProcessBias(frames))

	meta := c.BiasMetrics()
	require.Len(t, meta, 6)
	for i, m := range meta {
		assert.Equal(t, i+1, m.ObsNumber, "metric rows keep observation order")
		assert.Equal(t, frame.Bias, m.FrameType)
	}

	// Clean frames reduce to a constant 100 everywhere.
	for _, m := range meta[:5] {
		assert.InDelta(t, 100, m.CropAvg, 1e-9)
		assert.InDelta(t, 100, m.FrameMed, 1e-9)
	}
	// The outlier frame's own statistics include the wild pixel.
	nCrop := float64((32 - 2*4) * (32 - 2*4))
	assert.InDelta(t, 100+5000/nCrop, meta[5].CropAvg, 1e-9)

	// In the combine, the wild pixel is clipped away.
	combined := c.CombinedBias()
	require.NotNil(t, combined)
	assert.Equal(t, 32, combined.NX)
	assert.Equal(t, 32, combined.NY)
	outPix := combined.At(20-testDataSec.Y0, 16)
	assert.InDelta(t, 100, outPix, 1e-9, "clipped combine suppresses the outlier")
	assert.InDelta(t, 100, combined.At(0, 0), 1e-9)

	// The master was persisted and round-trips through the cache.
	cf, err := cache.Load("imager", c.Config, frame.Bias)
	require.NoError(t, err)
	require.NotNil(t, cf)
	assert.Equal(t, 6, cf.NFrames)
	assert.InDelta(t, 100, cf.Image.At(5, 5), 1e-9)
}

func TestProcessDomeFlatUsesCachedBias(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	cache := NewCache(fs, "cache")
	cfg := frame.ConfigGroup{Binning: "1x1", AmpConfig: "A"}

	// Seed the cache with a prior night's master bias at level 100.
	master := frame.NewImage(32, 32)
	master.AddScalar(100)
	require.NoError(t, cache.Store(&CombinedFrame{
		Instrument: "imager",
		FrameType:  frame.Bias,
		Config:     cfg,
		Created:    time.Date(2026, 2, 9, 3, 0, 0, 0, time.UTC),
		NFrames:    11,
		Image:      master,
	}))

	opts := testOptions()
	opts.Cache = cache
	c, err := NewContainer("imager", cfg, opts)
	require.NoError(t, err)

	// Flat level 100 (bias) + 3000 counts over a 6 s exposure.
	f := rawBias(1, 3100, 500)
	f.Header.FrameType = frame.DomeFlat
	f.Header.Filter = "V"
	f.Header.ExpTime = 6
	f.Header.Mechanisms = flatMechanisms()

	require.NoError(t, c.ProcessDomeFlat([]*frame.RawFrame{f}))

	meta := c.DomeFlatMetrics()
	require.Len(t, meta, 1)
	assert.Equal(t, "V", meta[0].Filter)
	assert.InDelta(t, 500, meta[0].CropAvg, 1e-9, "counts per second after bias subtraction")
	assert.InDelta(t, 600, meta[0].Mech["fmpos_b"], 1e-9)
}

func TestProcessFlatWithoutAnyBias(t *testing.T) {
	c, err := NewContainer("imager", frame.ConfigGroup{Binning: "1x1", AmpConfig: "A"}, testOptions())
	require.NoError(t, err)

	f := rawBias(1, 600, 500)
	f.Header.FrameType = frame.SkyFlat
	f.Header.Filter = "R"
	f.Header.ExpTime = 2
	f.Header.Mechanisms = flatMechanisms()

	require.NoError(t, c.ProcessSkyFlat([]*frame.RawFrame{f}))
	meta := c.SkyFlatMetrics()
	require.Len(t, meta, 1)
	assert.InDelta(t, 300, meta[0].CropAvg, 1e-9, "no bias available, raw counts per second")
}

func TestProcessRejectsMismatchedConfig(t *testing.T) {
	c, err := NewContainer("imager", frame.ConfigGroup{Binning: "2x2", AmpConfig: "A"}, testOptions())
	require.NoError(t, err)
	err = c.ProcessBias([]*frame.RawFrame{rawBias(1, 100, 500)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndefinedConfig)
}

func TestBuildMetricMissingMechanism(t *testing.T) {
	f := rawBias(1, 100, 500)
	f.Header.FrameType = frame.DomeFlat
	f.Header.Mechanisms = flatMechanisms()
	delete(f.Header.Mechanisms, "icpos")

	im, err := frame.Reduce(f)
	require.NoError(t, err)
	fit, _ := surface.FitSurface(im, nil, true)
	_, err = BuildMetric(&f.Header, im, fit, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "icpos")
}

func TestBuildMetricCropTooLarge(t *testing.T) {
	f := rawBias(1, 100, 500)
	im, err := frame.Reduce(f)
	require.NoError(t, err)
	fit, _ := surface.FitSurface(im, nil, true)
	_, err = BuildMetric(&f.Header, im, fit, 16)
	require.Error(t, err)
}

func TestCombineChunked(t *testing.T) {
	// A tiny memory limit forces single-row chunks; the result must not
	// depend on chunking.
	images := make([]*frame.Image, 4)
	for i := range images {
		im := frame.NewImage(8, 8)
		im.AddScalar(float64(10 + i))
		images[i] = im
	}
	tight, err := Combine(images, CombineOptions{MemLimit: 1})
	require.NoError(t, err)
	roomy, err := Combine(images, CombineOptions{})
	require.NoError(t, err)
	assert.Equal(t, roomy.Pix, tight.Pix)
	assert.InDelta(t, 11.5, roomy.At(3, 3), 1e-9)
}

func TestCombineAllNaNPixel(t *testing.T) {
	images := []*frame.Image{frame.NewImage(2, 2), frame.NewImage(2, 2)}
	for _, im := range images {
		im.AddScalar(7)
		im.Set(0, 1, math.NaN())
	}
	out, err := Combine(images, CombineOptions{})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out.At(0, 1)))
	assert.InDelta(t, 7, out.At(1, 1), 1e-9)
}

func TestCombineShapeMismatch(t *testing.T) {
	_, err := Combine([]*frame.Image{frame.NewImage(2, 2), frame.NewImage(3, 2)}, CombineOptions{})
	require.Error(t, err)
}

func TestRegionStats(t *testing.T) {
	mean, med, std := regionStats([]float64{1, 2, 3, 4, math.NaN()})
	assert.InDelta(t, 2.5, mean, 1e-9)
	assert.InDelta(t, 2.5, med, 1e-9)
	assert.InDelta(t, math.Sqrt(1.25), std, 1e-9)

	mean, med, std = regionStats([]float64{math.NaN()})
	assert.True(t, math.IsNaN(mean))
	assert.True(t, math.IsNaN(med))
	assert.True(t, math.IsNaN(std))
}
