package calib

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ridgeline-obs/calwatch/internal/frame"
	"github.com/ridgeline-obs/calwatch/internal/monitoring"
	"github.com/ridgeline-obs/calwatch/internal/surface"
)

// ErrUndefinedConfig marks a group whose binning or amplifier
// configuration is unset. This is a precondition violation and aborts
// processing of the affected group.
var ErrUndefinedConfig = errors.New("binning or amplifier configuration undefined")

// BiasProcessor is implemented by containers that reduce bias frames.
type BiasProcessor interface {
	ProcessBias(frames []*frame.RawFrame) error
	BiasMetrics() []FrameMetric
}

// DarkProcessor is implemented by containers that reduce dark frames.
type DarkProcessor interface {
	ProcessDark(frames []*frame.RawFrame) error
	DarkMetrics() []FrameMetric
}

// FlatProcessor is implemented by containers that reduce flat-field
// frames, dome or sky.
type FlatProcessor interface {
	ProcessDomeFlat(frames []*frame.RawFrame) error
	ProcessSkyFlat(frames []*frame.RawFrame) error
	DomeFlatMetrics() []FrameMetric
	SkyFlatMetrics() []FrameMetric
}

// Options tunes one container run.
type Options struct {
	// CropBorder is the edge trim in pixels for crop-region statistics.
	// Zero means the default 100.
	CropBorder int

	// Combine configures the sigma-clipped stack combine.
	Combine CombineOptions

	// Cache, when non-nil, persists combined biases and supplies the
	// fallback master when a night has no bias frames.
	Cache *Cache

	// PlaneOnly restricts the surface fit to the linear terms.
	PlaneOnly bool
}

func (o Options) withDefaults() Options {
	if o.CropBorder == 0 {
		o.CropBorder = 100
	}
	return o
}

// Container processes the calibration frames of one night for a single
// instrument and detector configuration. Frame types are processed
// sequentially (bias first, since flats subtract the combined bias),
// frames within a type in ascending observation-number order.
type Container struct {
	Instrument string
	Config     frame.ConfigGroup

	opts  Options
	grids *surface.Grids

	combinedBias *frame.Image
	biasMeta     []FrameMetric
	darkMeta     []FrameMetric
	domeFlatMeta []FrameMetric
	skyFlatMeta  []FrameMetric
}

var _ BiasProcessor = (*Container)(nil)
var _ DarkProcessor = (*Container)(nil)
var _ FlatProcessor = (*Container)(nil)

// NewContainer builds a container for one instrument and configuration
// group. An undefined configuration is rejected outright.
func NewContainer(instrument string, cfg frame.ConfigGroup, opts Options) (*Container, error) {
	if !cfg.Defined() {
		return nil, fmt.Errorf("container %s %q: %w", instrument, cfg, ErrUndefinedConfig)
	}
	return &Container{
		Instrument: instrument,
		Config:     cfg,
		opts:       opts.withDefaults(),
	}, nil
}

// BiasMetrics returns the metric table built by ProcessBias, in
// observation order. Empty until then.
func (c *Container) BiasMetrics() []FrameMetric { return c.biasMeta }

func (c *Container) DarkMetrics() []FrameMetric     { return c.darkMeta }
func (c *Container) DomeFlatMetrics() []FrameMetric { return c.domeFlatMeta }
func (c *Container) SkyFlatMetrics() []FrameMetric  { return c.skyFlatMeta }

// Metrics returns every metric table concatenated in processing order.
func (c *Container) Metrics() []FrameMetric {
	out := make([]FrameMetric, 0, len(c.biasMeta)+len(c.darkMeta)+len(c.domeFlatMeta)+len(c.skyFlatMeta))
	out = append(out, c.biasMeta...)
	out = append(out, c.darkMeta...)
	out = append(out, c.domeFlatMeta...)
	out = append(out, c.skyFlatMeta...)
	return out
}

// CombinedBias returns the master bias produced by ProcessBias, or nil.
func (c *Container) CombinedBias() *frame.Image { return c.combinedBias }

// ProcessBias reduces each bias frame, builds its metric row, then
// sigma-clip combines the reduced stack into the master bias and
// persists it. An empty input yields an empty metric table without
// error; a cache-write failure is logged and does not fail the run.
func (c *Container) ProcessBias(frames []*frame.RawFrame) error {
	if len(frames) == 0 {
		return nil
	}
	reduced := make([]*frame.Image, 0, len(frames))
	for _, f := range sortFrames(frames) {
		im, m, err := c.reduceOne(f)
		if err != nil {
			return err
		}
		c.biasMeta = append(c.biasMeta, m)
		reduced = append(reduced, im)
	}

	combined, err := Combine(reduced, c.opts.Combine)
	if err != nil {
		return fmt.Errorf("%s %s bias: %w", c.Instrument, c.Config, err)
	}
	c.combinedBias = combined

	if c.opts.Cache != nil {
		cf := &CombinedFrame{
			Instrument: c.Instrument,
			FrameType:  frame.Bias,
			Config:     c.Config,
			Created:    frames[len(frames)-1].Header.DateObs,
			NFrames:    len(frames),
			Image:      combined,
		}
		if err := c.opts.Cache.Store(cf); err != nil {
			monitoring.Logf("WARN: %s %s: keeping combined bias in memory only: %v",
				c.Instrument, c.Config, err)
		}
	}
	return nil
}

// ProcessDark reduces each dark frame, subtracts the master bias, and
// normalizes to counts per second before fitting.
func (c *Container) ProcessDark(frames []*frame.RawFrame) error {
	return c.processCorrected(frames, frame.Dark, &c.darkMeta)
}

// ProcessDomeFlat reduces each dome flat: overscan correction, master
// bias subtraction, exposure-time normalization, then fit and metric.
func (c *Container) ProcessDomeFlat(frames []*frame.RawFrame) error {
	return c.processCorrected(frames, frame.DomeFlat, &c.domeFlatMeta)
}

// ProcessSkyFlat is ProcessDomeFlat for twilight-sky flats.
func (c *Container) ProcessSkyFlat(frames []*frame.RawFrame) error {
	return c.processCorrected(frames, frame.SkyFlat, &c.skyFlatMeta)
}

func (c *Container) processCorrected(frames []*frame.RawFrame, ft frame.FrameType, meta *[]FrameMetric) error {
	if len(frames) == 0 {
		return nil
	}
	bias := c.masterBias()
	for _, f := range sortFrames(frames) {
		if f.Header.FrameType != ft {
			return fmt.Errorf("frame %q: frametype %q in %s batch",
				f.Header.Filename, f.Header.FrameType, ft)
		}
		im, err := c.checkAndReduce(f)
		if err != nil {
			return err
		}
		if bias != nil {
			im, err = im.SubtractImage(bias)
			if err != nil {
				return fmt.Errorf("frame %q: bias subtraction: %w", f.Header.Filename, err)
			}
		}
		if f.Header.ExpTime > 0 {
			im.Scale(1 / f.Header.ExpTime)
		} else {
			monitoring.Logf("WARN: frame %q (%s %s): exptime %g, skipping count-rate normalization",
				f.Header.Filename, c.Instrument, c.Config, f.Header.ExpTime)
		}
		m, err := c.buildOne(f, im)
		if err != nil {
			return err
		}
		*meta = append(*meta, m)
	}
	return nil
}

// masterBias returns tonight's combined bias, falling back to the most
// recently cached one. A missing master is a warning, not an error;
// frames then proceed without bias correction.
func (c *Container) masterBias() *frame.Image {
	if c.combinedBias != nil {
		return c.combinedBias
	}
	if c.opts.Cache != nil {
		cf, err := c.opts.Cache.Load(c.Instrument, c.Config, frame.Bias)
		if err != nil {
			monitoring.Logf("WARN: %s %s: cached bias unreadable: %v", c.Instrument, c.Config, err)
		} else if cf != nil {
			monitoring.Logf("%s %s: no bias frames tonight, using cached master from %s",
				c.Instrument, c.Config, cf.Created.Format("2006-01-02"))
			return cf.Image
		}
	}
	monitoring.Logf("WARN: %s %s: no bias available, proceeding without bias subtraction",
		c.Instrument, c.Config)
	return nil
}

// reduceOne runs overscan reduction and metric construction for one
// frame with no further correction, the bias path.
func (c *Container) reduceOne(f *frame.RawFrame) (*frame.Image, FrameMetric, error) {
	im, err := c.checkAndReduce(f)
	if err != nil {
		return nil, FrameMetric{}, err
	}
	m, err := c.buildOne(f, im)
	if err != nil {
		return nil, FrameMetric{}, err
	}
	return im, m, nil
}

func (c *Container) checkAndReduce(f *frame.RawFrame) (*frame.Image, error) {
	if got := f.Header.Config(); got != c.Config {
		return nil, fmt.Errorf("frame %q: configuration %q does not match group %q: %w",
			f.Header.Filename, got, c.Config, ErrUndefinedConfig)
	}
	im, err := frame.Reduce(f)
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", f.Header.Filename, err)
	}
	return im, nil
}

func (c *Container) buildOne(f *frame.RawFrame, im *frame.Image) (FrameMetric, error) {
	var fit surface.Fit
	fit, c.grids = surface.FitSurface(im, c.grids, !c.opts.PlaneOnly)
	if fit.Degenerate() {
		monitoring.Logf("WARN: frame %q (%s %s): degenerate surface fit",
			f.Header.Filename, c.Instrument, c.Config)
	}
	m, err := BuildMetric(&f.Header, im, fit, c.opts.CropBorder)
	if err != nil {
		return FrameMetric{}, err
	}
	return m, nil
}

// sortFrames orders frames by ascending observation number without
// mutating the caller's slice.
func sortFrames(frames []*frame.RawFrame) []*frame.RawFrame {
	out := make([]*frame.RawFrame, len(frames))
	copy(out, frames)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Header.ObsNumber < out[j].Header.ObsNumber
	})
	return out
}
