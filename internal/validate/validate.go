// Package validate compares frame metrics against their historical
// baselines and accumulates out-of-family rows into a problem report.
package validate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ridgeline-obs/calwatch/internal/calib"
	"github.com/ridgeline-obs/calwatch/internal/db"
	"github.com/ridgeline-obs/calwatch/internal/frame"
	"github.com/ridgeline-obs/calwatch/internal/monitoring"
	"github.com/ridgeline-obs/calwatch/internal/timeutil"
)

// BaselineSource answers historical-baseline queries. *db.DB satisfies
// it; tests substitute a canned source.
type BaselineSource interface {
	Baseline(q db.BaselineQuery) (db.Baseline, error)
}

// Alerter receives the non-empty problem report at the end of a run,
// together with any thumbnail artifacts keyed by instrument/config.
type Alerter interface {
	Alert(report *ProblemReport, thumbnails map[string]string) error
}

// DefaultMetrics is the metric set validated when none is configured.
var DefaultMetrics = []string{
	"crop_avg", "crop_med", "crop_std",
	"frame_avg", "frame_med", "frame_std",
	"qs_maj", "qs_min", "qs_bma", "qs_bmi", "qs_zpt",
	"lin_flat", "quad_flat",
}

// StoredMetric couples a frame metric with its store row id, so flagged
// rows can be marked back in the store.
type StoredMetric struct {
	FrameID int64
	Metric  calib.FrameMetric
}

// Problem is one out-of-family metric on one frame.
type Problem struct {
	FrameID   int64
	Filename  string
	Filter    string
	Metric    string
	Value     float64
	Mean      float64
	StdDev    float64
	Deviation float64 // |value - mean| / stddev
}

// GroupKey buckets problems by instrument and frame type.
type GroupKey struct {
	Instrument string
	FrameType  frame.FrameType
}

func (k GroupKey) String() string {
	return k.Instrument + "/" + string(k.FrameType)
}

// ProblemReport accumulates every flagged row of a validation run.
type ProblemReport struct {
	Generated time.Time
	Groups    map[GroupKey][]Problem
}

// Empty reports whether no problems were found.
func (r *ProblemReport) Empty() bool { return len(r.Groups) == 0 }

// FrameIDs returns the distinct store ids of all flagged frames.
func (r *ProblemReport) FrameIDs() []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for _, problems := range r.Groups {
		for _, p := range problems {
			if !seen[p.FrameID] {
				seen[p.FrameID] = true
				ids = append(ids, p.FrameID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *ProblemReport) add(key GroupKey, p Problem) {
	if r.Groups == nil {
		r.Groups = map[GroupKey][]Problem{}
	}
	r.Groups[key] = append(r.Groups[key], p)
}

// Engine runs sigma tests against a baseline source.
type Engine struct {
	Source BaselineSource

	// SigmaThresh is the flagging threshold in baseline sigma. Zero
	// means the default 3.0.
	SigmaThresh float64

	// Metrics is the metric set to test. Empty means DefaultMetrics.
	Metrics []string

	// Window and AllTime select the history backing each baseline.
	Window  time.Duration
	AllTime bool

	// Clock anchors the trailing window. Nil means the real clock.
	Clock timeutil.Clock
}

// Validate tests each metric row against its baseline and returns the
// problem report. A failed or empty baseline query degrades to an
// unevaluable baseline for that metric, never an error: the row passes
// through unflagged and the skip is logged.
func (e *Engine) Validate(rows []StoredMetric) (*ProblemReport, error) {
	if e.Source == nil {
		return nil, fmt.Errorf("validate: no baseline source configured")
	}
	thresh := e.SigmaThresh
	if thresh == 0 {
		thresh = 3.0
	}
	metrics := e.Metrics
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}
	clock := e.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	report := &ProblemReport{Generated: clock.Now()}
	for i := range rows {
		row := &rows[i]
		m := &row.Metric
		fields := m.Fields()
		tags := db.MetricTags(m)
		key := GroupKey{Instrument: m.Instrument, FrameType: m.FrameType}

		for _, name := range metrics {
			value, ok := fields[name]
			if !ok {
				continue
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				// Degenerate fits produce NaN fields; those are excluded
				// from validation, not treated as deviations.
				continue
			}

			base, err := e.Source.Baseline(db.BaselineQuery{
				Metric:  name,
				Tags:    tags,
				Window:  e.Window,
				AllTime: e.AllTime,
				Now:     clock.Now(),
			})
			if err != nil {
				monitoring.Logf("WARN: baseline %s for %s %s/%s unavailable: %v",
					name, m.Instrument, m.Binning, m.Filter, err)
				continue
			}
			if !base.Evaluable() {
				monitoring.Logf("%s %s/%s: metric %s has no evaluable baseline (n=%d), skipping",
					m.Instrument, m.Binning, m.Filter, name, base.Count)
				continue
			}

			dev := math.Abs(value-base.Mean) / base.StdDev
			if dev > thresh {
				report.add(key, Problem{
					FrameID:   row.FrameID,
					Filename:  m.Filename,
					Filter:    m.Filter,
					Metric:    name,
					Value:     value,
					Mean:      base.Mean,
					StdDev:    base.StdDev,
					Deviation: dev,
				})
				monitoring.Logf("PROBLEM: %s %s: %s = %g deviates %.2f sigma from baseline %g +/- %g",
					key, m.Filename, name, value, dev, base.Mean, base.StdDev)
			}
		}
	}
	return report, nil
}
