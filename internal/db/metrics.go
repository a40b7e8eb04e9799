package db

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ridgeline-obs/calwatch/internal/calib"
	"github.com/ridgeline-obs/calwatch/internal/monitoring"
)

// DefaultWindow is the trailing history window for baseline queries,
// roughly one and a half years.
const DefaultWindow = 13000 * time.Hour

// tagColumns maps baseline tag keys to frames columns. A query carrying
// a key outside this set is malformed and rejected.
var tagColumns = map[string]string{
	"instrument": "instrument",
	"frametype":  "frametype",
	"filter":     "filter",
	"binning":    "binning",
	"numamp":     "numamp",
	"ampid":      "ampid",
	"cropborder": "cropborder",
}

// RecordMetric stores one frame's metric packet: a frames row carrying
// the identifying tags plus one frame_metrics row per finite field.
// Non-finite fields are dropped explicitly, never stored.
func (db *DB) RecordMetric(runID string, m *calib.FrameMetric) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("record metric: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO frames (run_id, obstime, instrument, frametype, filter,
			binning, numamp, ampid, cropborder, filename)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, m.DateObs.Unix(), m.Instrument, string(m.FrameType), m.Filter,
		m.Binning, m.NumAmp, m.AmpID, m.CropSize, m.Filename,
	)
	if err != nil {
		return 0, fmt.Errorf("record frame %q: %w", m.Filename, err)
	}
	frameID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record frame %q: %w", m.Filename, err)
	}

	fields := m.Fields()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	stmt, err := tx.Prepare(`INSERT INTO frame_metrics (frame_id, metric, value) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("record frame %q: %w", m.Filename, err)
	}
	defer stmt.Close()
	dropped := 0
	for _, name := range names {
		v := fields[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			dropped++
			continue
		}
		if _, err := stmt.Exec(frameID, name, v); err != nil {
			return 0, fmt.Errorf("record frame %q metric %s: %w", m.Filename, name, err)
		}
	}
	if dropped > 0 {
		monitoring.Logf("frame %q (%s %s/%s): dropped %d non-finite metric fields",
			m.Filename, m.Instrument, m.Binning, m.Filter, dropped)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record frame %q: %w", m.Filename, err)
	}
	return frameID, nil
}

// MarkProblem flags a stored frame so baseline queries can exclude it.
func (db *DB) MarkProblem(frameID int64) error {
	res, err := db.Exec(`UPDATE frames SET problem = 1 WHERE frame_id = ?`, frameID)
	if err != nil {
		return fmt.Errorf("mark problem frame %d: %w", frameID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark problem frame %d: no such frame", frameID)
	}
	return nil
}

// BaselineQuery selects the history that backs one baseline.
type BaselineQuery struct {
	// Metric is the frame_metrics field name, e.g. "crop_med".
	Metric string

	// Tags narrow the matching frames. "instrument" and "frametype" are
	// required; the remaining keys are optional predicates. Keys outside
	// the store schema are an error.
	Tags map[string]string

	// Window is the trailing duration ending at Now. Zero means
	// DefaultWindow. Ignored when AllTime is set.
	Window  time.Duration
	AllTime bool

	// IncludeFlagged keeps frames already marked problem in the
	// distribution. The default excludes them so a repeat offender
	// cannot drag its own baseline.
	IncludeFlagged bool

	// Now anchors the trailing window. Zero means time.Now().
	Now time.Time
}

// Baseline summarizes the matching history. Count zero carries NaN
// statistics.
type Baseline struct {
	Count  int
	Mean   float64
	StdDev float64
}

// Evaluable reports whether the baseline can support a sigma test.
func (b Baseline) Evaluable() bool {
	return b.Count > 0 && !math.IsNaN(b.StdDev) && b.StdDev > 0
}

// Baseline computes count, mean, and standard deviation of one metric
// over the matching history. An empty result is not an error; only a
// malformed query is.
func (db *DB) Baseline(q BaselineQuery) (Baseline, error) {
	empty := Baseline{Count: 0, Mean: math.NaN(), StdDev: math.NaN()}

	if q.Metric == "" {
		return empty, fmt.Errorf("baseline: metric name not set")
	}
	for _, required := range []string{"instrument", "frametype"} {
		if q.Tags[required] == "" {
			return empty, fmt.Errorf("baseline %s: required tag %q not set", q.Metric, required)
		}
	}

	query := `SELECT m.value FROM frame_metrics m
		JOIN frames f ON f.frame_id = m.frame_id
		WHERE m.metric = ?`
	args := []any{q.Metric}

	keys := make([]string, 0, len(q.Tags))
	for k := range q.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, ok := tagColumns[k]
		if !ok {
			return empty, fmt.Errorf("baseline %s: unknown tag key %q", q.Metric, k)
		}
		query += ` AND f.` + col + ` = ?`
		args = append(args, q.Tags[k])
	}

	if !q.IncludeFlagged {
		query += ` AND f.problem = 0`
	}
	if !q.AllTime {
		window := q.Window
		if window == 0 {
			window = DefaultWindow
		}
		now := q.Now
		if now.IsZero() {
			now = time.Now()
		}
		query += ` AND f.obstime >= ?`
		args = append(args, now.Add(-window).Unix())
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return empty, fmt.Errorf("baseline %s: %w", q.Metric, err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return empty, fmt.Errorf("baseline %s: %w", q.Metric, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return empty, fmt.Errorf("baseline %s: %w", q.Metric, err)
	}
	if len(values) == 0 {
		return empty, nil
	}

	mean := stat.Mean(values, nil)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return Baseline{
		Count:  len(values),
		Mean:   mean,
		StdDev: math.Sqrt(ss / float64(len(values))),
	}, nil
}

// MetricPoint is one sample of a metric's history.
type MetricPoint struct {
	Time   time.Time
	Value  float64
	Filter string
}

// MetricSeries returns the matching history of one metric ordered by
// observation time, for trend rendering. The same tag and window rules
// as Baseline apply.
func (db *DB) MetricSeries(q BaselineQuery) ([]MetricPoint, error) {
	if q.Metric == "" {
		return nil, fmt.Errorf("metric series: metric name not set")
	}
	query := `SELECT f.obstime, m.value, f.filter FROM frame_metrics m
		JOIN frames f ON f.frame_id = m.frame_id
		WHERE m.metric = ?`
	args := []any{q.Metric}

	keys := make([]string, 0, len(q.Tags))
	for k := range q.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, ok := tagColumns[k]
		if !ok {
			return nil, fmt.Errorf("metric series %s: unknown tag key %q", q.Metric, k)
		}
		query += ` AND f.` + col + ` = ?`
		args = append(args, q.Tags[k])
	}
	if !q.IncludeFlagged {
		query += ` AND f.problem = 0`
	}
	if !q.AllTime {
		window := q.Window
		if window == 0 {
			window = DefaultWindow
		}
		now := q.Now
		if now.IsZero() {
			now = time.Now()
		}
		query += ` AND f.obstime >= ?`
		args = append(args, now.Add(-window).Unix())
	}
	query += ` ORDER BY f.obstime`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("metric series %s: %w", q.Metric, err)
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var unix int64
		var p MetricPoint
		if err := rows.Scan(&unix, &p.Value, &p.Filter); err != nil {
			return nil, fmt.Errorf("metric series %s: %w", q.Metric, err)
		}
		p.Time = time.Unix(unix, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// MetricTags builds the baseline tag set for a frame metric, narrowed to
// the identifying tags the validation engine compares against.
func MetricTags(m *calib.FrameMetric) map[string]string {
	tags := map[string]string{
		"instrument": m.Instrument,
		"frametype":  string(m.FrameType),
		"binning":    m.Binning,
		"numamp":     strconv.Itoa(m.NumAmp),
		"ampid":      m.AmpID,
		"cropborder": strconv.Itoa(m.CropSize),
	}
	if m.Filter != "" {
		tags["filter"] = m.Filter
	}
	return tags
}
