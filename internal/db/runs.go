package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ridgeline-obs/calwatch/internal/calib"
	"github.com/ridgeline-obs/calwatch/internal/frame"
)

// StoredRow is one stored frame with its metric record reconstructed
// from the long-format rows. Fields absent from the store stay NaN.
type StoredRow struct {
	FrameID int64
	Metric  calib.FrameMetric
}

// LastRunID returns the run id of the most recently stored frame, or ""
// when the store is empty.
func (db *DB) LastRunID() (string, error) {
	var runID sql.NullString
	err := db.QueryRow(`SELECT run_id FROM frames ORDER BY frame_id DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last run id: %w", err)
	}
	return runID.String, nil
}

// LoadRunMetrics reconstructs the metric rows of one run, in storage
// order.
func (db *DB) LoadRunMetrics(runID string) ([]StoredRow, error) {
	rows, err := db.Query(`
		SELECT frame_id, obstime, instrument, frametype, filter, binning,
			numamp, ampid, cropborder, filename
		FROM frames WHERE run_id = ? ORDER BY frame_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StoredRow
	index := map[int64]int{}
	for rows.Next() {
		var r StoredRow
		var unix int64
		var ftype string
		var filename sql.NullString
		r.Metric = calib.UnsetMetric()
		err := rows.Scan(&r.FrameID, &unix, &r.Metric.Instrument, &ftype,
			&r.Metric.Filter, &r.Metric.Binning, &r.Metric.NumAmp,
			&r.Metric.AmpID, &r.Metric.CropSize, &filename)
		if err != nil {
			return nil, fmt.Errorf("load run %s: %w", runID, err)
		}
		r.Metric.DateObs = time.Unix(unix, 0).UTC()
		r.Metric.FrameType = frame.FrameType(ftype)
		r.Metric.Filename = filename.String
		index[r.FrameID] = len(out)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	mrows, err := db.Query(`
		SELECT m.frame_id, m.metric, m.value FROM frame_metrics m
		JOIN frames f ON f.frame_id = m.frame_id
		WHERE f.run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var frameID int64
		var name string
		var value float64
		if err := mrows.Scan(&frameID, &name, &value); err != nil {
			return nil, fmt.Errorf("load run %s: %w", runID, err)
		}
		if i, ok := index[frameID]; ok {
			out[i].Metric.SetField(name, value)
		}
	}
	return out, mrows.Err()
}
