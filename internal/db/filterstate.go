package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TargetCounts is the exposure planning target for flat fields; the
// dynamic table records the exposure time expected to reach it at the
// measured count rate.
const TargetCounts = 20000

// FilterState is one dynamic-table row: the per-filter record of the
// most recent flat and its count rate.
type FilterState struct {
	Instrument  string
	Filter      string
	LatestImage string
	LastFlat    time.Time // UT date of the last flat, day resolution
	CountRate   float64   // counts per second
	ExpTimeFor  float64   // seconds to reach TargetCounts
}

const utDateLayout = "2006-01-02"

// UpsertFilterState applies the most-recent-wins merge rule: the stored
// row is replaced only when the new state's UT date is strictly later
// than the stored one. Ties and older dates are no-ops. Reports whether
// the row was written.
func (db *DB) UpsertFilterState(fs FilterState) (bool, error) {
	if fs.Instrument == "" || fs.Filter == "" {
		return false, fmt.Errorf("filter state: instrument and filter must be set")
	}
	newDate := fs.LastFlat.UTC().Format(utDateLayout)

	var stored string
	err := db.QueryRow(
		`SELECT last_flat_date FROM filter_state WHERE instrument = ? AND filter = ?`,
		fs.Instrument, fs.Filter,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First sighting of this filter.
	case err != nil:
		return false, fmt.Errorf("filter state %s/%s: %w", fs.Instrument, fs.Filter, err)
	case stored >= newDate:
		return false, nil
	}

	_, err = db.Exec(`
		INSERT INTO filter_state (instrument, filter, latest_image, last_flat_date, count_rate, exptime_target)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument, filter) DO UPDATE SET
			latest_image = excluded.latest_image,
			last_flat_date = excluded.last_flat_date,
			count_rate = excluded.count_rate,
			exptime_target = excluded.exptime_target,
			updated_at = CURRENT_TIMESTAMP`,
		fs.Instrument, fs.Filter, fs.LatestImage, newDate, fs.CountRate, fs.ExpTimeFor,
	)
	if err != nil {
		return false, fmt.Errorf("filter state %s/%s: %w", fs.Instrument, fs.Filter, err)
	}
	return true, nil
}

// FilterStates returns the dynamic table for one instrument, sorted by
// filter name.
func (db *DB) FilterStates(instrument string) ([]FilterState, error) {
	rows, err := db.Query(`
		SELECT filter, latest_image, last_flat_date, count_rate, exptime_target
		FROM filter_state WHERE instrument = ? ORDER BY filter`,
		instrument,
	)
	if err != nil {
		return nil, fmt.Errorf("filter states %s: %w", instrument, err)
	}
	defer rows.Close()

	var out []FilterState
	for rows.Next() {
		fs := FilterState{Instrument: instrument}
		var date string
		if err := rows.Scan(&fs.Filter, &fs.LatestImage, &date, &fs.CountRate, &fs.ExpTimeFor); err != nil {
			return nil, fmt.Errorf("filter states %s: %w", instrument, err)
		}
		fs.LastFlat, err = time.ParseInLocation(utDateLayout, date, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("filter states %s/%s: %w", instrument, fs.Filter, err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}
