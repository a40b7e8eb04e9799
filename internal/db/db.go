// Package db persists frame metrics and dynamic filter state in sqlite,
// and answers historical-baseline queries over the accumulated metrics.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// OpenDB opens the database without touching the schema. Used by the
// migrate subcommand, where migrations manage the schema.
func OpenDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{sqldb}, nil
}

// NewDB opens the database and ensures the schema exists.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS frames (
			frame_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT,
			obstime           BIGINT NOT NULL,
			instrument        TEXT NOT NULL,
			frametype         TEXT NOT NULL,
			filter            TEXT NOT NULL DEFAULT '',
			binning           TEXT NOT NULL DEFAULT '',
			numamp            BIGINT NOT NULL DEFAULT 1,
			ampid             TEXT NOT NULL DEFAULT '',
			cropborder        BIGINT NOT NULL DEFAULT 0,
			filename          TEXT,
			problem           BIGINT NOT NULL DEFAULT 0,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_frames_tags
			ON frames(instrument, frametype, obstime);
		CREATE TABLE IF NOT EXISTS frame_metrics (
			frame_id          BIGINT NOT NULL,
			metric            TEXT NOT NULL,
			value             DOUBLE NOT NULL,
			FOREIGN KEY(frame_id) REFERENCES frames(frame_id)
		);
		CREATE INDEX IF NOT EXISTS idx_frame_metrics
			ON frame_metrics(metric, frame_id);
		CREATE TABLE IF NOT EXISTS filter_state (
			instrument        TEXT NOT NULL,
			filter            TEXT NOT NULL,
			latest_image      TEXT,
			last_flat_date    TEXT NOT NULL,
			count_rate        DOUBLE,
			exptime_target    DOUBLE,
			updated_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (instrument, filter)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("schema init: %w", err)
	}

	return db, nil
}
