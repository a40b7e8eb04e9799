package db

import (
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ridgeline-obs/calwatch/internal/calib"
	"github.com/ridgeline-obs/calwatch/internal/frame"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	db, err := NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	return db
}

func cleanupTestDB(t *testing.T, db *DB) {
	t.Helper()
	fname := t.Name() + ".db"
	db.Close()
	_ = os.Remove(fname)
	_ = os.Remove(fname + "-shm")
	_ = os.Remove(fname + "-wal")
}

func testMetric(obs int, when time.Time, cropMed float64) *calib.FrameMetric {
	return &calib.FrameMetric{
		DateObs:    when,
		Instrument: "imager",
		FrameType:  frame.Bias,
		ObsNumber:  obs,
		Filename:   "test.fits.gz",
		Binning:    "1x1",
		NumAmp:     1,
		AmpID:      "A",
		CropSize:   100,
		FrameAvg:   cropMed,
		FrameMed:   cropMed,
		FrameStd:   1,
		CropAvg:    cropMed,
		CropMed:    cropMed,
		CropStd:    1,
	}
}

func biasTags() map[string]string {
	return map[string]string{
		"instrument": "imager",
		"frametype":  "bias",
		"binning":    "1x1",
		"ampid":      "A",
	}
}

func TestRecordMetricAndBaseline(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	now := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	for i, v := range []float64{98, 100, 102} {
		if _, err := db.RecordMetric("run-1", testMetric(i+1, now.Add(-time.Duration(i)*24*time.Hour), v)); err != nil {
			t.Fatalf("RecordMetric failed: %v", err)
		}
	}

	b, err := db.Baseline(BaselineQuery{Metric: "crop_med", Tags: biasTags(), Now: now})
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if b.Count != 3 {
		t.Fatalf("expected 3 rows, got %d", b.Count)
	}
	if math.Abs(b.Mean-100) > 1e-9 {
		t.Errorf("mean = %v, want 100", b.Mean)
	}
	want := math.Sqrt(8.0 / 3.0)
	if math.Abs(b.StdDev-want) > 1e-9 {
		t.Errorf("stddev = %v, want %v", b.StdDev, want)
	}
}

func TestRecordMetricDropsNonFinite(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	now := time.Now().UTC()
	m := testMetric(1, now, 100)
	m.LinFlat = math.NaN()
	if _, err := db.RecordMetric("run-1", m); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	b, err := db.Baseline(BaselineQuery{Metric: "lin_flat", Tags: biasTags(), Now: now})
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if b.Count != 0 {
		t.Errorf("non-finite field was stored: count = %d", b.Count)
	}
}

func TestBaselineExcludesFlagged(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	now := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	if _, err := db.RecordMetric("run-1", testMetric(1, now, 100)); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}
	badID, err := db.RecordMetric("run-1", testMetric(2, now, 900))
	if err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}
	if err := db.MarkProblem(badID); err != nil {
		t.Fatalf("MarkProblem failed: %v", err)
	}

	b, err := db.Baseline(BaselineQuery{Metric: "crop_med", Tags: biasTags(), Now: now})
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if b.Count != 1 || math.Abs(b.Mean-100) > 1e-9 {
		t.Errorf("flagged row not excluded: count=%d mean=%v", b.Count, b.Mean)
	}

	b, err = db.Baseline(BaselineQuery{Metric: "crop_med", Tags: biasTags(), Now: now, IncludeFlagged: true})
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if b.Count != 2 {
		t.Errorf("IncludeFlagged: count=%d, want 2", b.Count)
	}
}

func TestBaselineWindow(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	now := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	if _, err := db.RecordMetric("run-1", testMetric(1, now.Add(-time.Hour), 100)); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}
	// Two years back, outside the default trailing window.
	if _, err := db.RecordMetric("run-1", testMetric(2, now.Add(-2*365*24*time.Hour), 500)); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	b, err := db.Baseline(BaselineQuery{Metric: "crop_med", Tags: biasTags(), Now: now})
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if b.Count != 1 || math.Abs(b.Mean-100) > 1e-9 {
		t.Errorf("window query: count=%d mean=%v, want 1 row at 100", b.Count, b.Mean)
	}

	b, err = db.Baseline(BaselineQuery{Metric: "crop_med", Tags: biasTags(), Now: now, AllTime: true})
	if err != nil {
		t.Fatalf("Baseline failed: %v", err)
	}
	if b.Count != 2 {
		t.Errorf("all-time query: count=%d, want 2", b.Count)
	}
}

func TestBaselineEmptyHistory(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	b, err := db.Baseline(BaselineQuery{Metric: "crop_med", Tags: biasTags()})
	if err != nil {
		t.Fatalf("empty history must not error: %v", err)
	}
	if b.Count != 0 || !math.IsNaN(b.Mean) || !math.IsNaN(b.StdDev) {
		t.Errorf("empty baseline = %+v, want count 0 with NaN statistics", b)
	}
	if b.Evaluable() {
		t.Error("empty baseline reported evaluable")
	}
}

func TestBaselineMalformedQuery(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	tags := biasTags()
	tags["telescope"] = "west"
	_, err := db.Baseline(BaselineQuery{Metric: "crop_med", Tags: tags})
	if err == nil || !strings.Contains(err.Error(), "telescope") {
		t.Errorf("unknown tag key not rejected: %v", err)
	}

	_, err = db.Baseline(BaselineQuery{Metric: "crop_med", Tags: map[string]string{"instrument": "imager"}})
	if err == nil {
		t.Error("missing frametype tag not rejected")
	}
}

func TestMarkProblemUnknownFrame(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	if err := db.MarkProblem(12345); err == nil {
		t.Error("expected error for unknown frame id")
	}
}

func TestFilterStateMerge(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	day := func(s string) time.Time {
		d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err != nil {
			t.Fatalf("bad date %q: %v", s, err)
		}
		return d
	}

	base := FilterState{
		Instrument:  "imager",
		Filter:      "V",
		LatestImage: "20240501.0042.gz",
		LastFlat:    day("2024-05-01"),
		CountRate:   4000,
		ExpTimeFor:  5,
	}
	written, err := db.UpsertFilterState(base)
	if err != nil {
		t.Fatalf("UpsertFilterState failed: %v", err)
	}
	if !written {
		t.Fatal("first upsert was a no-op")
	}

	// An older frame leaves the stored row unchanged.
	older := base
	older.LatestImage = "20240430.0007.gz"
	older.LastFlat = day("2024-04-30")
	written, err = db.UpsertFilterState(older)
	if err != nil {
		t.Fatalf("UpsertFilterState failed: %v", err)
	}
	if written {
		t.Error("older date overwrote the stored row")
	}

	// Same date is a tie and also a no-op.
	written, err = db.UpsertFilterState(base)
	if err != nil {
		t.Fatalf("UpsertFilterState failed: %v", err)
	}
	if written {
		t.Error("tie date overwrote the stored row")
	}

	// A strictly later frame wins.
	newer := base
	newer.LatestImage = "20240502.0011.gz"
	newer.LastFlat = day("2024-05-02")
	newer.CountRate = 5000
	newer.ExpTimeFor = 4
	written, err = db.UpsertFilterState(newer)
	if err != nil {
		t.Fatalf("UpsertFilterState failed: %v", err)
	}
	if !written {
		t.Error("strictly later date did not overwrite")
	}

	states, err := db.FilterStates("imager")
	if err != nil {
		t.Fatalf("FilterStates failed: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 row, got %d", len(states))
	}
	got := states[0]
	if got.LatestImage != "20240502.0011.gz" || !got.LastFlat.Equal(day("2024-05-02")) {
		t.Errorf("merged row = %+v", got)
	}
	if math.Abs(got.CountRate-5000) > 1e-9 || math.Abs(got.ExpTimeFor-4) > 1e-9 {
		t.Errorf("merged rates = %v / %v", got.CountRate, got.ExpTimeFor)
	}
}

func TestLoadRunMetrics(t *testing.T) {
	db := setupTestDB(t)
	defer cleanupTestDB(t, db)

	if id, err := db.LastRunID(); err != nil || id != "" {
		t.Fatalf("empty store LastRunID = %q, %v", id, err)
	}

	now := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	m := testMetric(7, now, 100)
	m.LinFlat = math.NaN() // dropped at write, must come back NaN
	frameID, err := db.RecordMetric("run-9", m)
	if err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	id, err := db.LastRunID()
	if err != nil || id != "run-9" {
		t.Fatalf("LastRunID = %q, %v", id, err)
	}

	rows, err := db.LoadRunMetrics("run-9")
	if err != nil {
		t.Fatalf("LoadRunMetrics failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got.FrameID != frameID {
		t.Errorf("frame id = %d, want %d", got.FrameID, frameID)
	}
	if got.Metric.Instrument != "imager" || got.Metric.ObsNumber != 7 {
		t.Errorf("tags not reconstructed: %+v", got.Metric)
	}
	if math.Abs(got.Metric.CropMed-100) > 1e-9 {
		t.Errorf("crop_med = %v, want 100", got.Metric.CropMed)
	}
	if !got.Metric.DateObs.Equal(now) {
		t.Errorf("dateobs = %v, want %v", got.Metric.DateObs, now)
	}
	if !math.IsNaN(got.Metric.LinFlat) {
		t.Errorf("dropped field came back as %v, want NaN", got.Metric.LinFlat)
	}
}

func TestMigrateUpDown(t *testing.T) {
	fname := t.Name() + ".db"
	_ = os.Remove(fname)
	defer os.Remove(fname)

	db, err := OpenDB(fname)
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", version, dirty)
	}

	// The migrated schema accepts writes through the normal path.
	now := time.Now().UTC()
	if _, err := db.RecordMetric("run-1", testMetric(1, now, 100)); err != nil {
		t.Fatalf("RecordMetric on migrated schema failed: %v", err)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
}
