package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ridgeline-obs/calwatch/internal/calib"
	"github.com/ridgeline-obs/calwatch/internal/config"
	"github.com/ridgeline-obs/calwatch/internal/db"
	"github.com/ridgeline-obs/calwatch/internal/frame"
	"github.com/ridgeline-obs/calwatch/internal/fsutil"
	"github.com/ridgeline-obs/calwatch/internal/monitoring"
	"github.com/ridgeline-obs/calwatch/internal/report"
	"github.com/ridgeline-obs/calwatch/internal/validate"
)

func containerOptions(cfg *config.RunConfig, cache *calib.Cache) calib.Options {
	return calib.Options{
		CropBorder: cfg.GetCropBorder(),
		Combine: calib.CombineOptions{
			SigmaLow:  cfg.GetCombineSigmaLow(),
			SigmaHigh: cfg.GetCombineSigmaHigh(),
			MaxIters:  cfg.GetCombineMaxIters(),
			MemLimit:  cfg.GetCombineMemLimit(),
		},
		Cache:     cache,
		PlaneOnly: !cfg.GetFitQuadratic(),
	}
}

func runProcess(cfg *config.RunConfig, paths []string) {
	if len(paths) == 0 {
		log.Fatal("usage: calwatch process <bundle>...")
	}
	if _, err := processBundles(cfg, paths); err != nil {
		log.Fatalf("process failed: %v", err)
	}
}

// combinedKey identifies one master frame: a validation group plus the
// detector configuration it was combined under.
type combinedKey struct {
	Group validate.GroupKey
	Cfg   frame.ConfigGroup
}

func (k combinedKey) String() string { return k.Group.String() + "/" + k.Cfg.String() }

// processBundles is the full nightly run: reduce every bundle, store
// the metrics, update the dynamic filter table, validate against the
// baselines, and publish the artifacts. It returns the paths whose rows
// were stored; an unreadable bundle is skipped, not fatal, so its
// omission from the returned list is the caller's retry signal.
func processBundles(cfg *config.RunConfig, paths []string) ([]string, error) {
	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	osfs := fsutil.OSFileSystem{}
	cache := calib.NewCache(osfs, cfg.GetCacheDir())
	runID := uuid.New().String()
	monitoring.Logf("run %s: processing %d bundle(s)", runID, len(paths))

	var ingested []string
	var stored []validate.StoredMetric
	combined := map[combinedKey]*frame.Image{}
	summaries := map[string]*report.Summary{}

	for _, path := range paths {
		bundle, err := readBundleFile(path)
		if err != nil {
			// A truncated upload must not lose the rest of the night.
			monitoring.Logf("ERROR: %v, skipping bundle", err)
			continue
		}
		night := bundle.Night
		if summaries[bundle.Instrument] == nil {
			summaries[bundle.Instrument] = &report.Summary{
				Instrument: bundle.Instrument,
				Night:      night,
				Generated:  time.Now().UTC(),
			}
		}

		groups, bad := frame.GroupFrames(bundle.Frames)
		for _, e := range bad {
			monitoring.Logf("WARN: %s: %v", path, e)
		}

		for _, group := range frame.Configs(groups) {
			byType := groups[group]
			c, err := calib.NewContainer(bundle.Instrument, group, containerOptions(cfg, cache))
			if err != nil {
				// Precondition violation: this group cannot be processed.
				monitoring.Logf("ERROR: %s: %v, skipping group", path, err)
				continue
			}
			if err := processGroup(c, byType); err != nil {
				monitoring.Logf("ERROR: %s %s %s: %v, skipping group",
					path, bundle.Instrument, group, err)
				continue
			}

			metrics := c.Metrics()
			for i := range metrics {
				frameID, err := store.RecordMetric(runID, &metrics[i])
				if err != nil {
					// One failed write loses one row, not the run.
					monitoring.Logf("WARN: %v", err)
					continue
				}
				stored = append(stored, validate.StoredMetric{FrameID: frameID, Metric: metrics[i]})
			}
			s := summaries[bundle.Instrument]
			s.Metrics = append(s.Metrics, metrics...)

			if cb := c.CombinedBias(); cb != nil {
				key := combinedKey{
					Group: validate.GroupKey{Instrument: bundle.Instrument, FrameType: frame.Bias},
					Cfg:   group,
				}
				combined[key] = cb
			}

			updateFilterStates(store, bundle.Instrument, c)
		}
		ingested = append(ingested, path)
	}

	// Validate tonight's rows against the accumulated history.
	engine := &validate.Engine{
		Source:      store,
		SigmaThresh: cfg.GetSigmaThresh(),
		Metrics:     knownMetrics(cfg.Metrics),
		Window:      cfg.GetBaselineWindow(),
	}
	problems, err := engine.Validate(stored)
	if err != nil {
		return nil, err
	}
	for _, frameID := range problems.FrameIDs() {
		if err := store.MarkProblem(frameID); err != nil {
			monitoring.Logf("WARN: %v", err)
		}
	}

	publisher := &report.LocalPublisher{FS: osfs, Dir: cfg.GetReportDir()}
	thumbnails := publishThumbnails(publisher, cfg.GetReportDir(), combined)
	publishSummaries(publisher, store, summaries)

	if !problems.Empty() {
		if err := (report.LogAlerter{}).Alert(problems, thumbnails); err != nil {
			monitoring.Logf("WARN: alert delivery: %v", err)
		}
	}
	monitoring.Logf("run %s: %d metric rows stored, %d frame(s) flagged",
		runID, len(stored), len(problems.FrameIDs()))
	return ingested, nil
}

// knownMetrics drops configured metric names the pipeline never
// produces, so a typo surfaces in the log instead of silently matching
// nothing in the store.
func knownMetrics(names []string) []string {
	um := calib.UnsetMetric()
	known := map[string]bool{}
	for _, n := range um.MetricNames() {
		known[n] = true
	}
	for _, n := range calib.MechanismKeys {
		known[n] = true
	}
	var out []string
	for _, n := range names {
		if !known[n] {
			monitoring.Logf("WARN: unknown metric %q in config, ignoring", n)
			continue
		}
		out = append(out, n)
	}
	return out
}

// processGroup feeds each frame type to the container in processing
// order. Bias goes first so the flats can subtract the master.
func processGroup(c *calib.Container, byType map[frame.FrameType][]*frame.RawFrame) error {
	if err := c.ProcessBias(byType[frame.Bias]); err != nil {
		return err
	}
	if err := c.ProcessDark(byType[frame.Dark]); err != nil {
		return err
	}
	if err := c.ProcessDomeFlat(byType[frame.DomeFlat]); err != nil {
		return err
	}
	return c.ProcessSkyFlat(byType[frame.SkyFlat])
}

// updateFilterStates applies the most-recent-wins merge for every
// filter that produced flats tonight.
func updateFilterStates(store *db.DB, instrument string, c *calib.Container) {
	metrics := append(append([]calib.FrameMetric{}, c.DomeFlatMetrics()...), c.SkyFlatMetrics()...)
	byFilter := map[string][]calib.FrameMetric{}
	for _, m := range metrics {
		if m.Filter != "" {
			byFilter[m.Filter] = append(byFilter[m.Filter], m)
		}
	}
	for filter, ms := range byFilter {
		latest := ms[0]
		var rateSum float64
		n := 0
		for _, m := range ms {
			if m.DateObs.After(latest.DateObs) {
				latest = m
			}
			if !math.IsNaN(m.CropMed) && m.CropMed > 0 {
				rateSum += m.CropMed
				n++
			}
		}
		if n == 0 {
			monitoring.Logf("WARN: %s filter %s: no usable count rate from %d flat(s)",
				instrument, filter, len(ms))
			continue
		}
		rate := rateSum / float64(n)
		written, err := store.UpsertFilterState(db.FilterState{
			Instrument:  instrument,
			Filter:      filter,
			LatestImage: latest.Filename,
			LastFlat:    latest.DateObs,
			CountRate:   rate,
			ExpTimeFor:  db.TargetCounts / rate,
		})
		if err != nil {
			monitoring.Logf("WARN: %v", err)
			continue
		}
		if !written {
			monitoring.Logf("%s filter %s: stored flat is newer, dynamic table unchanged",
				instrument, filter)
		}
	}
}

func publishThumbnails(publisher report.Publisher, dir string, combined map[combinedKey]*frame.Image) map[string]string {
	thumbnails := map[string]string{}
	keys := make([]combinedKey, 0, len(combined))
	for k := range combined {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		a, err := report.RenderThumbnail(key.Group.Instrument, key.Cfg, key.Group.FrameType, combined[key])
		if err != nil {
			monitoring.Logf("WARN: %v", err)
			continue
		}
		if err := publisher.Publish(a); err != nil {
			monitoring.Logf("WARN: %v", err)
			continue
		}
		thumbnails[key.String()] = filepath.Join(dir, a.Name)
	}
	return thumbnails
}

func publishSummaries(publisher report.Publisher, store *db.DB, summaries map[string]*report.Summary) {
	names := make([]string, 0, len(summaries))
	for name := range summaries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := summaries[name]
		states, err := store.FilterStates(name)
		if err != nil {
			monitoring.Logf("WARN: %v", err)
		}
		s.Filters = states
		a, err := report.RenderSummary(*s)
		if err != nil {
			monitoring.Logf("WARN: %v", err)
			continue
		}
		if err := publisher.Publish(a); err != nil {
			monitoring.Logf("WARN: %v", err)
		}
	}
}

func readBundleFile(path string) (*frame.Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	defer f.Close()
	b, err := frame.ReadBundle(f)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	return b, nil
}

func runValidate(cfg *config.RunConfig, args []string) {
	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	runID := ""
	if len(args) > 0 {
		runID = args[0]
	} else {
		runID, err = store.LastRunID()
		if err != nil {
			log.Fatalf("failed to find latest run: %v", err)
		}
		if runID == "" {
			log.Fatal("store is empty, nothing to validate")
		}
	}

	rows, err := store.LoadRunMetrics(runID)
	if err != nil {
		log.Fatalf("failed to load run %s: %v", runID, err)
	}
	stored := make([]validate.StoredMetric, len(rows))
	for i, r := range rows {
		stored[i] = validate.StoredMetric{FrameID: r.FrameID, Metric: r.Metric}
	}

	engine := &validate.Engine{
		Source:      store,
		SigmaThresh: cfg.GetSigmaThresh(),
		Metrics:     knownMetrics(cfg.Metrics),
		Window:      cfg.GetBaselineWindow(),
	}
	problems, err := engine.Validate(stored)
	if err != nil {
		log.Fatalf("validation failed: %v", err)
	}
	for _, frameID := range problems.FrameIDs() {
		if err := store.MarkProblem(frameID); err != nil {
			monitoring.Logf("WARN: %v", err)
		}
	}
	if !problems.Empty() {
		if err := (report.LogAlerter{}).Alert(problems, nil); err != nil {
			monitoring.Logf("WARN: alert delivery: %v", err)
		}
	}
	log.Printf("run %s: %d row(s) validated, %d frame(s) flagged",
		runID, len(stored), len(problems.FrameIDs()))
}

func runReport(cfg *config.RunConfig, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: calwatch report <instrument>")
	}
	instrument := args[0]

	store, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	runID, err := store.LastRunID()
	if err != nil {
		log.Fatalf("failed to find latest run: %v", err)
	}
	if runID == "" {
		log.Fatal("store is empty, nothing to report")
	}
	rows, err := store.LoadRunMetrics(runID)
	if err != nil {
		log.Fatalf("failed to load run %s: %v", runID, err)
	}

	summary := report.Summary{Instrument: instrument, Generated: time.Now().UTC()}
	for _, r := range rows {
		if r.Metric.Instrument != instrument {
			continue
		}
		summary.Metrics = append(summary.Metrics, r.Metric)
		if day := r.Metric.DateObs.UTC().Format("20060102"); day > summary.Night {
			summary.Night = day
		}
	}
	summary.Filters, err = store.FilterStates(instrument)
	if err != nil {
		log.Fatalf("failed to load filter states: %v", err)
	}

	publisher := &report.LocalPublisher{FS: fsutil.OSFileSystem{}, Dir: cfg.GetReportDir()}
	a, err := report.RenderSummary(summary)
	if err != nil {
		log.Fatalf("failed to render summary: %v", err)
	}
	if err := publisher.Publish(a); err != nil {
		log.Fatalf("failed to publish summary: %v", err)
	}

	trendMetrics := knownMetrics(cfg.Metrics)
	if len(trendMetrics) == 0 {
		trendMetrics = []string{"crop_med", "lin_flat", "quad_flat"}
	}
	for _, metric := range trendMetrics {
		points, err := store.MetricSeries(db.BaselineQuery{
			Metric: metric,
			Tags: map[string]string{
				"instrument": instrument,
				"frametype":  string(frame.DomeFlat),
			},
			Window: cfg.GetBaselineWindow(),
		})
		if err != nil {
			log.Fatalf("failed to load %s history: %v", metric, err)
		}
		if len(points) == 0 {
			monitoring.Logf("%s: no %s history to plot", instrument, metric)
			continue
		}
		a, err := report.RenderTrend(instrument, metric, points)
		if err != nil {
			monitoring.Logf("WARN: %v", err)
			continue
		}
		if err := publisher.Publish(a); err != nil {
			monitoring.Logf("WARN: %v", err)
		}
	}
}

func runWatch(cfg *config.RunConfig, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: calwatch watch <dir>")
	}
	dir := args[0]
	schedule := cfg.GetWatchSchedule()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processed := map[string]bool{}
	scan := func() {
		paths, err := filepath.Glob(filepath.Join(dir, "*.cal.gz"))
		if err != nil {
			monitoring.Logf("WARN: scan %s: %v", dir, err)
			return
		}
		var fresh []string
		for _, p := range paths {
			if !processed[p] {
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 {
			return
		}
		sort.Strings(fresh)
		monitoring.Logf("watch: found %d new bundle(s) in %s", len(fresh), dir)
		ingested, err := processBundles(cfg, fresh)
		if err != nil {
			monitoring.Logf("ERROR: %v", err)
			return
		}
		// Only ingested paths are retired; an unreadable bundle stays
		// fresh and is retried once its upload completes.
		for _, p := range ingested {
			processed[p] = true
		}
	}

	// A slow night's scan must finish before the next one starts, and
	// the processed set is not safe for concurrent ticks.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.Default()))))
	if _, err := c.AddFunc(schedule, scan); err != nil {
		log.Fatalf("invalid watch schedule %q: %v", schedule, err)
	}
	c.Start()
	log.Printf("watching %s on schedule %q", dir, schedule)

	<-ctx.Done()
	cronCtx := c.Stop()
	<-cronCtx.Done()
	log.Print("watch stopped")
}

func runMigrate(cfg *config.RunConfig, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: calwatch migrate <up|down|status|force <version>>")
	}

	// Open without schema initialization; migrations manage the schema.
	store, err := db.OpenDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	switch args[0] {
	case "up":
		if err := store.MigrateUp(); err != nil {
			log.Fatalf("migration up failed: %v", err)
		}
		version, dirty, _ := store.MigrateVersion()
		log.Printf("migrated up, current version: %d (dirty: %v)", version, dirty)
	case "down":
		if err := store.MigrateDown(); err != nil {
			log.Fatalf("migration down failed: %v", err)
		}
		version, dirty, _ := store.MigrateVersion()
		log.Printf("rolled back, current version: %d (dirty: %v)", version, dirty)
	case "status":
		version, dirty, err := store.MigrateVersion()
		if err != nil {
			log.Fatalf("failed to read migration status: %v", err)
		}
		fmt.Printf("version: %d\ndirty: %v\n", version, dirty)
	case "force":
		if len(args) < 2 {
			log.Fatal("usage: calwatch migrate force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(args[1], "%d", &version); err != nil {
			log.Fatalf("invalid version %q", args[1])
		}
		if err := store.MigrateForce(version); err != nil {
			log.Fatalf("force migration failed: %v", err)
		}
		log.Printf("forced version to %d", version)
	default:
		log.Fatalf("unknown migrate action %q", args[0])
	}
}
