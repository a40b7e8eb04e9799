package report

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/ridgeline-obs/calwatch/internal/db"
	"github.com/ridgeline-obs/calwatch/internal/security"
)

// RenderTrend renders one metric's history as a line chart, one series
// per filter, to a standalone HTML artifact.
func RenderTrend(instrument, metric string, points []db.MetricPoint) (Artifact, error) {
	if len(points) == 0 {
		return Artifact{}, fmt.Errorf("render trend %s/%s: no history", instrument, metric)
	}

	// Bucket by filter; bias and dark rows carry an empty filter.
	byFilter := map[string][]db.MetricPoint{}
	for _, p := range points {
		byFilter[p.Filter] = append(byFilter[p.Filter], p)
	}
	filters := make([]string, 0, len(byFilter))
	for f := range byFilter {
		filters = append(filters, f)
	}
	sort.Strings(filters)

	// Shared x axis over all observation times.
	seen := map[string]bool{}
	var labels []string
	for _, p := range points {
		l := p.Time.Format("2006-01-02 15:04")
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("%s %s trend", instrument, metric),
			Width:     "1200px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s: %s", instrument, metric),
			Subtitle: fmt.Sprintf("%d samples, rendered %s", len(points), time.Now().UTC().Format("2006-01-02 15:04 UT")),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "observation time (UT)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: metric}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(labels)

	for _, f := range filters {
		series := byFilter[f]
		byLabel := map[string]float64{}
		for _, p := range series {
			byLabel[p.Time.Format("2006-01-02 15:04")] = p.Value
		}
		data := make([]opts.LineData, len(labels))
		for i, l := range labels {
			if v, ok := byLabel[l]; ok {
				data[i] = opts.LineData{Value: v}
			} else {
				data[i] = opts.LineData{Value: nil}
			}
		}
		name := f
		if name == "" {
			name = "(none)"
		}
		line.AddSeries(name, data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return Artifact{}, fmt.Errorf("render trend %s/%s: %w", instrument, metric, err)
	}
	return Artifact{
		Name: fmt.Sprintf("%s_%s_trend.html",
			security.SanitizeFilename(instrument), security.SanitizeFilename(metric)),
		ContentType: "text/html; charset=utf-8",
		Data:        buf.Bytes(),
	}, nil
}
