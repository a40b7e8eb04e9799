package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/ridgeline-obs/calwatch/internal/calib"
	"github.com/ridgeline-obs/calwatch/internal/db"
	"github.com/ridgeline-obs/calwatch/internal/security"
)

var summaryTmpl = template.Must(template.New("summary").Funcs(template.FuncMap{
	"f1": func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"f3": func(v float64) string { return fmt.Sprintf("%.3f", v) },
	"ut": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05") },
	"utDay": func(t time.Time) string { return t.UTC().Format("2006-01-02") },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Instrument}} calibration summary {{.Night}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #999; padding: 4px 8px; text-align: right; }
th { background: #eee; }
td.name { text-align: left; }
</style>
</head>
<body>
<h1>{{.Instrument}} calibration summary &mdash; {{.Night}}</h1>

<h2>Frames ({{len .Metrics}})</h2>
<table>
<tr><th>file</th><th>type</th><th>filter</th><th>binning</th><th>exptime</th>
<th>crop avg</th><th>crop med</th><th>crop std</th><th>lin flat</th><th>quad flat</th></tr>
{{range .Metrics}}
<tr><td class="name">{{.Filename}}</td><td class="name">{{.FrameType}}</td>
<td class="name">{{.Filter}}</td><td class="name">{{.Binning}}</td>
<td>{{f1 .ExpTime}}</td><td>{{f1 .CropAvg}}</td><td>{{f1 .CropMed}}</td>
<td>{{f3 .CropStd}}</td><td>{{f3 .LinFlat}}</td><td>{{f3 .QuadFlat}}</td></tr>
{{end}}
</table>

{{if .Filters}}
<h2>Filter status</h2>
<table>
<tr><th>filter</th><th>latest image</th><th>last flat (UT)</th>
<th>count rate (s&#8315;&#185;)</th><th>exptime for 20k counts (s)</th></tr>
{{range .Filters}}
<tr><td class="name">{{.Filter}}</td><td class="name">{{.LatestImage}}</td>
<td class="name">{{utDay .LastFlat}}</td><td>{{f1 .CountRate}}</td><td>{{f1 .ExpTimeFor}}</td></tr>
{{end}}
</table>
{{end}}

<p>generated {{ut .Generated}}</p>
</body>
</html>
`))

// Summary bundles everything the nightly table shows.
type Summary struct {
	Instrument string
	Night      string
	Generated  time.Time
	Metrics    []calib.FrameMetric
	Filters    []db.FilterState
}

// RenderSummary renders the nightly metric table to an HTML artifact.
func RenderSummary(s Summary) (Artifact, error) {
	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, s); err != nil {
		return Artifact{}, fmt.Errorf("render summary: %w", err)
	}
	return Artifact{
		Name: fmt.Sprintf("%s_%s_summary.html",
			security.SanitizeFilename(s.Instrument), security.SanitizeFilename(s.Night)),
		ContentType: "text/html; charset=utf-8",
		Data:        buf.Bytes(),
	}, nil
}
