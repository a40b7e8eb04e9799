// Package report renders run artifacts: the nightly summary table, the
// metric trend page, and combined-frame thumbnails, and hands them to a
// publishing collaborator.
package report

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ridgeline-obs/calwatch/internal/fsutil"
	"github.com/ridgeline-obs/calwatch/internal/monitoring"
	"github.com/ridgeline-obs/calwatch/internal/validate"
)

// Artifact is one rendered output ready for publication.
type Artifact struct {
	Name        string // file name, e.g. "imager_summary.html"
	ContentType string
	Data        []byte
}

// Publisher accepts rendered artifacts for external display. The core
// renders; what happens after Publish is the collaborator's business.
type Publisher interface {
	Publish(a Artifact) error
}

// LocalPublisher writes artifacts to a directory.
type LocalPublisher struct {
	FS  fsutil.FileSystem
	Dir string
}

func (p *LocalPublisher) Publish(a Artifact) error {
	if err := p.FS.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("publish %s: %w", a.Name, err)
	}
	path := filepath.Join(p.Dir, a.Name)
	if err := p.FS.WriteFile(path, a.Data, 0o644); err != nil {
		return fmt.Errorf("publish %s: %w", a.Name, err)
	}
	monitoring.Logf("published %s (%d bytes)", path, len(a.Data))
	return nil
}

// LogAlerter reports problems through the package logger. It stands in
// where no paging collaborator is wired up.
type LogAlerter struct{}

var _ validate.Alerter = LogAlerter{}

func (LogAlerter) Alert(report *validate.ProblemReport, thumbnails map[string]string) error {
	if report.Empty() {
		return nil
	}
	thumbKeys := make([]string, 0, len(thumbnails))
	for k := range thumbnails {
		thumbKeys = append(thumbKeys, k)
	}
	sort.Strings(thumbKeys)

	for key, problems := range report.Groups {
		monitoring.Logf("ALERT %s: %d metric(s) out of family", key, len(problems))
		for _, p := range problems {
			monitoring.Logf("ALERT %s: %s %s = %g (baseline %g +/- %g, %.2f sigma)",
				key, p.Filename, p.Metric, p.Value, p.Mean, p.StdDev, p.Deviation)
		}
		// Thumbnails are keyed per detector configuration under the group.
		for _, tk := range thumbKeys {
			if tk == key.String() || strings.HasPrefix(tk, key.String()+"/") {
				monitoring.Logf("ALERT %s: thumbnail %s", key, thumbnails[tk])
			}
		}
	}
	return nil
}
