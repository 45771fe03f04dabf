// Package report turns a finalized run into the files dashboards read.
//
// Every reporter here implements engine.Reporter and is invoked from the
// supervisor's guaranteed block, so badges exist even for runs that failed,
// were truncated, or panicked.
package report

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/roach88/canary/internal/engine"
)

// SchemaVersion of the badge documents.
const SchemaVersion = 1

// DefaultCacheSeconds is how long a dashboard may cache a badge.
const DefaultCacheSeconds = 300

// Badge colors.
const (
	ColorPassed  = "brightgreen"
	ColorFailed  = "red"
	ColorSkipped = "lightgrey"
)

// Badge is one endpoint-badge document.
type Badge struct {
	SchemaVersion int    `json:"schemaVersion"`
	Label         string `json:"label"`
	Message       string `json:"message"`
	Color         string `json:"color"`
	CacheSeconds  int    `json:"cacheSeconds"`
}

// Color maps a stage status to its badge color.
func Color(s engine.Status) string {
	switch s {
	case engine.StatusPassed:
		return ColorPassed
	case engine.StatusFailed:
		return ColorFailed
	default:
		return ColorSkipped
	}
}

var title = cases.Title(language.English)

// Label turns a stage ID into a badge label: "create-bucket" → "Create Bucket".
func Label(id engine.StageID) string {
	return title.String(strings.ReplaceAll(string(id), "-", " "))
}

// StageBadge builds the badge of one stage.
func StageBadge(id engine.StageID, s engine.Status, cacheSeconds int) Badge {
	msg := string(s)
	if s == engine.StatusNotRun {
		msg = "not run"
	}
	return Badge{
		SchemaVersion: SchemaVersion,
		Label:         Label(id),
		Message:       msg,
		Color:         Color(s),
		CacheSeconds:  cacheSeconds,
	}
}

// SummaryBadge aggregates a run: "<passed>/<total> passed", green only when
// the run passed as a whole.
func SummaryBadge(label string, out engine.RunOutcome, total, cacheSeconds int) Badge {
	color := ColorPassed
	if !out.Passed() {
		color = ColorFailed
	}
	return Badge{
		SchemaVersion: SchemaVersion,
		Label:         label,
		Message:       fmt.Sprintf("%d/%d passed", out.Count(engine.StatusPassed), total),
		Color:         color,
		CacheSeconds:  cacheSeconds,
	}
}
