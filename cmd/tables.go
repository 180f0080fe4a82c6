package cmd

import (
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jonesrussell/north-cloud/post-scheduler/internal/domain"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/ratelimit"
	"github.com/jonesrussell/north-cloud/post-scheduler/internal/scheduler"
)

const maxErrorWidth = 60

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// renderSummary prints the totals of a cycle followed by its item errors.
func renderSummary(w io.Writer, s *scheduler.CycleSummary) {
	if s == nil {
		s = &scheduler.CycleSummary{}
	}

	t := newTable(w)
	t.SetTitle("Publish cycle")
	t.AppendHeader(table.Row{"Checked", "Published", "Retrying", "Failed", "Denied", "Deferred"})
	t.AppendRow(table.Row{s.TotalChecked, s.Published, s.Retrying, s.Failed, s.Denied, s.Deferred})
	t.Render()

	if len(s.Errors) == 0 {
		return
	}

	errs := newTable(w)
	errs.SetTitle("Item errors")
	errs.AppendHeader(table.Row{"Item", "Kind", "Error", "Platforms"})
	for _, e := range s.Errors {
		errs.AppendRow(table.Row{e.ItemID, e.Kind, truncate(e.Error), failedPlatforms(e.Results)})
	}
	errs.Render()
}

// renderStatus prints the scheduler snapshot.
func renderStatus(w io.Writer, st *domain.SchedulerStatus) {
	t := newTable(w)
	t.SetTitle("Scheduler")
	t.AppendHeader(table.Row{"Status", "Scheduled", "Ready", "Published", "Failed", "Next check"})
	t.AppendRow(table.Row{
		st.Status,
		st.Scheduled,
		st.ReadyToPublish,
		st.Published,
		st.Failed,
		st.NextCheckAt.UTC().Format(time.RFC3339),
	})
	t.Render()
}

// renderRateStatus prints both windows of one actor.
func renderRateStatus(w io.Writer, st *ratelimit.Status) {
	t := newTable(w)
	t.SetTitle("Rate limits for " + st.Actor)
	t.AppendHeader(table.Row{"Window", "Sent", "Limit", "Usage", "Resets at"})
	for _, row := range []struct {
		name  string
		win   *domain.RateWindow
		usage string
	}{
		{"hourly", st.Hourly, st.HourlyUsage},
		{"daily", st.Daily, st.DailyUsage},
	} {
		if row.win == nil {
			continue
		}
		t.AppendRow(table.Row{row.name, row.win.MessagesSent, row.win.Limit, row.usage, formatTime(row.win.ResetAt)})
	}
	t.AppendFooter(table.Row{"paused", strconv.FormatBool(st.Paused), "", "", ""})
	t.Render()
}

func failedPlatforms(results domain.PlatformResults) string {
	var names []string
	for _, r := range results {
		if !r.OK {
			names = append(names, r.Platform)
		}
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string) string {
	if len(s) <= maxErrorWidth {
		return s
	}
	return s[:maxErrorWidth-3] + "..."
}
