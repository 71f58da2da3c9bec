package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"golang.org/x/term"

	"reflowline/internal/domain"
)

var (
	blockingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	infoStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// colorEnabled is false when stdout is piped or NO_COLOR is set.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func paint(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

func severityLabel(s domain.Severity) string {
	switch s {
	case domain.SeverityBlocking:
		return paint(blockingStyle, string(s))
	case domain.SeverityWarning:
		return paint(warningStyle, string(s))
	case domain.SeverityInfo:
		return paint(infoStyle, string(s))
	}
	return string(s)
}

func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func fmtTime(ts *time.Time) string {
	if ts == nil {
		return paint(dimStyle, "-")
	}
	return ts.UTC().Format("2006-01-02 15:04")
}

func fmtSlack(min *int) string {
	if min == nil {
		return "-"
	}
	if *min < 0 {
		return paint(blockingStyle, fmt.Sprintf("%d", *min))
	}
	return fmt.Sprintf("%d", *min)
}

func printActivities(w io.Writer, acts []domain.Activity) {
	t := newTable(w, "ID", "TRIP", "STATE", "START", "END", "DUR", "LOCK", "SLACK")
	for _, a := range acts {
		id := a.ID
		if a.Calc.CriticalPath {
			id = paint(blockingStyle, id+" *")
		}
		t.AppendRow(table.Row{id, a.TripID, a.State, fmtTime(a.Plan.StartTS), fmtTime(a.Plan.EndTS), a.Plan.DurationMin, a.LockLevel, fmtSlack(a.Calc.SlackMin)})
	}
	t.Render()
}

func printRun(w io.Writer, run domain.ReflowRun, criticalPath, warnings []string) {
	fmt.Fprintf(w, "Run %s (%s) requested by %s at %s\n", run.ID, run.Mode, run.RequestedBy, run.RequestedAt.UTC().Format(time.RFC3339))
	if run.Approval != nil {
		fmt.Fprintf(w, "Approved by %s at %s\n", run.Approval.ApprovedBy, run.Approval.ApprovedAt.UTC().Format(time.RFC3339))
	}
	changes := run.ProposedChanges
	if run.Mode == domain.RunApply {
		changes = run.AppliedChanges
	}
	if len(changes) == 0 {
		fmt.Fprintln(w, paint(okStyle, "No changes."))
	} else {
		t := newTable(w, "ACTIVITY", "PATH", "FROM", "TO", "REASON")
		for _, c := range changes {
			t.AppendRow(table.Row{c.ActivityID, c.Path, fmtTime(c.From), fmtTime(c.To), c.ReasonCode})
		}
		t.Render()
	}
	s := run.CollisionSummary
	fmt.Fprintf(w, "Collisions: %s blocking, %s warning, %s info\n",
		paint(blockingStyle, fmt.Sprint(s.Blocking)), paint(warningStyle, fmt.Sprint(s.Warning)), paint(infoStyle, fmt.Sprint(s.Info)))
	if len(run.Collisions) > 0 {
		t := newTable(w, "SEVERITY", "KIND", "ACTIVITIES", "MESSAGE")
		for _, c := range run.Collisions {
			t.AppendRow(table.Row{severityLabel(c.Severity), c.Kind, strings.Join(c.ActivityIDs, ","), c.Message})
		}
		t.Render()
	}
	if len(criticalPath) > 0 {
		fmt.Fprintf(w, "Critical path: %s\n", strings.Join(criticalPath, " -> "))
	}
	for _, msg := range warnings {
		fmt.Fprintln(w, paint(warningStyle, "warning: "+msg))
	}
}

// parseCursor accepts RFC3339 or a natural-language expression such as
// "tomorrow 08:00" or "next monday at 6am", resolved against now.
func parseCursor(text string, now time.Time) (*time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, text); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	res, err := w.Parse(text, now)
	if err != nil {
		return nil, fmt.Errorf("parse cursor %q: %w", text, err)
	}
	if res == nil {
		return nil, fmt.Errorf("cannot understand cursor %q; use RFC3339 or e.g. \"tomorrow 08:00\"", text)
	}
	ts := res.Time.UTC()
	return &ts, nil
}
