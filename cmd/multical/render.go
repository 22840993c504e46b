package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"multical/internal/conflict"
	"multical/internal/index"
	"multical/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)

	severityStyles = map[conflict.Severity]lipgloss.Style{
		conflict.Minor:    lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		conflict.Moderate: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		conflict.Major:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle
			}
			return cellStyle
		})
}

func timeRange(o model.Occurrence) string {
	if o.AllDay {
		return "all day"
	}
	end := o.End.Format("15:04")
	if !sameDay(o.Start, o.End) {
		end = o.End.Format("Jan 2 15:04")
	}
	return o.Start.Format("15:04") + "–" + end
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func feedLabel(o model.Occurrence) string {
	if o.FeedName != "" {
		return o.FeedName
	}
	return o.FeedID
}

func renderAgenda(events []model.Occurrence, w *model.Window) string {
	var b strings.Builder
	if w != nil {
		last := w.Until.AddDate(0, 0, -1)
		title := w.From.Format("Mon Jan 2 2006")
		if !sameDay(w.From, last) {
			title += " – " + last.Format("Mon Jan 2 2006")
		}
		b.WriteString(titleStyle.Render(title))
		b.WriteString("\n")
	}
	if len(events) == 0 {
		b.WriteString(mutedStyle.Render("No events."))
		return b.String()
	}

	t := newTable("Date", "Time", "Event", "Feed", "Location")
	for _, o := range events {
		t.Row(o.Start.Format("Mon Jan 2"), timeRange(o), o.Summary, feedLabel(o), o.Location)
	}
	b.WriteString(t.Render())
	return b.String()
}

func renderConflicts(rep conflict.Report) string {
	var b strings.Builder
	last := rep.Window.Until.AddDate(0, 0, -1)
	b.WriteString(titleStyle.Render(fmt.Sprintf("Conflicts %s – %s",
		rep.Window.From.Format("Jan 2"), last.Format("Jan 2 2006"))))
	b.WriteString("\n")
	if len(rep.Groups) == 0 {
		b.WriteString(mutedStyle.Render("No conflicts."))
		return b.String()
	}

	t := newTable("#", "Severity", "When", "Events", "Feeds")
	for i, g := range rep.Groups {
		names := make([]string, 0, len(g.Occurrences))
		feeds := make([]string, 0, len(g.Occurrences))
		for _, o := range g.Occurrences {
			names = append(names, o.Summary)
			if l := feedLabel(o); !slices.Contains(feeds, l) {
				feeds = append(feeds, l)
			}
		}
		when := g.OverlapStart.Format("Mon Jan 2 15:04") + "–" + g.OverlapEnd.Format("15:04")
		sev := severityStyles[g.Severity].Render(string(g.Severity))
		t.Row(strconv.Itoa(i+1), sev, when, strings.Join(names, "\n"), strings.Join(feeds, ", "))
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%d group(s), %d of %d occurrences involved",
		rep.Stats.Groups, rep.Stats.ConflictingOccurrences, rep.Stats.TotalOccurrences)))
	return b.String()
}

func renderFeeds(states []index.FeedState, loc *time.Location) string {
	if len(states) == 0 {
		return mutedStyle.Render("No feeds configured.")
	}
	t := newTable("Name", "Status", "Events", "Occurrences", "Last success", "Error")
	for _, st := range states {
		success := "never"
		if !st.LastSuccess.IsZero() {
			success = st.LastSuccess.In(loc).Format("2006-01-02 15:04")
		}
		t.Row(st.Feed.Name, string(st.Status), strconv.Itoa(st.Events), strconv.Itoa(st.Occurrences), success, st.LastError)
	}
	return t.Render()
}
