// Package conflict finds overlapping occurrences across feeds and groups
// them.
package conflict

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"multical/internal/index"
	"multical/internal/model"
)

// Severity ranks a conflict by how much of the shorter event is covered.
type Severity string

const (
	Minor    Severity = "minor"
	Moderate Severity = "moderate"
	Major    Severity = "major"
)

// Rank orders severities; the zero Severity ranks lowest.
func (s Severity) Rank() int {
	switch s {
	case Minor:
		return 1
	case Moderate:
		return 2
	case Major:
		return 3
	}
	return 0
}

// ParseSeverity accepts minor, moderate or major (any case). An empty
// string is the zero Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev == "" || sev.Rank() > 0 {
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q (want minor, moderate or major)", s)
}

// classify maps an overlap ratio onto the severity bands.
func classify(ratio float64) Severity {
	switch {
	case ratio >= 0.75:
		return Major
	case ratio >= 0.25:
		return Moderate
	default:
		return Minor
	}
}

// Kind describes how two occurrences overlap.
type Kind string

const (
	// KindExact: identical spans.
	KindExact Kind = "exact_overlap"
	KindTime  Kind = "time_overlap"
	// KindSameDay: an all-day occurrence against a timed one.
	KindSameDay Kind = "same_day"
)

// Options tunes detection. The zero value drops all-day occurrences; use
// DefaultOptions for the usual behavior.
type Options struct {
	// MinOverlap ignores pairs overlapping for less than this.
	MinOverlap time.Duration
	// IncludeAllDay keeps all-day occurrences so they can form same-day
	// conflicts with timed ones.
	IncludeAllDay bool
	// MinSeverity drops groups below this severity.
	MinSeverity Severity
	// SameFeed also reports double bookings inside one feed.
	SameFeed bool
}

// DefaultOptions includes all-day occurrences and suppresses same-feed
// groups.
func DefaultOptions() Options {
	return Options{IncludeAllDay: true}
}

// Pair is two simultaneously active occurrences. A starts no later than B.
type Pair struct {
	A            model.Occurrence `json:"a"`
	B            model.Occurrence `json:"b"`
	OverlapStart time.Time        `json:"overlap_start"`
	OverlapEnd   time.Time        `json:"overlap_end"`
	// Ratio is the overlap duration over the shorter occurrence's duration.
	Ratio    float64  `json:"ratio"`
	Severity Severity `json:"severity"`
	Kind     Kind     `json:"kind"`
}

// Overlap is OverlapEnd - OverlapStart.
func (p Pair) Overlap() time.Duration { return p.OverlapEnd.Sub(p.OverlapStart) }

// Group is a maximal set of transitively overlapping occurrences.
type Group struct {
	Occurrences []model.Occurrence `json:"occurrences"`
	Pairs       []Pair             `json:"pairs"`
	Feeds       []string           `json:"feeds"`
	// OverlapStart / OverlapEnd span every pairwise overlap in the group.
	OverlapStart time.Time `json:"overlap_start"`
	OverlapEnd   time.Time `json:"overlap_end"`
	Severity     Severity  `json:"severity"`
}

// Stats summarizes a report.
type Stats struct {
	TotalOccurrences       int              `json:"total_occurrences"`
	ConflictingOccurrences int              `json:"conflicting_occurrences"`
	Groups                 int              `json:"groups"`
	BySeverity             map[Severity]int `json:"by_severity"`
	// ConflictPercentage is ConflictingOccurrences over TotalOccurrences,
	// in percent, rounded to one decimal.
	ConflictPercentage float64 `json:"conflict_percentage"`
}

// Report is the result of one detection run.
type Report struct {
	Window model.Window `json:"window"`
	Groups []Group      `json:"groups"`
	Stats  Stats        `json:"stats"`

	Recommendations []string `json:"recommendations"`
}

// DetectSnapshot runs Detect over every feed of snap.
func DetectSnapshot(snap *index.Snapshot, w model.Window, opts Options) Report {
	return Detect(snap.All(), w, opts)
}

// Detect finds conflict groups among occs inside w. The result is ordered by
// OverlapStart and is deterministic for a given input.
func Detect(occs []model.Occurrence, w model.Window, opts Options) Report {
	rep := Report{
		Window: w,
		Groups: []Group{},
		Stats:  Stats{BySeverity: map[Severity]int{}},
	}

	cands := make([]model.Occurrence, 0, len(occs))
	for _, o := range occs {
		if !o.Overlaps(w.From, w.Until) {
			continue
		}
		rep.Stats.TotalOccurrences++
		if o.IsMarker() || (o.AllDay && !opts.IncludeAllDay) {
			continue
		}
		cands = append(cands, o)
	}
	slices.SortFunc(cands, model.Compare)

	pairs, edges := sweep(cands, opts)
	if len(pairs) == 0 {
		return summarize(rep)
	}

	uf := newUnionFind(len(cands))
	for _, e := range edges {
		uf.union(e[0], e[1])
	}

	byRoot := make(map[int]*Group)
	var roots []int
	for i, p := range pairs {
		root := uf.find(edges[i][0])
		g, ok := byRoot[root]
		if !ok {
			g = &Group{OverlapStart: p.OverlapStart, OverlapEnd: p.OverlapEnd}
			byRoot[root] = g
			roots = append(roots, root)
		}
		g.Pairs = append(g.Pairs, p)
		if p.OverlapStart.Before(g.OverlapStart) {
			g.OverlapStart = p.OverlapStart
		}
		if p.OverlapEnd.After(g.OverlapEnd) {
			g.OverlapEnd = p.OverlapEnd
		}
		if p.Severity.Rank() > g.Severity.Rank() {
			g.Severity = p.Severity
		}
	}

	members := make(map[int][]int)
	for i := range cands {
		root := uf.find(i)
		if _, ok := byRoot[root]; ok {
			members[root] = append(members[root], i)
		}
	}

	for _, root := range roots {
		g := byRoot[root]
		for _, i := range members[root] {
			g.Occurrences = append(g.Occurrences, cands[i])
			if !slices.Contains(g.Feeds, cands[i].FeedID) {
				g.Feeds = append(g.Feeds, cands[i].FeedID)
			}
		}
		slices.Sort(g.Feeds)
		if len(g.Feeds) < 2 && !opts.SameFeed {
			continue
		}
		if g.Severity.Rank() < opts.MinSeverity.Rank() {
			continue
		}
		rep.Groups = append(rep.Groups, *g)
	}

	slices.SortStableFunc(rep.Groups, func(a, b Group) int {
		if c := a.OverlapStart.Compare(b.OverlapStart); c != 0 {
			return c
		}
		return model.Compare(a.Occurrences[0], b.Occurrences[0])
	})

	return summarize(rep)
}

// summarize fills Stats and Recommendations from rep.Groups.
func summarize(rep Report) Report {
	for _, g := range rep.Groups {
		rep.Stats.ConflictingOccurrences += len(g.Occurrences)
		rep.Stats.BySeverity[g.Severity]++
	}
	rep.Stats.Groups = len(rep.Groups)
	if rep.Stats.TotalOccurrences > 0 {
		pct := float64(rep.Stats.ConflictingOccurrences) / float64(rep.Stats.TotalOccurrences) * 100
		rep.Stats.ConflictPercentage = math.Round(pct*10) / 10
	}
	rep.Recommendations = recommend(rep.Stats.BySeverity)
	return rep
}

// recommend turns the group counts per severity into short advice lines.
func recommend(by map[Severity]int) []string {
	major, moderate, minor := by[Major], by[Moderate], by[Minor]
	out := []string{}
	if major > 0 {
		out = append(out, fmt.Sprintf("%d major conflict(s) need immediate attention", major))
	}
	if major > 3 {
		out = append(out, "Consider rescheduling some meetings or delegating responsibilities")
	}
	if moderate > 5 {
		out = append(out, "Review the moderate conflicts to see if any can be adjusted")
	}
	if minor > 10 {
		out = append(out, "Many minor conflicts detected; the calendar may be over-scheduled")
	}
	if major == 0 && moderate == 0 {
		if minor > 0 {
			out = append(out, "Only minor conflicts found; the schedule looks manageable")
		} else {
			out = append(out, "No conflicts detected")
		}
	}
	return out
}

// sweep walks cands in start order keeping the occurrences still active at
// each start. It returns the accepted pairs and, for each, the indexes of its
// two occurrences.
func sweep(cands []model.Occurrence, opts Options) ([]Pair, [][2]int) {
	var (
		pairs  []Pair
		edges  [][2]int
		active []int
	)
	for j, o := range cands {
		active = slices.DeleteFunc(active, func(i int) bool {
			return !cands[i].End.After(o.Start)
		})
		for _, i := range active {
			p, ok := makePair(cands[i], o, opts)
			if ok {
				pairs = append(pairs, p)
				edges = append(edges, [2]int{i, j})
			}
		}
		active = append(active, j)
	}
	return pairs, edges
}

func makePair(a, b model.Occurrence, opts Options) (Pair, bool) {
	if a.AllDay && b.AllDay {
		return Pair{}, false
	}
	if a.FeedID == b.FeedID && !opts.SameFeed {
		return Pair{}, false
	}

	p := Pair{A: a, B: b, OverlapStart: b.Start, OverlapEnd: a.End}
	if b.End.Before(p.OverlapEnd) {
		p.OverlapEnd = b.End
	}
	overlap := p.Overlap()
	if overlap <= 0 || overlap < opts.MinOverlap {
		return Pair{}, false
	}

	shorter := min(a.Duration(), b.Duration())
	p.Ratio = float64(overlap) / float64(shorter)

	switch {
	case a.AllDay != b.AllDay:
		p.Kind, p.Severity = KindSameDay, Minor
	case a.Start.Equal(b.Start) && a.End.Equal(b.End):
		p.Kind, p.Severity = KindExact, classify(p.Ratio)
	default:
		p.Kind, p.Severity = KindTime, classify(p.Ratio)
	}
	return p, true
}
