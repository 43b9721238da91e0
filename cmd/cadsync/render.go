package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
	"github.com/uvcad/cadsync/internal/sync"
)

var (
	// https://github.com/muesli/termenv/blob/master/ansicolors.go
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pathStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	summaryBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("242")).Padding(0, 1)
	blockedBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("9")).Padding(0, 1)
	shortHashLen = 12
)

func shortHash(h string) string {
	if len(h) > shortHashLen {
		return h[:shortHashLen]
	}
	return h
}

func label(s string) string {
	return labelStyle.Render(s)
}

func renderPlan(w io.Writer, plan *sync.Plan, verdict sync.Verdict) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Plan"), label(fmt.Sprintf("(%s paths, %d known before)",
		humanize.Comma(int64(plan.TotalFiles())), plan.KnownBefore)))

	renderExcluded(w, plan.Excluded)

	changes := plan.Changes()
	for _, it := range changes {
		switch it.Action {
		case sync.ActionTransfer:
			from, _ := it.PullFrom()
			fmt.Fprintf(w, "  %s %s %s\n", okStyle.Render("copy  "), pathStyle.Render(it.Path),
				label(fmt.Sprintf("%s -> %s", from, joinLocs(it.PushTo()))))
		case sync.ActionDelete:
			fmt.Fprintf(w, "  %s %s %s\n", warnStyle.Render("delete"), pathStyle.Render(it.Path),
				label("at "+joinLocs(it.DeleteAt())))
		}
	}
	for _, it := range plan.Conflicts() {
		fmt.Fprintf(w, "  %s %s %s\n", errorStyle.Render("conflict"), pathStyle.Render(it.Path), label(it.Reason))
	}
	if len(changes) == 0 && len(plan.Conflicts()) == 0 {
		fmt.Fprintln(w, okStyle.Render("  everything is in sync"))
	}

	fmt.Fprintln(w, summaryBox.Render(fmt.Sprintf("%s %d  %s %d  %s %d",
		label("transfers"), plan.Count(sync.ActionTransfer),
		label("deletions"), plan.DeletionCount(),
		label("conflicts"), plan.Count(sync.ActionConflict))))

	if !verdict.Allowed && verdict.Report != nil {
		renderBlock(w, verdict.Report)
	}
}

func renderBlock(w io.Writer, report *sync.BlockReport) {
	fmt.Fprintln(w, blockedBox.Render(errorStyle.Bold(true).Render("Sync blocked")+"\n"+report.String()))
}

func renderExcluded(w io.Writer, excluded []sync.Exclusion) {
	for _, ex := range excluded {
		fmt.Fprintf(w, "  %s %s %s\n", warnStyle.Render("skipped"), string(ex.Location), label(ex.Reason))
	}
}

func renderResult(w io.Writer, r *sync.Result) {
	if r.Block != nil {
		renderExcluded(w, r.Excluded)
		renderBlock(w, r.Block)
		return
	}

	renderExcluded(w, r.Excluded)
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s %s\n", errorStyle.Render("failed"), pathStyle.Render(f.Path), label(f.Error))
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  %s %s %s\n", errorStyle.Render("conflict"), pathStyle.Render(c.Path), label(c.Reason))
	}

	status := okStyle.Render(string(r.Status()))
	if r.Status() != statestore.RunCompleted {
		status = warnStyle.Render(string(r.Status()))
	}
	fmt.Fprintln(w, summaryBox.Render(fmt.Sprintf("%s  %s %d  %s %d  %s %d  %s %d  %s %s",
		status,
		label("synced"), r.Synced,
		label("skipped"), r.Skipped,
		label("conflicts"), r.Conflicted,
		label("failed"), r.Failed,
		label("took"), r.Duration().Round(time.Millisecond))))

	if r.Conflicted > 0 {
		fmt.Fprintln(w, label("Run `cadsync resolve <path>` to settle conflicts."))
	}
}

func renderConflicts(w io.Writer, conflicts []*statestore.Conflict, now time.Time) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, okStyle.Render("No pending conflicts."))
		return
	}
	for _, c := range conflicts {
		fmt.Fprintf(w, "%s %s\n", pathStyle.Bold(true).Render(c.Path),
			label(fmt.Sprintf("detected %s", humanize.RelTime(c.DetectedAt, now, "ago", "from now"))))
		fmt.Fprintf(w, "  %s\n", c.Reason)
		for _, loc := range provider.Locations {
			obs, ok := c.Observations[loc]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %-6s %s\n", string(loc), describeObservation(obs, c.BaseHash, now))
		}
	}
}

func describeObservation(obs statestore.LocationState, base string, now time.Time) string {
	if !obs.Present {
		return warnStyle.Render("deleted")
	}
	parts := []string{
		shortHash(obs.Hash),
		humanize.IBytes(uint64(obs.Size)),
	}
	if !obs.ModTime.IsZero() {
		parts = append(parts, "modified "+humanize.RelTime(obs.ModTime, now, "ago", "from now"))
	}
	if base != "" && obs.Hash == base {
		parts = append(parts, label("unchanged"))
	}
	return strings.Join(parts, "  ")
}

func renderResolve(w io.Writer, r *sync.ResolveResult) {
	fmt.Fprintf(w, "%s %s %s\n", okStyle.Render("resolved"), pathStyle.Render(r.Path), label(string(r.Resolution)))
	for _, name := range r.Renamed {
		fmt.Fprintf(w, "  %s %s\n", label("kept as"), pathStyle.Render(name))
	}
	if len(r.Updated) > 0 {
		fmt.Fprintf(w, "  %s %s\n", label("updated"), joinLocs(r.Updated))
	}
}

// statusReport is what `cadsync status` prints.
type statusReport struct {
	Config    string           `json:"config" yaml:"config"`
	DataDir   string           `json:"dataDir" yaml:"dataDir"`
	Locations []locationStatus `json:"locations" yaml:"locations"`
	Tracked   int              `json:"tracked" yaml:"tracked"`
	Conflicts int              `json:"conflicts" yaml:"conflicts"`
	LastRun   *statestore.Run  `json:"lastRun,omitempty" yaml:"lastRun,omitempty"`
	Guard     sync.Guard       `json:"guard" yaml:"guard"`
}

type locationStatus struct {
	Location provider.Location `json:"location" yaml:"location"`
	Target   string            `json:"target" yaml:"target"`
}

func renderStatus(w io.Writer, s *statusReport, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render("cadsync"))
	fmt.Fprintf(w, "  %-10s %s\n", label("config"), s.Config)
	fmt.Fprintf(w, "  %-10s %s\n", label("data"), s.DataDir)
	for _, l := range s.Locations {
		fmt.Fprintf(w, "  %-10s %s\n", label(string(l.Location)), l.Target)
	}
	fmt.Fprintf(w, "  %-10s %s files\n", label("tracked"), humanize.Comma(int64(s.Tracked)))

	conflicts := okStyle.Render("none")
	if s.Conflicts > 0 {
		conflicts = errorStyle.Render(fmt.Sprintf("%d pending", s.Conflicts))
	}
	fmt.Fprintf(w, "  %-10s %s\n", label("conflicts"), conflicts)
	fmt.Fprintf(w, "  %-10s %d files or %.0f%%\n", label("guard"), s.Guard.MaxDeletes, s.Guard.MaxDeletePercent)

	if s.LastRun == nil {
		fmt.Fprintf(w, "  %-10s %s\n", label("last run"), "never")
		return
	}
	r := s.LastRun
	fmt.Fprintf(w, "  %-10s %s %s, %d synced, %d conflicts, %d failed\n", label("last run"),
		string(r.Status), humanize.RelTime(r.FinishedAt, now, "ago", "from now"), r.Synced, r.Conflicted, r.Failed)
	if len(r.Excluded) > 0 {
		fmt.Fprintf(w, "  %-10s %s\n", label("skipped"), joinLocs(r.Excluded))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  %-10s %s\n", label("error"), errorStyle.Render(r.Error))
	}
}

func joinLocs(locs []provider.Location) string {
	parts := make([]string, len(locs))
	for i, l := range locs {
		parts[i] = string(l)
	}
	return strings.Join(parts, ", ")
}
