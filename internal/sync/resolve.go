package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
)

// Resolution directives accepted by Engine.Resolve.
type ResolutionChoice string

const (
	KeepLocal       ResolutionChoice = "keep-local"
	KeepCloud       ResolutionChoice = "keep-cloud"
	KeepShare       ResolutionChoice = "keep-share"
	KeepAllRenamed  ResolutionChoice = "keep-all-renamed"
	conflictMarker                   = ".conflict-"
	conflictTimeFmt                  = "20060102150405"
)

// Choices lists every accepted directive.
var Choices = []ResolutionChoice{KeepLocal, KeepCloud, KeepShare, KeepAllRenamed}

func ParseChoice(s string) (ResolutionChoice, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "local", "cloud", "share":
		s = "keep-" + s
	case "all", "both", "renamed", "keep-all":
		s = string(KeepAllRenamed)
	}
	for _, c := range Choices {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Location returns the location a keep-X directive keeps.
func (c ResolutionChoice) Location() (provider.Location, bool) {
	switch c {
	case KeepLocal:
		return provider.LocationLocal, true
	case KeepCloud:
		return provider.LocationCloud, true
	case KeepShare:
		return provider.LocationShare, true
	}
	return "", false
}

// Directive resolves exactly one pending conflict.
type Directive struct {
	Path       string
	Resolution ResolutionChoice
}

// ResolveResult reports what a directive did.
type ResolveResult struct {
	Path       string              `json:"path" yaml:"path"`
	Resolution ResolutionChoice    `json:"resolution" yaml:"resolution"`
	Kept       string              `json:"kept,omitempty" yaml:"kept,omitempty"`
	Renamed    []string            `json:"renamed,omitempty" yaml:"renamed,omitempty"`
	Updated    []provider.Location `json:"updated,omitempty" yaml:"updated,omitempty"`
}

// Resolve applies a directive to a pending conflict. The locations are listed again so the
// directive acts on their current content, not on what was seen when the conflict was detected.
func (e *Engine) Resolve(ctx context.Context, d Directive) (*ResolveResult, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := provider.NormalizePath(d.Path)
	if err != nil {
		return nil, err
	}
	conflict, err := e.store.Conflict(ctx, p)
	if err != nil {
		return nil, err
	}
	if conflict == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchConflict, p)
	}

	snapshots, excluded, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	base, err := e.store.Get(ctx, p)
	if err != nil {
		return nil, err
	}

	obs := make(Observations, len(snapshots))
	for _, snap := range snapshots {
		obs[snap.Location] = statestore.FromFileInfo(snap.Files[p])
	}

	result := &ResolveResult{Path: p, Resolution: d.Resolution}
	if loc, ok := d.Resolution.Location(); ok {
		err = e.keep(ctx, p, loc, base, obs, excluded, result)
	} else if d.Resolution == KeepAllRenamed {
		err = e.keepAll(ctx, p, base, obs, snapshots, excluded, conflict, result)
	} else {
		err = fmt.Errorf("unknown resolution %q", d.Resolution)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.DeleteConflict(context.WithoutCancel(ctx), p); err != nil {
		return result, err
	}
	slog.Info("conflict resolved", "path", p, "resolution", d.Resolution, "updated", joinLocations(result.Updated))
	return result, nil
}

// keep makes every active location match loc, removing the file where loc no longer has it.
func (e *Engine) keep(ctx context.Context, p string, loc provider.Location, base *statestore.SyncState, obs Observations, excluded []Exclusion, result *ResolveResult) error {
	kept, active := obs[loc]
	if !active {
		return fmt.Errorf("%w: %s (%s)", ErrLocationExcluded, loc, reasonFor(excluded, loc))
	}

	item := &PlanItem{
		Path:     p,
		Reason:   fmt.Sprintf("conflict resolved, keeping %s", loc),
		Observed: obs,
		Baseline: base,
		Desired:  kept,
	}
	for _, l := range obs.Locations() {
		cur := obs[l]
		switch {
		case cur.Same(kept) && kept.Present:
			item.Sources = append(item.Sources, l)
		case cur.Same(kept):
		case kept.Present || cur.Present:
			item.Targets = append(item.Targets, l)
		}
	}
	// the kept location is the preferred source
	for i, s := range item.Sources {
		if s == loc {
			item.Sources[0], item.Sources[i] = item.Sources[i], item.Sources[0]
		}
	}

	switch {
	case len(item.Targets) == 0:
		item.Action = ActionNoop
	case kept.Present:
		item.Action = ActionTransfer
		item.Hash = kept.Hash
	default:
		item.Action = ActionDelete
	}
	if kept.Present {
		result.Kept = kept.Hash
	}

	if err := e.applyOne(ctx, item); err != nil {
		return err
	}
	result.Updated = item.Targets
	return nil
}

// keepAll writes every distinct version under a name that records where it came from,
// then removes the conflicted path everywhere.
func (e *Engine) keepAll(ctx context.Context, p string, base *statestore.SyncState, obs Observations, snapshots []*Snapshot, excluded []Exclusion, conflict *statestore.Conflict, result *ResolveResult) error {
	// versions held by a location that is unreachable now would be lost
	for loc, seen := range conflict.Observations {
		if _, active := obs[loc]; !active && seen.Present {
			return fmt.Errorf("%w: %s holds a version of %s (%s)", ErrLocationExcluded, loc, p, reasonFor(excluded, loc))
		}
	}

	taken := mapset.NewThreadUnsafeSet[string]()
	for _, snap := range snapshots {
		for name := range snap.Files {
			taken.Add(name)
		}
	}

	seenHash := make(map[string]bool)
	now := time.Now()
	var copies []*PlanItem
	for _, loc := range obs.Locations() {
		cur := obs[loc]
		if !cur.Present || seenHash[cur.Hash] {
			continue
		}
		seenHash[cur.Hash] = true

		name := ConflictName(p, loc, time.Time{})
		if taken.Contains(name) {
			name = ConflictName(p, loc, now)
		}
		if taken.Contains(name) {
			return fmt.Errorf("cannot pick a free name for the %s version of %s", loc, p)
		}
		taken.Add(name)

		copyObs := make(Observations, len(snapshots))
		for _, snap := range snapshots {
			copyObs[snap.Location] = statestore.Absent
		}
		copies = append(copies, &PlanItem{
			Path:       name,
			SourcePath: p,
			Action:     ActionTransfer,
			Reason:     fmt.Sprintf("conflict copy of %s from %s", p, loc),
			Hash:       cur.Hash,
			Sources:    []provider.Location{loc},
			Targets:    obs.Locations(),
			Observed:   copyObs,
			Desired:    cur,
		})
	}

	for _, item := range copies {
		if err := e.applyOne(ctx, item); err != nil {
			return err
		}
		result.Renamed = append(result.Renamed, item.Path)
	}

	remove := &PlanItem{
		Path:     p,
		Reason:   "conflict resolved, versions kept under new names",
		Observed: obs,
		Baseline: base,
		Desired:  statestore.Absent,
	}
	for _, loc := range obs.Locations() {
		if obs[loc].Present {
			remove.Targets = append(remove.Targets, loc)
		}
	}
	remove.Action = ActionDelete
	if len(remove.Targets) == 0 {
		remove.Action = ActionNoop
	}
	if err := e.applyOne(ctx, remove); err != nil {
		return err
	}
	result.Updated = obs.Locations()
	return nil
}

func (e *Engine) applyOne(ctx context.Context, item *PlanItem) error {
	if item.Action == ActionNoop {
		item.State = noopStateChange(item)
	}
	res, err := e.executor.apply(ctx, item, newRunProgress(nil, ""))
	if res == resultFailed {
		return fmt.Errorf("resolve %s: %w", item.Path, err)
	}
	return ctx.Err()
}

// ConflictName returns `dir/stem.conflict-<location><ext>`, with a timestamp before the
// extension when at is set.
func ConflictName(p string, loc provider.Location, at time.Time) string {
	dir, file := path.Split(p)
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	if stem == "" {
		// dotfile such as `.project`
		stem, ext = file, ""
	}

	name := stem + conflictMarker + string(loc)
	if !at.IsZero() {
		name += "." + at.Format(conflictTimeFmt)
	}
	return dir + name + ext
}

// IsConflictName reports whether p was produced by ConflictName.
func IsConflictName(p string) bool {
	return strings.Contains(path.Base(p), conflictMarker)
}

func reasonFor(excluded []Exclusion, loc provider.Location) string {
	for _, ex := range excluded {
		if ex.Location == loc {
			return ex.Reason
		}
	}
	return "not configured"
}
