package sync

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
)

// Snapshot is the listing of one active location taken at the start of a run.
type Snapshot struct {
	Location provider.Location
	Files    map[string]*provider.FileInfo
	TakenAt  time.Time
}

func NewSnapshot(loc provider.Location, files []*provider.FileInfo) *Snapshot {
	return &Snapshot{
		Location: loc,
		Files:    provider.ByPath(files),
		TakenAt:  time.Now(),
	}
}

// BuildPlan decides an action for every path in the union of the snapshots and the state store.
// Excluded locations have no snapshot: they are neither sources nor targets, and their baselines
// are carried over untouched.
func BuildPlan(snapshots []*Snapshot, excluded []Exclusion, states map[string]*statestore.SyncState, knownBefore int) *Plan {
	plan := &Plan{
		Excluded:    excluded,
		KnownBefore: knownBefore,
	}
	for _, snap := range snapshots {
		plan.Active = append(plan.Active, snap.Location)
	}
	sortLocations(plan.Active)

	paths := mapset.NewThreadUnsafeSet[string]()
	for _, snap := range snapshots {
		for p := range snap.Files {
			paths.Add(p)
		}
	}
	for p := range states {
		paths.Add(p)
	}

	sorted := paths.ToSlice()
	sort.Strings(sorted)

	plan.Items = make([]*PlanItem, 0, len(sorted))
	for _, p := range sorted {
		obs := make(Observations, len(snapshots))
		for _, snap := range snapshots {
			obs[snap.Location] = statestore.FromFileInfo(snap.Files[p])
		}
		plan.Items = append(plan.Items, planItem(p, states[p], obs))
	}

	return plan
}

func planItem(path string, base *statestore.SyncState, obs Observations) *PlanItem {
	res := Classify(base, obs)
	item := &PlanItem{
		Path:     path,
		Reason:   res.Reason,
		Observed: obs,
		Baseline: base,
		Desired:  res.Desired,
	}

	switch res.Kind {
	case KindConflict:
		item.Action = ActionConflict
		item.Targets = res.Changed
	case KindPropagate:
		item.Hash = res.Desired.Hash
		item.Sources = res.Sources
		item.Targets = res.Targets
		if res.Desired.Present {
			item.Action = ActionTransfer
			item.State = StateRecord
		} else {
			item.Action = ActionDelete
			item.State = StateForget
			if nextState(item, removedAt(res.Targets)) != nil {
				// tombstone, an excluded location still holds the file
				item.State = StateRecord
			}
		}
	default:
		item.Action = ActionNoop
		item.Hash = res.Desired.Hash
		item.Sources = res.Sources
		item.State = noopStateChange(item)
	}
	return item
}

func noopStateChange(item *PlanItem) StateChange {
	next := nextState(item, nil)
	switch {
	case next == nil && item.Baseline == nil:
		return StateKeep
	case next == nil:
		return StateForget
	case item.Baseline == nil:
		return StateRecord
	case !sameRow(item.Baseline, next):
		return StateRecord
	}
	return StateKeep
}

// nextState is the row to store once item has been applied. committed holds what the executor
// wrote (or removed) per location. A nil result means the path should be forgotten.
func nextState(item *PlanItem, committed map[provider.Location]statestore.LocationState) *statestore.SyncState {
	desired := item.Desired
	st := statestore.NewSyncState(item.Path, "")
	if desired.Present {
		st.Hash = desired.Hash
	}

	if item.Baseline != nil {
		for loc, entry := range item.Baseline.Locations {
			if _, active := item.Observed[loc]; !active {
				st.Locations[loc] = entry
			}
		}
	}

	for loc, cur := range item.Observed {
		if c, ok := committed[loc]; ok {
			st.Locations[loc] = c
			continue
		}
		if cur.Same(desired) {
			st.Locations[loc] = cur
			continue
		}
		if entry, ok := item.Baseline.Entry(loc); ok {
			st.Locations[loc] = entry
		}
	}

	if !desired.Present && len(st.Presence()) == 0 {
		return nil
	}
	return st
}

func removedAt(locs []provider.Location) map[provider.Location]statestore.LocationState {
	m := make(map[provider.Location]statestore.LocationState, len(locs))
	for _, loc := range locs {
		m[loc] = statestore.Absent
	}
	return m
}

// sameRow compares two rows by agreed hash and per-location presence and content.
func sameRow(a, b *statestore.SyncState) bool {
	if a.Hash != b.Hash || len(a.Locations) != len(b.Locations) {
		return false
	}
	for loc, ea := range a.Locations {
		eb, ok := b.Locations[loc]
		if !ok || !ea.Same(eb) {
			return false
		}
	}
	return true
}
