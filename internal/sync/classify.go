package sync

import (
	"fmt"
	"sort"
	"strings"

	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
)

// Kind is the outcome of classifying one path.
type Kind string

const (
	KindNoop      Kind = "noop"
	KindPropagate Kind = "propagate"
	KindConflict  Kind = "conflict"
)

// Resolution is what Classify decided for one path.
type Resolution struct {
	Kind Kind
	// Desired is the state every active location should converge on. Unset for conflicts.
	Desired statestore.LocationState
	// Changed lists the locations whose observation differs from their baseline.
	Changed []provider.Location
	// Sources hold the desired content, changed locations first.
	Sources []provider.Location
	// Targets must be written (Desired present) or cleared (Desired absent).
	Targets []provider.Location
	Reason  string
}

// Classify compares the current observations of the active locations with the path's baseline.
//
// Each location is compared with its own last synced entry, so a location that was excluded from
// earlier runs is judged against what it held then, not against newer content it never saw.
// A location with no entry that is absent is a gap and does not vote. A location that moved to the
// agreed state on its own is a catch-up and does not vote either. Every other difference is a change;
// all changes must agree on the same value, otherwise the path is in conflict. A change made at a
// location that was already behind the agreed state is always a conflict.
//
// Classify does no I/O and maps every combination of inputs to noop, propagate or conflict.
func Classify(base *statestore.SyncState, obs Observations) Resolution {
	agreed, hasAgreed := agreedState(base)

	var (
		changed []provider.Location
		stale   []provider.Location
	)
	for _, loc := range obs.Locations() {
		cur := obs[loc]
		entry, hasEntry := base.Entry(loc)

		if hasEntry && entry.Same(cur) {
			continue
		}
		if !hasEntry && !cur.Present {
			continue
		}
		if hasAgreed && cur.Same(agreed) {
			continue
		}

		changed = append(changed, loc)
		if hasAgreed && (!hasEntry || !entry.Same(agreed)) {
			stale = append(stale, loc)
		}
	}

	if len(stale) > 0 {
		return Resolution{
			Kind:    KindConflict,
			Changed: changed,
			Reason:  conflictReason(base, obs, changed, stale),
		}
	}

	var desired statestore.LocationState
	switch {
	case len(changed) > 0:
		desired = obs[changed[0]]
		for _, loc := range changed[1:] {
			if !obs[loc].Same(desired) {
				return Resolution{
					Kind:    KindConflict,
					Changed: changed,
					Reason:  conflictReason(base, obs, changed, nil),
				}
			}
		}
	case hasAgreed:
		desired = agreed
	default:
		// unknown path absent everywhere
		return Resolution{Kind: KindNoop, Desired: statestore.Absent, Reason: "absent everywhere"}
	}

	res := Resolution{Desired: desired, Changed: changed}

	isChanged := make(map[provider.Location]bool, len(changed))
	for _, loc := range changed {
		isChanged[loc] = true
	}
	for _, loc := range obs.Locations() {
		cur := obs[loc]
		if cur.Same(desired) {
			if desired.Present {
				res.Sources = append(res.Sources, loc)
			}
			continue
		}
		if desired.Present || cur.Present {
			res.Targets = append(res.Targets, loc)
		}
	}
	sort.SliceStable(res.Sources, func(i, j int) bool {
		return isChanged[res.Sources[i]] && !isChanged[res.Sources[j]]
	})

	if desired.Present && len(res.Sources) == 0 {
		// only an excluded location holds the agreed content
		res.Targets = nil
	}

	if len(res.Targets) == 0 {
		res.Kind = KindNoop
		res.Reason = noopReason(base, changed, desired)
		return res
	}

	res.Kind = KindPropagate
	res.Reason = propagateReason(base, changed, desired)
	return res
}

// agreedState is the state the baseline says every location converged on.
func agreedState(base *statestore.SyncState) (statestore.LocationState, bool) {
	if base == nil {
		return statestore.Absent, false
	}
	if base.Tombstone() {
		return statestore.Absent, true
	}
	return statestore.LocationState{Present: true, Hash: base.Hash}, true
}

func noopReason(base *statestore.SyncState, changed []provider.Location, desired statestore.LocationState) string {
	switch {
	case base == nil && desired.Present:
		return "identical at every location"
	case len(changed) > 1:
		return fmt.Sprintf("identical change at %s", joinLocations(changed))
	case len(changed) == 1:
		return fmt.Sprintf("changed at %s, no other location to update", changed[0])
	case !desired.Present:
		return "already removed everywhere"
	}
	return "unchanged"
}

func propagateReason(base *statestore.SyncState, changed []provider.Location, desired statestore.LocationState) string {
	switch {
	case base == nil && len(changed) == 1:
		return fmt.Sprintf("new at %s", changed[0])
	case base == nil:
		return fmt.Sprintf("new and identical at %s", joinLocations(changed))
	case len(changed) == 0 && desired.Present:
		return "restoring missing copies"
	case len(changed) == 0:
		return "completing earlier deletion"
	case !desired.Present:
		return fmt.Sprintf("deleted at %s", joinLocations(changed))
	case len(changed) == 1:
		return fmt.Sprintf("modified at %s", changed[0])
	}
	return fmt.Sprintf("identical change at %s", joinLocations(changed))
}

func conflictReason(base *statestore.SyncState, obs Observations, changed, stale []provider.Location) string {
	if base == nil {
		return fmt.Sprintf("first seen with different content at %s", joinLocations(changed))
	}

	var deleted, modified []string
	for _, loc := range changed {
		if obs[loc].Present {
			modified = append(modified, string(loc))
		} else {
			deleted = append(deleted, string(loc))
		}
	}

	var parts []string
	if len(modified) > 0 {
		parts = append(parts, "modified at "+strings.Join(modified, ","))
	}
	if len(deleted) > 0 {
		parts = append(parts, "deleted at "+strings.Join(deleted, ","))
	}
	reason := strings.Join(parts, ", ")

	if len(stale) > 0 {
		if base.Tombstone() {
			reason += fmt.Sprintf("; %s changed after the file was deleted elsewhere", joinLocations(stale))
		} else {
			reason += fmt.Sprintf("; %s was behind the last synced version", joinLocations(stale))
		}
	}
	return reason
}
