package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
)

const (
	L = provider.LocationLocal
	C = provider.LocationCloud
	S = provider.LocationShare
)

var absent = statestore.Absent

func at(hash string) statestore.LocationState {
	return statestore.LocationState{Present: true, Hash: hash, Size: int64(len(hash))}
}

// baseline builds a state row. Locations not listed have no entry.
func baseline(hash string, entries map[provider.Location]statestore.LocationState) *statestore.SyncState {
	st := statestore.NewSyncState("part.sldprt", hash)
	for loc, e := range entries {
		st.Locations[loc] = e
	}
	return st
}

func syncedEverywhere(hash string) *statestore.SyncState {
	return baseline(hash, map[provider.Location]statestore.LocationState{L: at(hash), C: at(hash), S: at(hash)})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		base    *statestore.SyncState
		obs     Observations
		kind    Kind
		desired statestore.LocationState
		sources []provider.Location
		targets []provider.Location
		reason  string
	}{
		{
			name:    "unknown and absent",
			obs:     Observations{L: absent, C: absent, S: absent},
			kind:    KindNoop,
			desired: absent,
		},
		{
			name:    "new at one location",
			obs:     Observations{L: at("h1"), C: absent, S: absent},
			kind:    KindPropagate,
			desired: at("h1"),
			sources: []provider.Location{L},
			targets: []provider.Location{C, S},
			reason:  "new at local",
		},
		{
			name:    "first seen identical everywhere",
			obs:     Observations{L: at("h1"), C: at("h1"), S: at("h1")},
			kind:    KindNoop,
			desired: at("h1"),
			sources: []provider.Location{L, C, S},
			reason:  "identical at every location",
		},
		{
			name:    "first seen identical at two, gap at third",
			obs:     Observations{L: at("h1"), C: absent, S: at("h1")},
			kind:    KindPropagate,
			desired: at("h1"),
			sources: []provider.Location{L, S},
			targets: []provider.Location{C},
		},
		{
			name:   "first seen with different content",
			obs:    Observations{L: at("h1"), C: at("h2"), S: absent},
			kind:   KindConflict,
			reason: "first seen with different content at local,cloud",
		},
		{
			name:    "unchanged",
			base:    syncedEverywhere("h0"),
			obs:     Observations{L: at("h0"), C: at("h0"), S: at("h0")},
			kind:    KindNoop,
			desired: at("h0"),
			sources: []provider.Location{L, C, S},
			reason:  "unchanged",
		},
		{
			name:    "modified at one location",
			base:    syncedEverywhere("h0"),
			obs:     Observations{L: at("h1"), C: at("h0"), S: at("h0")},
			kind:    KindPropagate,
			desired: at("h1"),
			sources: []provider.Location{L},
			targets: []provider.Location{C, S},
			reason:  "modified at local",
		},
		{
			name:    "deleted at one location",
			base:    syncedEverywhere("h0"),
			obs:     Observations{L: at("h0"), C: at("h0"), S: absent},
			kind:    KindPropagate,
			desired: absent,
			targets: []provider.Location{L, C},
			reason:  "deleted at share",
		},
		{
			name:    "same edit at two locations",
			base:    syncedEverywhere("h0"),
			obs:     Observations{L: at("h1"), C: at("h1"), S: at("h0")},
			kind:    KindPropagate,
			desired: at("h1"),
			sources: []provider.Location{L, C},
			targets: []provider.Location{S},
		},
		{
			name:   "different edits",
			base:   syncedEverywhere("h0"),
			obs:    Observations{L: at("h1"), C: at("h2"), S: at("h0")},
			kind:   KindConflict,
			reason: "modified at local,cloud",
		},
		{
			name:   "edit against delete",
			base:   syncedEverywhere("h0"),
			obs:    Observations{L: at("h1"), C: absent, S: at("h0")},
			kind:   KindConflict,
			reason: "modified at local, deleted at cloud",
		},
		{
			name:    "deleted everywhere",
			base:    syncedEverywhere("h0"),
			obs:     Observations{L: absent, C: absent, S: absent},
			kind:    KindNoop,
			desired: absent,
		},
		{
			name:    "hash equal with different timestamps",
			base:    syncedEverywhere("h0"),
			obs:     Observations{L: statestore.LocationState{Present: true, Hash: "h0", ModTime: time.Now()}, C: at("h0"), S: at("h0")},
			kind:    KindNoop,
			desired: at("h0"),
			sources: []provider.Location{L, C, S},
		},
		{
			name:    "edit converges while one location is excluded",
			base:    syncedEverywhere("h0"),
			obs:     Observations{L: at("h1"), S: at("h0")},
			kind:    KindPropagate,
			desired: at("h1"),
			sources: []provider.Location{L},
			targets: []provider.Location{S},
		},
		{
			name:    "catch-up of a location with no entry",
			base:    baseline("h1", map[provider.Location]statestore.LocationState{L: at("h1"), C: at("h1")}),
			obs:     Observations{L: at("h1"), C: at("h1"), S: at("h1")},
			kind:    KindNoop,
			desired: at("h1"),
			sources: []provider.Location{L, C, S},
		},
		{
			name:    "restore copy missing at a location that was excluded",
			base:    baseline("h1", map[provider.Location]statestore.LocationState{L: at("h1"), C: at("h1")}),
			obs:     Observations{L: at("h1"), C: at("h1"), S: absent},
			kind:    KindPropagate,
			desired: at("h1"),
			sources: []provider.Location{L, C},
			targets: []provider.Location{S},
			reason:  "restoring missing copies",
		},
		{
			name:    "location returns with its old version",
			base:    baseline("h1", map[provider.Location]statestore.LocationState{L: at("h1"), C: at("h1"), S: at("h0")}),
			obs:     Observations{L: at("h1"), C: at("h1"), S: at("h0")},
			kind:    KindPropagate,
			desired: at("h1"),
			sources: []provider.Location{L, C},
			targets: []provider.Location{S},
		},
		{
			name:   "location returns with an edit of its old version",
			base:   baseline("h1", map[provider.Location]statestore.LocationState{L: at("h1"), C: at("h1"), S: at("h0")}),
			obs:    Observations{L: at("h1"), C: at("h1"), S: at("h2")},
			kind:   KindConflict,
			reason: "modified at share; share was behind the last synced version",
		},
		{
			name:    "tombstone completed",
			base:    baseline("", map[provider.Location]statestore.LocationState{L: absent, C: absent, S: at("h0")}),
			obs:     Observations{L: absent, C: absent, S: at("h0")},
			kind:    KindPropagate,
			desired: absent,
			targets: []provider.Location{S},
			reason:  "completing earlier deletion",
		},
		{
			name:   "tombstone against an edit",
			base:   baseline("", map[provider.Location]statestore.LocationState{L: absent, C: absent, S: at("h0")}),
			obs:    Observations{L: absent, C: absent, S: at("h3")},
			kind:   KindConflict,
			reason: "modified at share; share changed after the file was deleted elsewhere",
		},
		{
			name:    "agreed content only at an excluded location",
			base:    baseline("h1", map[provider.Location]statestore.LocationState{L: at("h0"), C: at("h1")}),
			obs:     Observations{L: at("h0")},
			kind:    KindNoop,
			desired: at("h1"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(tt.base, tt.obs)
			assert.Equal(t, tt.kind, res.Kind)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, res.Reason)
			}
			if tt.kind == KindConflict {
				return
			}
			assert.True(t, tt.desired.Same(res.Desired), "desired %+v", res.Desired)
			assert.Equal(t, tt.sources, res.Sources)
			assert.Equal(t, tt.targets, res.Targets)
		})
	}
}

func TestClassify_ChangedSourcesFirst(t *testing.T) {
	// local already held h1 from an earlier partial run, share now changes to the same content
	base := baseline("h0", map[provider.Location]statestore.LocationState{L: at("h1"), C: at("h0"), S: at("h0")})
	res := Classify(base, Observations{L: at("h1"), C: at("h0"), S: at("h1")})

	assert.Equal(t, KindPropagate, res.Kind)
	assert.Equal(t, []provider.Location{S}, res.Changed)
	assert.Equal(t, []provider.Location{S, L}, res.Sources)
	assert.Equal(t, []provider.Location{C}, res.Targets)
}

func TestClassify_IsPure(t *testing.T) {
	base := syncedEverywhere("h0")
	obs := Observations{L: at("h1"), C: at("h0"), S: absent}
	before := base.Clone()

	first := Classify(base, obs)
	second := Classify(base, obs)

	assert.Equal(t, first, second)
	assert.Equal(t, before.Locations, base.Locations)
	assert.Equal(t, at("h1"), obs[L])
}
