package statestore

import (
	"sort"
	"time"

	"github.com/uvcad/cadsync/internal/provider"
)

// LocationState is what one location held for a path when it was last synced or observed.
type LocationState struct {
	Present bool      `json:"present" yaml:"present"`
	Hash    string    `json:"hash,omitempty" yaml:"hash,omitempty"`
	Size    int64     `json:"size,omitempty" yaml:"size,omitempty"`
	ModTime time.Time `json:"modTime,omitempty" yaml:"modTime,omitempty"`
}

// Absent is the state of a location that does not hold the file.
var Absent = LocationState{}

// Same reports whether two observations describe the same content (or both absence).
func (l LocationState) Same(o LocationState) bool {
	if l.Present != o.Present {
		return false
	}
	return !l.Present || l.Hash == o.Hash
}

// FromFileInfo converts a listing entry. nil means absent.
func FromFileInfo(fi *provider.FileInfo) LocationState {
	if fi == nil {
		return Absent
	}
	return LocationState{Present: true, Hash: fi.Hash, Size: fi.Size, ModTime: fi.ModTime}
}

// SyncState is the last agreed state of one path.
//
// Hash is the content every location converged on. It is empty for a tombstone: the path was
// deleted but a location that still holds it was unreachable at the time.
type SyncState struct {
	Path      string                              `json:"path" yaml:"path"`
	Hash      string                              `json:"hash" yaml:"hash"`
	SyncedAt  time.Time                           `json:"syncedAt" yaml:"syncedAt"`
	Locations map[provider.Location]LocationState `json:"locations" yaml:"locations"`
}

func NewSyncState(path, hash string) *SyncState {
	return &SyncState{
		Path:      path,
		Hash:      hash,
		SyncedAt:  time.Now().UTC(),
		Locations: make(map[provider.Location]LocationState),
	}
}

// Tombstone reports a pending deletion.
func (s *SyncState) Tombstone() bool {
	return s.Hash == ""
}

// Presence returns the locations last known to hold the file, in location order.
func (s *SyncState) Presence() []provider.Location {
	var out []provider.Location
	for loc, st := range s.Locations {
		if st.Present {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// Entry returns the baseline of loc and whether one exists.
func (s *SyncState) Entry(loc provider.Location) (LocationState, bool) {
	if s == nil {
		return Absent, false
	}
	st, ok := s.Locations[loc]
	return st, ok
}

func (s *SyncState) Clone() *SyncState {
	c := *s
	c.Locations = make(map[provider.Location]LocationState, len(s.Locations))
	for k, v := range s.Locations {
		c.Locations[k] = v
	}
	return &c
}

// Conflict is a path whose locations diverged incompatibly, waiting for a resolution directive.
type Conflict struct {
	Path         string                              `json:"path" yaml:"path"`
	BaseHash     string                              `json:"baseHash,omitempty" yaml:"baseHash,omitempty"`
	Observations map[provider.Location]LocationState `json:"observations" yaml:"observations"`
	Reason       string                              `json:"reason" yaml:"reason"`
	DetectedAt   time.Time                           `json:"detectedAt" yaml:"detectedAt"`
}

// RunStatus is the outcome recorded in the run history.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Run is one row of the sync history.
type Run struct {
	ID         string              `json:"id" yaml:"id"`
	Host       string              `json:"host" yaml:"host"`
	StartedAt  time.Time           `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt" yaml:"finishedAt"`
	Status     RunStatus           `json:"status" yaml:"status"`
	Synced     int                 `json:"synced" yaml:"synced"`
	Skipped    int                 `json:"skipped" yaml:"skipped"`
	Conflicted int                 `json:"conflicted" yaml:"conflicted"`
	Failed     int                 `json:"failed" yaml:"failed"`
	Excluded   []provider.Location `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Error      string              `json:"error,omitempty" yaml:"error,omitempty"`
}
