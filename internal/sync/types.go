package sync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")
	ErrDeletionBlocked    = errors.New("deletion safety check blocked the run")
	ErrNoLocations        = errors.New("no locations configured")
	ErrNoSuchConflict     = errors.New("no pending conflict for path")
	ErrLocationExcluded   = errors.New("location unavailable for this run")
)

// Action is what the executor does for one path.
type Action string

const (
	ActionNoop     Action = "noop"
	ActionTransfer Action = "transfer"
	ActionDelete   Action = "delete"
	ActionConflict Action = "conflict"
)

// StateChange is the state store write a no-op item still needs.
type StateChange string

const (
	StateKeep   StateChange = ""
	StateRecord StateChange = "record"
	StateForget StateChange = "forget"
)

// Observations holds what each active location currently has for one path.
// A location that does not hold the file maps to statestore.Absent.
type Observations map[provider.Location]statestore.LocationState

// Locations returns the observed locations in location order.
func (o Observations) Locations() []provider.Location {
	locs := make([]provider.Location, 0, len(o))
	for loc := range o {
		locs = append(locs, loc)
	}
	sortLocations(locs)
	return locs
}

// PlanItem is the decision for one path. Items are immutable once the plan is built.
type PlanItem struct {
	Path   string `json:"path" yaml:"path"`
	Action Action `json:"action" yaml:"action"`
	Reason string `json:"reason" yaml:"reason"`

	// Hash is the content every location should end up with. Empty when the file should be gone.
	Hash    string              `json:"hash,omitempty" yaml:"hash,omitempty"`
	Sources []provider.Location `json:"sources,omitempty" yaml:"sources,omitempty"`
	Targets []provider.Location `json:"targets,omitempty" yaml:"targets,omitempty"`
	State   StateChange         `json:"state,omitempty" yaml:"state,omitempty"`

	// SourcePath differs from Path when a conflict copy is written under a new name.
	SourcePath string `json:"sourcePath,omitempty" yaml:"sourcePath,omitempty"`

	Observed Observations             `json:"observed" yaml:"observed"`
	Baseline *statestore.SyncState    `json:"-" yaml:"-"`
	Desired  statestore.LocationState `json:"-" yaml:"-"`
}

// PullFrom is the preferred source of a transfer.
func (p *PlanItem) PullFrom() (provider.Location, bool) {
	if p.Action != ActionTransfer || len(p.Sources) == 0 {
		return "", false
	}
	return p.Sources[0], true
}

// PushTo lists the locations a transfer writes to.
func (p *PlanItem) PushTo() []provider.Location {
	if p.Action != ActionTransfer {
		return nil
	}
	return p.Targets
}

// DeleteAt lists the locations a delete removes the file from.
func (p *PlanItem) DeleteAt() []provider.Location {
	if p.Action != ActionDelete {
		return nil
	}
	return p.Targets
}

func (p *PlanItem) source() string {
	if p.SourcePath != "" {
		return p.SourcePath
	}
	return p.Path
}

func (p *PlanItem) String() string {
	switch p.Action {
	case ActionTransfer:
		return fmt.Sprintf("%s %s %s -> %s", p.Action, p.Path, joinLocations(p.Sources), joinLocations(p.Targets))
	case ActionDelete:
		return fmt.Sprintf("%s %s at %s", p.Action, p.Path, joinLocations(p.Targets))
	}
	return fmt.Sprintf("%s %s", p.Action, p.Path)
}

// Exclusion is a location left out of a run.
type Exclusion struct {
	Location provider.Location `json:"location" yaml:"location"`
	Reason   string            `json:"reason" yaml:"reason"`
}

// Plan is computed fresh per run and never persisted.
type Plan struct {
	Items    []*PlanItem         `json:"items" yaml:"items"`
	Active   []provider.Location `json:"active" yaml:"active"`
	Excluded []Exclusion         `json:"excluded,omitempty" yaml:"excluded,omitempty"`

	// KnownBefore is the number of state store rows before the run, the guard's denominator.
	KnownBefore int `json:"knownBefore" yaml:"knownBefore"`
}

func (p *Plan) TotalFiles() int {
	return len(p.Items)
}

func (p *Plan) Count(action Action) int {
	n := 0
	for _, it := range p.Items {
		if it.Action == action {
			n++
		}
	}
	return n
}

// DeletionCount counts items that delete at one or more locations.
func (p *Plan) DeletionCount() int {
	return p.Count(ActionDelete)
}

// DeletionRatio is DeletionCount over KnownBefore. It is 1 when nothing was known but something would be deleted.
func (p *Plan) DeletionRatio() float64 {
	n := p.DeletionCount()
	if n == 0 {
		return 0
	}
	if p.KnownBefore == 0 {
		return 1
	}
	return float64(n) / float64(p.KnownBefore)
}

// DeletionsAt counts planned deletions per location.
func (p *Plan) DeletionsAt() map[provider.Location]int {
	out := make(map[provider.Location]int)
	for _, it := range p.Items {
		for _, loc := range it.DeleteAt() {
			out[loc]++
		}
	}
	return out
}

// Changes returns the items that touch a provider, sorted by path.
func (p *Plan) Changes() []*PlanItem {
	var out []*PlanItem
	for _, it := range p.Items {
		if it.Action == ActionTransfer || it.Action == ActionDelete {
			out = append(out, it)
		}
	}
	return out
}

func (p *Plan) Conflicts() []*PlanItem {
	var out []*PlanItem
	for _, it := range p.Items {
		if it.Action == ActionConflict {
			out = append(out, it)
		}
	}
	return out
}

// Empty reports a plan that neither touches providers nor writes state.
func (p *Plan) Empty() bool {
	for _, it := range p.Items {
		if it.Action != ActionNoop || it.State != StateKeep {
			return false
		}
	}
	return true
}

func (p *Plan) IsExcluded(loc provider.Location) bool {
	for _, ex := range p.Excluded {
		if ex.Location == loc {
			return true
		}
	}
	return false
}

// Failure is a per-file error. The path's state was left untouched.
type Failure struct {
	Path  string `json:"path" yaml:"path"`
	Error string `json:"error" yaml:"error"`
}

// Result summarizes a run.
type Result struct {
	RunID      string                 `json:"runId" yaml:"runId"`
	Started    time.Time              `json:"started" yaml:"started"`
	Finished   time.Time              `json:"finished" yaml:"finished"`
	Synced     int                    `json:"synced" yaml:"synced"`
	Skipped    int                    `json:"skipped" yaml:"skipped"`
	Conflicted int                    `json:"conflicted" yaml:"conflicted"`
	Failed     int                    `json:"failed" yaml:"failed"`
	Failures   []Failure              `json:"failures,omitempty" yaml:"failures,omitempty"`
	Conflicts  []*statestore.Conflict `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Excluded   []Exclusion            `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Block      *BlockReport           `json:"block,omitempty" yaml:"block,omitempty"`
	Cancelled  bool                   `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
}

func (r *Result) Status() statestore.RunStatus {
	switch {
	case r.Cancelled:
		return statestore.RunCancelled
	case r.Failed > 0:
		return statestore.RunPartial
	}
	return statestore.RunCompleted
}

func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func sortLocations(locs []provider.Location) {
	sort.Slice(locs, func(i, j int) bool { return locs[i].Rank() < locs[j].Rank() })
}

func joinLocations(locs []provider.Location) string {
	parts := make([]string, len(locs))
	for i, l := range locs {
		parts[i] = string(l)
	}
	return strings.Join(parts, ",")
}
