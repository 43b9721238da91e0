package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
	"golang.org/x/sync/errgroup"
)

// StateStore is everything the engine needs from persistent state.
type StateStore interface {
	StateWriter
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, path string) (*statestore.SyncState, error)
	All(ctx context.Context) (map[string]*statestore.SyncState, error)
	Conflict(ctx context.Context, path string) (*statestore.Conflict, error)
	ReplaceConflicts(ctx context.Context, current []*statestore.Conflict) error
	DeleteConflict(ctx context.Context, path string) error
	RecordRun(ctx context.Context, run *statestore.Run) error
}

// Locker guards against a second process running at the same time. *flock.Flock satisfies it.
type Locker interface {
	TryLock() (bool, error)
	Unlock() error
}

// Config wires an engine. Providers lists the configured locations; Store is required.
// A zero Guard means DefaultGuard.
type Config struct {
	Providers []provider.Provider
	Store     StateStore
	Guard     Guard
	Workers   int
	SpoolDir  string
	Lock      Locker
	Host      string
}

// Engine runs sync passes over the configured locations. Runs are not reentrant.
type Engine struct {
	providers []provider.Provider
	store     StateStore
	guard     Guard
	executor  *Executor
	lock      Locker
	host      string
	progress  *progressHub

	muSync sync.Mutex
}

func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Providers) == 0 {
		return nil, ErrNoLocations
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a state store")
	}

	seen := make(map[provider.Location]bool)
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p == nil {
			continue
		}
		if seen[p.Location()] {
			return nil, fmt.Errorf("location %s configured twice", p.Location())
		}
		seen[p.Location()] = true
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, ErrNoLocations
	}

	guard := cfg.Guard
	if guard == (Guard{}) {
		guard = DefaultGuard()
	}

	spoolDir := cfg.SpoolDir
	if spoolDir == "" {
		spoolDir = os.TempDir()
	}

	return &Engine{
		providers: providers,
		store:     cfg.Store,
		guard:     guard,
		executor:  NewExecutor(providers, cfg.Store, cfg.Workers, spoolDir),
		lock:      cfg.Lock,
		host:      cfg.Host,
		progress:  &progressHub{},
	}, nil
}

// Subscribe returns a channel of progress events for every following run.
func (e *Engine) Subscribe() <-chan *ProgressEvent {
	return e.progress.subscribe()
}

// Unsubscribe closes a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch <-chan *ProgressEvent) {
	e.progress.unsubscribe(ch)
}

// Locations returns the configured locations in order.
func (e *Engine) Locations() []provider.Location {
	locs := make([]provider.Location, 0, len(e.providers))
	for _, p := range e.providers {
		locs = append(locs, p.Location())
	}
	sortLocations(locs)
	return locs
}

func (e *Engine) acquire() (func(), error) {
	if !e.muSync.TryLock() {
		return nil, ErrSyncAlreadyRunning
	}
	if e.lock == nil {
		return e.muSync.Unlock, nil
	}

	ok, err := e.lock.TryLock()
	if err != nil {
		e.muSync.Unlock()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		e.muSync.Unlock()
		return nil, ErrSyncAlreadyRunning
	}
	return func() {
		if err := e.lock.Unlock(); err != nil {
			slog.Warn("release run lock", "error", err)
		}
		e.muSync.Unlock()
	}, nil
}

// Run performs one sync pass: snapshot, plan, guard, execute, record.
//
// A blocked plan returns the result with its BlockReport and ErrDeletionBlocked; nothing is written.
// A state store failure aborts the run. Per-file failures and conflicts are reported in the result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	result := &Result{RunID: uuid.NewString(), Started: time.Now()}
	prog := newRunProgress(e.progress, result.RunID)
	slog.Info("sync start", "run", result.RunID, "locations", joinLocations(e.Locations()))

	plan, err := e.plan(ctx, prog)
	if err != nil {
		return nil, err
	}
	result.Excluded = plan.Excluded

	if verdict := e.guard.Evaluate(plan); !verdict.Allowed {
		result.Block = verdict.Report
		result.Finished = time.Now()
		slog.Warn("sync blocked", "run", result.RunID, "deletions", verdict.Report.Deletions, "known", verdict.Report.KnownBefore)
		return result, verdict.Err()
	}

	outcome, execErr := e.executor.Execute(ctx, plan, prog)
	result.Synced = outcome.Synced
	result.Skipped = outcome.Skipped
	result.Conflicted = outcome.Conflicted
	result.Failed = len(outcome.Failures)
	result.Failures = outcome.Failures
	result.Cancelled = outcome.Cancelled
	if execErr != nil {
		result.Finished = time.Now()
		e.recordRun(result, execErr)
		return result, execErr
	}

	// persisted even when cancelled, items that did run are already in the state store
	conflicts := conflictsOf(plan, result.Started)
	if err := e.store.ReplaceConflicts(context.WithoutCancel(ctx), conflicts); err != nil {
		return result, err
	}
	result.Conflicts = conflicts
	result.Finished = time.Now()

	e.recordRun(result, nil)
	prog.complete()

	slog.Info("sync done",
		"run", result.RunID,
		"synced", result.Synced,
		"skipped", result.Skipped,
		"conflicts", result.Conflicted,
		"failed", result.Failed,
		"excluded", len(result.Excluded),
		"took", result.Duration(),
	)

	if result.Cancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// Plan computes the plan and the guard's verdict without changing anything.
func (e *Engine) Plan(ctx context.Context) (*Plan, Verdict, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, Verdict{}, err
	}
	defer release()

	plan, err := e.plan(ctx, newRunProgress(e.progress, uuid.NewString()))
	if err != nil {
		return nil, Verdict{}, err
	}
	return plan, e.guard.Evaluate(plan), nil
}

func (e *Engine) plan(ctx context.Context, prog *runProgress) (*Plan, error) {
	prog.step(OpScanning, "")

	snapshots, excluded, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	known, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	states, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	plan := BuildPlan(snapshots, excluded, states, known)
	slog.Debug("sync plan",
		"items", plan.TotalFiles(),
		"transfers", plan.Count(ActionTransfer),
		"deletes", plan.Count(ActionDelete),
		"conflicts", plan.Count(ActionConflict),
		"known", known,
		"took", time.Since(start),
	)
	return plan, nil
}

// snapshot lists every provider concurrently. A location whose listing fails is excluded;
// it is never treated as empty.
func (e *Engine) snapshot(ctx context.Context) ([]*Snapshot, []Exclusion, error) {
	var (
		mu        sync.Mutex
		snapshots []*Snapshot
		excluded  []Exclusion
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range e.providers {
		g.Go(func() error {
			start := time.Now()
			files, err := p.List(gctx)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				slog.Warn("sync location excluded", "location", p.Location(), "error", err)
				mu.Lock()
				excluded = append(excluded, Exclusion{Location: p.Location(), Reason: exclusionReason(err)})
				mu.Unlock()
				return nil
			}

			slog.Debug("sync snapshot", "location", p.Location(), "files", len(files), "took", time.Since(start))
			mu.Lock()
			snapshots = append(snapshots, NewSnapshot(p.Location(), files))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	sortSnapshots(snapshots)
	sortExclusions(excluded)
	return snapshots, excluded, nil
}

func exclusionReason(err error) string {
	switch {
	case errors.Is(err, provider.ErrUnavailable):
		return "unavailable: " + err.Error()
	case errors.Is(err, provider.ErrPermissionDenied):
		return "permission denied: " + err.Error()
	}
	return err.Error()
}

func (e *Engine) recordRun(result *Result, runErr error) {
	run := &statestore.Run{
		ID:         result.RunID,
		Host:       e.host,
		StartedAt:  result.Started,
		FinishedAt: result.Finished,
		Status:     result.Status(),
		Synced:     result.Synced,
		Skipped:    result.Skipped,
		Conflicted: result.Conflicted,
		Failed:     result.Failed,
	}
	for _, ex := range result.Excluded {
		run.Excluded = append(run.Excluded, ex.Location)
	}
	if runErr != nil {
		run.Status = statestore.RunFailed
		run.Error = runErr.Error()
	}
	if err := e.store.RecordRun(context.Background(), run); err != nil {
		slog.Warn("sync history", "run", result.RunID, "error", err)
	}
}

func conflictsOf(plan *Plan, detected time.Time) []*statestore.Conflict {
	var out []*statestore.Conflict
	for _, it := range plan.Conflicts() {
		c := &statestore.Conflict{
			Path:         it.Path,
			Observations: make(map[provider.Location]statestore.LocationState, len(it.Observed)),
			Reason:       it.Reason,
			DetectedAt:   detected,
		}
		if it.Baseline != nil {
			c.BaseHash = it.Baseline.Hash
		}
		for loc, obs := range it.Observed {
			c.Observations[loc] = obs
		}
		out = append(out, c)
	}
	return out
}

func sortSnapshots(s []*Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].Location.Rank() < s[j].Location.Rank() })
}

func sortExclusions(ex []Exclusion) {
	sort.Slice(ex, func(i, j int) bool { return ex[i].Location.Rank() < ex[j].Location.Rank() })
}
