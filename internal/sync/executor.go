package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/uvcad/cadsync/internal/hasher"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// StateWriter is the part of the state store the executor mutates.
type StateWriter interface {
	Put(ctx context.Context, state *statestore.SyncState) error
	Delete(ctx context.Context, path string) error
}

// Executor applies an allowed plan. Items run in parallel, the steps of one item run in order:
// fetch once, store and verify at every target, then write the state row.
type Executor struct {
	providers map[provider.Location]provider.Provider
	state     StateWriter
	workers   int
	spoolDir  string
}

func NewExecutor(providers []provider.Provider, state StateWriter, workers int, spoolDir string) *Executor {
	if workers < 1 {
		workers = DefaultWorkers
	}
	byLoc := make(map[provider.Location]provider.Provider, len(providers))
	for _, p := range providers {
		byLoc[p.Location()] = p
	}
	return &Executor{
		providers: byLoc,
		state:     state,
		workers:   workers,
		spoolDir:  spoolDir,
	}
}

// Outcome is what the executor did with a plan.
type Outcome struct {
	Synced     int
	Skipped    int
	Conflicted int
	Failures   []Failure
	Cancelled  bool
}

type itemResult int

const (
	resultSkipped itemResult = iota
	resultSynced
	resultConflicted
	resultFailed
)

// stateError marks a state store failure, which ends the run.
type stateError struct{ err error }

func (e *stateError) Error() string { return e.err.Error() }
func (e *stateError) Unwrap() error { return e.err }

// Execute runs every item of plan. Per-file failures are collected in the outcome; the returned
// error is only set when the state store failed. Cancelling ctx stops scheduling new items.
func (x *Executor) Execute(ctx context.Context, plan *Plan, prog *runProgress) (*Outcome, error) {
	out := &Outcome{}
	var mu sync.Mutex
	started := 0

	if prog == nil {
		prog = newRunProgress(nil, "")
	}
	prog.setTotal(len(plan.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers)

	for _, item := range plan.Items {
		if gctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				out.Skipped++
				mu.Unlock()
				return nil
			}

			res, err := x.apply(gctx, item, prog)

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultSynced:
				out.Synced++
			case resultConflicted:
				out.Conflicted++
			case resultFailed:
				out.Failures = append(out.Failures, Failure{Path: item.Path, Error: err.Error()})
				var se *stateError
				if errors.As(err, &se) {
					return se
				}
			default:
				out.Skipped++
			}
			return nil
		})
	}

	err := g.Wait()
	out.Skipped += len(plan.Items) - started
	if err != nil {
		return out, err
	}
	if ctx.Err() != nil {
		out.Cancelled = true
	}
	return out, nil
}

func (x *Executor) apply(ctx context.Context, item *PlanItem, prog *runProgress) (itemResult, error) {
	switch item.Action {
	case ActionConflict:
		slog.Info("sync conflict", "path", item.Path, "reason", item.Reason)
		prog.done(OpVerifying, item.Path)
		return resultConflicted, nil

	case ActionNoop:
		defer prog.done(OpVerifying, item.Path)
		if item.State == StateKeep {
			return resultSkipped, nil
		}
		if err := x.writeState(ctx, item, nil); err != nil {
			return resultFailed, err
		}
		return resultSkipped, nil

	case ActionTransfer:
		committed, err := x.transfer(ctx, item, prog)
		if err != nil && ctx.Err() != nil {
			// aborted, targets still hold their previous content
			prog.done(OpTransferring, item.Path)
			return resultSkipped, nil
		}
		if err != nil {
			slog.Warn("sync transfer failed", "path", item.Path, "error", err)
			prog.done(OpTransferring, item.Path)
			return resultFailed, err
		}
		if err := x.writeState(ctx, item, committed); err != nil {
			prog.done(OpTransferring, item.Path)
			return resultFailed, err
		}
		slog.Info("sync", "op", "transfer", "path", item.Path, "from", item.Sources[0], "to", joinLocations(item.Targets), "reason", item.Reason)
		prog.done(OpTransferring, item.Path)
		return resultSynced, nil

	case ActionDelete:
		prog.step(OpDeleting, item.Path)
		committed, err := x.remove(ctx, item)
		if err != nil && ctx.Err() != nil {
			prog.done(OpDeleting, item.Path)
			return resultSkipped, nil
		}
		if err != nil {
			slog.Warn("sync delete failed", "path", item.Path, "error", err)
			prog.done(OpDeleting, item.Path)
			return resultFailed, err
		}
		if err := x.writeState(ctx, item, committed); err != nil {
			prog.done(OpDeleting, item.Path)
			return resultFailed, err
		}
		slog.Info("sync", "op", "delete", "path", item.Path, "at", joinLocations(item.Targets), "reason", item.Reason)
		prog.done(OpDeleting, item.Path)
		return resultSynced, nil
	}

	return resultFailed, fmt.Errorf("unknown action %q", item.Action)
}

// transfer fetches the desired content once into a spool file and stores it at every target.
func (x *Executor) transfer(ctx context.Context, item *PlanItem, prog *runProgress) (map[provider.Location]statestore.LocationState, error) {
	if len(item.Sources) == 0 {
		return nil, fmt.Errorf("no source holds %.12s", item.Hash)
	}

	spool, err := os.CreateTemp(x.spoolDir, provider.TempPrefix+"spool-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	prog.step(OpTransferring, item.Path)

	var fetchErr error
	fetched := false
	for _, src := range item.Sources {
		if err := x.fetchInto(ctx, src, item, spool); err != nil {
			slog.Debug("sync fetch failed, trying next source", "path", item.Path, "source", src, "error", err)
			fetchErr = errors.Join(fetchErr, err)
			continue
		}
		fetched = true
		break
	}
	if !fetched {
		return nil, fetchErr
	}

	prog.step(OpVerifying, item.Path)

	committed := make(map[provider.Location]statestore.LocationState, len(item.Targets))
	var storeErr error
	for _, target := range item.Targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, ok := x.providers[target]
		if !ok {
			storeErr = errors.Join(storeErr, fmt.Errorf("%s: %w", target, ErrLocationExcluded))
			continue
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind spool file: %w", err)
		}

		fi, err := p.Store(ctx, item.Path, spool, item.Hash)
		if err != nil {
			storeErr = errors.Join(storeErr, err)
			continue
		}
		if !hasher.Equal(fi.Hash, item.Hash) {
			storeErr = errors.Join(storeErr, provider.Wrap(target, "store", item.Path, provider.HashMismatch(item.Hash, fi.Hash)))
			continue
		}
		committed[target] = statestore.FromFileInfo(fi)
	}
	if storeErr != nil {
		return nil, storeErr
	}
	return committed, nil
}

func (x *Executor) fetchInto(ctx context.Context, src provider.Location, item *PlanItem, spool *os.File) error {
	p, ok := x.providers[src]
	if !ok {
		return fmt.Errorf("%s: %w", src, ErrLocationExcluded)
	}

	if err := spool.Truncate(0); err != nil {
		return fmt.Errorf("reset spool file: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("reset spool file: %w", err)
	}

	rc, err := p.Fetch(ctx, item.source())
	if err != nil {
		return err
	}
	defer rc.Close()

	hw := hasher.NewWriter()
	if _, err := io.Copy(io.MultiWriter(spool, hw), rc); err != nil {
		return provider.Wrap(src, "fetch", item.source(), err)
	}
	if sum := hw.Sum(); !hasher.Equal(sum, item.Hash) {
		// the source changed after the snapshot was taken
		return provider.Wrap(src, "fetch", item.source(), provider.HashMismatch(item.Hash, sum))
	}
	return nil
}

// remove deletes the file at every target. A file that is already gone counts as removed.
func (x *Executor) remove(ctx context.Context, item *PlanItem) (map[provider.Location]statestore.LocationState, error) {
	var errs error
	for _, target := range item.Targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, ok := x.providers[target]
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("%s: %w", target, ErrLocationExcluded))
			continue
		}
		if err := p.Remove(ctx, item.Path); err != nil && !provider.IsNotFound(err) {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}
	return removedAt(item.Targets), nil
}

// writeState stores the row that follows from item. It ignores cancellation so that a file
// already written is never left without its state.
func (x *Executor) writeState(ctx context.Context, item *PlanItem, committed map[provider.Location]statestore.LocationState) error {
	ctx = context.WithoutCancel(ctx)

	next := nextState(item, committed)
	var err error
	if next == nil {
		err = x.state.Delete(ctx, item.Path)
	} else {
		err = x.state.Put(ctx, next)
	}
	if err != nil {
		return &stateError{err: err}
	}
	return nil
}
