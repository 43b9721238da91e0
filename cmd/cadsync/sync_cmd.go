package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/statestore"
	"github.com/uvcad/cadsync/internal/sync"
	"github.com/uvcad/cadsync/internal/watcher"
)

const watchSettle = 2 * time.Second

func newSyncCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass across all configured locations",
		Long: `Run a sync pass: list every location, compare against the last synced state, copy changes
where they are missing and record conflicts. A run that would delete more files than the safety
limits allow is stopped before anything is changed.`,
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			every, _ := cmd.Flags().GetDuration("every")
			watch, _ := cmd.Flags().GetBool("watch")

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if dryRun {
				return runPlan(cmd, c, a)
			}
			if every > 0 || watch {
				return runLoop(cmd, c, a, every, watch)
			}
			return runOnce(cmd, c, a)
		},
	}
	cmd.Flags().Bool("dry-run", false, "show the plan without changing anything")
	cmd.Flags().Duration("every", 0, "keep running, one pass per interval (e.g. 5m)")
	cmd.Flags().Bool("watch", false, "keep running, one pass shortly after the local folder changes")
	return cmd
}

func newPlanCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:         "plan",
		Short:       "Show what the next sync would do",
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return runPlan(cmd, c, a)
		},
	}
}

type planOutput struct {
	Plan    *sync.Plan        `json:"plan" yaml:"plan"`
	Allowed bool              `json:"allowed" yaml:"allowed"`
	Block   *sync.BlockReport `json:"block,omitempty" yaml:"block,omitempty"`
}

func runPlan(cmd *cobra.Command, c *cli, a *app) error {
	plan, verdict, err := a.engine.Plan(cmd.Context())
	if err != nil {
		return err
	}
	if c.format != codec.FormatText {
		return codec.Encode(cmd.OutOrStdout(), c.format, &planOutput{Plan: plan, Allowed: verdict.Allowed, Block: verdict.Report})
	}
	renderPlan(cmd.OutOrStdout(), plan, verdict)
	return nil
}

func runOnce(cmd *cobra.Command, c *cli, a *app) error {
	stop := watchProgress(cmd.ErrOrStderr(), a.engine, c.format == codec.FormatText)
	result, err := a.engine.Run(cmd.Context())
	stop()

	if result != nil {
		if c.format != codec.FormatText {
			if encErr := codec.Encode(cmd.OutOrStdout(), c.format, result); encErr != nil {
				return encErr
			}
		} else {
			renderResult(cmd.OutOrStdout(), result)
		}
	}
	return err
}

// runLoop repeats runs until the context is cancelled, on a timer, on local changes, or both.
// A blocked or failed run is reported and retried on the next trigger; only a broken state store
// ends the loop.
func runLoop(cmd *cobra.Command, c *cli, a *app, every time.Duration, watch bool) error {
	ctx := cmd.Context()

	var tick <-chan time.Time
	if every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		tick = ticker.C
	}

	var changes <-chan watcher.Event
	var w *watcher.Watcher
	if watch {
		if !c.cfg.Local.Enabled() {
			return errors.New("--watch needs a local folder")
		}
		w = watcher.New(c.cfg.Local.Root)
		w.FilterPaths(a.ignore.ShouldIgnore)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch %s: %w", c.cfg.Local.Root, err)
		}
		defer w.Stop()
		changes = w.Events()
	}

	slog.Info("sync scheduled", "every", every, "watch", watch)
	// settle collapses a save burst across many files into one run
	settle := time.NewTimer(0)
	defer settle.Stop()
	<-settle.C

	for {
		err := runOnce(cmd, c, a)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, sync.ErrDeletionBlocked), errors.Is(err, sync.ErrSyncAlreadyRunning):
			slog.Warn("sync skipped", "error", err)
		default:
			if errors.Is(err, statestore.ErrStateStore) {
				return err
			}
			slog.Error("sync failed", "error", err)
		}
		if w != nil {
			// our own writes to the local folder
			w.Settle(ctx)
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
				break wait
			case ev := <-changes:
				slog.Debug("local change", "path", ev.Path, "op", ev.Op)
				settle.Reset(watchSettle)
			case <-settle.C:
				break wait
			}
		}
		settle.Stop()
	}
}
