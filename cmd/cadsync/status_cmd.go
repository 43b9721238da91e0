package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/config"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/sync"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:         "status",
		Short:       "Show configured locations, tracked files, pending conflicts and the last run",
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			tracked, err := a.store.Count(ctx)
			if err != nil {
				return err
			}
			conflicts, err := a.store.Conflicts(ctx)
			if err != nil {
				return err
			}
			last, err := a.store.LastRun(ctx)
			if err != nil {
				return err
			}

			report := &statusReport{
				Config:    c.cfg.Path,
				DataDir:   c.cfg.DataDir,
				Locations: locationTargets(c.cfg),
				Tracked:   tracked,
				Conflicts: len(conflicts),
				LastRun:   last,
				Guard:     sync.Guard{MaxDeletes: c.cfg.Safety.MaxDeletes, MaxDeletePercent: c.cfg.Safety.MaxDeletePercent},
			}
			if c.format != codec.FormatText {
				return codec.Encode(cmd.OutOrStdout(), c.format, report)
			}
			renderStatus(cmd.OutOrStdout(), report, time.Now())
			return nil
		},
	}
}

func locationTargets(cfg *config.Config) []locationStatus {
	var out []locationStatus
	if cfg.Local.Enabled() {
		out = append(out, locationStatus{Location: provider.LocationLocal, Target: cfg.Local.Root})
	}
	if cfg.Cloud.Enabled() {
		target := "s3://" + cfg.Cloud.Bucket
		if cfg.Cloud.Prefix != "" {
			target += "/" + cfg.Cloud.Prefix
		}
		if cfg.Cloud.Endpoint != "" {
			target += " (" + cfg.Cloud.Endpoint + ")"
		}
		out = append(out, locationStatus{Location: provider.LocationCloud, Target: target})
	}
	if cfg.Share.Enabled() {
		out = append(out, locationStatus{Location: provider.LocationShare, Target: cfg.Share.Path})
	}
	return out
}
