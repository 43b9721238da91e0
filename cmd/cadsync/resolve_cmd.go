package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
	"github.com/uvcad/cadsync/internal/sync"
)

var errKeepRequired = errors.New("--keep is required when not running in a terminal")

func newResolveCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <path>",
		Short: "Settle a pending conflict",
		Long: `Settle a pending conflict by keeping one location's version everywhere, or by keeping
every version side by side under a .conflict-<location> name.

Without --keep you are asked which version to keep.`,
		Example: `  cadsync resolve Projects/pump/housing.sldprt --keep local
  cadsync resolve Projects/pump/housing.sldprt --keep all`,
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetString("keep")

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			path, err := provider.NormalizePath(args[0])
			if err != nil {
				return err
			}

			var choice sync.ResolutionChoice
			if keep != "" {
				if choice, err = sync.ParseChoice(keep); err != nil {
					return err
				}
			} else {
				if !isTTY(os.Stdin) {
					return errKeepRequired
				}
				conflict, err := a.store.Conflict(cmd.Context(), path)
				if err != nil {
					return err
				}
				if conflict == nil {
					return fmt.Errorf("%w: %s", sync.ErrNoSuchConflict, path)
				}
				if choice, err = promptChoice(cmd.Context(), conflict); err != nil {
					return err
				}
			}

			result, err := a.engine.Resolve(cmd.Context(), sync.Directive{Path: path, Resolution: choice})
			if err != nil {
				return err
			}
			if c.format != codec.FormatText {
				return codec.Encode(cmd.OutOrStdout(), c.format, result)
			}
			renderResolve(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringP("keep", "k", "", "local, cloud, share or all")
	return cmd
}

func promptChoice(ctx context.Context, conflict *statestore.Conflict) (sync.ResolutionChoice, error) {
	options := choiceOptions(conflict, time.Now())

	var picked string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Resolve " + conflict.Path).
			Description(conflict.Reason).
			Options(options...).
			Value(&picked),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", fmt.Errorf("resolution cancelled")
		}
		return "", err
	}
	return sync.ParseChoice(picked)
}

// choiceOptions offers one keep-X per location seen in the conflict, then keep-all.
func choiceOptions(conflict *statestore.Conflict, now time.Time) []huh.Option[string] {
	var options []huh.Option[string]
	for _, loc := range provider.Locations {
		obs, ok := conflict.Observations[loc]
		if !ok {
			continue
		}
		var text string
		if obs.Present {
			text = fmt.Sprintf("Keep the %s version (%s, %s, modified %s)", loc,
				shortHash(obs.Hash), humanize.IBytes(uint64(obs.Size)), humanize.RelTime(obs.ModTime, now, "ago", "from now"))
		} else {
			text = fmt.Sprintf("Keep the deletion from %s", loc)
		}
		options = append(options, huh.NewOption(text, "keep-"+string(loc)))
	}
	options = append(options, huh.NewOption("Keep every version, renamed", string(sync.KeepAllRenamed)))
	return options
}
