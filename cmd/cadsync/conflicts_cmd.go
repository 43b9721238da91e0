package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/uvcad/cadsync/internal/codec"
)

func newConflictsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:         "conflicts",
		Short:       "List conflicts waiting for a resolution",
		Annotations: map[string]string{needsApp: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.store.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			if c.format != codec.FormatText {
				return codec.Encode(cmd.OutOrStdout(), c.format, conflicts)
			}
			renderConflicts(cmd.OutOrStdout(), conflicts, time.Now())
			return nil
		},
	}
}
