package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uvcad/cadsync/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print cadsync version information",
		Annotations: map[string]string{skipValidation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.AppName, version.Detailed())
			return err
		},
	}
}
