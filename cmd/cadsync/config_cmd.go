package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/config"
	"github.com/uvcad/cadsync/internal/utils"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the configuration",
	}
	cmd.AddCommand(newConfigPathCmd(c), newConfigShowCmd(c), newConfigInitCmd(c))
	return cmd
}

func newConfigPathCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the resolved config file path",
		Annotations: map[string]string{skipValidation: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), c.cfg.Path)
			return err
		},
	}
}

func newConfigShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration with secrets masked",
		Annotations: map[string]string{skipValidation: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format := c.format
			if format == codec.FormatText {
				format = codec.FormatYAML
			}
			return codec.Encode(cmd.OutOrStdout(), format, c.cfg.Redacted())
		},
	}
}

// newConfigInitCmd writes the effective configuration, so flags and environment become the file.
func newConfigInitCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the config file",
		Example: `  cadsync config init --local ~/CAD --bucket team-cad --share /mnt/cad
  CADSYNC_CLOUD_REGION=eu-west-1 cadsync config init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path := c.cfg.Path
			if path == "" {
				path = config.DefaultConfigPath
			}
			if utils.FileExists(path) && !force {
				return fmt.Errorf("config %s already exists, use --force to overwrite", path)
			}
			if err := c.cfg.Save(path); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return err
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}
