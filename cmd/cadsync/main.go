package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/config"
	"github.com/uvcad/cadsync/internal/logging"
	"github.com/uvcad/cadsync/internal/sync"
	"github.com/uvcad/cadsync/internal/version"
	"github.com/uvcad/cadsync/internal/workspace"
)

const (
	// annotations on subcommands
	needsApp       = "cadsync/app"
	skipValidation = "cadsync/no-validate"

	exitError   = 1
	exitBlocked = 3
)

// cli is the state shared by all commands of one invocation.
type cli struct {
	v        *viper.Viper
	cfg      *config.Config
	ws       *workspace.Workspace
	format   codec.Format
	closeLog func() error
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{v: config.NewViper(), closeLog: func() error { return nil }}

	rootCmd := &cobra.Command{
		Use:   "cadsync",
		Short: "Keep CAD files in sync across a local folder, a cloud bucket and a network share",
		Long: `cadsync compares a local folder, an S3-compatible bucket and a mounted network share
against the state of the last sync, copies changes where they are missing, and stops on conflicts
instead of overwriting anyone's work.`,
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default "+config.DefaultConfigPath+")")
	flags.StringP("datadir", "d", "", "directory for state, logs and spool files")
	flags.String("local", "", "local folder to sync")
	flags.String("bucket", "", "cloud bucket to sync")
	flags.String("share", "", "mounted network share to sync")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.StringP("output", "o", "text", "output format: text, json, yaml")

	rootCmd.AddCommand(
		newSyncCmd(c),
		newPlanCmd(c),
		newStatusCmd(c),
		newConflictsCmd(c),
		newResolveCmd(c),
		newConfigCmd(c),
		newVersionCmd(),
	)
	return rootCmd, c
}

// load reads the config file, binds flags and environment, validates and sets up logging.
func (c *cli) load(cmd *cobra.Command) error {
	format, err := codec.ParseFormat(flagString(cmd, "output"))
	if err != nil {
		return err
	}
	c.format = format

	if err := config.ReadFile(c.v, flagString(cmd, "config")); err != nil {
		return err
	}

	binds := map[string]string{
		"data_dir":     "datadir",
		"local.root":   "local",
		"cloud.bucket": "bucket",
		"share.path":   "share",
		"log_level":    "log-level",
	}
	for key, flag := range binds {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := c.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.FromViper(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg

	if cmd.Annotations[skipValidation] == "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	// past argument and config errors, a failure from here on is not a usage problem
	cmd.SilenceUsage = true

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := logging.Options{Level: level, Console: cmd.ErrOrStderr()}

	if cmd.Annotations[needsApp] != "" {
		ws, err := workspace.New(cfg.DataDir)
		if err != nil {
			return err
		}
		if err := ws.Setup(); err != nil {
			return err
		}
		c.ws = ws
		opts.File = ws.LogFile
	}

	_, c.closeLog = logging.Setup(opts)
	slog.Debug("config loaded", "path", cfg.Path, "datadir", cfg.DataDir, "version", version.Short())
	return nil
}

func flagString(cmd *cobra.Command, name string) string {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		return ""
	}
	return f.Value.String()
}

func exitCode(err error) int {
	if errors.Is(err, sync.ErrDeletionBlocked) {
		return exitBlocked
	}
	return exitError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd, c := newRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if closeErr := c.closeLog(); closeErr != nil {
		fmt.Fprintln(os.Stderr, "close log:", closeErr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		stop()
		os.Exit(exitCode(err))
	}
}
