// Package cli defines the chempipe command tree: train, expand,
// diversity, and track. Subcommands take run parameters as trailing
// arguments after "--", which feed the parameter normalizer unchanged.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepmatter/chempipe/internal/config"
	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// RootOptions holds global CLI flags.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// appContext carries initialized dependencies through the command tree.
type appContext struct {
	cfg *config.Config
	log logging.Logger
}

type appContextKey struct{}

// NewRootCommand creates the root command with global flags and all
// subcommands attached.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "chempipe",
		Short:   "chempipe: drug-discovery model training pipeline",
		Long:    "chempipe trains property-prediction models over compound datasets:\nparameter normalization, featurization, fold/epoch model selection,\ncheckpoint persistence, and diversity analysis.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "application config file (default: environment only)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		newTrainCmd(),
		newExpandCmd(),
		newDiversityCmd(),
		newTrackCmd(),
	)
	return cmd
}

// initApp loads the application config and logger and stashes them in the
// command context for subcommands.
func initApp(cmd *cobra.Command, opts *RootOptions) error {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.Load(opts.ConfigPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return err
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	log, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	app := &appContext{cfg: cfg, log: log}
	cmd.SetContext(context.WithValue(cmd.Context(), appContextKey{}, app))
	return nil
}

// appFromContext extracts the initialized app context.
func appFromContext(cmd *cobra.Command) (*appContext, error) {
	app, ok := cmd.Context().Value(appContextKey{}).(*appContext)
	if !ok || app == nil {
		return nil, fmt.Errorf("application context not initialized")
	}
	return app, nil
}

// paramArgs returns the run-parameter tokens: everything after "--" when
// present, otherwise all positional args.
func paramArgs(cmd *cobra.Command, args []string) []string {
	if at := cmd.ArgsLenAtDash(); at >= 0 {
		return args[at:]
	}
	return args
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
