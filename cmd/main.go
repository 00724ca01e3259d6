package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/EndlessArch/haruhi/pkg"
	"github.com/EndlessArch/haruhi/pkg/bootstrap"
	"github.com/EndlessArch/haruhi/pkg/buildlog"
	"github.com/EndlessArch/haruhi/pkg/config"
	"github.com/EndlessArch/haruhi/pkg/manifest"
	"github.com/EndlessArch/haruhi/pkg/steps"
)

var rootCmd = &cobra.Command{
	Use:   "tool",
	Short: "Setup and build helpers for haruhi",
	Long: `This command bundles the tools used to set up a haruhi checkout.
This includes checking for header dependencies, configuring the CMake build tree,
building the bundled third-party libraries and running tasks from tasks.star.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadState,
}

// state is filled in by loadState before any subcommand runs.
var state struct {
	Root   string
	Config *config.Config
	DryRun bool
	Logger zerolog.Logger
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("root", "", "project root (defaults to the first parent directory containing setup.yml or .git)")
	flags.BoolP("dry-run", "n", false, "only print the commands, don't execute or modify anything")
	flags.String("log-level", "", "overrides Log.Level from haruhi.toml")
	flags.Bool("json", false, "write log messages as JSON")
}

func loadState(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	root, err := flags.GetString("root")
	if err != nil {
		return err
	}

	if root == "" {
		root, err = pkg.GetProjectRoot()
	} else {
		root, err = pkg.FindProjectRoot(root)
	}
	if err != nil {
		return err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	level, err := flags.GetString("log-level")
	if err != nil {
		return err
	}
	if level != "" {
		cfg.Log.Level = strings.ToLower(level)
		if err = cfg.Validate(); err != nil {
			return err
		}
	}

	jsonLog, err := flags.GetBool("json")
	if err != nil {
		return err
	}

	state.DryRun, err = flags.GetBool("dry-run")
	if err != nil {
		return err
	}

	state.Root = root
	state.Config = cfg
	state.Logger = buildlog.New(cfg.LogLevel(), jsonLog || cfg.Log.JSON)
	return nil
}

// commandContext returns the command's context with the configured logger attached.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	return buildlog.WithLogger(ctx, &state.Logger)
}

func loadManifest() (*manifest.Manifest, error) {
	return manifest.Load(state.Config.ManifestPath(state.Root))
}

func newPipeline() *bootstrap.Pipeline {
	var exec steps.Executor
	if state.DryRun {
		exec = &steps.DryRunExecutor{}
	} else {
		exec = &steps.ShellExecutor{Stdout: os.Stdout, Stderr: os.Stderr}
	}

	return &bootstrap.Pipeline{
		Root:        state.Root,
		Exec:        exec,
		CMakeBinary: state.Config.Tools.CMake,
		GitBinary:   state.Config.Tools.Git,
		MinCMake:    state.Config.Tools.MinCMake,
		DryRun:      state.DryRun,
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			err = eris.Wrap(err, "interrupted")
		}
		pkg.PrintError(eris.ToString(err, os.Getenv(buildlog.DebugEnv) != ""))
		stop()
		os.Exit(1)
	}
}
