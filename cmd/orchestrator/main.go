// Command orchestrator compiles, runs and diagnoses side-channel probe
// modules.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/deixis/uarch/internal/config"
	"github.com/deixis/uarch/internal/kmod"
	"github.com/deixis/uarch/internal/logging"
	"github.com/deixis/uarch/internal/metrics"
	"github.com/deixis/uarch/internal/module"
	"github.com/deixis/uarch/internal/plugin"
	"github.com/deixis/uarch/internal/runner"
	"github.com/deixis/uarch/internal/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// deps builds the collaborators that touch the machine. Tests replace it.
type deps struct {
	newEngine func(loaded *config.LoadResult, logger *zap.Logger) *workflow.Engine
	getwd     func() (string, error)
}

func defaultDeps() deps {
	return deps{
		newEngine: func(loaded *config.LoadResult, logger *zap.Logger) *workflow.Engine {
			return &workflow.Engine{
				Config:  loaded,
				Exec:    &runner.Runner{Dir: loaded.Root, Logger: logger},
				Loader:  plugin.Dlopen{Logger: logger},
				Devices: kmod.CharDevices{},
				Logger:  logger,
			}
		},
		getwd: os.Getwd,
	}
}

// usageError is reported with the command's usage text.
type usageError struct {
	cmd *cobra.Command
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(cmd *cobra.Command, format string, args ...any) error {
	return &usageError{cmd: cmd, err: fmt.Errorf(format, args...)}
}

// app carries the state shared by every subcommand.
type app struct {
	deps   deps
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	workspace string
	verbose   bool
}

// execute runs the CLI and returns the process exit status: 0 when the
// requested operation completed (for a run, when a verdict was computed,
// whatever it is), 1 otherwise.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, d deps) int {
	a := &app{deps: d, stdin: stdin, stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "orchestrator: %v\n\n", ue.err)
		ue.cmd.SetOut(stderr)
		_ = ue.cmd.Usage()
		return 1
	}
	fmt.Fprintf(stderr, "orchestrator: %v\n", err)
	return 1
}

type runFlags struct {
	target string
	runner string
	cpu    int
}

func (a *app) rootCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "orchestrator --target <arch> --runner <kind> [--cpu N] <module>",
		Short: "Compile, run and diagnose a side-channel probe module",
		Long: `Compiles the named module for the requested target and runner, binds its
analyzer, runs the probe pinned to one CPU and reports the analyzer's verdict.

The exit status is 0 once a verdict is computed, pass or fail, and 1 when the
run stops before one.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usagef(cmd, "expected exactly one module name, got %d", len(args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, f, args[0])
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{cmd: cmd, err: err}
	})

	flags := cmd.Flags()
	flags.StringVarP(&f.target, "target", "t", "", "instruction set to build for: "+joinNames(module.Targets()))
	flags.StringVarP(&f.runner, "runner", "r", "", "execution environment: "+joinNames(module.Kinds()))
	flags.IntVar(&f.cpu, "cpu", 0, "logical CPU the probe is pinned to (default from config)")

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&a.workspace, "workspace", "C", "", "directory to look up "+config.FileName+" from (default: current directory)")
	pflags.BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		a.mcpCmd(),
		a.rebuildCmd(),
		a.inspectCmd(),
		a.modulesCmd(),
		a.versionCmd(),
	)
	return cmd
}

func (a *app) run(cmd *cobra.Command, f runFlags, name string) error {
	// Selectors are validated before anything is compiled.
	if f.target == "" || f.runner == "" {
		return usagef(cmd, "--target and --runner are required")
	}
	target, err := module.ParseTarget(f.target)
	if err != nil {
		return usagef(cmd, "%v", err)
	}
	kind, err := module.ParseKind(f.runner)
	if err != nil {
		return usagef(cmd, "%v", err)
	}

	env, err := a.setup()
	if err != nil {
		return err
	}
	defer env.Close()

	cpu := env.loaded.Config.CPU
	if cmd.Flags().Changed("cpu") {
		cpu = f.cpu
	}
	if cpu < 0 {
		return usagef(cmd, "--cpu %d: must not be negative", cpu)
	}

	engine := env.engine()
	engine.Metrics = metrics.New()

	res, err := engine.Run(cmd.Context(), workflow.Request{
		Module: name,
		Target: target,
		Kind:   kind,
		CPU:    cpu,
	})
	if path := env.loaded.Config.Metrics.File; path != "" {
		if werr := engine.Metrics.WriteTextfile(env.loaded.Resolve(path)); werr != nil {
			env.logger.Warn("writing metrics", zap.String("path", path), zap.Error(werr))
		}
	}
	if err != nil {
		return err
	}

	verdict := "FAIL"
	if res.Passed {
		verdict = "PASS"
	}
	fmt.Fprintf(a.stdout, "%s: %s (run %s)\n", name, verdict, res.ID)
	return nil
}

// env is the per-invocation configuration, logger and report store.
type env struct {
	loaded *config.LoadResult
	logger *zap.Logger
	store  io.Closer
	engine func() *workflow.Engine
}

func (e *env) Close() error {
	_ = e.logger.Sync()
	return e.store.Close()
}

func (a *app) setup() (*env, error) {
	workspace := a.workspace
	if workspace == "" {
		wd, err := a.deps.getwd()
		if err != nil {
			return nil, fmt.Errorf("determining workspace: %w", err)
		}
		workspace = wd
	}

	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config

	logger, level, err := logging.New(logging.Config{
		Level:  cfg.LogLevel(),
		JSON:   cfg.Log.JSON,
		Output: a.stderr,
	})
	if err != nil {
		return nil, err
	}
	if a.verbose {
		level.SetLevel(zap.DebugLevel)
	}

	store, closer, err := workflow.OpenStore(loaded)
	if err != nil {
		return nil, fmt.Errorf("opening report store: %w", err)
	}

	e := &env{loaded: loaded, logger: logger, store: closer}
	e.engine = func() *workflow.Engine {
		engine := a.deps.newEngine(loaded, logger)
		engine.Store = store
		return engine
	}
	return e, nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
