// Command wasmaot compiles WebAssembly modules ahead of time into native
// objects and standalone executables.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-aot/errors"
)

// version is set at link time.
var version = "dev"

type globalOptions struct {
	verbose bool
	color   string
}

func newRootCmd(g *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "wasmaot",
		Short:         "Ahead-of-time WebAssembly compiler",
		Long:          "wasmaot compiles WebAssembly core modules to native object files and links them into standalone executables.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setColor(g.color)
		},
	}
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log every stage to stderr")
	root.PersistentFlags().StringVar(&g.color, "color", "auto", "colorize output (auto|on|off)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.InvalidInput(errors.PhaseConfig, err.Error())
	})

	root.AddCommand(newCompileCmd(g), newInspectCmd(), newTargetsCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(&globalOptions{}).ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(os.Stderr, err)
	}
	os.Exit(int(errors.ExitCodeOf(err)))
}

// exactArgs is cobra.ExactArgs with a usage error the exit code maps.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return errors.InvalidInput(errors.PhaseConfig, err.Error())
		}
		return nil
	}
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
