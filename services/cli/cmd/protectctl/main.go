package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"webprotect/pkg/config"
	"webprotect/pkg/telemetry"
)

func main() {
	a := &app{out: os.Stdout}
	if err := a.run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds state shared by every subcommand once the root pre-run has
// loaded configuration.
type app struct {
	envFile string
	verbose bool
	json    bool

	cfg    config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	out    io.Writer
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "protectctl",
		Short:         "Protect web build output with the Web App Protection tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.init(cmd.Context())
		},
	}
	cmd.SetOut(a.out)

	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&a.json, "log-json", false, "Write logs as JSON lines")

	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newInstallCommand(a))
	cmd.AddCommand(newStatusCommand(a))
	cmd.AddCommand(newBundlesCommand(a))
	cmd.AddCommand(newMirrorCommand(a))
	return cmd
}

// run executes the command line in args. Telemetry is flushed whether or not
// the command succeeds.
func (a *app) run(ctx context.Context, args []string) error {
	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if shutdownErr := a.shutdown(ctx); err == nil {
		err = shutdownErr
	}
	return err
}

func (a *app) shutdown(ctx context.Context) error {
	if a.tel == nil {
		return nil
	}
	tel := a.tel
	a.tel = nil
	return tel.Shutdown(context.WithoutCancel(ctx))
}

func (a *app) init(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if a.envFile != "" {
		if _, err := os.Stat(a.envFile); err == nil {
			if err := godotenv.Load(a.envFile); err != nil {
				return fmt.Errorf("load %s: %w", a.envFile, err)
			}
		}
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	a.cfg = cfg

	tel, err := telemetry.Init(ctx, "protectctl", telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Console:  !a.json,
		Verbose:  a.verbose,
	})
	if err != nil {
		return err
	}
	a.tel = tel
	a.logger = tel.Logger
	return nil
}
