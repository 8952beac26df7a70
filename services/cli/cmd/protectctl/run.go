package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"webprotect/pkg/blueprint"
	"webprotect/pkg/bus"
	"webprotect/pkg/db"
	"webprotect/pkg/render"
	"webprotect/services/ledger"
	"webprotect/services/plugin"
	"webprotect/services/protect"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		distDir       string
		projectDir    string
		blueprintPath string
		toolVerbose   bool
		bufferSize    int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Protect the scripts and markup in a build output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			var bp *blueprint.Blueprint
			if blueprintPath != "" {
				loaded, err := blueprint.Load(blueprintPath)
				if err != nil {
					return err
				}
				bp = loaded
			}

			protector, err := protect.FromConfig(ctx, a.cfg, protect.Deps{Logger: a.logger})
			if err != nil {
				return err
			}

			host, _ := os.Hostname()
			pcfg := plugin.Config{
				Blueprint: bp,
				Runner:    protector,
				Options:   protect.Options{Verbose: toolVerbose, BufferSize: bufferSize},
				Host:      host,
				Logger:    a.logger,
			}

			if a.cfg.NATSURL != "" {
				b, err := bus.New(a.cfg.NATSURL)
				if err != nil {
					a.logger.Warn().Err(err).Msg("run events disabled")
				} else {
					defer b.Close()
					pcfg.Events = b
				}
			}
			if a.cfg.DatabaseURL != "" {
				handle, err := db.Connect(ctx, a.cfg.DatabaseURL, true)
				if err != nil {
					return err
				}
				defer handle.Close()
				store, err := ledger.NewStore(handle.ORM, handle.Pool)
				if err != nil {
					return err
				}
				pcfg.Recorder = store
			}

			p, err := plugin.New(pcfg)
			if err != nil {
				return err
			}
			compiler, err := plugin.NewDirCompiler(projectDir, distDir, a.logger)
			if err != nil {
				return err
			}

			p.Apply(compiler)
			start := time.Now()
			_, runErr := compiler.Run(ctx)
			result := p.Last()

			engine, err := render.New()
			if err != nil {
				return err
			}
			summary := summaryData{
				Status:      "failed",
				TargetType:  p.TargetType(),
				ToolVersion: protector.ToolVersion(),
				Duration:    time.Since(start),
			}
			if result != nil {
				summary.RunID = result.RunID.String()
				summary.App = result.App
				summary.Status = result.State.String()
				summary.Assets = len(result.Applied)
			}
			if runErr != nil {
				summary.Error = runErr.Error()
			}
			text, err := engine.Render("summary", summary)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)

			return runErr
		},
	}

	cmd.Flags().StringVar(&distDir, "dir", "", "Build output directory to protect in place")
	cmd.Flags().StringVar(&projectDir, "project", ".", "Project directory holding package.json")
	cmd.Flags().StringVar(&blueprintPath, "blueprint", "", "Blueprint file (YAML or JSON)")
	cmd.Flags().BoolVar(&toolVerbose, "tool-verbose", false, "Pass --verbose to the protection tool")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", protect.DefaultBufferSize, "Maximum bytes captured from each tool output stream")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

type summaryData struct {
	RunID       string
	Status      string
	TargetType  string
	App         string
	ToolVersion string
	Assets      int
	Duration    time.Duration
	Error       string
}
