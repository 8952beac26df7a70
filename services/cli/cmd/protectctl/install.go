package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"webprotect/services/protect"
)

func newInstallCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the pinned protection tool version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return installTool(ctx, a, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reinstall even when the installed version matches")
	return cmd
}

func installTool(ctx context.Context, a *app, force bool) error {
	protector, err := protect.FromConfig(ctx, a.cfg, protect.Deps{Logger: a.logger})
	if err != nil {
		return err
	}
	location := protector.Cache().Dir
	if force {
		if err := protector.Install(ctx); err != nil {
			return err
		}
		a.printf("installed %s into %s\n", protector.ToolVersion(), location)
		return nil
	}
	installed, err := protector.EnsureTool(ctx)
	if err != nil {
		return err
	}
	if installed {
		a.printf("installed %s into %s\n", protector.ToolVersion(), location)
	} else {
		a.printf("%s already installed in %s\n", protector.ToolVersion(), location)
	}
	return nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
