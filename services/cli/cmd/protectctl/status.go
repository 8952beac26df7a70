package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"webprotect/pkg/db"
	"webprotect/pkg/render"
	"webprotect/services/installer"
	"webprotect/services/ledger"
)

type statusData struct {
	InstallLocation  string
	Installed        bool
	InstalledVersion string
	RequiredVersion  string
	UpToDate         bool
	HasCredentials   bool
	HasLicenseToken  bool
	Runs             []ledger.Run
}

func newStatusCommand(a *app) *cobra.Command {
	var runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the install state and recent protection runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cache, err := installer.NewCache(a.cfg.InstallLocation)
			if err != nil {
				return err
			}
			data := statusData{
				InstallLocation:  cache.Dir,
				Installed:        cache.Installed(),
				InstalledVersion: cache.ReadMetadata().Version,
				RequiredVersion:  a.cfg.ToolVersion,
				UpToDate:         cache.IsUpToDate(a.cfg.ToolVersion),
				HasCredentials:   a.cfg.HasCredentials(),
				HasLicenseToken:  a.cfg.LicenseToken != "",
			}

			if a.cfg.DatabaseURL != "" && runs > 0 {
				handle, err := db.Connect(ctx, a.cfg.DatabaseURL, false)
				if err != nil {
					return err
				}
				defer handle.Close()
				store, err := ledger.NewStore(handle.ORM, handle.Pool)
				if err != nil {
					return err
				}
				data.Runs, err = store.Recent(ctx, runs)
				if err != nil {
					return err
				}
			}

			engine, err := render.New()
			if err != nil {
				return err
			}
			text, err := engine.Render("status", data)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 10, "Number of recent runs to list when DATABASE_URL is set")
	return cmd
}
