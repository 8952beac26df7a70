package main

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"webprotect/services/installer"
	"webprotect/services/protect"
)

func newMirrorCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the S3 package mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newMirrorPushCommand(a))
	cmd.AddCommand(newMirrorURLCommand(a))
	return cmd
}

func (a *app) mirror(ctx context.Context) (*installer.Mirror, error) {
	mirror, err := protect.NewMirrorFromConfig(ctx, a.cfg, nil)
	if err != nil {
		return nil, err
	}
	if mirror == nil {
		return nil, errors.New("PROTECT_MIRROR_BUCKET is not set")
	}
	return mirror, nil
}

func newMirrorPushCommand(a *app) *cobra.Command {
	var (
		file     string
		version  string
		platform string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Upload a tool package to the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if version == "" {
				version = a.cfg.ToolVersion
			}
			if platform != "" {
				a.cfg.Platform = platform
			}
			mirror, err := a.mirror(ctx)
			if err != nil {
				return err
			}
			pkg := installer.Package{Path: file, Filename: filepath.Base(file)}
			if err := mirror.Publish(ctx, version, pkg); err != nil {
				return err
			}
			a.printf("pushed %s for %s/%s\n", pkg.Filename, version, a.cfg.Platform)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Tool package to upload")
	cmd.Flags().StringVar(&version, "version", "", "Tool version (defaults to PROTECT_TOOL_VERSION)")
	cmd.Flags().StringVar(&platform, "platform", "", "Package platform (defaults to PROTECT_PLATFORM)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newMirrorURLCommand(a *app) *cobra.Command {
	var (
		version string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "url",
		Short: "Print a presigned download URL for the mirrored package",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if version == "" {
				version = a.cfg.ToolVersion
			}
			mirror, err := a.mirror(ctx)
			if err != nil {
				return err
			}
			url, err := mirror.PresignPackage(ctx, version, ttl)
			if err != nil {
				return err
			}
			a.printf("%s\n", url)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Tool version (defaults to PROTECT_TOOL_VERSION)")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "Validity of the presigned URL")
	return cmd
}
