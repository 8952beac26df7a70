package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"webprotect/services/bundler"
)

func newBundlesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundles",
		Short: "Offline bundle build and import operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundlesBuildCommand(a))
	cmd.AddCommand(newBundlesImportCommand(a))
	return cmd
}

func newBundlesBuildCommand(a *app) *cobra.Command {
	var (
		packages []string
		version  string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed bundle from downloaded tool packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			files, err := parsePackageFlags(packages)
			if err != nil {
				return err
			}
			if version == "" {
				version = a.cfg.ToolVersion
			}
			signer, err := bundler.NewSigner(a.cfg.BundleSigningKey, a.cfg.BundlePublicKey)
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				ToolVersion: version,
				Packages:    files,
				Output:      output,
				Signer:      signer,
				Stdout:      cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringArrayVar(&packages, "package", nil, "Tool package as platform=path (repeatable)")
	cmd.Flags().StringVar(&version, "version", "", "Tool version of the packages (defaults to PROTECT_TOOL_VERSION)")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundlesImportCommand(a *app) *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Install the protection tool from a signed bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a.cfg.OfflineBundle = bundleFile
			return installTool(ctx, a, true)
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parsePackageFlags(values []string) ([]bundler.PackageFile, error) {
	files := make([]bundler.PackageFile, 0, len(values))
	for _, value := range values {
		platform, path, ok := strings.Cut(value, "=")
		platform = strings.TrimSpace(platform)
		path = strings.TrimSpace(path)
		if !ok || platform == "" || path == "" {
			return nil, fmt.Errorf("invalid --package %q: want platform=path", value)
		}
		files = append(files, bundler.PackageFile{Path: path, Platform: platform})
	}
	return files, nil
}
