package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdkman/pdkman/pkg/config"
	"github.com/pdkman/pdkman/pkg/installer"
)

func newInstallCmd() *cobra.Command {
	var (
		metadataFile  string
		buildFallback bool
	)

	install := &cobra.Command{
		Use:   "install [version]",
		Short: "Install a PDK version without activating it",
		Long: `install fetches, verifies, and installs a PDK version into the store.
The installed version is not activated; use enable for that.

When no version is given, the version is taken from a tool_metadata.yml
in the working directory, falling back to the catalog's latest.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := ""
			if len(args) == 1 {
				explicit = args[0]
			}
			spec, err := config.ResolveVersionSpec(explicit, metadataFile)
			if err != nil {
				return err
			}

			iv, err := newInstaller().Install(cmd.Context(), Cfg.Family, spec, installer.Options{
				BuildFallback: buildFallback,
				BuildConfig:   Cfg.Build,
			})
			if err != nil {
				if installer.IsNotFound(err) {
					return fmt.Errorf("%s/%s: %w", Cfg.Family, spec, err)
				}
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), iv.Dir)
			return nil
		},
	}

	install.Flags().StringVar(&metadataFile, "metadata-file", "", "tool metadata file naming the version to install")
	install.Flags().BoolVar(&buildFallback, "build-fallback", false, "build from source if the prebuilt artifact cannot be fetched")
	return install
}

func newEnableCmd() *cobra.Command {
	var (
		metadataFile  string
		buildFallback bool
	)

	enable := &cobra.Command{
		Use:   "enable [version]",
		Short: "Install (if needed) and activate a PDK version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := ""
			if len(args) == 1 {
				explicit = args[0]
			}
			spec, err := config.ResolveVersionSpec(explicit, metadataFile)
			if err != nil {
				return err
			}

			iv, err := newInstaller().Install(cmd.Context(), Cfg.Family, spec, installer.Options{
				Enable:        true,
				BuildFallback: buildFallback,
				BuildConfig:   Cfg.Build,
			})
			if err != nil {
				if installer.IsNotFound(err) {
					return fmt.Errorf("%s/%s: %w", Cfg.Family, spec, err)
				}
				return err
			}

			logger.Info("enabled", "family", iv.Family, "version", iv.Version)
			fmt.Fprintln(cmd.OutOrStdout(), iv.Dir)
			return nil
		},
	}

	enable.Flags().StringVar(&metadataFile, "metadata-file", "", "tool metadata file naming the version to enable")
	enable.Flags().BoolVar(&buildFallback, "build-fallback", false, "build from source if the prebuilt artifact cannot be fetched")
	return enable
}

func newCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the active PDK version",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := newStore().Current(Cfg.Family)
			if err != nil {
				return err
			}
			if version == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "No version of %s is enabled.\n", Cfg.Family)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path [version]",
		Short: "Print the PDK root, or an installed version's directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), Cfg.PDKRoot)
				return nil
			}
			iv, err := newStore().Get(Cfg.Family, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), iv.Dir)
			return nil
		},
	}
}
