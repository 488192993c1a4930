package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdkman/pdkman/pkg/config"
	"github.com/pdkman/pdkman/pkg/installer"
)

func newBuildCmd() *cobra.Command {
	var (
		metadataFile string
		enable       bool
		buildArgs    []string
	)

	buildCmd := &cobra.Command{
		Use:   "build [version]",
		Short: "Build and install a PDK version from source",
		Long: `build compiles a PDK version from its recipe even when a prebuilt
artifact exists, then installs the result into the store.

Recipe variables can be overridden with --set key=value; these take
precedence over the [build] table in the configuration file.`,
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

			buildConfig := make(map[string]string, len(Cfg.Build)+len(buildArgs))
			for k, v := range Cfg.Build {
				buildConfig[k] = v
			}
			for _, arg := range buildArgs {
				k, v, ok := strings.Cut(arg, "=")
				if !ok || k == "" {
					return fmt.Errorf("--set %q: want key=value", arg)
				}
				buildConfig[k] = v
			}

			iv, err := newInstaller().Install(cmd.Context(), Cfg.Family, spec, installer.Options{
				Enable:      enable,
				ForceBuild:  true,
				BuildConfig: buildConfig,
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

	buildCmd.Flags().StringVar(&metadataFile, "metadata-file", "", "tool metadata file naming the version to build")
	buildCmd.Flags().BoolVar(&enable, "enable", false, "activate the version after a successful build")
	buildCmd.Flags().StringArrayVar(&buildArgs, "set", nil, "recipe variable override (key=value, repeatable)")
	return buildCmd
}
