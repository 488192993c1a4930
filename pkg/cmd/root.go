package cmd

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/pdkman/pdkman/pkg/build"
	"github.com/pdkman/pdkman/pkg/catalog"
	"github.com/pdkman/pdkman/pkg/config"
	"github.com/pdkman/pdkman/pkg/fetch"
	"github.com/pdkman/pdkman/pkg/installer"
	"github.com/pdkman/pdkman/pkg/store"
)

var (
	flagPDKRoot    string
	flagFamily     string
	flagCatalogURL string
	flagToken      string
	flagVerbose    bool

	// Cfg holds the resolved configuration, available to all subcommands
	// after PersistentPreRunE completes.
	Cfg *config.Config

	logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pdkman",
		Short: "Open-source PDK version manager",
		Long: `pdkman installs, verifies, and activates versions of open-source
semiconductor PDKs, fetching prebuilt artifacts from a catalog or
building them from source.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagVerbose {
				logger.SetLevel(log.DebugLevel)
			}
			cfg, err := config.Load(config.Flags{
				PDKRoot:    flagPDKRoot,
				Family:     flagFamily,
				CatalogURL: flagCatalogURL,
				Token:      flagToken,
			})
			if err != nil {
				return err
			}
			Cfg = cfg
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagPDKRoot, "pdk-root", "", "PDK root directory (default $PDK_ROOT or ~/.pdkman)")
	root.PersistentFlags().StringVar(&flagFamily, "family", "", "PDK family (e.g. sky130, gf180mcu)")
	root.PersistentFlags().StringVar(&flagCatalogURL, "catalog-url", "", "catalog manifest URL")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "bearer token for private catalogs")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "enable debug logging")

	root.AddCommand(newListCmd())
	root.AddCommand(newListRemoteCmd())
	root.AddCommand(newInstallCmd())
	root.AddCommand(newEnableCmd())
	root.AddCommand(newCurrentCmd())
	root.AddCommand(newPathCmd())
	root.AddCommand(newRemoveCmd())
	root.AddCommand(newPruneCmd())
	root.AddCommand(newBuildCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newStore() *store.Store {
	return store.New(Cfg.PDKRoot)
}

func newCatalog() *catalog.Client {
	opts := []catalog.Option{catalog.WithUserAgent("pdkman")}
	if Cfg.Token != "" {
		opts = append(opts, catalog.WithToken(Cfg.Token))
	}
	if dir, err := config.CacheDir(); err == nil {
		opts = append(opts, catalog.WithCacheDir(dir))
	}
	return catalog.NewClient(Cfg.CatalogURL, opts...)
}

func newInstaller() *installer.Installer {
	fetcher := fetch.New(fetch.WithUserAgent("pdkman"))
	return &installer.Installer{
		Catalog: newCatalog(),
		Store:   newStore(),
		Fetcher: fetcher,
		Builder: &build.Orchestrator{Fetcher: fetcher, Logger: logger},
		Logger:  logger,
	}
}
