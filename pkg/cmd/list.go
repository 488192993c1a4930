package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pdkman/pdkman/pkg/catalog"
	"github.com/pdkman/pdkman/pkg/config"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List installed PDK versions",
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	versions, err := newStore().List(Cfg.Family)
	if err != nil {
		return err
	}

	if len(versions) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No versions of %s installed.\n", Cfg.Family)
		return nil
	}

	for _, iv := range versions {
		marker := " "
		if iv.Active {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t(installed %s)\n",
			marker, iv.Version, humanize.Time(iv.InstalledAt))
	}
	return nil
}

func newListRemoteCmd() *cobra.Command {
	lsRemote := &cobra.Command{
		Use:   "ls-remote",
		Short: "List PDK versions available in the catalog",
		RunE:  runListRemote,
	}
	lsRemote.Flags().Bool("cached", false, "use the locally cached manifest instead of fetching")
	return lsRemote
}

func runListRemote(cmd *cobra.Command, args []string) error {
	cached, err := cmd.Flags().GetBool("cached")
	if err != nil {
		return err
	}

	var entries []catalog.Entry
	if cached {
		dir, err := config.CacheDir()
		if err != nil {
			return err
		}
		m, fetchedAt, err := catalog.LoadCached(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Using catalog cached %s.\n", humanize.Time(fetchedAt))
		entries, err = m.FamilyVersions(Cfg.Family)
		if err != nil {
			return err
		}
	} else {
		entries, err = newCatalog().Versions(cmd.Context(), Cfg.Family)
		if err != nil {
			return err
		}
	}

	for _, e := range entries {
		marker := " "
		if e.Latest {
			marker = "*"
		}
		kind := "source build"
		if e.ArtifactURL != "" {
			kind = humanize.Bytes(uint64(e.Size))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t(%s)\n", marker, e.Version, kind)
	}
	return nil
}
