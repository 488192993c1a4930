package cmd

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pdkman/pdkman/pkg/store"
)

func newRemoveCmd() *cobra.Command {
	var (
		force bool
		yes   bool
	)

	remove := &cobra.Command{
		Use:   "rm <version>",
		Short: "Remove an installed PDK version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := args[0]
			st := newStore()

			iv, err := st.Get(Cfg.Family, version)
			if err != nil {
				return err
			}

			if !yes {
				ok, err := confirm(fmt.Sprintf("Remove %s/%s?", Cfg.Family, version))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing removed.")
					return nil
				}
			}

			if err := st.Remove(Cfg.Family, version, force); err != nil {
				if errors.Is(err, store.ErrCannotRemoveActive) {
					return fmt.Errorf("%s/%s is the active version; pass --force to remove it anyway", Cfg.Family, version)
				}
				return err
			}

			logger.Info("removed", "family", iv.Family, "version", iv.Version)
			return nil
		},
	}

	remove.Flags().BoolVar(&force, "force", false, "remove even if the version is active")
	remove.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return remove
}

func newPruneCmd() *cobra.Command {
	var yes bool

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove all installed versions except the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := newStore()

			versions, err := st.List(Cfg.Family)
			if err != nil {
				return err
			}

			var victims []store.InstalledVersion
			for _, iv := range versions {
				if !iv.Active {
					victims = append(victims, iv)
				}
			}
			if len(victims) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
				return nil
			}

			if !yes {
				ok, err := confirm(fmt.Sprintf("Remove %d inactive version(s) of %s?", len(victims), Cfg.Family))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Nothing removed.")
					return nil
				}
			}

			for _, iv := range victims {
				if err := st.Remove(iv.Family, iv.Version, false); err != nil {
					return fmt.Errorf("removing %s/%s: %w", iv.Family, iv.Version, err)
				}
				logger.Info("removed", "family", iv.Family, "version", iv.Version)
			}
			return nil
		},
	}

	prune.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return prune
}

// confirm uses huh to present a yes/no prompt.
func confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Value(&ok),
		),
	).Run()
	if err != nil {
		return false, fmt.Errorf("confirmation prompt failed: %w", err)
	}
	return ok, nil
}
