package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/modulehost/framework/bundleinfo"
	"github.com/modulehost/framework/framework"
)

// refreshCommand drives refresh_packages(targets) (spec §8) against an
// existing cache: it restores persisted bundles but never starts the
// framework, since a refresh only needs the module graph and the
// uninstalled-module cleanup it triggers.
func refreshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh [bundle-id...]",
		Short: "Refresh stale or removed bundles, recomputing dependents",
		Long: `With no arguments, refreshes every installed bundle with pending
changes (an update or an uninstall waiting on dependents). Given bundle
IDs, refreshes only those bundles and anything that depends on them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("frameworkd: load config: %w", err)
			}

			fw := framework.New(cfg, framework.Options{})
			if err := fw.Init(); err != nil {
				return fmt.Errorf("frameworkd: init: %w", err)
			}

			// nil targets means "let refresh.Engine compute its own
			// defaults" (every bundle with a pending update or uninstall);
			// explicit IDs override that with exactly the named bundles.
			var targets []*bundleinfo.Info
			if len(args) > 0 {
				for _, arg := range args {
					id, err := strconv.ParseInt(arg, 10, 64)
					if err != nil {
						return fmt.Errorf("frameworkd: invalid bundle id %q: %w", arg, err)
					}
					info := fw.GetBundle(id)
					if info == nil {
						return fmt.Errorf("frameworkd: no such bundle %d", id)
					}
					targets = append(targets, info)
				}
			}

			if err := fw.RefreshPackages(targets); err != nil {
				return fmt.Errorf("frameworkd: refresh: %w", err)
			}
			fmt.Printf("refreshed %d bundle(s)\n", len(targets))
			return nil
		},
	}
	return cmd
}
