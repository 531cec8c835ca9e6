package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modulehost/framework/framework"
	"github.com/modulehost/framework/state"
)

// installCommand stages bundles into the cache without running the
// long-lived server, for pre-loading a deployment before `frameworkd run`
// picks the cache back up via RestoreArchive.
func installCommand() *cobra.Command {
	var start bool
	var persistActive bool

	cmd := &cobra.Command{
		Use:   "install <bundle...>",
		Short: "Install one or more bundles into the framework's cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("frameworkd: load config: %w", err)
			}

			fw := framework.New(cfg, framework.Options{})
			if err := fw.Init(); err != nil {
				return fmt.Errorf("frameworkd: init: %w", err)
			}

			if start {
				if err := fw.Start(context.Background()); err != nil {
					return fmt.Errorf("frameworkd: start framework: %w", err)
				}
				defer func() {
					fw.Stop(context.Background())
					_ = fw.WaitForStop(0)
				}()
			}

			for _, loc := range args {
				info, err := fw.Install(loc, nil)
				if err != nil {
					return fmt.Errorf("frameworkd: install %s: %w", loc, err)
				}
				if persistActive {
					if err := info.SetPersistentState(state.Active); err != nil {
						return fmt.Errorf("frameworkd: mark %s active: %w", loc, err)
					}
				}
				if start {
					if err := fw.StartBundle(info); err != nil {
						return fmt.Errorf("frameworkd: start %s: %w", loc, err)
					}
				}
				fmt.Printf("installed %s as bundle %d\n", loc, info.Bundle().ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "start the bundle once, to verify it resolves and activates, before exiting")
	cmd.Flags().BoolVar(&persistActive, "persist-active", true, "mark the bundle's persistent state as active, so a later `run` brings it up")
	return cmd
}
