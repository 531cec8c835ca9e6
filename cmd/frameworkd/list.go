package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/modulehost/framework/framework"
)

// listCommand prints every bundle the cache currently knows about, without
// starting the framework, for quick inspection of a deployment's state.
func listCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bundles known to the framework's cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("frameworkd: load config: %w", err)
			}

			fw := framework.New(cfg, framework.Options{})
			if err := fw.Init(); err != nil {
				return fmt.Errorf("frameworkd: init: %w", err)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSYMBOLIC-NAME\tVERSION\tSTATE\tPERSISTENT\tSTART-LEVEL\tLOCATION")
			for _, info := range fw.GetBundles() {
				b := info.Bundle()
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					b.ID, b.SymbolicName, b.Version, info.Lifecycle(), info.PersistentState(), info.StartLevel(), b.Location)
			}
			return tw.Flush()
		},
	}
	return cmd
}
