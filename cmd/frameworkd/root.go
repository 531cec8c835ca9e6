package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/modulehost/framework/config"
)

var configFile string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "frameworkd",
		Short: "Run and drive a modular bundle framework instance",
		Long: `frameworkd boots a framework.Framework from a YAML config file and
drives it from the command line: install bundles, start/stop the
framework, and trigger a refresh of updated or uninstalled bundles.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config-file", "c", "", "path to a YAML framework config file (default: built-in defaults)")

	root.AddCommand(runCommand())
	root.AddCommand(installCommand())
	root.AddCommand(refreshCommand())
	root.AddCommand(listCommand())
	return root
}

// loadConfig reads configFile if set, otherwise returns config.Default().
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	return config.Parse(raw)
}
