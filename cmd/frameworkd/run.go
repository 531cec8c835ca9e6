package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/modulehost/framework/framework"
)

// runCommand implements the long-running "boot and serve" mode, grounded on
// the teacher's `run` command and its runtime.Serve signal loop: install
// whatever bundle locations are given, start the framework, then block
// until SIGINT/SIGTERM and run the graceful shutdown sequence.
func runCommand() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run [bundle...]",
		Short: "Boot the framework and keep it running until interrupted",
		Long: `Installs each bundle location given on the command line, starts the
framework (which brings every persistently active bundle up to its
configured start level), and blocks until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("frameworkd: load config: %w", err)
			}

			fw := framework.New(cfg, framework.Options{})
			if err := fw.Init(); err != nil {
				return fmt.Errorf("frameworkd: init: %w", err)
			}

			for _, loc := range args {
				if _, err := fw.Install(loc, nil); err != nil {
					return fmt.Errorf("frameworkd: install %s: %w", loc, err)
				}
			}

			ctx := context.Background()
			if err := fw.Start(ctx); err != nil {
				return fmt.Errorf("frameworkd: start: %w", err)
			}
			logrus.WithField("bundles", len(fw.GetBundles())).Info("framework started")

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			<-sigc

			logrus.Info("signal received, stopping framework")
			fw.Stop(ctx)
			if err := fw.WaitForStop(shutdownTimeout); err != nil {
				return fmt.Errorf("frameworkd: shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for a clean shutdown before giving up")
	return cmd
}
