package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexora/dispatch/app"
	"github.com/nexora/dispatch/config"
	"github.com/nexora/dispatch/infra/logger"
)

const defaultConfig = "config.yaml"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "dispatchd",
	Short:        "Courier dispatch service",
	RunE:         run,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch service until interrupted",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfig, "configuration file")
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

// loadConfig reads the configuration. A missing default file falls back to
// environment-only configuration.
func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == defaultConfig {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("main").Errorf("service close: %v", err)
		}
	}()
	return svc.Run(ctx)
}
