package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wurt83ow/offsync/pkg/app"
	"github.com/wurt83ow/offsync/pkg/config"
	"github.com/wurt83ow/offsync/pkg/logger"
)

var (
	cfgFile  string
	logLevel string
	dataDir  string
)

var rootCmd = &cobra.Command{
	Use:          "offsync",
	Short:        "Offline-first sync and cache service for the finance client",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("OFFSYNC_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding the device databases")
}

// loadOptions applies the flags on top of file and environment settings.
func loadOptions() (*config.Options, error) {
	opt, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		opt.LogLevel = logLevel
	}
	if dataDir != "" {
		opt.DataDir = dataDir
	}
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	return opt, nil
}

func openApp() (*app.App, error) {
	opt, err := loadOptions()
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logger.NewLogger(opt.LogLevel, opt.LogPath())
	if err != nil {
		return nil, err
	}
	a, err := app.New(opt, log, app.WithCloser(closeLog))
	if err != nil {
		closeLog()
		return nil, err
	}
	return a, nil
}
