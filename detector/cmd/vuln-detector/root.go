package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
)

var rootCmd = &cobra.Command{
	Use:               "vuln-detector",
	Short:             "Detect vulnerable packages on monitored agents",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return setup() },
}

var _app app

type app struct {
	Store  *detector.Store
	Config detector.Config
	Log    *slog.Logger
}

func App() app {
	return _app
}

var rootFlags = struct {
	config   string
	logLevel string
}{}

func main() {
	err := run()
	if err != nil {
		fmt.Printf("FATAL: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	err := rootCmd.Execute()
	if _app.Store != nil {
		if db, dbErr := _app.Store.DB().DB(); dbErr == nil {
			db.Close()
		}
	}
	return err
}

func setup() error {
	var err error
	_app, err = initApp(rootFlags.config, rootFlags.logLevel)
	return err
}

func initApp(path, level string) (app, error) {
	var app app
	config, err := detector.ParseConfigFromFile(path)
	if err != nil {
		return app, fmt.Errorf("error reading '%s': %w", path, err)
	}
	if level != "" {
		config.LogLevel = level
	}
	app.Config = config

	app.Log = newLogger(config)
	slog.SetDefault(app.Log)

	store, err := detector.Open(config.DBPath, app.Log)
	if err != nil {
		return app, fmt.Errorf("could not open database: %w", err)
	}
	app.Store = store

	return app, nil
}

func newLogger(config detector.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.Level(),
	}))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "config/application.toml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "", "Override the configured log level")
}
