package main

import (
	"fmt"
	"os"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "researcher",
		Short:         "Multi-topic research engine with dynamic topic discovery",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./config/config.{json,yaml})")

	root.AddCommand(runCMD(&cfgPath), migrateCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), func() {}, err
	}
	build := logging.New
	if cfg.General.Console {
		build = logging.NewConsole
	}
	log, closeLog, err := build(cfg.General.LogLevel, cfg.General.LogFile)
	if err != nil {
		return nil, zerolog.Nop(), func() {}, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, closeLog, nil
}
