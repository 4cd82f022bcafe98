package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"llm_flow/internal/config"
	"llm_flow/internal/utils"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "flowlog",
		Short:        "Instrument LLM calls and ship the assembled log entries",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (FLOW_* environment variables override it)")

	root.AddCommand(
		newDemoCmd(),
		newCostCmd(),
		newDrainCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config and applies its log level to every logger
// created afterwards.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyLogLevel(cfg)
	return cfg, nil
}

func applyLogLevel(cfg *config.Config) {
	if level, err := utils.ParseLogLevel(cfg.App.LogLevel); err == nil {
		utils.SetDefaultLogLevel(level)
	}
}
