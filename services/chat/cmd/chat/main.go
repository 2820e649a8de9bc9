package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ragchat/internal/util"
	"ragchat/services/chat/internal/config"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "chat",
		Short:         "Conversational front end for the document question answering service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.ConfigPath, "config file path")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newSessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		util.Fatal("chat command failed", "err", err)
	}
}

// loadConfig reads the config file and configures the default logger.
func loadConfig() (config.FileConfig, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	util.InitLogger(cfg.LogLevel)
	return cfg, nil
}
