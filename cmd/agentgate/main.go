package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-gate/agentgate-go/internal/config"
)

var (
	configFile string
	dataDir    string
	listen     string
	logLevel   string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentgate",
		Short: "agentgate - credential broker and security gateway for LLM agents",
		Long: `agentgate keeps credentials out of the agent's reach: the agent talks to
loopback proxies, the broker holds the vault, injects secrets upstream, and
enforces network, path, and rate policies.`,
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.agentgate)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Broker listen address (default: 127.0.0.1:8442)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		GetServeCommand(),
		GetVaultCommand(),
		GetSessionCommand(),
		GetDoctorCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadBrokerConfig merges flags over file/env configuration.
func loadBrokerConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile, dataDir)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}
