// ABOUTME: Entry point for the clawgate gateway control plane
// ABOUTME: Builds the cobra command tree and resolves the config path

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the gateway config file.
// Priority: CLAWGATE_CONFIG env var > XDG_CONFIG_HOME/clawgate/gateway.yaml > ~/.config/clawgate/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLAWGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "clawgate", "gateway.yaml")
}

// getDataPath returns the default state directory.
// Priority: XDG_DATA_HOME/clawgate > ~/.local/share/clawgate
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "clawgate")
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "clawgate",
		Short:         "Control plane for a multi-channel agent gateway",
		Long:          "clawgate runs the gateway that owns sessions, sub-agent runs, pending decisions and live configuration reloads, and talks to it from the terminal.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CLAWGATE_CONFIG or ~/.config/clawgate/gateway.yaml)")

	resolve := func() string {
		if configPath != "" {
			return configPath
		}
		return getConfigPath()
	}

	rootCmd.AddCommand(
		newServeCmd(resolve),
		newInitCmd(resolve),
		newHealthCmd(resolve),
		newRPCCmd(resolve),
		newTokenCmd(resolve),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
