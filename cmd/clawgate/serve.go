// ABOUTME: serve command that runs the gateway until signalled
// ABOUTME: A restart requested by a config reload rebuilds the gateway from a fresh config load

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/gateway"
)

const banner = `
       _                                 _
   ___| | __ ___      __ __ _  __ _  __ _| |_ ___
  / __| |/ _' \ \ /\ / // _' |/ _' |/ _' | __/ _ \
 | (__| | (_| |\ V  V /| (_| | (_| | (_| | ||  __/
  \___|_|\__,_| \_/\_/  \__, |\__,_|\__,_|\__\___|
                        |___/
`

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), configPath())
		},
	}
}

func runServe(ctx context.Context, out io.Writer, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Fprint(out, banner)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "    version: %s\n\n", version)

	levelVar := new(slog.LevelVar)
	for generation := 1; ; generation++ {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger := setupLogger(os.Stdout, cfg.Logging, levelVar)

		if generation == 1 {
			printStartup(out, configPath, cfg)
		}
		logger.Info("starting clawgate",
			"config", configPath,
			"grpc_addr", cfg.Server.GRPCAddr,
			"http_addr", cfg.Server.HTTPAddr,
			"generation", generation,
		)

		gw, err := gateway.New(cfg, logger, gateway.WithLevelVar(levelVar))
		if err != nil {
			return fmt.Errorf("creating gateway: %w", err)
		}

		err = gw.Run(ctx)
		if errors.Is(err, gateway.ErrRestartRequested) && ctx.Err() == nil {
			logger.Info("gateway restarting with reloaded configuration")
			continue
		}
		return err
	}
}

func printStartup(out io.Writer, configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("gRPC", cfg.Server.GRPCAddr)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Agent", cfg.DefaultAgent())
	line("Runtime", cfg.Agents.Runtime.Executor)
	line("Reload", cfg.Gateway.Reload.Mode)

	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprint(out, "Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Fprint(out, " [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	}
	if cfg.Agents.Runtime.Executor == config.ExecutorNone {
		yellow.Fprintln(out, "    ! no agent runtime configured, runs will be rejected")
	}

	fmt.Fprintln(out)
}
