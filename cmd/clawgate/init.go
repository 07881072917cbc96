// ABOUTME: init command that writes a starter gateway.yaml interactively
// ABOUTME: Generates a random JWT secret and creates the config and state directories

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/clawgate/internal/config"
)

// initAnswers are the values collected by init.
type initAnswers struct {
	GRPCAddr   string
	HTTPAddr   string
	StateDir   string
	DBPath     string
	JWTSecret  string
	RuntimeURL string
	ReloadMode string
	LogLevel   string
	LogFormat  string

	Tailscale          bool
	TailscaleHostname  string
	TailscaleEphemeral bool
	TailscaleFunnel    bool
}

func newInitCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), configPath())
		},
	}
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath string) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}
	yes := func(question, defaultVal string) bool {
		v := strings.ToLower(ask(question, defaultVal))
		return v == "yes" || v == "y"
	}

	fmt.Fprintln(out, "clawgate configuration setup")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		if !yes("File exists. Overwrite?", "no") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	a := initAnswers{JWTSecret: secret}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.GRPCAddr = ask("gRPC address", "localhost:50051")
	a.HTTPAddr = ask("HTTP address", "localhost:8080")

	fmt.Fprintln(out, "\n--- Storage ---")
	a.StateDir = ask("State directory (sessions, transcripts)", getDataPath())
	a.DBPath = ask("SQLite database path (decisions)", filepath.Join(a.StateDir, "gateway.db"))

	fmt.Fprintln(out, "\n--- Agent Runtime ---")
	a.RuntimeURL = ask("Runtime webhook URL (leave empty for none)", "")

	fmt.Fprintln(out, "\n--- Reload ---")
	a.ReloadMode = ask("Reload mode (off/hot/restart/hybrid)", config.ReloadModeHybrid)

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = yes("Enable Tailscale?", "no")
	if a.Tailscale {
		a.TailscaleHostname = ask("Tailscale hostname", "clawgate")
		a.TailscaleEphemeral = yes("Ephemeral node?", "no")
		a.TailscaleFunnel = yes("Enable Funnel (public HTTPS)?", "no")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = ask("Log level (debug/info/warn/error)", "info")
	a.LogFormat = ask("Log format (text/json)", "text")

	content := renderConfig(a)
	if _, err := config.Parse(outputFile, []byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(a.StateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Fprintln(out)
	green.Fprintf(out, "  ✓ Config written to %s\n", outputFile)
	green.Fprintf(out, "  ✓ State directory: %s\n", a.StateDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  clawgate serve")
	fmt.Fprintln(out, "\nTo mint a client token:")
	fmt.Fprintln(out, "  clawgate token --subject me --role admin --save")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func renderConfig(a initAnswers) string {
	var b strings.Builder
	w := func(format string, args ...any) { fmt.Fprintf(&b, format, args...) }

	w("# clawgate configuration\n")
	w("# Generated by clawgate init\n\n")

	w("server:\n")
	w("  grpc_addr: %q\n", a.GRPCAddr)
	w("  http_addr: %q\n\n", a.HTTPAddr)

	w("gateway:\n")
	w("  reload:\n")
	w("    mode: %q\n\n", a.ReloadMode)

	w("state_dir: %q\n\n", a.StateDir)

	w("database:\n")
	w("  path: %q\n\n", a.DBPath)

	w("auth:\n")
	w("  jwt_secret: %q\n\n", a.JWTSecret)

	w("tailscale:\n")
	w("  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		w("  hostname: %q\n", a.TailscaleHostname)
		w("  ephemeral: %t\n", a.TailscaleEphemeral)
		w("  funnel: %t\n", a.TailscaleFunnel)
	}
	w("\n")

	w("agents:\n")
	w("  runtime:\n")
	if a.RuntimeURL != "" {
		w("    executor: webhook\n")
		w("    url: %q\n", a.RuntimeURL)
	} else {
		w("    executor: none\n")
	}
	w("  list:\n")
	w("    - id: main\n")
	w("      default: true\n\n")

	w("decisions:\n")
	w("  store: sqlite\n\n")

	w("logging:\n")
	w("  level: %q\n", a.LogLevel)
	w("  format: %q\n", a.LogFormat)

	return b.String()
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
