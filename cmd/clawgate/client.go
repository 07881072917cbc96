// ABOUTME: Client commands that talk to a running gateway: health, rpc and token
// ABOUTME: rpc calls go over gRPC by default or over HTTP POST /rpc with --http

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/auth"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/gateway"
	"github.com/2389/clawgate/internal/rpc"
)

// tokenPath is where token --save writes and client commands read.
func tokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "token")
}

// resolveToken returns the first of flag, $CLAWGATE_TOKEN and the saved token file.
func resolveToken(flag, configPath string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CLAWGATE_TOKEN"); env != "" {
		return env
	}
	data, err := os.ReadFile(tokenPath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func newHealthCmd(configPath func() string) *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			path := "/health"
			if ready {
				path = "/health/ready"
			}
			url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness instead of liveness")
	return cmd
}

type rpcOptions struct {
	params  string
	addr    string
	token   string
	useHTTP bool
	timeout time.Duration
}

func newRPCCmd(configPath func() string) *cobra.Command {
	var opts rpcOptions
	cmd := &cobra.Command{
		Use:   "rpc <method>",
		Short: "Call a gateway method and print the JSON payload",
		Example: `  clawgate rpc health
  clawgate rpc sessions.list --params '{"limit":10}'
  clawgate rpc decision.respond --params '{"decisionId":"...","answer":{"optionId":"yes"},"respondedBy":{"userId":"me"}}'
  clawgate rpc gateway.reload --http`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			var params json.RawMessage
			if opts.params != "" {
				if !json.Valid([]byte(opts.params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				params = json.RawMessage(opts.params)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			token := resolveToken(opts.token, path)
			var payload json.RawMessage
			if opts.useHTTP {
				addr := opts.addr
				if addr == "" {
					addr = cfg.Server.HTTPAddr
				}
				payload, err = callHTTP(ctx, addr, token, args[0], params)
			} else {
				addr := opts.addr
				if addr == "" {
					addr = cfg.Server.GRPCAddr
				}
				payload, err = callGRPC(ctx, addr, token, args[0], params)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), payload)
		},
	}
	cmd.Flags().StringVarP(&opts.params, "params", "p", "", "method params as a JSON object")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "gateway address (defaults to the configured server address)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (defaults to $CLAWGATE_TOKEN or the saved token)")
	cmd.Flags().BoolVar(&opts.useHTTP, "http", false, "call over HTTP POST /rpc instead of gRPC")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "call timeout")
	return cmd
}

func callGRPC(ctx context.Context, addr, token, method string, params json.RawMessage) (json.RawMessage, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	var p any
	if params != nil {
		p = params
	}
	return gateway.Call(ctx, conn, method, p)
}

func callHTTP(ctx context.Context, addr, token, method string, params json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(rpc.Request{ID: "cli", Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("unauthorized: pass --token or run clawgate token --save")
	}

	var frame struct {
		OK      bool            `json:"ok"`
		Payload json.RawMessage `json:"payload"`
		Error   *apierr.Error   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if !frame.OK {
		if frame.Error != nil {
			return nil, frame.Error
		}
		return nil, fmt.Errorf("call failed with status %d", resp.StatusCode)
	}
	return frame.Payload, nil
}

func printJSON(w io.Writer, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newTokenCmd(configPath func() string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		roles   []string
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the gateway's RPC surfaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured in %s", path)
			}
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(subject, ttl, roles...)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			if save {
				tp := tokenPath(path)
				if err := os.WriteFile(tp, []byte(token), 0600); err != nil {
					return fmt.Errorf("writing token file: %w", err)
				}
				color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "  ✓ Saved token: %s\n", tp)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to embed (repeatable); gateway.reload and decision.respond need admin or operator")
	cmd.Flags().BoolVar(&save, "save", false, "write the token next to the config file")
	return cmd
}
