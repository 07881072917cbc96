// ABOUTME: Minimal fake agent runtime for E2E testing, answers the gateway's webhook executor with markdown echoes.
// ABOUTME: Usage: fake-runtime [-addr localhost:9000] [-token secret] [-delay 50ms]
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

// runRequest is the subset of the gateway's run request the fake runtime reads.
type runRequest struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
	Message    string `json:"message"`
	Lane       string `json:"lane"`
	Label      string `json:"label"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

type runResponse struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:9000", "HTTP listen address")
	token := flag.String("token", "", "bearer token the gateway must send (agents.runtime.token)")
	delay := flag.Duration("delay", 50*time.Millisecond, "simulated thinking time per run")
	flag.Parse()

	if err := run(*addr, *token, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, token string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newHandler(token, delay),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	fmt.Fprintf(os.Stderr, "fake runtime listening on http://%s/run\n", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newHandler(token string, delay time.Duration) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeRun(w, http.StatusUnauthorized, runResponse{Error: "invalid runtime token"})
				return
			}
		}

		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRun(w, http.StatusBadRequest, runResponse{Error: "invalid run request: " + err.Error()})
			return
		}

		log.Printf("run %s [%s/%s]: %s", req.RunID, req.SessionKey, req.Lane, req.Message)

		// Small delay to simulate work
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}

		if strings.Contains(strings.ToLower(req.Message), "fail") {
			writeRun(w, http.StatusOK, runResponse{Error: "simulated failure"})
			return
		}
		writeRun(w, http.StatusOK, runResponse{Output: echoReply(req.Message)})
	})
	return mux
}

func writeRun(w http.ResponseWriter, status int, resp runResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
