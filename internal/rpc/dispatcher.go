// ABOUTME: Method dispatcher that decodes params, calls a subsystem and frames the result
// ABOUTME: Shared by the HTTP, WebSocket and gRPC transports

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/auth"
)

// MethodSubscribe is answered by streaming transports only.
const MethodSubscribe = "subscribe"

// Request is an inbound RPC frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound RPC frame.
type Response struct {
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Payload any           `json:"payload,omitempty"`
	Error   *apierr.Error `json:"error,omitempty"`
}

// Handler serves one method.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher routes requests to registered handlers.
type Dispatcher struct {
	handlers map[string]Handler
	roles    map[string][]string
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with no methods.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		roles:    make(map[string][]string),
		logger:   logger.With("component", "rpc"),
	}
}

// Handle registers h for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, h Handler) {
	d.handlers[method] = h
}

// Restrict requires authenticated callers of method to carry one of roles.
// Anonymous callers are only seen when authentication is disabled and are
// not restricted.
func (d *Dispatcher) Restrict(method string, roles ...string) {
	d.roles[method] = roles
}

func (d *Dispatcher) authorize(ctx context.Context, method string) error {
	roles := d.roles[method]
	if len(roles) == 0 {
		return nil
	}
	caller := auth.FromContext(ctx)
	if caller.Anonymous() || caller.HasAnyRole(roles...) {
		return nil
	}
	return apierr.Forbidden("%s requires one of the roles: %s", method, strings.Join(roles, ", "))
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs req and always returns a framed response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	payload, err := d.call(ctx, req)
	if err != nil {
		e := toAPIError(err)
		level := slog.LevelDebug
		if e.Code == apierr.CodeUnavailable {
			level = slog.LevelWarn
		}
		d.logger.Log(ctx, level, "rpc failed",
			"method", req.Method,
			"id", req.ID,
			"code", e.Code,
			"error", err,
		)
		return Response{ID: req.ID, OK: false, Error: e}
	}

	d.logger.Debug("rpc ok", "method", req.Method, "id", req.ID, "duration", time.Since(start))
	return Response{ID: req.ID, OK: true, Payload: payload}
}

func (d *Dispatcher) call(ctx context.Context, req Request) (any, error) {
	if req.Method == "" {
		return nil, apierr.InvalidRequest("method is required")
	}
	if req.Method == MethodSubscribe {
		return nil, apierr.InvalidRequest("subscribe is only available over WebSocket")
	}
	h, ok := d.handlers[req.Method]
	if !ok {
		return nil, apierr.InvalidRequest("unknown method: %s", req.Method)
	}
	if err := d.authorize(ctx, req.Method); err != nil {
		return nil, err
	}
	return h(ctx, req.Params)
}

// toAPIError converts any error into a wire error. Untyped errors become UNAVAILABLE.
func toAPIError(err error) *apierr.Error {
	var e *apierr.Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Unavailable("request cancelled: %v", err)
	}
	return apierr.Unavailable("%v", err)
}

// Decode strictly decodes params into dst. Empty params decode as an empty object.
func Decode(method string, params json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.InvalidRequest("invalid %s params: %v", method, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apierr.InvalidRequest("invalid %s params: trailing data", method)
	}
	return nil
}

// Typed adapts a function taking decoded params into a Handler.
func Typed[P any, R any](method string, fn func(ctx context.Context, p P) (R, error)) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p P
		if err := Decode(method, params, &p); err != nil {
			return nil, err
		}
		return fn(ctx, p)
	}
}
