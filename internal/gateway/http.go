// ABOUTME: HTTP transports for the RPC dispatcher: POST /rpc and the /ws WebSocket
// ABOUTME: WebSocket clients may subscribe to broadcast topics and receive event frames

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/events"
	"github.com/2389/clawgate/internal/rpc"
)

const (
	maxRPCBody     = 4 << 20
	wsWriteTimeout = 15 * time.Second
	wsReadLimit    = 4 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// rpcHandler serves POST /rpc.
type rpcHandler struct {
	dispatcher *rpc.Dispatcher
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, rpc.Response{
			Error: apierr.InvalidRequest("use POST"),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody+1))
	if err != nil || len(body) > maxRPCBody {
		writeJSON(w, http.StatusBadRequest, rpc.Response{
			Error: apierr.InvalidRequest("request body unreadable or too large"),
		})
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpc.Response{
			Error: apierr.InvalidRequest("invalid request frame: %v", err),
		})
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), req)
	status := http.StatusOK
	if !resp.OK {
		status = apierr.HTTPStatus(resp.Error.Code)
	}
	writeJSON(w, status, resp)
}

// wsResponse is an RPC response on the WebSocket.
type wsResponse struct {
	Type string `json:"type"`
	rpc.Response
}

// wsEvent is a broadcast event pushed to a subscribed WebSocket client.
type wsEvent struct {
	Type    string    `json:"type"`
	Event   string    `json:"event"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"ts"`
	Payload any       `json:"payload,omitempty"`
}

// subscribeParams are the subscribe method parameters.
type subscribeParams struct {
	Events []string `json:"events,omitempty"`
}

// wsHandler serves GET /ws.
type wsHandler struct {
	dispatcher  *rpc.Dispatcher
	broadcaster *events.Broadcaster
	logger      *slog.Logger
}

// wsConn is one WebSocket client.
type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	subMu     sync.Mutex
	subCancel context.CancelFunc
}

func (c *wsConn) write(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, v)
}

// subscribe replaces the client's subscription with one for patterns.
func (c *wsConn) subscribe(ctx context.Context, b *events.Broadcaster, patterns []string) {
	subCtx, cancel := context.WithCancel(ctx)

	c.subMu.Lock()
	if c.subCancel != nil {
		c.subCancel()
	}
	c.subCancel = cancel
	c.subMu.Unlock()

	ch, subID := b.Subscribe(subCtx, patterns...)
	c.logger.Debug("ws subscribed", "sub_id", subID, "topics", patterns)

	go func() {
		for ev := range ch {
			frame := wsEvent{Type: "event", Event: ev.Topic, Seq: ev.Seq, Time: ev.Time, Payload: ev.Payload}
			if err := c.write(subCtx, frame); err != nil {
				c.logger.Debug("ws event write failed", "error", err)
				cancel()
				return
			}
		}
	}()
}

func (c *wsConn) unsubscribe() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subCancel != nil {
		c.subCancel()
		c.subCancel = nil
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("ws accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	var inflight sync.WaitGroup
	defer inflight.Wait()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{conn: conn, logger: h.logger.With("remote", r.RemoteAddr)}
	defer c.unsubscribe()
	c.logger.Debug("ws client connected")

	for {
		var req rpc.Request
		// wsjson closes the connection on frames that are not valid JSON.
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.logger.Debug("ws read ended", "error", err)
			}
			return
		}

		if req.Method == rpc.MethodSubscribe {
			var p subscribeParams
			if err := rpc.Decode(rpc.MethodSubscribe, req.Params, &p); err != nil {
				_ = c.write(ctx, wsResponse{Type: "res", Response: rpc.Response{ID: req.ID, Error: apierr.As(err)}})
				continue
			}
			if len(p.Events) == 0 {
				p.Events = []string{events.TopicAll}
			}
			c.subscribe(ctx, h.broadcaster, p.Events)
			_ = c.write(ctx, wsResponse{Type: "res", Response: rpc.Response{
				ID: req.ID, OK: true, Payload: map[string]any{"subscribed": p.Events},
			}})
			continue
		}

		inflight.Add(1)
		go func(req rpc.Request) {
			defer inflight.Done()
			resp := h.dispatcher.Dispatch(ctx, req)
			if err := c.write(ctx, wsResponse{Type: "res", Response: resp}); err != nil {
				c.logger.Debug("ws write failed", "method", req.Method, "error", err)
			}
		}(req)
	}
}
