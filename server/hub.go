package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/john/printfleet/fleet"
	"github.com/john/printfleet/scheduler"
)

const writeTimeout = 5 * time.Second

// Feed methods pushed to websocket clients.
const (
	MethodNotification = "notify_notification"
	MethodPass         = "scheduler.pass"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// jsonRPCRequest represents an incoming JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

// jsonRPCNotification is a server-to-client message without an id.
type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wsClient is one connected dashboard. A client that connected with a
// user query parameter only receives that user's notifications.
type wsClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	userID string
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Hub fans scheduler events out to websocket clients. It implements
// notify.Notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	log     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]bool),
		log:     logger.With().Str("component", "ws").Logger(),
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify pushes a notification to the clients watching its user.
func (h *Hub) Notify(_ context.Context, n fleet.Notification) error {
	h.broadcast(MethodNotification, []any{n}, func(c *wsClient) bool {
		return c.userID == "" || c.userID == n.UserID
	})
	return nil
}

// BroadcastPass sends a pass summary to every client.
func (h *Hub) BroadcastPass(sum scheduler.Summary) {
	h.broadcast(MethodPass, []any{sum}, nil)
}

func (h *Hub) broadcast(method string, params any, want func(*wsClient) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := jsonRPCNotification{JSONRPC: "2.0", Method: method, Params: params}
	for client := range h.clients {
		if want != nil && !want(client) {
			continue
		}
		if err := client.send(msg); err != nil {
			h.log.Warn().Err(err).Str("method", method).Msg("WebSocket send failed")
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.conn.Close()
		delete(h.clients, client)
	}
}

// HandleWebSocket upgrades the connection and serves JSON-RPC requests
// until the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, userID: r.URL.Query().Get("user")}
	h.register(client)
	defer func() {
		h.unregister(client)
		conn.Close()
	}()

	h.log.Info().Str("remote", r.RemoteAddr).Str("user", client.userID).Msg("WebSocket client connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			client.send(jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "Parse error"},
			})
			continue
		}
		h.handleRPC(client, &req)
	}
}

func (h *Hub) handleRPC(client *wsClient, req *jsonRPCRequest) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "server.info":
		resp.Result = map[string]any{
			"name":    "printfleet",
			"clients": h.Clients(),
		}
	case "server.connection.identify":
		resp.Result = map[string]any{"user": client.userID}
	default:
		resp.Error = &rpcError{Code: -32601, Message: "Method not found"}
	}

	if err := client.send(resp); err != nil {
		h.log.Warn().Err(err).Str("method", req.Method).Msg("WebSocket reply failed")
	}
}
