package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsWriteTimeout = 5 * time.Second

// WebSocketHub broadcasts serialized events to every connected client.
// Each connection has its own write mutex; gorilla connections allow one concurrent writer.
type WebSocketHub struct {
	logger  arbor.ILogger
	clients map[*websocket.Conn]*sync.Mutex
	mu      sync.RWMutex
	server  *http.Server
}

// NewWebSocketHub creates a hub with no listener. Mount HandleWebSocket or call Start.
func NewWebSocketHub(logger arbor.ILogger) *WebSocketHub {
	return &WebSocketHub{
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (h *WebSocketHub) Name() string { return "websocket" }

// Start serves the hub at config.Path on config.Addr in the background
func (h *WebSocketHub) Start(config common.WebSocketConfig) error {
	path := config.Path
	if path == "" {
		path = "/ws"
	}

	listener, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, h.HandleWebSocket)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	common.SafeGo(h.logger, "websocket-hub", func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("WebSocket event server stopped")
		}
	})

	h.logger.Info().Str("addr", listener.Addr().String()).Str("path", path).Msg("WebSocket event stream listening")
	return nil
}

// HandleWebSocket upgrades the request and keeps the client registered until it disconnects
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", clientCount)
	}()

	// Clients only listen; reading detects disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish writes payload to every client. Failed clients are dropped; the error is never fatal.
func (h *WebSocketHub) Publish(ctx context.Context, topic string, payload []byte) error {
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, mutex := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, mutex)
	}
	h.mu.RUnlock()

	failed := 0
	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, payload)
		mutex.Unlock()

		if err != nil {
			failed++
			h.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to send event to WebSocket client")
			conn.Close()
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d websocket clients failed", failed, len(clients))
	}
	return nil
}

// Close disconnects every client and stops the listener if one was started
func (h *WebSocketHub) Close() error {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()

	if h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}
