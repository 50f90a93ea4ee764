package websocket

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Handler upgrades GET /ws and attaches the connection to the hub
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// HandlerConfig configures the upgrader
type HandlerConfig struct {
	// AllowedOrigins lists origins besides the serving host; "*" admits any
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
}

// NewHandler creates a handler accepting same-host requests and the
// configured origins
func NewHandler(hub *Hub, cfg HandlerConfig, logger *slog.Logger) *Handler {
	h := &Handler{hub: hub, logger: logger.With(slog.String("handler", "websocket"))}
	allowedOrigins := cfg.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			h.logger.Warn("WebSocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.DebugContext(r.Context(), "WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := NewClient(h.hub, NewConnectionWrapper(conn), h.logger)
	if !h.hub.Register(client) {
		_ = conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}
