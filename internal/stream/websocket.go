package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/docchat/internal/api"
	"github.com/ashureev/docchat/internal/chat"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	defaultWriteTimeout = 10 * time.Second
	subscriberBuffer    = 128
)

// Subscriber is the event source a connection follows.
type Subscriber interface {
	Subscribe(buffer int) (<-chan chat.Event, func())
}

// Handler upgrades view connections and streams session events to them.
type Handler struct {
	sub           Subscriber
	mgr           *Manager
	allowedOrigin string
	isDev         bool
	writeTimeout  time.Duration
	logger        *slog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(sub Subscriber, mgr *Manager, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sub:           sub,
		mgr:           mgr,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		writeTimeout:  defaultWriteTimeout,
		logger:        logger,
	}
}

// clientMessage is what a view may send.
type clientMessage struct {
	Type string `json:"type"`
}

// serverMessage is what the bridge pushes.
type serverMessage struct {
	Type   string             `json:"type"`
	State  *api.StateResponse `json:"state,omitempty"`
	Notice string             `json:"notice,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	connID := uuid.NewString()
	h.mgr.Register(connID, ws)
	defer h.mgr.Unregister(connID, ws)
	h.logger.Info("View connected", "conn_id", connID, "ip", r.RemoteAddr)

	events, unsubscribe := h.sub.Subscribe(subscriberBuffer)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: view -> bridge.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, connID)
	}()

	// Output loop: session events -> view.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, events, connID)
	}()

	wg.Wait()
	h.logger.Info("View disconnected", "conn_id", connID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, connID string) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "conn_id", connID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "conn_id", connID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ctx, ws, serverMessage{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
				return
			}
		default:
			h.logger.Debug("Ignoring view message", "type", msg.Type, "conn_id", connID)
		}
	}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, events <-chan chat.Event, connID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// The session was closed.
				_ = ws.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := h.writeJSON(ctx, ws, toServerMessage(ev)); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "conn_id", connID)
				}
				return
			}
		}
	}
}

func toServerMessage(ev chat.Event) serverMessage {
	msg := serverMessage{Type: string(ev.Type), Notice: ev.Notice}
	if ev.State != nil {
		s := api.NewStateResponse(*ev.State)
		msg.State = &s
	}
	return msg
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
