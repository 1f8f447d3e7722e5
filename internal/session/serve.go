package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
)

// Serve runs the control loop for conn until the peer goes away or ctx is
// done. The session is closed on every exit path.
func (s *Session) Serve(ctx context.Context, conn *websocket.Conn) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Unblock ReadMessage.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	if err := s.send(conn, Response{Status: "connected", SessionID: s.id}); err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		if werr := s.send(conn, serverError(err)); werr != nil {
			return werr
		}
	}

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		resp := s.Handle(ctx, raw)
		if resp.Empty() {
			continue
		}
		if err := s.send(conn, resp); err != nil {
			return err
		}
	}
}

func (s *Session) send(conn *websocket.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Handler upgrades HTTP requests to WebSocket control sessions.
type Handler struct {
	registry *Registry
	deps     Deps
	upgrader websocket.Upgrader
	logger   *zap.Logger
	base     context.Context
}

// NewHandler returns a handler that registers each new session in reg.
// Sessions end when base is done.
func NewHandler(base context.Context, reg *Registry, deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: reg,
		deps:     deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "ws")),
		base:   base,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s := New(h.deps)
	h.registry.Add(s)
	defer h.registry.Remove(s.ID())

	log := h.logger.With(zap.String("session", s.ID()), zap.String("remote", r.RemoteAddr))
	log.Info("client connected", zap.Int("sessions", h.registry.Len()))

	err = s.Serve(h.base, conn)
	var ce *websocket.CloseError
	if err != nil && !errors.As(err, &ce) {
		log.Info("client disconnected", zap.Error(err))
		return
	}
	log.Info("client disconnected")
}
