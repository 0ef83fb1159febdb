package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/websoft9/webssh/internal/audit"
	"github.com/websoft9/webssh/internal/config"
	"github.com/websoft9/webssh/internal/protocol"
	"github.com/websoft9/webssh/internal/registry"
	"github.com/websoft9/webssh/internal/relay"
	"github.com/websoft9/webssh/internal/terminal"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Terminal serves the relay WebSocket. Each accepted connection gets its own
// relay.Controller, registered in the connection registry for its lifetime.
type Terminal struct {
	cfg       *config.Config
	connector terminal.Connector
	registry  *registry.Registry
	audit     audit.Writer
	upgrader  websocket.Upgrader

	// Overridable in tests.
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewTerminal returns the WebSocket handler. aw may be nil.
func NewTerminal(cfg *config.Config, connector terminal.Connector, reg *registry.Registry, aw audit.Writer) *Terminal {
	h := &Terminal{
		cfg:          cfg,
		connector:    connector,
		registry:     reg,
		audit:        aw,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin.
func (h *Terminal) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowAnyOrigin() {
		return true
	}
	for _, allowed := range h.cfg.CORSAllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("Rejected WebSocket origin")
	return false
}

func (h *Terminal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket")
		return
	}

	id := uuid.NewString()
	logger := log.With().Str("conn_id", id).Str("client_ip", r.RemoteAddr).Logger()

	out := &wsSender{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := relay.New(relay.Options{
		ID:        id,
		Connector: h.connector,
		Sender:    out,
		Audit:     h.audit,
		ClientIP:  r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	go ctrl.Run(ctx)

	h.registry.Register(&registry.Conn{
		ID:          id,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now().UTC(),
		Closer:      conn,
	})
	logger.Info().Msg("Terminal connection opened")

	defer func() {
		h.registry.Unregister(id)
		cancel()
		<-ctrl.Done()
		_ = conn.Close()
		logger.Info().Msg("Terminal connection closed")
	}()

	conn.SetReadLimit(h.cfg.WSMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	})
	go out.pingLoop(ctx, h.pingInterval)

	limiter := rate.NewLimiter(rate.Limit(h.cfg.WSMessageRate), h.cfg.WSMessageBurst)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
		h.registry.Touch(id)

		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := ctrl.Deliver(ctx, message); err != nil {
			return
		}
	}
}

// wsSender writes relay output as JSON text frames. The relay's run loop is
// the only caller of Send; the mutex serializes it with keepalive pings.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) pingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
