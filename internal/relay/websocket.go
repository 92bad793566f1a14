package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval    = 30 * time.Second
	defaultMaxMessageBytes = 1 << 20
	writeWait              = 10 * time.Second
)

var errMissingRelay = errors.New("relay: relay is required")

// TransportConfig wires the websocket endpoint.
type TransportConfig struct {
	Relay           *Relay
	PingInterval    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
	Logger          *zap.Logger
}

// WebSocketTransport upgrades HTTP requests and pumps frames between the
// socket and a relay session.
type WebSocketTransport struct {
	relay           *Relay
	upgrader        websocket.Upgrader
	pingInterval    time.Duration
	pongWait        time.Duration
	maxMessageBytes int64
	logger          *zap.Logger
}

// NewWebSocketTransport validates the configuration and builds the transport.
func NewWebSocketTransport(cfg TransportConfig) (*WebSocketTransport, error) {
	if cfg.Relay == nil {
		return nil, errMissingRelay
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketTransport{
		relay: cfg.Relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     OriginChecker(cfg.AllowedOrigins),
		},
		pingInterval:    pingInterval,
		pongWait:        2 * pingInterval,
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
	}, nil
}

// OriginChecker accepts requests without an Origin header (non-browser
// clients), same-origin browser requests and browser requests from one of the
// allowed origins. The session cookie rides along on every handshake, so
// there is no wildcard.
func OriginChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && strings.EqualFold(parsed.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// Serve upgrades the request and runs the session until the socket closes.
func (t *WebSocketTransport) Serve(w http.ResponseWriter, r *http.Request, principal Principal) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("relay websocket upgrade failed", zap.Error(err))
		return
	}
	t.serveConn(r.Context(), conn, principal)
}

func (t *WebSocketTransport) serveConn(ctx context.Context, conn *websocket.Conn, principal Principal) {
	session, err := t.relay.Connect(ctx, principal)
	if err != nil {
		t.logger.Warn("relay refused connection", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writePump(conn, session)
	}()

	t.readPump(ctx, conn, session)
	t.relay.Disconnect(session)
	<-writerDone
	_ = conn.Close()
}

func (t *WebSocketTransport) readPump(ctx context.Context, conn *websocket.Conn, session *Session) {
	conn.SetReadLimit(t.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				t.logger.Info("relay connection lost", zap.String("session_id", session.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		message, err := Decode(data)
		if err != nil {
			t.logger.Warn("relay dropped malformed frame", zap.String("session_id", session.ID()), zap.Error(err))
			continue
		}
		if err := t.relay.Dispatch(ctx, session, message); err != nil {
			t.logger.Info("relay stopped accepting frames", zap.String("session_id", session.ID()), zap.Error(err))
			return
		}
	}
}

func (t *WebSocketTransport) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	// A failed write closes the socket so the read pump notices and disconnects.
	defer conn.Close()

	for {
		select {
		case message, ok := <-session.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := Encode(message)
			if err != nil {
				t.logger.Error("relay failed to encode frame", zap.String("session_id", session.ID()), zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Info("relay write failed", zap.String("session_id", session.ID()), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
