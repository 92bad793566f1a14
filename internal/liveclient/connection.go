// Package liveclient keeps an editing client attached to a note's relay room.
package liveclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/noteroom/internal/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectInterval = time.Second
	defaultIdleTimeout       = time.Minute
	handshakeTimeout         = 5 * time.Second
	writeTimeout             = 5 * time.Second
)

// ErrJoinForbidden is reported by Err once the relay refused the room for
// good. The connection stays offline and no longer redials.
var ErrJoinForbidden = errors.New("liveclient: relay refused access to the room")

var (
	errMissingURL  = errors.New("liveclient: relay url is required")
	errMissingRoom = errors.New("liveclient: room id is required")
)

// Config describes the relay endpoint and the room to join.
type Config struct {
	URL         string
	Header      http.Header
	RoomID      string
	UserID      string
	DisplayName string

	// OnRemoteChange runs on the reader goroutine for every peer change.
	OnRemoteChange func(field string, value string)
	// OnStatusChange reports transitions between connected and disconnected.
	OnStatusChange func(connected bool)

	ReconnectInterval time.Duration
	// IdleTimeout bounds how long the socket may stay silent, relay pings
	// included, before it is presumed dead and redialed. It defaults to twice
	// the relay's default ping interval.
	IdleTimeout time.Duration
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

// Connection is a self-healing relay connection bound to one room.
type Connection struct {
	cfg               Config
	dialer            *websocket.Dialer
	reconnectInterval time.Duration
	idleTimeout       time.Duration
	logger            *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	held      map[string]struct{}
	connected bool
	err       error

	writeMu sync.Mutex

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open dials the relay and joins the configured room. A failed first dial
// leaves the connection offline and retrying in the background; only invalid
// configuration is reported as an error.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.RoomID == "" {
		return nil, errMissingRoom
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		cfg:               cfg,
		dialer:            dialer,
		reconnectInterval: interval,
		idleTimeout:       idleTimeout,
		logger:            logger,
		held:              make(map[string]struct{}),
		cancel:            cancel,
	}

	conn, err := connection.dial(runCtx)
	if err != nil {
		logger.Warn("relay unreachable, editing offline", zap.String("url", cfg.URL), zap.Error(err))
	}
	connection.wg.Add(1)
	go connection.run(runCtx, conn)
	return connection, nil
}

// Emit sends a field change to the room. It never queues: while the
// connection is down the change is dropped and Emit returns false.
func (c *Connection) Emit(field string, value string) bool {
	if err := relay.ValidateField(field); err != nil {
		c.logger.Warn("refusing to emit change", zap.Error(err))
		return false
	}
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return false
	}

	data, err := relay.Encode(relay.ContentChange{
		RoomID: c.cfg.RoomID,
		Field:  field,
		Value:  value,
		UserID: c.cfg.UserID,
	})
	if err != nil {
		c.logger.Error("failed to encode change", zap.Error(err))
		return false
	}
	if err := c.write(conn, data); err != nil {
		c.logger.Info("relay write failed", zap.Error(err))
		// Closing the socket ends the reader, which schedules the redial.
		_ = conn.Close()
		return false
	}
	return true
}

// IsConnected reports whether the relay session is live.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the relay-assigned id of the current session, or "".
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ""
	}
	return c.sessionID
}

// Err returns ErrJoinForbidden after the relay refused the room, and nil
// while the connection is still online or retrying.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops reconnecting and releases the socket. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		c.wg.Wait()
	})
	return nil
}

func (c *Connection) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.reconnectInterval)
	defer ticker.Stop()

	for {
		if conn != nil {
			err := c.read(ctx, conn)
			c.markDisconnected(conn)
			_ = conn.Close()
			conn = nil
			if err != nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := c.dial(ctx)
		if err != nil {
			c.logger.Debug("relay redial failed", zap.Error(err))
			continue
		}
		conn = next
	}
}

// dial opens the socket, waits for the session id and joins the room.
func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return nil, err
	}
	sessionID, err := awaitSessionID(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	data, err := relay.Encode(relay.JoinNote{
		RoomID:      c.cfg.RoomID,
		UserID:      c.cfg.UserID,
		DisplayName: c.cfg.DisplayName,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := c.write(conn, data); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ctx.Err()
	}
	c.conn = conn
	c.sessionID = sessionID
	c.held[sessionID] = struct{}{}
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("joined relay room", zap.String("room_id", c.cfg.RoomID), zap.String("session_id", sessionID))
	c.notifyStatus(true)
	return conn, nil
}

func awaitSessionID(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	message, err := relay.Decode(data)
	if err != nil {
		return "", err
	}
	connected, ok := message.(relay.Connected)
	if !ok {
		return "", fmt.Errorf("liveclient: expected %s frame, got %s", relay.TypeConnected, message.Type())
	}
	return connected.SessionID, nil
}

// read consumes frames until the socket fails, goes silent for longer than
// the idle timeout, or the relay rejects the join. Only a forbidden join is
// returned as an error; everything else ends in a redial.
func (c *Connection) read(ctx context.Context, conn *websocket.Conn) error {
	extendDeadline := func() {
		_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
	extendDeadline()
	conn.SetPingHandler(func(appData string) error {
		extendDeadline()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("relay connection lost", zap.Error(err))
			}
			return nil
		}
		extendDeadline()
		message, err := relay.Decode(data)
		if err != nil {
			c.logger.Warn("ignoring malformed relay frame", zap.Error(err))
			continue
		}
		switch typed := message.(type) {
		case relay.ContentChanged:
			if typed.RoomID != c.cfg.RoomID || c.isOwnSession(typed.OriginSessionID) {
				continue
			}
			if c.cfg.OnRemoteChange != nil {
				c.cfg.OnRemoteChange(typed.Field, typed.Value)
			}
		case relay.JoinRejected:
			if typed.Reason == relay.RejectForbidden {
				c.logger.Warn("relay refused the room, editing offline", zap.String("room_id", typed.RoomID))
				return ErrJoinForbidden
			}
			c.logger.Warn("relay could not admit the session, rejoining",
				zap.String("room_id", typed.RoomID), zap.String("reason", typed.Reason))
			return nil
		case relay.UserJoined:
			c.logger.Debug("peer joined", zap.String("user_id", typed.UserID))
		case relay.UserLeft:
			c.logger.Debug("peer left", zap.String("user_id", typed.UserID))
		}
	}
}

func (c *Connection) isOwnSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[sessionID]
	return ok
}

func (c *Connection) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.notifyStatus(false)
	}
}

func (c *Connection) notifyStatus(connected bool) {
	if c.cfg.OnStatusChange != nil {
		c.cfg.OnStatusChange(connected)
	}
}
