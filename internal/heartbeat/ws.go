package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 25 * time.Second
)

type wsMessage struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Link поддерживает WebSocket-соединение с менеджером флота: авторизация по machineId,
// heartbeat-сообщения и переподключение с экспоненциальной паузой.
type Link struct {
	url       string
	machineID string
	apiKey    string
	logger    *zap.Logger

	mu            sync.Mutex
	writeMu       sync.Mutex
	conn          *websocket.Conn
	authenticated bool
}

// NewLink создаёт WebSocket-канал. Соединение устанавливает Run.
func NewLink(url, machineID, apiKey string, logger *zap.Logger) *Link {
	return &Link{
		url:       url,
		machineID: machineID,
		apiKey:    apiKey,
		logger:    logger,
	}
}

// Ready сообщает, авторизован ли канал.
func (l *Link) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && l.authenticated
}

// Run держит соединение открытым до отмены ctx.
func (l *Link) Run(ctx context.Context) {
	backoff := l.newBackoff()
	for {
		authed, err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if authed {
			backoff = l.newBackoff()
		}

		delay, _ := backoff.Next()
		l.logger.Debug("ws disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (l *Link) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(reconnectMaxDelay, retry.NewExponential(reconnectBaseDelay))
}

// session открывает одно соединение и читает сообщения до ошибки. Возвращает, была ли авторизация.
func (l *Link) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if l.apiKey != "" {
		header.Set("X-API-Key", l.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, header)
	if err != nil {
		return false, err
	}
	l.logger.Info("ws connection opened, authenticating", zap.String("url", l.url))

	if err := conn.WriteJSON(wsMessage{Type: "auth", MachineID: l.machineID}); err != nil {
		conn.Close()
		return false, err
	}

	l.mu.Lock()
	l.conn, l.authenticated = conn, false
	l.mu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()
	go l.pingLoop(sessCtx, conn)

	authed, err := l.readLoop(conn)

	l.mu.Lock()
	if l.conn == conn {
		l.conn, l.authenticated = nil, false
	}
	l.mu.Unlock()
	return authed, err
}

func (l *Link) readLoop(conn *websocket.Conn) (bool, error) {
	authed := false
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return authed, err
		}

		switch msg.Type {
		case "auth-ok":
			authed = true
			l.mu.Lock()
			l.authenticated = true
			l.mu.Unlock()
			l.logger.Info("ws authenticated", zap.String("machine_id", msg.MachineID))
		case "heartbeat-ack":
		case "error":
			l.logger.Warn("ws server error", zap.String("error", msg.Error))
		default:
			l.logger.Debug("ws unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (l *Link) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			l.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

var errLinkDown = errors.New("websocket link not ready")

// Send отправляет heartbeat по авторизованному каналу.
func (l *Link) Send(payload any) error {
	l.mu.Lock()
	conn, ok := l.conn, l.authenticated
	l.mu.Unlock()
	if conn == nil || !ok {
		return errLinkDown
	}

	data, err := json.Marshal(wsMessage{Type: "heartbeat", Data: payload})
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.mu.Lock()
		if l.conn == conn {
			l.authenticated = false
		}
		l.mu.Unlock()
		return err
	}
	return nil
}
