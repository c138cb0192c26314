// Package ws lets devices stream telemetry over a websocket.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	readWait       = 5 * time.Minute
	maxMessageSize = 64 * 1024

	KindReading   = "reading"
	KindHeartbeat = "heartbeat"
)

// Envelope is one websocket text message from a device.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Transport accepts one websocket per device. A channel's Connect waits until
// its device dialed in; the session breaks when the socket goes away.
type Transport struct {
	*iot.ChanTransport

	mu      sync.Mutex
	conns   map[string]*websocket.Conn
	waiters map[string]chan struct{}
	closed  bool
	logger  *zap.Logger
}

func New(inboxSize int) *Transport {
	return &Transport{
		ChanTransport: iot.NewChanTransport(inboxSize),
		conns:         make(map[string]*websocket.Conn),
		waiters:       make(map[string]chan struct{}),
		logger:        common.GetLoggerWith(common.LoggerNameTransport, zap.String("transport", "ws")),
	}
}

func (t *Transport) Connect(ctx context.Context, deviceID string) (iot.Session, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: transport closed", models.ErrConnectionLost)
		}
		if _, ok := t.conns[deviceID]; ok {
			t.mu.Unlock()
			return t.ChanTransport.Connect(ctx, deviceID)
		}
		wait, ok := t.waiters[deviceID]
		if !ok {
			wait = make(chan struct{})
			t.waiters[deviceID] = wait
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s did not dial in: %w", models.ErrConnectionLost, deviceID, ctx.Err())
		case <-wait:
		}
	}
}

// ServeDevice upgrades the request and pumps the device's messages until the
// socket closes. A second socket of the same device replaces the first.
func (t *Transport) ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: transport closed", models.ErrConnectionLost)
	}
	if prev, ok := t.conns[deviceID]; ok {
		_ = prev.Close()
	}
	t.conns[deviceID] = conn
	if wait, ok := t.waiters[deviceID]; ok {
		close(wait)
		delete(t.waiters, deviceID)
	}
	t.mu.Unlock()

	t.logger.Info("Device websocket connected", zap.String("device_id", deviceID), zap.String("remote", conn.RemoteAddr().String()))
	t.readPump(deviceID, conn)
	return nil
}

func (t *Transport) readPump(deviceID string, conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		current := t.conns[deviceID] == conn
		if current {
			delete(t.conns, deviceID)
		}
		t.mu.Unlock()
		_ = conn.Close()
		if current {
			t.Drop(deviceID, 0)
		}
		t.logger.Info("Device websocket closed", zap.String("device_id", deviceID))
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("Device websocket read error", zap.String("device_id", deviceID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			t.logger.Warn("Malformed envelope", zap.String("device_id", deviceID), zap.Error(err))
			// forwarded so the channel counts it as malformed
			env = Envelope{Kind: KindReading, Data: message}
		}

		frame := iot.Frame{Kind: iot.FrameReading, Data: env.Data, ReceivedAt: time.Now()}
		if env.Kind == KindHeartbeat {
			frame.Kind = iot.FrameHeartbeat
		}
		if err := t.Offer(deviceID, frame); err != nil {
			t.logger.Warn("Device inbox full, message dropped", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

func (t *Transport) Connected(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[deviceID]
	return ok
}

// Close disconnects every device and fails pending Connect calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*websocket.Conn)
	for id, wait := range t.waiters {
		close(wait)
		delete(t.waiters, id)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
	t.DropAll()
	return nil
}
