package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// DeviceConn is the device side of the websocket transport.
type DeviceConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func Dial(ctx context.Context, url string) (*DeviceConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &DeviceConn{conn: conn}, nil
}

func (c *DeviceConn) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *DeviceConn) SendReading(r models.SensorReading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.send(Envelope{Kind: KindReading, Data: data})
}

func (c *DeviceConn) SendHeartbeat() error {
	return c.send(Envelope{Kind: KindHeartbeat})
}

func (c *DeviceConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}
