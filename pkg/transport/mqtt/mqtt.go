// Package mqtt receives device telemetry from an MQTT broker.
//
// Devices publish readings to farms/{farm}/devices/{device}/telemetry and
// heartbeats to farms/{farm}/devices/{device}/heartbeat.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const (
	TopicTelemetry = "telemetry"
	TopicHeartbeat = "heartbeat"

	subscription = "farms/+/devices/+/+"
)

func TelemetryTopic(farmID, deviceID string) string {
	return fmt.Sprintf("farms/%s/devices/%s/%s", farmID, deviceID, TopicTelemetry)
}

func HeartbeatTopic(farmID, deviceID string) string {
	return fmt.Sprintf("farms/%s/devices/%s/%s", farmID, deviceID, TopicHeartbeat)
}

// ParseTopic splits a device topic. ok is false for topics outside the device
// tree.
func ParseTopic(topic string) (farmID, deviceID string, kind iot.FrameKind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "farms" || parts[2] != "devices" || parts[1] == "" || parts[3] == "" {
		return "", "", 0, false
	}
	switch parts[4] {
	case TopicTelemetry:
		kind = iot.FrameReading
	case TopicHeartbeat:
		kind = iot.FrameHeartbeat
	default:
		return "", "", 0, false
	}
	return parts[1], parts[3], kind, true
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// MaxElapsed bounds the initial connect; zero retries until ctx is done.
	MaxElapsed time.Duration
}

// Transport routes broker messages into per-device inboxes. All devices share
// one broker connection, so losing it breaks every session.
type Transport struct {
	*iot.ChanTransport
	client     pahomqtt.Client
	qos        byte
	maxElapsed time.Duration
	logger     *zap.Logger
}

func New(cfg Config, inboxSize int) *Transport {
	t := &Transport{
		ChanTransport: iot.NewChanTransport(inboxSize),
		qos:           cfg.QoS,
		maxElapsed:    cfg.MaxElapsed,
		logger:        common.GetLoggerWith(common.LoggerNameTransport, zap.String("transport", "mqtt")),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	t.client = pahomqtt.NewClient(opts)
	return t
}

// NewWithClient wraps a configured client. The caller subscribes
// HandleMessage itself.
func NewWithClient(client pahomqtt.Client, qos byte, inboxSize int) *Transport {
	return &Transport{
		ChanTransport: iot.NewChanTransport(inboxSize),
		client:        client,
		qos:           qos,
		logger:        common.GetLoggerWith(common.LoggerNameTransport, zap.String("transport", "mqtt")),
	}
}

// Start connects to the broker with exponential backoff.
func (t *Transport) Start(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = t.maxElapsed

	err := backoff.Retry(func() error {
		token := t.client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return fmt.Errorf("connect timed out")
		}
		if err := token.Error(); err != nil {
			t.logger.Warn("Failed to connect to MQTT broker", zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("could not establish MQTT connection: %w", err)
	}
	return nil
}

func (t *Transport) onConnect(c pahomqtt.Client) {
	token := c.Subscribe(subscription, t.qos, t.HandleMessage)
	if token.Wait() && token.Error() != nil {
		t.logger.Error("Failed to subscribe", zap.String("topic", subscription), zap.Error(token.Error()))
		return
	}
	t.logger.Info("Subscribed to device topics", zap.String("topic", subscription))
}

func (t *Transport) onConnectionLost(_ pahomqtt.Client, err error) {
	t.logger.Warn("MQTT connection lost", zap.Error(err))
	t.DropAll()
}

// HandleMessage is the subscription callback.
func (t *Transport) HandleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	_, deviceID, kind, ok := ParseTopic(msg.Topic())
	if !ok {
		t.logger.Debug("Ignored message on unknown topic", zap.String("topic", msg.Topic()))
		return
	}
	frame := iot.Frame{Kind: kind, Data: msg.Payload(), ReceivedAt: time.Now()}
	if err := t.Offer(deviceID, frame); err != nil {
		t.logger.Warn("Device inbox full, message dropped", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// Connect succeeds while the broker connection is up.
func (t *Transport) Connect(ctx context.Context, deviceID string) (iot.Session, error) {
	if !t.client.IsConnectionOpen() {
		return nil, fmt.Errorf("%w: broker not connected", models.ErrConnectionLost)
	}
	return t.ChanTransport.Connect(ctx, deviceID)
}

func (t *Transport) Close() error {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info("MQTT connection closed")
	}
	return nil
}
