package mqtt

import (
	"context"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

type fakeClient struct {
	pahomqtt.Client
	open bool
}

func (c *fakeClient) IsConnectionOpen() bool { return c.open }
func (c *fakeClient) IsConnected() bool      { return c.open }
func (c *fakeClient) Disconnect(uint)        { c.open = false }

type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestParseTopic(t *testing.T) {
	farm, device, kind, ok := ParseTopic(TelemetryTopic("F1", "soil-001"))
	require.True(t, ok)
	assert.Equal(t, "F1", farm)
	assert.Equal(t, "soil-001", device)
	assert.Equal(t, iot.FrameReading, kind)

	_, _, kind, ok = ParseTopic(HeartbeatTopic("F1", "soil-001"))
	require.True(t, ok)
	assert.Equal(t, iot.FrameHeartbeat, kind)

	for _, bad := range []string{
		"farms/F1/devices/soil-001/commands",
		"farms/F1/soil-001/telemetry",
		"farms//devices/soil-001/telemetry",
		"farms/F1/devices/soil-001/telemetry/extra",
	} {
		_, _, _, ok := ParseTopic(bad)
		assert.False(t, ok, bad)
	}
}

func TestHandleMessageFeedsSession(t *testing.T) {
	common.SetTestLoggerNop()
	client := &fakeClient{open: true}
	tr := NewWithClient(client, 1, 4)
	ctx := context.Background()

	sess, err := tr.Connect(ctx, "soil-001")
	require.NoError(t, err)

	tr.HandleMessage(client, fakeMessage{topic: "farms/F1/devices/soil-001/unknown"})
	tr.HandleMessage(client, fakeMessage{topic: TelemetryTopic("F1", "soil-001"), payload: []byte(`{"deviceId":"soil-001"}`)})
	tr.HandleMessage(client, fakeMessage{topic: HeartbeatTopic("F1", "soil-001")})

	f, err := sess.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, iot.FrameReading, f.Kind)
	assert.JSONEq(t, `{"deviceId":"soil-001"}`, string(f.Data))

	f, err = sess.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, iot.FrameHeartbeat, f.Kind)
}

func TestConnectionLossBreaksSessions(t *testing.T) {
	common.SetTestLoggerNop()
	client := &fakeClient{open: true}
	tr := NewWithClient(client, 1, 4)
	ctx := context.Background()

	sess, err := tr.Connect(ctx, "soil-001")
	require.NoError(t, err)

	client.open = false
	tr.onConnectionLost(client, assert.AnError)
	_, err = sess.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrConnectionLost)

	_, err = tr.Connect(ctx, "soil-001")
	assert.ErrorIs(t, err, models.ErrConnectionLost)

	client.open = true
	require.NoError(t, tr.Close())
	assert.False(t, client.open)
}
