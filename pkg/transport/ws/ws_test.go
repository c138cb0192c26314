package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

func newServer(t *testing.T, tr *Transport) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := strings.TrimPrefix(r.URL.Path, "/ws/")
		_ = tr.ServeDevice(w, r, deviceID)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
}

func reading() models.SensorReading {
	return models.SensorReading{
		DeviceID:         "soil-001",
		FarmID:           "F1",
		Timestamp:        time.Now().UTC().Truncate(time.Second),
		SensorType:       models.SensorTypeSoil,
		ConnectionStatus: models.ConnectionOnline,
		BatteryLevel:     80,
		SignalStrength:   70,
		Payload:          models.SoilPayload{Moisture: 30, Temperature: 22, PH: 6.5},
	}
}

func TestConnectWaitsForDevice(t *testing.T) {
	common.SetTestLoggerNop()
	tr := New(8)
	base := newServer(t, tr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		sess iot.Session
		err  error
	}
	connected := make(chan result, 1)
	go func() {
		sess, err := tr.Connect(ctx, "soil-001")
		connected <- result{sess, err}
	}()

	dev, err := Dial(ctx, base+"soil-001")
	require.NoError(t, err)

	res := <-connected
	require.NoError(t, res.err)
	sess := res.sess

	require.NoError(t, dev.SendHeartbeat())
	require.NoError(t, dev.SendReading(reading()))

	f, err := sess.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, iot.FrameHeartbeat, f.Kind)

	f, err = sess.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, iot.FrameReading, f.Kind)
	var got models.SensorReading
	require.NoError(t, json.Unmarshal(f.Data, &got))
	assert.Equal(t, "soil-001", got.DeviceID)
	assert.Equal(t, 30.0, got.Payload.(models.SoilPayload).Moisture)

	require.NoError(t, dev.Close())
	_, err = sess.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrConnectionLost)
	assert.Eventually(t, func() bool { return !tr.Connected("soil-001") }, time.Second, 10*time.Millisecond)
}

func TestConnectTimesOutWithoutDevice(t *testing.T) {
	common.SetTestLoggerNop()
	tr := New(8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Connect(ctx, "soil-404")
	assert.ErrorIs(t, err, models.ErrConnectionLost)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsWaitingConnects(t *testing.T) {
	common.SetTestLoggerNop()
	tr := New(8)
	errs := make(chan error, 1)
	go func() {
		_, err := tr.Connect(context.Background(), "soil-001")
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, models.ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("connect did not return after close")
	}
}

func TestMalformedEnvelopeIsForwarded(t *testing.T) {
	common.SetTestLoggerNop()
	tr := New(8)
	base := newServer(t, tr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev, err := Dial(ctx, base+"soil-001")
	require.NoError(t, err)
	defer dev.Close()
	require.Eventually(t, func() bool { return tr.Connected("soil-001") }, time.Second, 5*time.Millisecond)

	sess, err := tr.Connect(ctx, "soil-001")
	require.NoError(t, err)

	dev.mu.Lock()
	require.NoError(t, dev.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	dev.mu.Unlock()

	f, err := sess.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, iot.FrameReading, f.Kind)
	assert.Equal(t, "not json", string(f.Data))
}
