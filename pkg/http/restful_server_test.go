package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"liyu1981.xyz/agri-telemetry-service/pkg/iot/mocks"
	_ "liyu1981.xyz/agri-telemetry-service/pkg/testing"
	trainingmocks "liyu1981.xyz/agri-telemetry-service/pkg/training/mocks"

	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/db"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
	"liyu1981.xyz/agri-telemetry-service/pkg/training"
)

func setupTestServer(t *testing.T) *RestfulServer {
	t.Helper()
	core := iot.New(db.MustOpen(db.UseMemorySqliteDialector()), iot.Options{
		Channel: iot.ChannelOptions{
			IntervalUnit: 20 * time.Millisecond,
			BackoffBase:  5 * time.Millisecond,
			BackoffCap:   20 * time.Millisecond,
		},
		FlushInterval: time.Hour,
		DefaultRate:   1000,
		DefaultBurst:  1000,
	})
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = core.Shutdown(ctx)
	})

	rs := NewRestfulServer(gin.New(), core)
	rs.Setup()

	return rs
}

func floatPtr(v float64) *float64 { return &v }

func soilConfig(deviceID string) models.DeviceConfig {
	return models.DeviceConfig{
		DeviceID:                    deviceID,
		FarmID:                      "F1",
		DeviceType:                  models.SensorTypeSoil,
		SamplingIntervalMinutes:     1,
		TransmissionIntervalMinutes: 15,
		AlertThresholds: map[string]models.Threshold{
			"moisture": {Min: floatPtr(20), Critical: true},
		},
	}
}

func serve(rs *RestfulServer, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	rs.Server.ServeHTTP(w, req)
	return w
}

func registerDevice(t *testing.T, rs *RestfulServer, cfg models.DeviceConfig) {
	t.Helper()
	w := serve(rs, "POST", "/devices", cfg)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Eventually(t, func() bool {
		state, ok := rs.Iot.DeviceState(cfg.DeviceID)
		return ok && state == iot.StateConnected
	}, time.Second, 5*time.Millisecond)
}

func soilReading(deviceID string, moisture float64) models.SensorReading {
	return models.SensorReading{
		DeviceID:         deviceID,
		FarmID:           "F1",
		Timestamp:        time.Now().UTC(),
		SensorType:       models.SensorTypeSoil,
		ConnectionStatus: models.ConnectionOnline,
		BatteryLevel:     80,
		SignalStrength:   70,
		Payload:          models.SoilPayload{Moisture: moisture, Temperature: 22, PH: 6.5},
	}
}

func TestHealthCheck(t *testing.T) {
	rs := setupTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	rs.Server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRegisterAndGetDevice(t *testing.T) {
	common.SetTestLoggerNop()
	rs := setupTestServer(t)

	deviceID := uuid.NewString()
	cfg := soilConfig(deviceID)
	registerDevice(t, rs, cfg)

	{
		// identical re-registration is accepted
		w := serve(rs, "POST", "/devices", cfg)
		assert.Equal(t, http.StatusCreated, w.Code)
	}

	{
		changed := cfg
		changed.TransmissionIntervalMinutes = 30
		w := serve(rs, "POST", "/devices", changed)
		assert.Equal(t, http.StatusConflict, w.Code)
	}

	{
		invalid := cfg
		invalid.FarmID = ""
		w := serve(rs, "POST", "/devices", invalid)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		invalid = cfg
		invalid.DeviceType = "radar"
		w = serve(rs, "POST", "/devices", invalid)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = serve(rs, "POST", "/devices", []byte("{"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}

	{
		w := serve(rs, "GET", "/devices/"+deviceID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var got models.DeviceConfig
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "F1", got.FarmID)
		assert.True(t, got.IsActive)

		w = serve(rs, "GET", "/devices/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	}

	{
		w := serve(rs, "GET", "/devices/"+deviceID+"/state", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, fmt.Sprintf(`{"deviceId":%q,"state":"connected"}`, deviceID), w.Body.String())
	}

	{
		w := serve(rs, "GET", "/farms/F1/devices", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var configs []models.DeviceConfig
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &configs))
		require.Len(t, configs, 1)
		assert.Equal(t, deviceID, configs[0].DeviceID)
	}
}

func TestReconfigureAndDeactivate(t *testing.T) {
	common.SetTestLoggerNop()
	rs := setupTestServer(t)

	cfg := soilConfig("soil-001")
	registerDevice(t, rs, cfg)

	cfg.TransmissionIntervalMinutes = 5
	w := serve(rs, "PUT", "/devices/soil-001/config", cfg)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(rs, "PUT", "/devices/soil-002/config", cfg)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	other := soilConfig("soil-404")
	w = serve(rs, "PUT", "/devices/soil-404/config", other)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(rs, "POST", "/devices/soil-001/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(rs, "GET", "/devices/soil-001/state", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(rs, "POST", "/devices/soil-001/readings", soilReading("soil-001", 30))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(rs, "POST", "/devices/soil-001/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Eventually(t, func() bool {
		state, ok := rs.Iot.DeviceState("soil-001")
		return ok && state == iot.StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestPushReadingAndAlertLifecycle(t *testing.T) {
	common.SetTestLoggerNop()
	rs := setupTestServer(t)

	registerDevice(t, rs, soilConfig("soil-001"))

	w := serve(rs, "POST", "/devices/soil-001/readings", soilReading("soil-001", 10))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = serve(rs, "POST", "/devices/soil-001/heartbeat", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var alerts []models.Alert
	require.Eventually(t, func() bool {
		w := serve(rs, "GET", "/devices/soil-001/alerts", nil)
		if w.Code != http.StatusOK {
			return false
		}
		alerts = nil
		_ = json.Unmarshal(w.Body.Bytes(), &alerts)
		return len(alerts) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.AlertTypeCriticalReading, alerts[0].AlertType)

	w = serve(rs, "GET", "/devices/soil-001/alerts?open=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var open []models.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &open))
	assert.Len(t, open, 1)

	require.Eventually(t, func() bool {
		w := serve(rs, "GET", "/farms/F1/readings/current", nil)
		var readings []models.SensorReading
		_ = json.Unmarshal(w.Body.Bytes(), &readings)
		return w.Code == http.StatusOK && len(readings) == 1 && readings[0].DeviceID == "soil-001"
	}, time.Second, 10*time.Millisecond)

	{
		q := url.Values{}
		q.Set("from", time.Now().Add(-time.Hour).UTC().Format(time.RFC3339))
		q.Set("to", time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
		q.Set("types", "soil")
		w := serve(rs, "GET", "/farms/F1/readings?"+q.Encode(), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var readings []models.SensorReading
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &readings))
		assert.Len(t, readings, 1)

		q.Set("types", "weather")
		w = serve(rs, "GET", "/farms/F1/readings?"+q.Encode(), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	}

	{
		w := serve(rs, "POST", "/alerts/"+alerts[0].ID+"/ack", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var acked models.Alert
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acked))
		assert.True(t, acked.Acknowledged)

		w = serve(rs, "POST", "/alerts/"+alerts[0].ID+"/resolve", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = serve(rs, "POST", "/alerts/missing/ack", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
}

func TestPushReadingErrors(t *testing.T) {
	common.SetTestLoggerNop()
	rs := setupTestServer(t)

	registerDevice(t, rs, soilConfig("soil-001"))

	w := serve(rs, "POST", "/devices/soil-404/readings", soilReading("soil-404", 30))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(rs, "POST", "/devices/soil-001/readings", []byte{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// the core limiter is shared with the limiter endpoints
	w = serve(rs, "POST", "/devices/soil-001/limiter", []byte(`{"rate":0.001,"burst":1}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(rs, "POST", "/devices/soil-001/readings", soilReading("soil-001", 30))
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = serve(rs, "POST", "/devices/soil-001/readings", soilReading("soil-001", 30))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := rs.Iot.Shutdown(ctx)
	require.NoError(t, err)

	w = serve(rs, "POST", "/devices/soil-001/readings", soilReading("soil-001", 30))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLimiterEndpoints(t *testing.T) {
	rs := setupTestServer(t)

	w := serve(rs, "POST", "/devices/soil-001/limiter", []byte(`{"rate":"x"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(rs, "POST", "/devices/soil-001/limiter", []byte(`{"rate":2,"burst":4}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(rs, "GET", "/devices/soil-001/limiter", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snapshot iot.LimiterSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, 2.0, snapshot.Rate)
	assert.Equal(t, 4, snapshot.Burst)
}

func TestHistoricalReadingsRejectsBadQuery(t *testing.T) {
	rs := setupTestServer(t)

	w := serve(rs, "GET", "/farms/F1/readings", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	from := time.Now().UTC()
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", from.Add(-time.Hour).Format(time.RFC3339))
	w = serve(rs, "GET", "/farms/F1/readings?"+q.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	q.Set("to", from.Add(time.Hour).Format(time.RFC3339))
	q.Set("types", "soil,radar")
	w = serve(rs, "GET", "/farms/F1/readings?"+q.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOperatorAuth(t *testing.T) {
	common.SetTestLoggerNop()
	rs := setupTestServer(t)
	rs.Auth = NewAuth("s3cret")

	cfg := soilConfig("soil-001")

	w := serve(rs, "POST", "/devices", cfg)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := NewAuth("other").IssueToken("mallory", time.Minute)
	require.NoError(t, err)
	w = serve(rs, "POST", "/devices", cfg, "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := rs.Auth.IssueToken("alice", -time.Minute)
	require.NoError(t, err)
	w = serve(rs, "POST", "/devices", cfg, "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := rs.Auth.IssueToken("alice", time.Minute)
	require.NoError(t, err)
	w = serve(rs, "POST", "/devices", cfg, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusCreated, w.Code)

	operator, err := rs.Auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", operator)

	// device traffic and reads stay open
	w = serve(rs, "GET", "/devices/soil-001", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Nil(t, NewAuth(""))
}

func TestGetAlertsWithMock(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockAlert := mocks.NewMockIAlert(ctrl)

	rs := setupTestServer(t)
	rs.Iot.WithServices(iot.ServiceOpts{Alert: mockAlert})

	mockAlert.EXPECT().
		GetDeviceAlerts(gomock.Any(), gomock.Eq("soil-001")).
		Return(nil, fmt.Errorf("test error")).
		Times(1)
	w := serve(rs, "GET", "/devices/soil-001/alerts", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	mockAlert.EXPECT().
		GetDeviceAlerts(gomock.Any(), gomock.Eq("soil-002")).
		Return(nil, nil).
		Times(1)
	w = serve(rs, "GET", "/devices/soil-002/alerts", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestTrainingRoutes(t *testing.T) {
	common.SetTestLoggerNop()
	rs := setupTestServer(t)

	w := serve(rs, "POST", "/farms/F1/training/export", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = serve(rs, "POST", "/training/retrain", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctrl := gomock.NewController(t)
	service := trainingmocks.NewMockTrainingService(ctrl)
	rs.Exporter = training.NewExporter(training.NewMemoryWindowStore(0), service, training.ExporterOpts{}, rs.Iot.Metrics)

	w = serve(rs, "POST", "/farms/F1/training/export?days=30", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = serve(rs, "POST", "/farms/F1/training/export?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	farms := trainingmocks.NewMockFarmLister(ctrl)
	farms.EXPECT().ListActiveFarms(gomock.Any()).Return([]string{"F1"}, nil).Times(1)
	rs.Scheduler = training.NewRetrainScheduler(farms, rs.Exporter, training.DefaultSchedule)

	w = serve(rs, "POST", "/training/retrain", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary training.RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, "F1", summary.Outcomes[0].FarmID)
	assert.NotEmpty(t, summary.Outcomes[0].Error)
}

func TestDeviceWebsocketDisabled(t *testing.T) {
	rs := setupTestServer(t)

	w := serve(rs, "GET", "/ws/devices/soil-001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rs := setupTestServer(t)

	w := serve(rs, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
