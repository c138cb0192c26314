package iot

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"liyu1981.xyz/agri-telemetry-service/pkg/db"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot/mocks"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// testUnit stands in for a minute so intervals configured in minutes run in
// milliseconds.
const testUnit = 20 * time.Millisecond

func testOptions() Options {
	return Options{
		Channel: ChannelOptions{
			IntervalUnit: testUnit,
			QueueSize:    64,
			BackoffBase:  5 * time.Millisecond,
			BackoffCap:   20 * time.Millisecond,
		},
		FlushInterval: time.Hour,
		DefaultRate:   1000,
		DefaultBurst:  1000,
	}
}

func GetMockIOTWithMemorySqliteDialector(t *testing.T, useMockIRegistry, useMockIAlert bool) (
	*gomock.Controller,
	*IOT,
	*mocks.MockIRegistry,
	*mocks.MockIAlert,
) {
	ctrl := gomock.NewController(t)

	mockIRegistry := mocks.NewMockIRegistry(ctrl)
	mockIAlert := mocks.NewMockIAlert(ctrl)
	dbInstance := db.MustOpen(db.UseMemorySqliteDialector())
	iotInstance := New(dbInstance, testOptions())

	registryService := iotInstance.GetIRegistry()
	if useMockIRegistry {
		registryService = mockIRegistry
	}

	alertService := iotInstance.GetIAlert()
	if useMockIAlert {
		alertService = mockIAlert
	}

	iotInstance.WithServices(ServiceOpts{
		Registry: registryService,
		Alert:    alertService,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = iotInstance.Shutdown(ctx)
	})

	return ctrl, iotInstance, mockIRegistry, mockIAlert
}

func ParseLogs(r io.Reader) []any {
	scanner := bufio.NewScanner(r)
	var logs []any

	for scanner.Scan() {
		line := scanner.Text()
		var j any
		if err := json.Unmarshal([]byte(line), &j); err == nil {
			logs = append(logs, j)
		}
	}
	return logs
}

func floatPtr(v float64) *float64 { return &v }

func soilConfig(deviceID, farmID string) models.DeviceConfig {
	return models.DeviceConfig{
		DeviceID:                    deviceID,
		FarmID:                      farmID,
		DeviceType:                  models.SensorTypeSoil,
		Location:                    models.Location{Lat: 10.5, Lng: 105.1},
		SamplingIntervalMinutes:     1,
		TransmissionIntervalMinutes: 15,
		AlertThresholds: map[string]models.Threshold{
			"moisture": {Min: floatPtr(20), Critical: true},
		},
		IsActive: true,
	}
}

func soilReading(deviceID, farmID string, moisture float64, at time.Time) models.SensorReading {
	return models.SensorReading{
		DeviceID:         deviceID,
		FarmID:           farmID,
		Timestamp:        at,
		SensorType:       models.SensorTypeSoil,
		ConnectionStatus: models.ConnectionOnline,
		BatteryLevel:     80,
		SignalStrength:   70,
		Payload: models.SoilPayload{
			Moisture:    moisture,
			Temperature: 24,
			PH:          6.5,
		},
	}
}

func encode(t *testing.T, r models.SensorReading) []byte {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("encode reading: %v", err)
	}
	return data
}

// recordingHooks captures what a channel produces.
type recordingHooks struct {
	mu        sync.Mutex
	forwarded []models.SensorReading
	offline   int
	online    int
	dropAlert int
	recovered int
	states    []ChannelState
	// entered is signalled when Forward starts, gate holds it
	entered chan struct{}
	gate    chan struct{}
}

func (h *recordingHooks) Forward(_ models.DeviceConfig, r models.SensorReading) {
	if h.entered != nil {
		h.entered <- struct{}{}
	}
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarded = append(h.forwarded, r)
}

func (h *recordingHooks) Offline(models.DeviceConfig, time.Time, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline++
}

func (h *recordingHooks) Online(models.DeviceConfig, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online++
}

func (h *recordingHooks) DropRateExceeded(models.DeviceConfig, time.Time, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropAlert++
}

func (h *recordingHooks) DropRateRecovered(models.DeviceConfig, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recovered++
}

func (h *recordingHooks) StateChanged(_ string, _, to ChannelState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if to != "" {
		h.states = append(h.states, to)
	}
}

type hookSnapshot struct {
	forwarded []models.SensorReading
	offline   int
	online    int
	dropAlert int
	recovered int
	states    []ChannelState
}

func (h *recordingHooks) snapshot() hookSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hookSnapshot{
		forwarded: append([]models.SensorReading(nil), h.forwarded...),
		offline:   h.offline,
		online:    h.online,
		dropAlert: h.dropAlert,
		recovered: h.recovered,
		states:    append([]ChannelState(nil), h.states...),
	}
}
