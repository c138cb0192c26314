package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func soilReading(moisture, ph, temperature float64) *models.SensorReading {
	return &models.SensorReading{
		DeviceID:         "soil-001",
		FarmID:           "F1",
		Timestamp:        now,
		SensorType:       models.SensorTypeSoil,
		ConnectionStatus: models.ConnectionOnline,
		BatteryLevel:     90,
		SignalStrength:   80,
		Payload:          models.SoilPayload{Moisture: moisture, PH: ph, Temperature: temperature},
	}
}

func weatherReading(humidity, temperature, wind float64) *models.SensorReading {
	return &models.SensorReading{
		DeviceID:       "wx-001",
		FarmID:         "F1",
		Timestamp:      now,
		SensorType:     models.SensorTypeWeather,
		BatteryLevel:   90,
		SignalStrength: 80,
		Payload:        models.WeatherPayload{Humidity: humidity, Temperature: temperature, WindSpeed: wind},
	}
}

func TestSoilBoundaries(t *testing.T) {
	accepted := [][3]float64{
		{0, 0, -10},
		{100, 14, 60},
		{50, 7, 20},
		{0, 14, 60},
		{100, 0, -10},
	}
	for _, c := range accepted {
		res := Validate(soilReading(c[0], c[1], c[2]))
		assert.True(t, res.Accepted, "expected accept for %v: %s", c, res.Reason)
	}

	rejected := [][3]float64{
		{-0.01, 7, 20},
		{100.01, 7, 20},
		{50, -0.1, 20},
		{50, 14.1, 20},
		{50, 7, -10.5},
		{50, 7, 60.5},
	}
	for _, c := range rejected {
		res := Validate(soilReading(c[0], c[1], c[2]))
		assert.False(t, res.Accepted, "expected reject for %v", c)
		assert.NotEmpty(t, res.Reason)
	}
}

func TestWeatherBoundaries(t *testing.T) {
	assert.True(t, Validate(weatherReading(0, -50, 0)).Accepted)
	assert.True(t, Validate(weatherReading(100, 60, 200)).Accepted)

	assert.False(t, Validate(weatherReading(101, 20, 10)).Accepted)
	assert.False(t, Validate(weatherReading(-1, 20, 10)).Accepted)
	assert.False(t, Validate(weatherReading(50, -51, 10)).Accepted)
	assert.False(t, Validate(weatherReading(50, 61, 10)).Accepted)
	assert.False(t, Validate(weatherReading(50, 20, 200.5)).Accepted)
	assert.False(t, Validate(weatherReading(50, 20, -3)).Accepted)
}

func TestStructuralChecks(t *testing.T) {
	r := soilReading(40, 7, 20)
	r.Payload = models.WeatherPayload{}
	assert.False(t, Validate(r).Accepted, "variant must match tag")

	r = soilReading(40, 7, 20)
	r.Payload = nil
	assert.False(t, Validate(r).Accepted)

	r = soilReading(40, 7, 20)
	r.BatteryLevel = 101
	assert.False(t, Validate(r).Accepted)

	r = soilReading(40, 7, 20)
	r.FarmID = ""
	assert.False(t, Validate(r).Accepted)

	camera := &models.SensorReading{
		DeviceID: "cam-1", FarmID: "F1", Timestamp: now,
		SensorType: models.SensorTypeCamera, Payload: models.CameraPayload{},
	}
	assert.False(t, Validate(camera).Accepted)
	camera.Payload = models.CameraPayload{ImageURL: "s3://bucket/frame.jpg"}
	assert.True(t, Validate(camera).Accepted)

	water := &models.SensorReading{
		DeviceID: "w-1", FarmID: "F1", Timestamp: now,
		SensorType: models.SensorTypeWater, Payload: models.WaterPayload{PH: 99},
	}
	assert.True(t, Validate(water).Accepted, "water only gets structural checks")
}

func TestRejectionError(t *testing.T) {
	res := Validate(soilReading(120, 7, 20))
	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidationRejected))
	assert.Contains(t, err.Error(), "moisture")

	assert.NoError(t, Validate(soilReading(20, 7, 20)).Err())
}

func TestCheckFreshness(t *testing.T) {
	r := soilReading(40, 7, 20)

	assert.True(t, CheckFreshness(r, now.Add(5*time.Minute), 0).Accepted)
	assert.True(t, CheckFreshness(r, now.Add(-5*time.Minute), 0).Accepted)
	assert.False(t, CheckFreshness(r, now.Add(5*time.Minute+time.Second), 0).Accepted)
	assert.False(t, CheckFreshness(r, now.Add(-6*time.Minute), 0).Accepted)
	assert.True(t, CheckFreshness(r, now.Add(time.Hour), 2*time.Hour).Accepted)
}
