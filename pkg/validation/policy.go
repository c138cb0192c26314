// Package validation holds the stateless per-reading checks applied before a
// reading is buffered or evaluated.
package validation

import (
	"fmt"
	"strings"
	"time"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// DefaultMaxClockSkew bounds the distance between a reading's clock and the
// ingestion clock.
const DefaultMaxClockSkew = 5 * time.Minute

type Result struct {
	Accepted bool
	Reason   string
}

func accept() Result { return Result{Accepted: true} }

func reject(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// Err converts a rejection into an error wrapping models.ErrValidationRejected.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrValidationRejected, r.Reason)
}

type bound struct {
	field    string
	min, max float64
}

func (b bound) check(v float64) Result {
	if v < b.min || v > b.max {
		return reject("%s %.2f out of range [%g, %g]", b.field, v, b.min, b.max)
	}
	return accept()
}

var (
	soilBounds = []bound{
		{"moisture", 0, 100},
		{"ph", 0, 14},
		{"temperature", -10, 60},
	}
	weatherBounds = []bound{
		{"humidity", 0, 100},
		{"temperature", -50, 60},
		{"windSpeed", 0, 200},
	}
)

func checkBounds(bounds []bound, fields map[string]float64) Result {
	for _, b := range bounds {
		if res := b.check(fields[b.field]); !res.Accepted {
			return res
		}
	}
	return accept()
}

// Validate applies the envelope checks shared by every sensor type and then the
// range checks of the payload variant.
func Validate(r *models.SensorReading) Result {
	if r == nil {
		return reject("nil reading")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return reject("deviceId is required")
	}
	if strings.TrimSpace(r.FarmID) == "" {
		return reject("farmId is required")
	}
	if r.Timestamp.IsZero() {
		return reject("timestamp is required")
	}
	if !r.SensorType.Valid() {
		return reject("unknown sensorType %q", r.SensorType)
	}
	if r.ConnectionStatus != "" && !r.ConnectionStatus.Valid() {
		return reject("unknown connectionStatus %q", r.ConnectionStatus)
	}
	if r.BatteryLevel < 0 || r.BatteryLevel > 100 {
		return reject("batteryLevel %.2f out of range [0, 100]", r.BatteryLevel)
	}
	if r.SignalStrength < 0 || r.SignalStrength > 100 {
		return reject("signalStrength %.2f out of range [0, 100]", r.SignalStrength)
	}
	if r.Payload == nil {
		return reject("payload is required")
	}
	if r.Payload.SensorType() != r.SensorType {
		return reject("payload %s does not match sensorType %s", r.Payload.SensorType(), r.SensorType)
	}

	switch p := r.Payload.(type) {
	case models.SoilPayload:
		return checkBounds(soilBounds, p.Fields())
	case models.WeatherPayload:
		return checkBounds(weatherBounds, p.Fields())
	case models.CameraPayload:
		if strings.TrimSpace(p.ImageURL) == "" {
			return reject("camera imageUrl is required")
		}
		return accept()
	case models.CropPayload, models.WaterPayload, models.AirQualityPayload:
		return accept()
	}
	return reject("unsupported payload %T", r.Payload)
}

// CheckFreshness rejects readings whose clock is more than maxSkew away from
// now in either direction.
func CheckFreshness(r *models.SensorReading, now time.Time, maxSkew time.Duration) Result {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxClockSkew
	}
	skew := now.Sub(r.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return reject("timestamp %s skewed %s from ingestion clock", r.Timestamp.Format(time.RFC3339), skew.Round(time.Second))
	}
	return accept()
}
