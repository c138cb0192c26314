package iot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func TestCriticalThresholdRaisesOneAlert(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")

	published := e.Evaluate(cfg, soilReading("soil-001", "F1", 15, t0))
	require.Len(t, published, 1)
	assert.Equal(t, models.AlertTypeCriticalReading, published[0].AlertType)
	assert.Equal(t, models.SeverityCritical, published[0].Severity)
	assert.Equal(t, "moisture", published[0].Parameter)
	assert.NotNil(t, published[0].TriggeringReading)

	// second breach inside the dedup window refreshes silently
	published = e.Evaluate(cfg, soilReading("soil-001", "F1", 14, t0.Add(time.Minute)))
	assert.Empty(t, published)

	open := e.OpenAlerts("soil-001")
	require.Len(t, open, 1)
	assert.Equal(t, t0.Add(time.Minute), open[0].Timestamp)
}

func TestNonCriticalThresholdIsMedium(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")
	cfg.AlertThresholds = map[string]models.Threshold{"ph": {Max: floatPtr(7)}}

	r := soilReading("soil-001", "F1", 40, t0)
	r.Payload = models.SoilPayload{Moisture: 40, PH: 8.1}

	published := e.Evaluate(cfg, r)
	require.Len(t, published, 1)
	assert.Equal(t, models.AlertTypeThresholdExceeded, published[0].AlertType)
	assert.Equal(t, models.SeverityMedium, published[0].Severity)
}

func TestNestedThresholdPath(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")
	cfg.AlertThresholds = map[string]models.Threshold{"npk.nitrogen": {Min: floatPtr(10)}}

	r := soilReading("soil-001", "F1", 40, t0)
	r.Payload = models.SoilPayload{Moisture: 40, PH: 6.5, NPK: models.NPK{Nitrogen: 4}}

	published := e.Evaluate(cfg, r)
	require.Len(t, published, 1)
	assert.Equal(t, "npk.nitrogen", published[0].Parameter)
}

func TestRecrossingWithinWindowRepublishesSameAlert(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")

	first := e.Evaluate(cfg, soilReading("soil-001", "F1", 15, t0))
	require.Len(t, first, 1)

	assert.Empty(t, e.Evaluate(cfg, soilReading("soil-001", "F1", 45, t0.Add(time.Minute))))

	again := e.Evaluate(cfg, soilReading("soil-001", "F1", 18, t0.Add(2*time.Minute)))
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, t0.Add(2*time.Minute), again[0].Timestamp)
	assert.Len(t, e.OpenAlerts("soil-001"), 1)
}

func TestBreachAfterWindowOpensNewAlert(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")

	first := e.Evaluate(cfg, soilReading("soil-001", "F1", 15, t0))
	require.Len(t, first, 1)

	later := e.Evaluate(cfg, soilReading("soil-001", "F1", 15, t0.Add(20*time.Minute)))
	require.Len(t, later, 1)
	assert.NotEqual(t, first[0].ID, later[0].ID)
	assert.Len(t, e.OpenAlerts("soil-001"), 1)

	_, err := e.Acknowledge(first[0].ID)
	assert.ErrorIs(t, err, models.ErrAlertNotFound, "superseded alerts leave the open table")
}

func TestBatteryLevels(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")

	r := soilReading("soil-001", "F1", 40, t0)
	r.BatteryLevel = 15
	published := e.Evaluate(cfg, r)
	require.Len(t, published, 1)
	assert.Equal(t, models.AlertTypeBatteryLow, published[0].AlertType)
	assert.Equal(t, models.SeverityMedium, published[0].Severity)

	r.BatteryLevel = 5
	r.Timestamp = t0.Add(time.Minute)
	escalated := e.Evaluate(cfg, r)
	require.Len(t, escalated, 1, "escalation is published")
	assert.Equal(t, published[0].ID, escalated[0].ID)
	assert.Equal(t, models.SeverityCritical, escalated[0].Severity)

	r.BatteryLevel = 20
	r.Timestamp = t0.Add(2 * time.Minute)
	assert.Empty(t, e.Evaluate(cfg, r), "20 is not low")
}

func TestSensorErrorStatus(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")

	r := soilReading("soil-001", "F1", 40, t0)
	r.ConnectionStatus = models.ConnectionError
	published := e.Evaluate(cfg, r)
	require.Len(t, published, 1)
	assert.Equal(t, models.AlertTypeSensorError, published[0].AlertType)
	assert.Equal(t, models.SeverityHigh, published[0].Severity)
}

func TestAcknowledgeClosesDedupEntry(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")

	first := e.Evaluate(cfg, soilReading("soil-001", "F1", 15, t0))
	require.Len(t, first, 1)

	acked, err := e.Acknowledge(first[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Empty(t, e.OpenAlerts("soil-001"))

	next := e.Evaluate(cfg, soilReading("soil-001", "F1", 15, t0.Add(time.Second)))
	require.Len(t, next, 1)
	assert.NotEqual(t, first[0].ID, next[0].ID, "ids never repeat within a bucket")

	resolved, err := e.Resolve(next[0].ID, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.False(t, resolved.Open())

	_, err = e.Resolve(next[0].ID, t0)
	assert.ErrorIs(t, err, models.ErrAlertNotFound)
}

func TestOfflineRaisedOncePerOutage(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")

	first := e.RaiseOffline(cfg, t0, 45*time.Minute)
	require.NotNil(t, first)
	assert.Equal(t, models.AlertTypeDeviceOffline, first.AlertType)
	assert.Equal(t, models.SeverityMedium, first.Severity)
	assert.Nil(t, first.TriggeringReading)

	assert.Nil(t, e.RaiseOffline(cfg, t0.Add(time.Minute), 46*time.Minute))

	e.ClearOffline(cfg, t0.Add(2*time.Minute))
	next := e.RaiseOffline(cfg, t0.Add(time.Hour), 45*time.Minute)
	require.NotNil(t, next)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestAlertIDIsDeterministic(t *testing.T) {
	cfg := soilConfig("soil-001", "F1")
	a := NewEvaluator(time.Minute).Evaluate(cfg, soilReading("soil-001", "F1", 15, t0))
	b := NewEvaluator(time.Minute).Evaluate(cfg, soilReading("soil-001", "F1", 15, t0.Add(time.Minute)))
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ID, b[0].ID, "same device, condition and bucket")
}

// soil-001 sends 200 readings over 10 minutes oscillating around the
// threshold; only crossings below it publish.
func TestOscillatingMoistureScenario(t *testing.T) {
	e := NewEvaluator(time.Minute)
	cfg := soilConfig("soil-001", "F1")
	cfg.AlertThresholds = map[string]models.Threshold{"moisture": {Min: floatPtr(20)}}

	var readings []models.SensorReading
	published := 0
	ids := map[string]bool{}
	sum := 0.0
	for i := range 200 {
		moisture := 45.0
		if (i/10)%2 == 0 {
			moisture = 18
		}
		sum += moisture
		r := soilReading("soil-001", "F1", moisture, t0.Add(time.Duration(i)*3*time.Second))
		readings = append(readings, r)
		for _, a := range e.Evaluate(cfg, r) {
			published++
			ids[a.ID] = true
		}
	}

	assert.Equal(t, 10, published, "one publish per downward crossing")
	assert.Len(t, ids, 1, "all crossings fall within the dedup window")
	assert.Len(t, e.OpenAlerts("soil-001"), 1)

	windows := Aggregate("F1", readings, GranularityDay)
	require.Len(t, windows, 1)
	assert.Equal(t, 200, windows[0].SampleCount)
	assert.InDelta(t, sum/200, windows[0].Fields["moisture"], 1e-9)
}
