package training

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

func TestMemoryWindowStoreMergesSameWindow(t *testing.T) {
	s := NewMemoryWindowStore(0)
	s.now = func() time.Time { return day0.AddDate(0, 0, 1) }
	ctx := context.Background()

	require.NoError(t, s.WriteWindows(ctx, []models.AggregatedWindow{
		window("F1", models.SensorTypeSoil, day0, 1, map[string]float64{"moisture": 10}),
	}))
	require.NoError(t, s.WriteWindows(ctx, []models.AggregatedWindow{
		window("F1", models.SensorTypeSoil, day0, 3, map[string]float64{"moisture": 30}),
		window("F1", models.SensorTypeWeather, day0, 3, map[string]float64{"humidity": 50}),
	}))

	got, err := s.Windows(ctx, "F1", models.DateRange{From: day0, To: day0.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.SensorTypeSoil, got[0].SensorType)
	assert.Equal(t, 4, got[0].SampleCount)
	assert.InDelta(t, 25.0, got[0].Fields["moisture"], 1e-9)
	assert.Equal(t, models.SensorTypeWeather, got[1].SensorType)
}

func TestMemoryWindowStoreMergeKeepsFieldCounts(t *testing.T) {
	s := NewMemoryWindowStore(0)
	s.now = func() time.Time { return day0.AddDate(0, 0, 1) }
	ctx := context.Background()

	first := window("F1", models.SensorTypeCrop, day0, 4, map[string]float64{"ndvi": 0.4, "yieldEstimate": 3})
	first.FieldCounts = map[string]int{"ndvi": 4, "yieldEstimate": 1}
	second := window("F1", models.SensorTypeCrop, day0, 4, map[string]float64{"ndvi": 0.6, "yieldEstimate": 5})
	second.FieldCounts = map[string]int{"ndvi": 4, "yieldEstimate": 3}
	require.NoError(t, s.WriteWindows(ctx, []models.AggregatedWindow{first}))
	require.NoError(t, s.WriteWindows(ctx, []models.AggregatedWindow{second}))

	got, err := s.Windows(ctx, "F1", models.DateRange{From: day0, To: day0.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 8, got[0].SampleCount)
	assert.InDelta(t, 0.5, got[0].Fields["ndvi"], 1e-9)
	assert.InDelta(t, 4.5, got[0].Fields["yieldEstimate"], 1e-9)
	assert.Equal(t, map[string]int{"ndvi": 8, "yieldEstimate": 4}, got[0].FieldCounts)
}

func TestMemoryWindowStoreRangeAndRetention(t *testing.T) {
	s := NewMemoryWindowStore(10 * 24 * time.Hour)
	now := day0.AddDate(0, 0, 20)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.WriteWindows(ctx, farmDays("F1", 20)))

	got, err := s.Windows(ctx, "F1", models.DateRange{From: day0, To: now})
	require.NoError(t, err)
	// days 10..19 survive retention
	assert.Len(t, got, 20)
	assert.Equal(t, dayKey(10), got[0].WindowKey)

	got, err = s.Windows(ctx, "F1", models.DateRange{From: day0.AddDate(0, 0, 18), To: now})
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = s.Windows(ctx, "F9", models.DateRange{From: day0, To: now})
	require.NoError(t, err)
	assert.Empty(t, got)
}
