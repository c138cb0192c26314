package iot

import (
	"context"
	"sort"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// GetCurrentReadings returns the latest reading of every device of a farm.
func (i *IOT) GetCurrentReadings(farmID string) []models.SensorReading {
	return i.Aggregator.CurrentReadings(farmID)
}

// GetHistoricalReadings returns stored readings together with those still
// waiting for the next flush, ordered by time.
func (i *IOT) GetHistoricalReadings(ctx context.Context, farmID string, rng models.DateRange, sensorTypes ...models.SensorType) ([]models.SensorReading, error) {
	stored, err := i.Readings.QueryReadings(ctx, farmID, rng, sensorTypes...)
	if err != nil {
		return nil, err
	}

	wanted := make(map[models.SensorType]bool, len(sensorTypes))
	for _, t := range sensorTypes {
		wanted[t] = true
	}
	for _, r := range i.Aggregator.Buffered(farmID) {
		if !rng.Contains(r.Timestamp) {
			continue
		}
		if len(wanted) > 0 && !wanted[r.SensorType] {
			continue
		}
		stored = append(stored, r)
	}

	sort.SliceStable(stored, func(a, b int) bool { return stored[a].Timestamp.Before(stored[b].Timestamp) })
	return stored, nil
}
