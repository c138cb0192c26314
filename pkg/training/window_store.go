package training

import (
	"context"
	"sort"
	"sync"
	"time"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

type windowKey struct {
	windowKey  string
	sensorType models.SensorType
}

// MemoryWindowStore retains flushed windows for the retrain lookback. It is a
// window sink of the aggregator: windows of the same key emitted by later
// flushes are merged by sample count.
type MemoryWindowStore struct {
	mu        sync.RWMutex
	farms     map[string]map[windowKey]models.AggregatedWindow
	retention time.Duration
	now       func() time.Time
}

func NewMemoryWindowStore(retention time.Duration) *MemoryWindowStore {
	if retention <= 0 {
		retention = (DefaultLookbackDays + 30) * 24 * time.Hour
	}
	return &MemoryWindowStore{
		farms:     make(map[string]map[windowKey]models.AggregatedWindow),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryWindowStore) WriteWindows(_ context.Context, windows []models.AggregatedWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range windows {
		farm, ok := s.farms[w.FarmID]
		if !ok {
			farm = make(map[windowKey]models.AggregatedWindow)
			s.farms[w.FarmID] = farm
		}
		k := windowKey{w.WindowKey, w.SensorType}
		if prev, ok := farm[k]; ok {
			w = mergeWindow(prev, w)
		}
		farm[k] = w
	}
	s.prune()
	return nil
}

func mergeWindow(a, b models.AggregatedWindow) models.AggregatedWindow {
	merged := a
	merged.Fields, merged.FieldCounts = mergeFieldCounts([]models.AggregatedWindow{a, b})
	merged.SampleCount = a.SampleCount + b.SampleCount
	if len(b.Tags) > 0 {
		merged.Tags = b.Tags
	}
	return merged
}

func (s *MemoryWindowStore) prune() {
	cutoff := s.now().Add(-s.retention)
	for farmID, farm := range s.farms {
		for k, w := range farm {
			if w.Start.Before(cutoff) {
				delete(farm, k)
			}
		}
		if len(farm) == 0 {
			delete(s.farms, farmID)
		}
	}
}

func (s *MemoryWindowStore) Windows(_ context.Context, farmID string, rng models.DateRange) ([]models.AggregatedWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.AggregatedWindow{}
	for _, w := range s.farms[farmID] {
		if rng.Contains(w.Start) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowKey != out[j].WindowKey {
			return out[i].WindowKey < out[j].WindowKey
		}
		return out[i].SensorType < out[j].SensorType
	})
	return out, nil
}
