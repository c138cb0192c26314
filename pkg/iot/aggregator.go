package iot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/metrics"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityHour Granularity = "hour"

	DefaultFlushInterval = 5 * time.Minute
)

func (g Granularity) key(t time.Time) (string, time.Time) {
	t = t.UTC()
	if g == GranularityHour {
		start := t.Truncate(time.Hour)
		return start.Format("2006-01-02T15"), start
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start.Format("2006-01-02"), start
}

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case GranularityDay, "":
		return GranularityDay, nil
	case GranularityHour:
		return GranularityHour, nil
	}
	return "", fmt.Errorf("unknown window granularity %q", s)
}

// WindowSink receives the windows of every flush.
type WindowSink interface {
	WriteWindows(ctx context.Context, windows []models.AggregatedWindow) error
}

// ReadingStore keeps reading history for the query surface.
type ReadingStore interface {
	SaveReadings(ctx context.Context, readings []models.SensorReading) error
	QueryReadings(ctx context.Context, farmID string, rng models.DateRange, sensorTypes ...models.SensorType) ([]models.SensorReading, error)
}

type farmBuffer struct {
	mu       sync.Mutex
	readings []models.SensorReading
	latest   map[string]models.SensorReading
}

// Aggregator buffers readings per farm and turns them into windowed means on
// every flush. Farms are locked independently.
type Aggregator struct {
	mu          sync.RWMutex
	farms       map[string]*farmBuffer
	granularity Granularity
	sinks       []WindowSink
	store       ReadingStore
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewAggregator(granularity Granularity, m *metrics.Metrics) *Aggregator {
	if granularity == "" {
		granularity = GranularityDay
	}
	return &Aggregator{
		farms:       make(map[string]*farmBuffer),
		granularity: granularity,
		metrics:     m,
		logger:      common.GetCategoryLogger(common.LoggerNameIOTCore, common.LoggerCategoryIOTAggregate),
	}
}

// WithSinks appends window sinks. It must be called before the first flush.
func (a *Aggregator) WithSinks(sinks ...WindowSink) *Aggregator {
	a.sinks = append(a.sinks, sinks...)
	return a
}

func (a *Aggregator) WithReadingStore(store ReadingStore) *Aggregator {
	a.store = store
	return a
}

func (a *Aggregator) farm(farmID string) *farmBuffer {
	a.mu.RLock()
	b, ok := a.farms[farmID]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok = a.farms[farmID]; !ok {
		b = &farmBuffer{latest: make(map[string]models.SensorReading)}
		a.farms[farmID] = b
	}
	return b
}

func (a *Aggregator) Add(r models.SensorReading) {
	b := a.farm(r.FarmID)
	b.mu.Lock()
	b.readings = append(b.readings, r)
	if prev, ok := b.latest[r.DeviceID]; !ok || !r.Timestamp.Before(prev.Timestamp) {
		b.latest[r.DeviceID] = r
	}
	b.mu.Unlock()
}

// CurrentReadings returns the latest reading of every device of a farm.
func (a *Aggregator) CurrentReadings(farmID string) []models.SensorReading {
	a.mu.RLock()
	b, ok := a.farms[farmID]
	a.mu.RUnlock()
	if !ok {
		return []models.SensorReading{}
	}

	b.mu.Lock()
	out := make([]models.SensorReading, 0, len(b.latest))
	for _, r := range b.latest {
		out = append(out, r)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Buffered returns a copy of the readings of a farm not yet flushed.
func (a *Aggregator) Buffered(farmID string) []models.SensorReading {
	a.mu.RLock()
	b, ok := a.farms[farmID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.SensorReading(nil), b.readings...)
}

func (a *Aggregator) Forget(deviceID, farmID string) {
	a.mu.RLock()
	b, ok := a.farms[farmID]
	a.mu.RUnlock()
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.latest, deviceID)
	b.mu.Unlock()
}

// Flush drains every farm buffer and emits the resulting windows to the sinks.
// Readings added while a farm is being drained land in its next window.
// Windows are returned even when a sink or the reading store fails.
func (a *Aggregator) Flush(ctx context.Context) ([]models.AggregatedWindow, error) {
	a.mu.RLock()
	farmIDs := make([]string, 0, len(a.farms))
	for id := range a.farms {
		farmIDs = append(farmIDs, id)
	}
	a.mu.RUnlock()
	sort.Strings(farmIDs)

	var all []models.AggregatedWindow
	var errs []error
	for _, farmID := range farmIDs {
		b := a.farm(farmID)
		b.mu.Lock()
		drained := b.readings
		b.readings = nil
		b.mu.Unlock()

		if len(drained) == 0 {
			continue
		}

		if a.store != nil {
			if err := a.store.SaveReadings(ctx, drained); err != nil {
				a.logger.Error("Failed to persist readings", zap.String("farm_id", farmID), zap.Int("count", len(drained)), zap.Error(err))
				errs = append(errs, fmt.Errorf("persist readings of %s: %w", farmID, err))
			}
		}

		windows := Aggregate(farmID, drained, a.granularity)
		a.logger.Info("Flushed farm buffer",
			zap.String("farm_id", farmID),
			zap.Int("readings", len(drained)),
			zap.Int("windows", len(windows)),
		)
		all = append(all, windows...)
	}

	if len(all) == 0 {
		return all, errors.Join(errs...)
	}

	for _, w := range all {
		if a.metrics != nil {
			a.metrics.WindowsEmitted.WithLabelValues(string(w.SensorType)).Inc()
		}
	}
	for _, sink := range a.sinks {
		if err := sink.WriteWindows(ctx, all); err != nil {
			a.logger.Error("Window sink failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return all, errors.Join(errs...)
}

// Run flushes every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Flush(ctx); err != nil {
				a.logger.Warn("Flush completed with errors", zap.Error(err))
			}
		}
	}
}

type windowAcc struct {
	window models.AggregatedWindow
	sums   map[string]float64
	counts map[string]int
	crops  map[string]int
}

// Aggregate groups readings by window and sensor type and averages every
// numeric payload field. Crop windows carry the most reported crop type as the
// cropType tag.
func Aggregate(farmID string, readings []models.SensorReading, granularity Granularity) []models.AggregatedWindow {
	type groupKey struct {
		window     string
		sensorType models.SensorType
	}
	groups := make(map[groupKey]*windowAcc)
	var order []groupKey

	for _, r := range readings {
		windowKey, start := granularity.key(r.Timestamp)
		k := groupKey{windowKey, r.SensorType}
		acc, ok := groups[k]
		if !ok {
			acc = &windowAcc{
				window: models.AggregatedWindow{
					FarmID:     farmID,
					WindowKey:  windowKey,
					SensorType: r.SensorType,
					Start:      start,
				},
				sums:   make(map[string]float64),
				counts: make(map[string]int),
				crops:  make(map[string]int),
			}
			groups[k] = acc
			order = append(order, k)
		}

		acc.window.SampleCount++
		if r.Payload == nil {
			continue
		}
		for field, v := range r.Payload.Fields() {
			acc.sums[field] += v
			acc.counts[field]++
		}
		if crop, ok := r.Payload.(models.CropPayload); ok && crop.CropType != "" {
			acc.crops[crop.CropType]++
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].window != order[j].window {
			return order[i].window < order[j].window
		}
		return order[i].sensorType < order[j].sensorType
	})

	out := make([]models.AggregatedWindow, 0, len(order))
	for _, k := range order {
		acc := groups[k]
		w := acc.window
		w.Fields = make(map[string]float64, len(acc.sums))
		w.FieldCounts = make(map[string]int, len(acc.counts))
		for field, sum := range acc.sums {
			w.Fields[field] = sum / float64(acc.counts[field])
			w.FieldCounts[field] = acc.counts[field]
		}
		if crop := dominant(acc.crops); crop != "" {
			w.Tags = map[string]string{"cropType": crop}
		}
		out = append(out, w)
	}
	return out
}

func dominant(counts map[string]int) string {
	best, bestCount := "", 0
	for name, n := range counts {
		if n > bestCount || (n == bestCount && name < best) {
			best, bestCount = name, n
		}
	}
	return best
}
