// Package influx writes aggregated windows to InfluxDB.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const MeasurementPrefix = "agri_window_"

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func (c Config) Validate() error {
	if c.URL == "" || c.Token == "" || c.Org == "" || c.Bucket == "" {
		return errors.New("influx config incomplete")
	}
	return nil
}

// PointWriter is satisfied by api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type WindowSink struct {
	writer PointWriter
	close  func()
	logger *zap.Logger
}

func NewWindowSink(cfg Config) (*WindowSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewWindowSinkWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket))
	s.close = client.Close
	return s, nil
}

func NewWindowSinkWithWriter(w PointWriter) *WindowSink {
	return &WindowSink{
		writer: w,
		close:  func() {},
		logger: common.GetCategoryLogger(common.LoggerNameSink, common.LoggerCategoryIOTAggregate),
	}
}

func (s *WindowSink) WriteWindows(ctx context.Context, windows []models.AggregatedWindow) error {
	if len(windows) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(windows))
	for _, w := range windows {
		points = append(points, WindowToPoint(w))
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write of %d windows: %w", len(points), err)
	}
	s.logger.Debug("Wrote windows to influx", zap.Int("count", len(points)))
	return nil
}

func (s *WindowSink) Close() {
	s.close()
}

// WindowToPoint maps a window to one point: measurement per sensor type, farm
// and window tags, one field per mean plus sample_count.
func WindowToPoint(w models.AggregatedWindow) *write.Point {
	tags := map[string]string{
		"farm_id": w.FarmID,
		"window":  w.WindowKey,
	}
	for k, v := range w.Tags {
		tags[snake(k)] = v
	}

	fields := make(map[string]interface{}, len(w.Fields)+1)
	for k, v := range w.Fields {
		fields[k] = v
	}
	fields["sample_count"] = int64(w.SampleCount)

	return influxdb2.NewPoint(MeasurementPrefix+string(w.SensorType), tags, fields, w.Start)
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
