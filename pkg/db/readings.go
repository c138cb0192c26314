package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// ReadingRecord is the stored form of a validated reading; the payload stays
// in its wire encoding.
type ReadingRecord struct {
	ID         uint              `gorm:"primaryKey"`
	DeviceID   string            `gorm:"index"`
	FarmID     string            `gorm:"index:idx_farm_time"`
	Timestamp  time.Time         `gorm:"index:idx_farm_time"`
	SensorType models.SensorType `gorm:"type:varchar(20)"`
	Data       []byte
}

type ReadingStore struct {
	db *DB
}

func NewReadingStore(d *DB) *ReadingStore {
	return &ReadingStore{db: d}
}

func (s *ReadingStore) SaveReadings(ctx context.Context, readings []models.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	records := make([]ReadingRecord, 0, len(readings))
	for _, r := range readings {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode reading %s: %w", r.DeviceID, err)
		}
		records = append(records, ReadingRecord{
			DeviceID:   r.DeviceID,
			FarmID:     r.FarmID,
			Timestamp:  r.Timestamp.UTC(),
			SensorType: r.SensorType,
			Data:       data,
		})
	}
	return s.db.Conn.WithContext(ctx).CreateInBatches(records, 200).Error
}

// QueryReadings returns readings of a farm within rng ordered by time. An empty
// sensorTypes matches all types.
func (s *ReadingStore) QueryReadings(ctx context.Context, farmID string, rng models.DateRange, sensorTypes ...models.SensorType) ([]models.SensorReading, error) {
	q := s.db.Conn.WithContext(ctx).
		Where("farm_id = ? AND timestamp >= ? AND timestamp <= ?", farmID, rng.From.UTC(), rng.To.UTC())
	if len(sensorTypes) > 0 {
		q = q.Where("sensor_type IN ?", sensorTypes)
	}

	var records []ReadingRecord
	if err := q.Order("timestamp asc").Order("id asc").Find(&records).Error; err != nil {
		return nil, err
	}

	return decodeRecords(records)
}

func decodeRecords(records []ReadingRecord) ([]models.SensorReading, error) {
	out := make([]models.SensorReading, 0, len(records))
	for _, rec := range records {
		var r models.SensorReading
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			return nil, fmt.Errorf("decode stored reading %d: %w", rec.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}
