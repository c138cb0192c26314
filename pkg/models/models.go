package models

import (
	"time"
)

type SensorType string

const (
	SensorTypeSoil       SensorType = "soil"
	SensorTypeWeather    SensorType = "weather"
	SensorTypeCrop       SensorType = "crop"
	SensorTypeWater      SensorType = "water"
	SensorTypeAirQuality SensorType = "air_quality"
	SensorTypeCamera     SensorType = "camera"
)

var SensorTypes = []SensorType{
	SensorTypeSoil,
	SensorTypeWeather,
	SensorTypeCrop,
	SensorTypeWater,
	SensorTypeAirQuality,
	SensorTypeCamera,
}

func (t SensorType) Valid() bool {
	for _, known := range SensorTypes {
		if t == known {
			return true
		}
	}
	return false
}

type ConnectionStatus string

const (
	ConnectionOnline      ConnectionStatus = "online"
	ConnectionOffline     ConnectionStatus = "offline"
	ConnectionError       ConnectionStatus = "error"
	ConnectionMaintenance ConnectionStatus = "maintenance"
)

func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionOnline, ConnectionOffline, ConnectionError, ConnectionMaintenance:
		return true
	}
	return false
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Threshold bounds one payload parameter. Nil bounds are not checked.
type Threshold struct {
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Critical bool     `json:"critical"`
}

func (t Threshold) equal(o Threshold) bool {
	return t.Critical == o.Critical && floatPtrEqual(t.Min, o.Min) && floatPtrEqual(t.Max, o.Max)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type DeviceConfig struct {
	DeviceID                    string               `gorm:"primaryKey" json:"deviceId"`
	FarmID                      string               `gorm:"index" json:"farmId"`
	DeviceType                  SensorType           `gorm:"type:varchar(20)" json:"deviceType"`
	Location                    Location             `gorm:"embedded;embeddedPrefix:location_" json:"location"`
	SamplingIntervalMinutes     int                  `json:"samplingIntervalMinutes"`
	TransmissionIntervalMinutes int                  `json:"transmissionIntervalMinutes"`
	AlertThresholds             map[string]Threshold `gorm:"serializer:json;type:text" json:"alertThresholds"`
	CalibrationDate             time.Time            `json:"calibrationDate"`
	NextMaintenanceDate         time.Time            `json:"nextMaintenanceDate"`
	IsActive                    bool                 `json:"isActive"`
}

// SameAs reports whether two configs describe the same device setup. Times are
// compared as instants so a round trip through storage does not matter.
// Activation is state, not setup, and is not compared.
func (c DeviceConfig) SameAs(o DeviceConfig) bool {
	if c.DeviceID != o.DeviceID || c.FarmID != o.FarmID || c.DeviceType != o.DeviceType ||
		c.Location != o.Location ||
		c.SamplingIntervalMinutes != o.SamplingIntervalMinutes ||
		c.TransmissionIntervalMinutes != o.TransmissionIntervalMinutes ||
		!c.CalibrationDate.Equal(o.CalibrationDate) ||
		!c.NextMaintenanceDate.Equal(o.NextMaintenanceDate) ||
		len(c.AlertThresholds) != len(o.AlertThresholds) {
		return false
	}
	for path, th := range c.AlertThresholds {
		other, ok := o.AlertThresholds[path]
		if !ok || !th.equal(other) {
			return false
		}
	}
	return true
}

// TransmissionInterval scales the configured minutes by unit, which is
// time.Minute outside of tests.
func (c DeviceConfig) TransmissionInterval(unit time.Duration) time.Duration {
	minutes := c.TransmissionIntervalMinutes
	if minutes <= 0 {
		minutes = 1
	}
	return time.Duration(minutes) * unit
}

type AlertType string

const (
	AlertTypeThresholdExceeded AlertType = "threshold_exceeded"
	AlertTypeDeviceOffline     AlertType = "device_offline"
	AlertTypeBatteryLow        AlertType = "battery_low"
	AlertTypeSensorError       AlertType = "sensor_error"
	AlertTypeCriticalReading   AlertType = "critical_reading"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type Alert struct {
	ID                string         `gorm:"primaryKey" json:"id"`
	DeviceID          string         `gorm:"index" json:"deviceId"`
	FarmID            string         `gorm:"index" json:"farmId"`
	AlertType         AlertType      `gorm:"type:varchar(24)" json:"alertType"`
	Severity          Severity       `gorm:"type:varchar(12)" json:"severity"`
	Parameter         string         `json:"parameter,omitempty"`
	Message           string         `json:"message"`
	Timestamp         time.Time      `json:"timestamp"`
	TriggeringReading *SensorReading `gorm:"-" json:"triggeringReading,omitempty"`
	ActionRequired    string         `json:"actionRequired"`
	Acknowledged      bool           `json:"acknowledged"`
	ResolvedAt        *time.Time     `json:"resolvedAt,omitempty"`
}

func (a Alert) Open() bool {
	return !a.Acknowledged && a.ResolvedAt == nil
}

type AggregatedWindow struct {
	FarmID      string             `json:"farmId"`
	WindowKey   string             `json:"windowKey"`
	SensorType  SensorType         `json:"sensorType"`
	Start       time.Time          `json:"start"`
	Fields      map[string]float64 `json:"fields"`
	Tags        map[string]string  `json:"tags,omitempty"`
	SampleCount int                `json:"sampleCount"`
	// FieldCounts holds how many samples carried each field. Optional fields
	// such as yieldEstimate are present in fewer samples than SampleCount.
	FieldCounts map[string]int `json:"fieldCounts,omitempty"`
}

// FieldCount is the number of samples behind the mean of field. Windows
// without per-field counts fall back to the sample count.
func (w AggregatedWindow) FieldCount(field string) int {
	if n, ok := w.FieldCounts[field]; ok {
		return n
	}
	return w.SampleCount
}

// Day returns the date part of the window key.
func (w AggregatedWindow) Day() string {
	if len(w.WindowKey) >= 10 {
		return w.WindowKey[:10]
	}
	return w.WindowKey
}

type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// TrailingDays covers the days days before now, inclusive of now.
func TrailingDays(now time.Time, days int) DateRange {
	return DateRange{From: now.AddDate(0, 0, -days), To: now}
}

type TrainingRecord struct {
	ID                  string             `json:"id"`
	FarmID              string             `json:"farmId"`
	Date                string             `json:"date"`
	CropType            string             `json:"cropType"`
	WeatherFeatures     map[string]float64 `json:"weatherFeatures"`
	SoilFeatures        map[string]float64 `json:"soilFeatures"`
	NDVISeries          []float64          `json:"ndviSeries,omitempty"`
	YieldLabel          *float64           `json:"yieldLabel,omitempty"`
	ManagementPractices map[string]float64 `json:"managementPractices,omitempty"`
	DiseaseIncidents    *float64           `json:"diseaseIncidents,omitempty"`
	PestIncidents       *float64           `json:"pestIncidents,omitempty"`
}

// Labeled records carry a yield label and may be used for supervised yield
// training.
func (r TrainingRecord) Labeled() bool {
	return r.YieldLabel != nil
}

type TrainingConfig struct {
	FarmID      string   `json:"farmId"`
	DatasetIDs  []string `json:"datasetIds"`
	RecordCount int      `json:"recordCount"`
	Labeled     int      `json:"labeled"`
	BatchSize   int      `json:"batchSize"`
	Epochs      int      `json:"epochs"`
}

type UploadResult struct {
	OK  bool     `json:"ok"`
	IDs []string `json:"ids"`
}

type TrainingJob struct {
	TrainingID string `json:"trainingId"`
	OK         bool   `json:"ok"`
}
