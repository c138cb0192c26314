package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload is the sensor-specific body of a reading. The set of
// implementations is closed: only the variants in this file satisfy it.
type Payload interface {
	SensorType() SensorType
	// Fields flattens the numeric measurements into dotted parameter paths.
	Fields() map[string]float64
	isPayload()
}

type NPK struct {
	Nitrogen   float64 `json:"nitrogen"`
	Phosphorus float64 `json:"phosphorus"`
	Potassium  float64 `json:"potassium"`
}

type SoilPayload struct {
	Moisture      float64 `json:"moisture"`
	Temperature   float64 `json:"temperature"`
	PH            float64 `json:"ph"`
	Conductivity  float64 `json:"conductivity"`
	NPK           NPK     `json:"npk"`
	OrganicMatter float64 `json:"organicMatter"`
}

type WeatherPayload struct {
	Temperature    float64 `json:"temperature"`
	Humidity       float64 `json:"humidity"`
	Rainfall       float64 `json:"rainfall"`
	WindSpeed      float64 `json:"windSpeed"`
	WindDirection  float64 `json:"windDirection"`
	Pressure       float64 `json:"pressure"`
	SolarRadiation float64 `json:"solarRadiation"`
	UVIndex        float64 `json:"uvIndex"`
}

type CropPayload struct {
	CropType           string   `json:"cropType"`
	GrowthStage        string   `json:"growthStage"`
	PlantHeight        float64  `json:"plantHeight"`
	LeafAreaIndex      float64  `json:"leafAreaIndex"`
	ChlorophyllContent float64  `json:"chlorophyllContent"`
	NDVI               float64  `json:"ndvi"`
	YieldEstimate      *float64 `json:"yieldEstimate,omitempty"`
	DiseaseDetected    bool     `json:"diseaseDetected"`
	DiseaseType        string   `json:"diseaseType,omitempty"`
	PestDetected       bool     `json:"pestDetected"`
	PestType           string   `json:"pestType,omitempty"`
}

type WaterPayload struct {
	Level           float64 `json:"level"`
	FlowRate        float64 `json:"flowRate"`
	PH              float64 `json:"ph"`
	Turbidity       float64 `json:"turbidity"`
	DissolvedOxygen float64 `json:"dissolvedOxygen"`
	Temperature     float64 `json:"temperature"`
}

type AirQualityPayload struct {
	CO2         float64 `json:"co2"`
	PM25        float64 `json:"pm25"`
	PM10        float64 `json:"pm10"`
	Ammonia     float64 `json:"ammonia"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

type CameraPayload struct {
	ImageURL    string `json:"imageUrl"`
	CaptureType string `json:"captureType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

func (SoilPayload) SensorType() SensorType       { return SensorTypeSoil }
func (WeatherPayload) SensorType() SensorType    { return SensorTypeWeather }
func (CropPayload) SensorType() SensorType       { return SensorTypeCrop }
func (WaterPayload) SensorType() SensorType      { return SensorTypeWater }
func (AirQualityPayload) SensorType() SensorType { return SensorTypeAirQuality }
func (CameraPayload) SensorType() SensorType     { return SensorTypeCamera }

func (SoilPayload) isPayload()       {}
func (WeatherPayload) isPayload()    {}
func (CropPayload) isPayload()       {}
func (WaterPayload) isPayload()      {}
func (AirQualityPayload) isPayload() {}
func (CameraPayload) isPayload()     {}

func (p SoilPayload) Fields() map[string]float64 {
	return map[string]float64{
		"moisture":       p.Moisture,
		"temperature":    p.Temperature,
		"ph":             p.PH,
		"conductivity":   p.Conductivity,
		"npk.nitrogen":   p.NPK.Nitrogen,
		"npk.phosphorus": p.NPK.Phosphorus,
		"npk.potassium":  p.NPK.Potassium,
		"organicMatter":  p.OrganicMatter,
	}
}

func (p WeatherPayload) Fields() map[string]float64 {
	return map[string]float64{
		"temperature":    p.Temperature,
		"humidity":       p.Humidity,
		"rainfall":       p.Rainfall,
		"windSpeed":      p.WindSpeed,
		"windDirection":  p.WindDirection,
		"pressure":       p.Pressure,
		"solarRadiation": p.SolarRadiation,
		"uvIndex":        p.UVIndex,
	}
}

func (p CropPayload) Fields() map[string]float64 {
	fields := map[string]float64{
		"plantHeight":        p.PlantHeight,
		"leafAreaIndex":      p.LeafAreaIndex,
		"chlorophyllContent": p.ChlorophyllContent,
		"ndvi":               p.NDVI,
		"diseaseDetected":    boolToFloat(p.DiseaseDetected),
		"pestDetected":       boolToFloat(p.PestDetected),
	}
	if p.YieldEstimate != nil {
		fields["yieldEstimate"] = *p.YieldEstimate
	}
	return fields
}

func (p WaterPayload) Fields() map[string]float64 {
	return map[string]float64{
		"level":           p.Level,
		"flowRate":        p.FlowRate,
		"ph":              p.PH,
		"turbidity":       p.Turbidity,
		"dissolvedOxygen": p.DissolvedOxygen,
		"temperature":     p.Temperature,
	}
}

func (p AirQualityPayload) Fields() map[string]float64 {
	return map[string]float64{
		"co2":         p.CO2,
		"pm25":        p.PM25,
		"pm10":        p.PM10,
		"ammonia":     p.Ammonia,
		"temperature": p.Temperature,
		"humidity":    p.Humidity,
	}
}

// Camera frames carry no numeric measurements worth averaging.
func (p CameraPayload) Fields() map[string]float64 {
	return map[string]float64{}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type SensorReading struct {
	DeviceID         string           `json:"deviceId"`
	FarmID           string           `json:"farmId"`
	Timestamp        time.Time        `json:"timestamp"`
	Location         Location         `json:"location"`
	SensorType       SensorType       `json:"sensorType"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	BatteryLevel     float64          `json:"batteryLevel"`
	SignalStrength   float64          `json:"signalStrength"`
	Payload          Payload          `json:"payload"`
}

// Field resolves a dotted parameter path against the payload.
func (r SensorReading) Field(path string) (float64, bool) {
	if r.Payload == nil {
		return 0, false
	}
	switch strings.TrimSpace(path) {
	case "batteryLevel":
		return r.BatteryLevel, true
	case "signalStrength":
		return r.SignalStrength, true
	}
	v, ok := r.Payload.Fields()[strings.TrimPrefix(path, "payload.")]
	return v, ok
}

type readingWire struct {
	DeviceID         string           `json:"deviceId"`
	FarmID           string           `json:"farmId"`
	Timestamp        time.Time        `json:"timestamp"`
	Location         Location         `json:"location"`
	SensorType       SensorType       `json:"sensorType"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	BatteryLevel     float64          `json:"batteryLevel"`
	SignalStrength   float64          `json:"signalStrength"`
	Payload          json.RawMessage  `json:"payload"`
}

func (r SensorReading) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if r.Payload != nil {
		if r.Payload.SensorType() != r.SensorType {
			return nil, fmt.Errorf("%w: payload %s does not match sensor type %s",
				ErrMalformedPayload, r.Payload.SensorType(), r.SensorType)
		}
		b, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(readingWire{
		DeviceID:         r.DeviceID,
		FarmID:           r.FarmID,
		Timestamp:        r.Timestamp,
		Location:         r.Location,
		SensorType:       r.SensorType,
		ConnectionStatus: r.ConnectionStatus,
		BatteryLevel:     r.BatteryLevel,
		SignalStrength:   r.SignalStrength,
		Payload:          raw,
	})
}

// UnmarshalJSON picks the payload variant from the sensorType tag. Unknown
// tags and missing payloads are malformed.
func (r *SensorReading) UnmarshalJSON(data []byte) error {
	var wire readingWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	payload, err := DecodePayload(wire.SensorType, wire.Payload)
	if err != nil {
		return err
	}
	*r = SensorReading{
		DeviceID:         wire.DeviceID,
		FarmID:           wire.FarmID,
		Timestamp:        wire.Timestamp,
		Location:         wire.Location,
		SensorType:       wire.SensorType,
		ConnectionStatus: wire.ConnectionStatus,
		BatteryLevel:     wire.BatteryLevel,
		SignalStrength:   wire.SignalStrength,
		Payload:          payload,
	}
	return nil
}

func DecodePayload(sensorType SensorType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing payload for %q", ErrMalformedPayload, sensorType)
	}
	var (
		payload Payload
		err     error
	)
	switch sensorType {
	case SensorTypeSoil:
		payload, err = decodeAs[SoilPayload](raw)
	case SensorTypeWeather:
		payload, err = decodeAs[WeatherPayload](raw)
	case SensorTypeCrop:
		payload, err = decodeAs[CropPayload](raw)
	case SensorTypeWater:
		payload, err = decodeAs[WaterPayload](raw)
	case SensorTypeAirQuality:
		payload, err = decodeAs[AirQualityPayload](raw)
	case SensorTypeCamera:
		payload, err = decodeAs[CameraPayload](raw)
	default:
		return nil, fmt.Errorf("%w: unknown sensor type %q", ErrMalformedPayload, sensorType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedPayload, sensorType, err)
	}
	return payload, nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
