package training

import (
	"time"

	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

var day0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func window(farmID string, st models.SensorType, at time.Time, samples int, fields map[string]float64) models.AggregatedWindow {
	return models.AggregatedWindow{
		FarmID:      farmID,
		WindowKey:   at.UTC().Format("2006-01-02"),
		SensorType:  st,
		Start:       at,
		Fields:      fields,
		SampleCount: samples,
	}
}

// farmDays produces soil and weather windows for n consecutive days, plus a
// labeled crop window every other day.
func farmDays(farmID string, n int, crops ...string) []models.AggregatedWindow {
	var out []models.AggregatedWindow
	for i := 0; i < n; i++ {
		at := day0.AddDate(0, 0, i)
		out = append(out,
			window(farmID, models.SensorTypeSoil, at, 4, map[string]float64{"moisture": 30 + float64(i)}),
			window(farmID, models.SensorTypeWeather, at, 4, map[string]float64{"temperature": 20}),
		)
		if len(crops) > 0 && i%2 == 0 {
			w := window(farmID, models.SensorTypeCrop, at, 1, map[string]float64{"ndvi": 0.6, "yieldEstimate": 3.2})
			w.Tags = map[string]string{"cropType": crops[(i/2)%len(crops)]}
			out = append(out, w)
		}
	}
	return out
}

func dayKey(i int) string {
	return day0.AddDate(0, 0, i).Format("2006-01-02")
}
