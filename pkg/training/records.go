// Package training turns aggregated windows into farm-day training records and
// submits them to the ML training service.
package training

import (
	"sort"

	"github.com/google/uuid"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

var recordNamespace = uuid.MustParse("0b6c2f2e-8a43-4d5e-bb59-2f7f1c1d9a10")

// UnknownCrop marks records of days without crop telemetry.
const UnknownCrop = "unknown"

type dayWindows struct {
	bySensor map[models.SensorType][]models.AggregatedWindow
}

// BuildRecords emits one record per day that has both soil and weather
// windows, ordered by date. Hourly windows of a day are merged by sample
// count.
func BuildRecords(farmID string, windows []models.AggregatedWindow) []models.TrainingRecord {
	days := make(map[string]*dayWindows)
	for _, w := range windows {
		if w.FarmID != farmID || w.SampleCount == 0 {
			continue
		}
		d, ok := days[w.Day()]
		if !ok {
			d = &dayWindows{bySensor: make(map[models.SensorType][]models.AggregatedWindow)}
			days[w.Day()] = d
		}
		d.bySensor[w.SensorType] = append(d.bySensor[w.SensorType], w)
	}

	dates := make([]string, 0, len(days))
	for date := range days {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	records := make([]models.TrainingRecord, 0, len(dates))
	for _, date := range dates {
		d := days[date]
		soil, weather := d.bySensor[models.SensorTypeSoil], d.bySensor[models.SensorTypeWeather]
		if len(soil) == 0 || len(weather) == 0 {
			continue
		}

		record := models.TrainingRecord{
			ID:              RecordID(farmID, date),
			FarmID:          farmID,
			Date:            date,
			CropType:        UnknownCrop,
			SoilFeatures:    mergeFields(soil),
			WeatherFeatures: mergeFields(weather),
		}

		if water := d.bySensor[models.SensorTypeWater]; len(water) > 0 {
			fields := mergeFields(water)
			record.ManagementPractices = map[string]float64{
				"irrigationFlowRate": fields["flowRate"],
				"waterLevel":         fields["level"],
			}
		}

		if crop := d.bySensor[models.SensorTypeCrop]; len(crop) > 0 {
			attachCrop(&record, crop)
		}
		records = append(records, record)
	}
	return records
}

func attachCrop(record *models.TrainingRecord, crop []models.AggregatedWindow) {
	sort.Slice(crop, func(i, j int) bool { return crop[i].WindowKey < crop[j].WindowKey })

	cropCounts := make(map[string]int)
	for _, w := range crop {
		if ndvi, ok := w.Fields["ndvi"]; ok {
			record.NDVISeries = append(record.NDVISeries, ndvi)
		}
		if name := w.Tags["cropType"]; name != "" {
			cropCounts[name] += w.SampleCount
		}
	}
	best, bestCount := "", 0
	for name, n := range cropCounts {
		if n > bestCount || (n == bestCount && name < best) {
			best, bestCount = name, n
		}
	}
	if best != "" {
		record.CropType = best
	}

	fields := mergeFields(crop)
	if v, ok := fields["yieldEstimate"]; ok {
		record.YieldLabel = &v
	}
	if v, ok := fields["diseaseDetected"]; ok {
		record.DiseaseIncidents = &v
	}
	if v, ok := fields["pestDetected"]; ok {
		record.PestIncidents = &v
	}
}

// mergeFields averages the fields of several windows, each mean weighted by
// the number of samples that carried the field.
func mergeFields(windows []models.AggregatedWindow) map[string]float64 {
	out, _ := mergeFieldCounts(windows)
	return out
}

func mergeFieldCounts(windows []models.AggregatedWindow) (map[string]float64, map[string]int) {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, w := range windows {
		for field, v := range w.Fields {
			n := w.FieldCount(field)
			sums[field] += v * float64(n)
			counts[field] += n
		}
	}
	out := make(map[string]float64, len(sums))
	for field, sum := range sums {
		if counts[field] == 0 {
			continue
		}
		out[field] = sum / float64(counts[field])
	}
	return out, counts
}

// RecordID is stable per farm and day so re-uploads replace earlier records.
func RecordID(farmID, date string) string {
	return uuid.NewSHA1(recordNamespace, []byte(farmID+"|"+date)).String()
}
