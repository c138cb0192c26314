package http

import (
	"net/http"
	"strings"
	"time"

	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
	"liyu1981.xyz/agri-telemetry-service/pkg/training"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zhttp"
)

func (rs *RestfulServer) ListFarmDevices(c *gin.Context) {
	configs, err := rs.Iot.Registry.ListByFarm(c.Request.Context(), c.Param("farm_id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	if configs == nil {
		configs = []models.DeviceConfig{}
	}
	c.JSON(http.StatusOK, configs)
}

func (rs *RestfulServer) GetCurrentReadings(c *gin.Context) {
	readings := rs.Iot.GetCurrentReadings(c.Param("farm_id"))
	if readings == nil {
		readings = []models.SensorReading{}
	}
	c.JSON(http.StatusOK, readings)
}

type ReadingsQuery struct {
	From  time.Time
	To    time.Time
	Types string
}

var readingsQuerySchema = z.Struct(z.Shape{
	"from":  z.Time().Required(),
	"to":    z.Time().Required(),
	"types": z.String().Optional(),
})

func (q ReadingsQuery) sensorTypes() []models.SensorType {
	var out []models.SensorType
	for _, t := range strings.Split(q.Types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, models.SensorType(t))
		}
	}
	return out
}

func (rs *RestfulServer) GetHistoricalReadings(c *gin.Context) {
	var q ReadingsQuery
	if err := readingsQuerySchema.Parse(zhttp.Request(c.Request), &q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": issueMessages(err)})
		return
	}
	if q.To.Before(q.From) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is before from"})
		return
	}
	types := q.sensorTypes()
	for _, t := range types {
		if !t.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown sensor type " + string(t)})
			return
		}
	}

	readings, err := rs.Iot.GetHistoricalReadings(c.Request.Context(), c.Param("farm_id"), models.DateRange{From: q.From, To: q.To}, types...)
	if err != nil {
		abortWith(c, err)
		return
	}
	if readings == nil {
		readings = []models.SensorReading{}
	}
	c.JSON(http.StatusOK, readings)
}

// queryParams collects the present query values so absent ones fall back to
// schema defaults.
func queryParams(c *gin.Context) map[string]any {
	out := map[string]any{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 && v[0] != "" {
			out[k] = v[0]
		}
	}
	return out
}

type ExportQuery struct {
	Days   int
	Submit bool
}

var exportQuerySchema = z.Struct(z.Shape{
	"days":   z.Int().GT(0).LTE(365).Default(training.DefaultLookbackDays),
	"submit": z.Bool().Optional(),
})

// ExportTrainingData builds the farm's training records over the trailing
// days and, with submit=true, hands them to the training service.
func (rs *RestfulServer) ExportTrainingData(c *gin.Context) {
	if rs.Exporter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "training export is not configured"})
		return
	}
	farmID := c.Param("farm_id")

	var q ExportQuery
	if err := exportQuerySchema.Parse(queryParams(c), &q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": issueMessages(err)})
		return
	}

	rng := models.TrailingDays(time.Now().UTC(), q.Days)
	records, report, err := rs.Exporter.ExportForTraining(c.Request.Context(), farmID, rng)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error(), "report": report})
		return
	}

	resp := gin.H{"report": report, "records": records}
	if q.Submit {
		job, err := rs.Exporter.Submit(c.Request.Context(), farmID, records)
		if err != nil {
			common.GetLoggerWith(common.LoggerNameRestfulServer).Error("Training submission failed", zap.String("farm_id", farmID), zap.Error(err))
			c.JSON(statusOf(err), gin.H{"error": err.Error(), "report": report})
			return
		}
		resp["job"] = job
	}

	c.JSON(http.StatusOK, resp)
}

func (rs *RestfulServer) RetrainAll(c *gin.Context) {
	if rs.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retraining is not configured"})
		return
	}
	summary, err := rs.Scheduler.RunOnce(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// DeviceWebsocket upgrades a registered device onto the websocket transport.
func (rs *RestfulServer) DeviceWebsocket(c *gin.Context) {
	if rs.WS == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "websocket transport is not enabled"})
		return
	}
	deviceID := c.Param("device_id")
	if _, err := rs.Iot.Registry.Get(c.Request.Context(), deviceID); err != nil {
		abortWith(c, err)
		return
	}
	if err := rs.WS.ServeDevice(c.Writer, c.Request, deviceID); err != nil {
		common.GetLoggerWith(common.LoggerNameRestfulServer).Warn("Websocket session ended", zap.String("device_id", deviceID), zap.Error(err))
	}
}
