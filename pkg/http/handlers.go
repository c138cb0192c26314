package http

import (
	"errors"
	"io"
	"net/http"

	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"

	"github.com/gin-gonic/gin"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zhttp"
)

// statusOf maps domain errors onto response codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrValidationRejected), errors.Is(err, models.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDeviceNotFound), errors.Is(err, models.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateDevice), errors.Is(err, models.ErrConfigConflict), errors.Is(err, models.ErrDeviceInactive):
		return http.StatusConflict
	case errors.Is(err, iot.ErrRateLimited), errors.Is(err, iot.ErrInboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, iot.ErrServiceClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, iot.ErrPushUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, models.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTrainingSubmissionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

type deviceIdentity struct {
	DeviceID                    string
	FarmID                      string
	DeviceType                  string
	SamplingIntervalMinutes     int
	TransmissionIntervalMinutes int
}

var deviceIdentitySchema = z.Struct(z.Shape{
	"DeviceID":                    z.String().Min(1).Required(),
	"FarmID":                      z.String().Min(1).Required(),
	"DeviceType":                  z.String().OneOf([]string{string(models.SensorTypeSoil), string(models.SensorTypeWeather), string(models.SensorTypeWater), string(models.SensorTypeCrop), string(models.SensorTypeCamera)}).Required(),
	"SamplingIntervalMinutes":     z.Int().GTE(0),
	"TransmissionIntervalMinutes": z.Int().GT(0).Required(),
})

// bindDeviceConfig decodes the full config and checks the fields every device
// needs before it reaches the registry.
func bindDeviceConfig(c *gin.Context) (*models.DeviceConfig, bool) {
	var config models.DeviceConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	identity := deviceIdentity{
		DeviceID:                    config.DeviceID,
		FarmID:                      config.FarmID,
		DeviceType:                  string(config.DeviceType),
		SamplingIntervalMinutes:     config.SamplingIntervalMinutes,
		TransmissionIntervalMinutes: config.TransmissionIntervalMinutes,
	}
	if issues := deviceIdentitySchema.Validate(&identity); len(issues) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": issueMessages(issues)})
		return nil, false
	}
	return &config, true
}

func issueMessages(issues z.ZogIssueList) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Message)
	}
	return out
}

func (rs *RestfulServer) RegisterDevice(c *gin.Context) {
	config, ok := bindDeviceConfig(c)
	if !ok {
		return
	}

	if err := rs.Iot.RegisterDevice(c.Request.Context(), config); err != nil {
		abortWith(c, err)
		return
	}

	c.JSON(http.StatusCreated, config)
}

func (rs *RestfulServer) GetDevice(c *gin.Context) {
	config, err := rs.Iot.Registry.Get(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, config)
}

func (rs *RestfulServer) ReconfigureDevice(c *gin.Context) {
	config, ok := bindDeviceConfig(c)
	if !ok {
		return
	}
	if config.DeviceID != c.Param("device_id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId does not match path"})
		return
	}

	if err := rs.Iot.ReconfigureDevice(c.Request.Context(), config); err != nil {
		abortWith(c, err)
		return
	}

	c.Status(http.StatusOK)
}

func (rs *RestfulServer) ActivateDevice(c *gin.Context) {
	if err := rs.Iot.ActivateDevice(c.Request.Context(), c.Param("device_id")); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (rs *RestfulServer) DeactivateDevice(c *gin.Context) {
	if err := rs.Iot.DeactivateDevice(c.Request.Context(), c.Param("device_id")); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (rs *RestfulServer) GetDeviceState(c *gin.Context) {
	deviceID := c.Param("device_id")
	state, ok := rs.Iot.DeviceState(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device has no active channel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "state": state})
}

// PushReading forwards the raw body as one reading frame. Decoding and
// validation happen on the device's channel, so 202 only means queued.
func (rs *RestfulServer) PushReading(c *gin.Context) {
	rs.push(c, iot.FrameReading)
}

func (rs *RestfulServer) PushHeartbeat(c *gin.Context) {
	rs.push(c, iot.FrameHeartbeat)
}

func (rs *RestfulServer) push(c *gin.Context, kind iot.FrameKind) {
	var data []byte
	if c.Request.Body != nil {
		var err error
		if data, err = io.ReadAll(c.Request.Body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if kind == iot.FrameReading && len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty reading"})
		return
	}

	if err := rs.Iot.Push(c.Request.Context(), c.Param("device_id"), kind, data); err != nil {
		abortWith(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

func (rs *RestfulServer) GetAlerts(c *gin.Context) {
	deviceID := c.Param("device_id")

	var alerts []models.Alert
	var err error
	if c.Query("open") == "true" {
		alerts = rs.Iot.Alert.OpenAlerts(deviceID)
	} else if alerts, err = rs.Iot.Alert.GetDeviceAlerts(c.Request.Context(), deviceID); err != nil {
		abortWith(c, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}

	c.JSON(http.StatusOK, alerts)
}

func (rs *RestfulServer) AcknowledgeAlert(c *gin.Context) {
	alert, err := rs.Iot.Alert.Acknowledge(c.Request.Context(), c.Param("alert_id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (rs *RestfulServer) ResolveAlert(c *gin.Context) {
	alert, err := rs.Iot.Alert.Resolve(c.Request.Context(), c.Param("alert_id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type LimiterRequest struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

var limiterRequestSchema = z.Struct(z.Shape{
	"rate":  z.Float64().GT(0).Required(),
	"burst": z.Int().GT(0).Required(),
})

func (rs *RestfulServer) GetLimiter(c *gin.Context) {
	if rs.RateLimiterStore == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no limiter configured"})
		return
	}
	c.JSON(http.StatusOK, rs.RateLimiterStore.Snapshot(c.Param("device_id")))
}

func (rs *RestfulServer) PostLimiter(c *gin.Context) {
	deviceID := c.Param("device_id")

	var req LimiterRequest
	if err := limiterRequestSchema.Parse(zhttp.Request(c.Request), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err})
		return
	}

	rs.SetLimiter(deviceID, req.Rate, req.Burst)

	c.Status(http.StatusOK)
}
