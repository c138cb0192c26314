package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/training"
	"liyu1981.xyz/agri-telemetry-service/pkg/transport/ws"
)

type RestfulServer struct {
	Server           *gin.Engine
	Iot              *iot.IOT
	RateLimiterStore *iot.RateLimiterStore

	// optional collaborators, their routes answer 503 when nil
	Auth      *Auth
	Exporter  *training.Exporter
	Scheduler *training.RetrainScheduler
	WS        *ws.Transport
}

// NewRestfulServer limits pushed readings with the core's limiter store, so
// /limiter changes what ingest enforces.
func NewRestfulServer(server *gin.Engine, core *iot.IOT) *RestfulServer {
	return &RestfulServer{
		Server:           server,
		Iot:              core,
		RateLimiterStore: core.Limiters,
	}
}

func (rs *RestfulServer) SetLimiter(deviceID string, deviceRate float64, deviceBurst int) {
	if rs.RateLimiterStore == nil {
		return
	}
	rs.RateLimiterStore.SetLimiter(deviceID, rate.Limit(deviceRate), deviceBurst)
}

func (rs *RestfulServer) Setup() {
	rs.Server.GET("/healthz", rs.HealthCheck)
	rs.Server.GET("/metrics", gin.WrapH(rs.Iot.Metrics.Handler()))
	rs.Server.GET("/ws/devices/:device_id", rs.DeviceWebsocket)

	operator := rs.RequireOperator()

	rs.Server.POST("/devices", operator, rs.RegisterDevice)
	devices := rs.Server.Group("/devices/:device_id")
	{
		devices.GET("", rs.GetDevice)
		devices.PUT("/config", operator, rs.ReconfigureDevice)
		devices.POST("/activate", operator, rs.ActivateDevice)
		devices.POST("/deactivate", operator, rs.DeactivateDevice)
		devices.GET("/state", rs.GetDeviceState)

		devices.POST("/readings", rs.PushReading)
		devices.POST("/heartbeat", rs.PushHeartbeat)

		devices.GET("/alerts", rs.GetAlerts)
		devices.GET("/limiter", rs.GetLimiter)
		devices.POST("/limiter", operator, rs.PostLimiter)
	}

	alerts := rs.Server.Group("/alerts/:alert_id", operator)
	{
		alerts.POST("/ack", rs.AcknowledgeAlert)
		alerts.POST("/resolve", rs.ResolveAlert)
	}

	farms := rs.Server.Group("/farms/:farm_id")
	{
		farms.GET("/devices", rs.ListFarmDevices)
		farms.GET("/readings/current", rs.GetCurrentReadings)
		farms.GET("/readings", rs.GetHistoricalReadings)
		farms.POST("/training/export", operator, rs.ExportTrainingData)
	}

	rs.Server.POST("/training/retrain", operator, rs.RetrainAll)
}

func (rs *RestfulServer) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
