package grpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
)

type IOTServer struct {
	Iot              *iot.IOT
	RateLimiterStore *iot.RateLimiterStore
	Health           *health.Server

	mu     sync.Mutex
	known  map[string]bool
	logger *zap.Logger
}

func NewIOTServer(core *iot.IOT, limiters *iot.RateLimiterStore) *IOTServer {
	return &IOTServer{
		Iot:              core,
		RateLimiterStore: limiters,
		Health:           health.NewServer(),
		known:            make(map[string]bool),
		logger:           common.GetLoggerWith(common.LoggerNameGrpcServer),
	}
}

func (i *IOTServer) GetLimiter(deviceID string) *rate.Limiter {
	if i.RateLimiterStore == nil {
		return nil
	} else {
		return i.RateLimiterStore.GetLimiter(deviceID)
	}
}

func (i *IOTServer) CheckDeviceLimiter(deviceID string) bool {
	limiter := i.GetLimiter(deviceID)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// NewServer builds a grpc server carrying the telemetry and health services.
// Query methods are rate limited per device.
func (i *IOTServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	interceptor := i.CreateRateLimitInterceptor([]string{MethodGetAlerts, MethodGetDeviceState})
	server := grpc.NewServer(append(opts, grpc.UnaryInterceptor(interceptor))...)
	RegisterTelemetryServer(server, i)
	healthpb.RegisterHealthServer(server, i.Health)
	return server
}

// DeviceHealthService names the health entry of one device.
func DeviceHealthService(deviceID string) string {
	return "device/" + deviceID
}

// SyncHealth mirrors channel states into the health server. Connected and
// degraded devices serve; devices whose channel stopped no longer do.
func (i *IOTServer) SyncHealth() {
	i.mu.Lock()
	defer i.mu.Unlock()
	states := i.Iot.DeviceStates()
	for deviceID, state := range states {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if state == iot.StateConnected || state == iot.StateDegraded {
			status = healthpb.HealthCheckResponse_SERVING
		}
		i.Health.SetServingStatus(DeviceHealthService(deviceID), status)
		i.known[deviceID] = true
	}
	for deviceID := range i.known {
		if _, ok := states[deviceID]; !ok {
			i.Health.SetServingStatus(DeviceHealthService(deviceID), healthpb.HealthCheckResponse_NOT_SERVING)
			delete(i.known, deviceID)
		}
	}
}

// WatchHealth refreshes device health until ctx is done, then reports every
// service as not serving.
func (i *IOTServer) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	i.SyncHealth()
	for {
		select {
		case <-ctx.Done():
			i.Health.Shutdown()
			i.logger.Info("Health reporting stopped")
			return
		case <-ticker.C:
			i.SyncHealth()
		}
	}
}
