package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/config"
	"liyu1981.xyz/agri-telemetry-service/pkg/db"
	"liyu1981.xyz/agri-telemetry-service/pkg/dedup"
	iotGrpc "liyu1981.xyz/agri-telemetry-service/pkg/grpc"
	iotHttp "liyu1981.xyz/agri-telemetry-service/pkg/http"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/notify"
	"liyu1981.xyz/agri-telemetry-service/pkg/sink/influx"
	"liyu1981.xyz/agri-telemetry-service/pkg/taskqueue"
	"liyu1981.xyz/agri-telemetry-service/pkg/training"
	"liyu1981.xyz/agri-telemetry-service/pkg/transport/mqtt"
	"liyu1981.xyz/agri-telemetry-service/pkg/transport/ws"
)

const (
	shutdownTimeout     = 15 * time.Second
	healthSyncInterval  = 5 * time.Second
	alertDedupTTL       = time.Hour
	alertDedupCapacity  = 10000
	retrainWorkerConcur = 4
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var dbInstance *db.DB
	switch cfg.DBType {
	case config.DBTypeFile:
		dbInstance, err = db.Open(db.UseSqliteDialector())
	case config.DBTypeMemory:
		dbInstance, err = db.Open(db.UseMemorySqliteDialector())
	}
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	logger := common.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, wsTransport, startTransport := deviceTransport(cfg)

	iotCore := iot.New(dbInstance, iot.Options{
		Channel: iot.ChannelOptions{
			QueueSize:         cfg.QueueSize,
			DropAlertFraction: cfg.DropAlertFraction,
		},
		Granularity:   cfg.Granularity(),
		FlushInterval: cfg.FlushInterval,
		DefaultRate:   rate.Limit(cfg.DefaultRate),
		DefaultBurst:  cfg.DefaultBurst,
		Transport:     transport,
	})

	windows := training.NewMemoryWindowStore(0)
	iotCore.Aggregator.WithSinks(windows)
	if cfg.InfluxEnabled() {
		sink, err := influx.NewWindowSink(influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			log.Fatalf("Invalid influx configuration: %v", err)
		}
		defer sink.Close()
		iotCore.Aggregator.WithSinks(sink)
	}

	if cfg.RedisAddr != "" {
		notifier := notify.NewRedisStreamNotifier(notify.NewRedisClient(cfg.RedisAddr))
		seen := dedup.New(alertDedupTTL, alertDedupCapacity)
		if _, err := iotCore.Dispatcher.Subscribe(iot.AllFarms, iot.DedupSubscriber(seen, notifier.Notify)); err != nil {
			log.Fatalf("Failed to subscribe alert notifier: %v", err)
		}
	}

	if err := startTransport(ctx); err != nil {
		log.Fatalf("Failed to start device transport: %v", err)
	}
	if err := iotCore.Start(ctx); err != nil {
		log.Fatalf("Failed to start telemetry core: %v", err)
	}

	var exporter *training.Exporter
	var scheduler *training.RetrainScheduler
	var worker *taskqueue.Worker
	if cfg.TrainingEnabled() {
		client := training.NewHTTPClient(cfg.TrainingURL, &http.Client{}, training.DefaultBreakerOpts())
		exporter = training.NewExporter(windows, client, training.ExporterOpts{AttemptTimeout: cfg.TrainingTimeout}, iotCore.Metrics)

		var runner training.FarmRunner = exporter
		if cfg.UseTaskQueue {
			queue := taskqueue.NewClient(cfg.RedisAddr)
			defer queue.Close()
			runner = taskqueue.NewProducer(queue)
			worker = taskqueue.NewWorker(cfg.RedisAddr, retrainWorkerConcur, exporter)
			if err := worker.Start(); err != nil {
				log.Fatalf("Failed to start retrain worker: %v", err)
			}
		}

		scheduler = training.NewRetrainScheduler(iotCore.Registry, runner, cfg.RetrainSchedule)
		if err := scheduler.Start(ctx); err != nil {
			log.Fatalf("Invalid %s: %v", common.EnvKeyAgriRetrainSchedule, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.GrpcHostPort != "" {
		iotGrpcServer := iotGrpc.NewIOTServer(iotCore, iot.NewRateLimiterStore(rate.Limit(cfg.DefaultRate), cfg.DefaultBurst))
		s := iotGrpcServer.NewServer()
		listener, err := net.Listen("tcp", cfg.GrpcHostPort)
		if err != nil {
			log.Fatalf("failed to listen: %v", err)
		}

		g.Go(func() error {
			logger.Info("Starting gRPC server on " + cfg.GrpcHostPort)
			return s.Serve(listener)
		})
		g.Go(func() error {
			iotGrpcServer.WatchHealth(gctx, healthSyncInterval)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			s.GracefulStop()
			return nil
		})
	}

	rs := iotHttp.NewRestfulServer(gin.Default(), iotCore)
	rs.Auth = iotHttp.NewAuth(cfg.JWTSecret)
	rs.Exporter = exporter
	rs.Scheduler = scheduler
	rs.WS = wsTransport
	rs.Setup()

	httpServer := &http.Server{Addr: cfg.HttpHostPort, Handler: rs.Server}
	g.Go(func() error {
		logger.Info("Starting HTTP server on " + cfg.HttpHostPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("Agri telemetry service started",
		zap.String("transport", cfg.DeviceTransport),
		zap.Float64("default_rate", cfg.DefaultRate),
		zap.Int("default_burst", cfg.DefaultBurst),
		zap.Bool("training", cfg.TrainingEnabled()),
		zap.Bool("task_queue", worker != nil),
	)

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if worker != nil {
		worker.Shutdown()
	}
	report, err := iotCore.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("Telemetry core shutdown incomplete", zap.Error(err))
	}
	if err := transport.Close(); err != nil {
		logger.Warn("Device transport close failed", zap.Error(err))
	}
	logger.Info("Agri telemetry service stopped",
		zap.Int("devices", report.Devices),
		zap.Int64("forwarded", report.Forwarded),
		zap.Int64("dropped", report.Dropped),
		zap.Int("windows", report.Windows),
	)
}

type closableTransport interface {
	iot.DeviceTransport
	Close() error
}

// deviceTransport picks the configured transport. The websocket transport is
// also returned so its upgrade route can be mounted.
func deviceTransport(cfg *config.Config) (closableTransport, *ws.Transport, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	switch cfg.DeviceTransport {
	case config.TransportMQTT:
		t := mqtt.New(mqtt.Config{
			Broker:     cfg.MQTTBroker,
			ClientID:   cfg.MQTTClientID,
			QoS:        1,
			MaxElapsed: time.Minute,
		}, cfg.QueueSize)
		return t, nil, t.Start
	case config.TransportWS:
		t := ws.New(cfg.QueueSize)
		return t, t, noop
	}
	return iot.NewChanTransport(cfg.QueueSize), nil, noop
}
