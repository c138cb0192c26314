package iot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/db"
	"liyu1981.xyz/agri-telemetry-service/pkg/metrics"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

var (
	ErrServiceClosed   = errors.New("service is shutting down")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrPushUnsupported = errors.New("transport does not accept pushed frames")
)

type IRegistry interface {
	Register(ctx context.Context, config *models.DeviceConfig) error
	Get(ctx context.Context, deviceID string) (*models.DeviceConfig, error)
	ListByFarm(ctx context.Context, farmID string) ([]models.DeviceConfig, error)
	ListActive(ctx context.Context) ([]models.DeviceConfig, error)
	ListActiveFarms(ctx context.Context) ([]string, error)
	Activate(ctx context.Context, deviceID string) error
	Deactivate(ctx context.Context, deviceID string) error
	Reconfigure(ctx context.Context, config *models.DeviceConfig) error
}

type IAlert interface {
	Acknowledge(ctx context.Context, alertID string) (*models.Alert, error)
	Resolve(ctx context.Context, alertID string) (*models.Alert, error)
	GetDeviceAlerts(ctx context.Context, deviceID string) ([]models.Alert, error)
	OpenAlerts(deviceID string) []models.Alert
}

type Options struct {
	Channel             ChannelOptions
	Granularity         Granularity
	FlushInterval       time.Duration
	SubscriberQueueSize int
	DefaultRate         rate.Limit
	DefaultBurst        int
	Transport           DeviceTransport
}

func DefaultOptions() Options {
	return Options{
		Channel:             ChannelOptions{}.withDefaults(),
		Granularity:         GranularityDay,
		FlushInterval:       DefaultFlushInterval,
		SubscriberQueueSize: 64,
		DefaultRate:         1,
		DefaultBurst:        5,
	}
}

// IOT is one telemetry service instance. It owns the registry, the per-device
// channels and the alert and aggregation pipelines; nothing is global, so
// several instances can share a process.
type IOT struct {
	Db       *db.DB
	Registry IRegistry
	Alert    IAlert

	Evaluator  *Evaluator
	Dispatcher *Dispatcher
	Aggregator *Aggregator
	Limiters   *RateLimiterStore
	Metrics    *metrics.Metrics
	Transport  DeviceTransport
	Readings   ReadingStore
	AlertLog   *db.AlertLog

	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	channels  map[string]*Channel
	ctx       context.Context
	cancel    context.CancelFunc
	flushDone chan struct{}
	started   bool
	closed    atomic.Bool
}

type ServiceOpts struct {
	Registry IRegistry
	Alert    IAlert
}

func New(d *db.DB, opts Options) *IOT {
	defaults := DefaultOptions()
	opts.Channel = opts.Channel.withDefaults()
	if opts.Granularity == "" {
		opts.Granularity = defaults.Granularity
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if opts.DefaultRate <= 0 {
		opts.DefaultRate = defaults.DefaultRate
	}
	if opts.DefaultBurst <= 0 {
		opts.DefaultBurst = defaults.DefaultBurst
	}
	if opts.Transport == nil {
		opts.Transport = NewChanTransport(opts.Channel.QueueSize)
	}

	m := metrics.New()
	readings := db.NewReadingStore(d)
	i := &IOT{
		Db:         d,
		Evaluator:  NewEvaluator(opts.Channel.IntervalUnit),
		Dispatcher: NewDispatcher(opts.SubscriberQueueSize, m),
		Aggregator: NewAggregator(opts.Granularity, m).WithReadingStore(readings),
		Limiters:   NewRateLimiterStore(opts.DefaultRate, opts.DefaultBurst),
		Metrics:    m,
		Transport:  opts.Transport,
		Readings:   readings,
		AlertLog:   db.NewAlertLog(d),
		opts:       opts,
		logger:     common.GetLoggerWith(common.LoggerNameIOTCore),
		channels:   make(map[string]*Channel),
	}
	i.Registry = i.GetIRegistry()
	i.Alert = i.GetIAlert()
	return i
}

func (i *IOT) WithServices(opts ServiceOpts) *IOT {
	if opts.Registry != nil {
		i.Registry = opts.Registry
	}
	if opts.Alert != nil {
		i.Alert = opts.Alert
	}
	return i
}

// Start persists published alerts, starts the flush timer and opens a channel
// for every active device.
func (i *IOT) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil
	}
	i.started = true
	i.ctx, i.cancel = context.WithCancel(ctx)
	i.flushDone = make(chan struct{})
	i.mu.Unlock()

	if _, err := i.Dispatcher.Subscribe(AllFarms, i.persistAlert); err != nil {
		return err
	}

	go func() {
		defer close(i.flushDone)
		i.Aggregator.Run(i.ctx, i.opts.FlushInterval)
	}()

	configs, err := i.Registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load active devices: %w", err)
	}
	for _, cfg := range configs {
		i.startChannel(cfg)
	}
	i.logger.Info("Service started", zap.Int("devices", len(configs)))
	return nil
}

func (i *IOT) persistAlert(alert models.Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return i.AlertLog.Upsert(ctx, alert)
}

func (i *IOT) startChannel(cfg models.DeviceConfig) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.started || i.closed.Load() {
		return
	}
	if ch, ok := i.channels[cfg.DeviceID]; ok {
		ch.UpdateConfig(cfg)
		return
	}
	ch := NewChannel(cfg, i.Transport, channelHooks{i}, i.opts.Channel, i.Metrics)
	i.channels[cfg.DeviceID] = ch
	ch.Start(i.ctx)
}

func (i *IOT) stopChannel(ctx context.Context, deviceID string) *ChannelReport {
	i.mu.Lock()
	ch, ok := i.channels[deviceID]
	delete(i.channels, deviceID)
	i.mu.Unlock()
	if !ok {
		return nil
	}
	report := ch.Stop(ctx)
	return &report
}

func (i *IOT) channel(deviceID string) *Channel {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.channels[deviceID]
}

// RegisterDevice registers an active device and starts its channel.
func (i *IOT) RegisterDevice(ctx context.Context, config *models.DeviceConfig) error {
	if i.closed.Load() {
		return ErrServiceClosed
	}
	config.IsActive = true
	if err := i.Registry.Register(ctx, config); err != nil {
		return err
	}
	i.startChannel(*config)
	return nil
}

func (i *IOT) ActivateDevice(ctx context.Context, deviceID string) error {
	if i.closed.Load() {
		return ErrServiceClosed
	}
	if err := i.Registry.Activate(ctx, deviceID); err != nil {
		return err
	}
	cfg, err := i.Registry.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	i.startChannel(*cfg)
	return nil
}

// DeactivateDevice keeps the device record and its stored alerts but stops
// ingesting from it. Readings already queued are forwarded first, then the
// device's limiter, open alerts and current readings are forgotten.
func (i *IOT) DeactivateDevice(ctx context.Context, deviceID string) error {
	cfg, err := i.Registry.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := i.Registry.Deactivate(ctx, deviceID); err != nil {
		return err
	}
	if report := i.stopChannel(ctx, deviceID); report != nil {
		i.logger.Info("Stopped channel of deactivated device",
			zap.String("device_id", deviceID),
			zap.Int64("forwarded", report.Forwarded),
			zap.Int64("dropped", report.Dropped),
		)
	}
	i.Limiters.Forget(deviceID)
	i.Evaluator.Forget(deviceID)
	i.Aggregator.Forget(deviceID, cfg.FarmID)
	return nil
}

func (i *IOT) ReconfigureDevice(ctx context.Context, config *models.DeviceConfig) error {
	if err := i.Registry.Reconfigure(ctx, config); err != nil {
		return err
	}
	if ch := i.channel(config.DeviceID); ch != nil {
		ch.UpdateConfig(*config)
	}
	return nil
}

// Push hands a frame received out of band, e.g. over HTTP, to the device's
// channel.
func (i *IOT) Push(ctx context.Context, deviceID string, kind FrameKind, data []byte) error {
	if i.closed.Load() {
		return ErrServiceClosed
	}
	if i.channel(deviceID) == nil {
		if _, err := i.Registry.Get(ctx, deviceID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", models.ErrDeviceInactive, deviceID)
	}
	if kind == FrameReading && !i.Limiters.Allow(deviceID) {
		i.Metrics.Dropped(metrics.ReasonRateLimited)
		return fmt.Errorf("%w: %s", ErrRateLimited, deviceID)
	}
	pusher, ok := i.Transport.(Pusher)
	if !ok {
		return ErrPushUnsupported
	}
	if err := pusher.Offer(deviceID, Frame{Kind: kind, Data: data, ReceivedAt: time.Now()}); err != nil {
		if errors.Is(err, ErrInboxFull) {
			i.Metrics.Dropped(metrics.ReasonOverflow)
		}
		return err
	}
	return nil
}

// DeviceState reports the connection state of an active device.
func (i *IOT) DeviceState(deviceID string) (ChannelState, bool) {
	ch := i.channel(deviceID)
	if ch == nil {
		return "", false
	}
	return ch.State(), true
}

func (i *IOT) DeviceStates() map[string]ChannelState {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]ChannelState, len(i.channels))
	for id, ch := range i.channels {
		out[id] = ch.State()
	}
	return out
}

type ShutdownReport struct {
	Devices   int   `json:"devices"`
	Forwarded int64 `json:"forwarded"`
	Dropped   int64 `json:"dropped"`
	Windows   int   `json:"windows"`
}

// Shutdown stops accepting readings, drains every device queue into a final
// aggregation pass and closes the dispatcher. Readings that could not be
// forwarded before ctx expired are reported as dropped.
func (i *IOT) Shutdown(ctx context.Context) (ShutdownReport, error) {
	var report ShutdownReport
	if i.closed.Swap(true) {
		return report, nil
	}
	i.logger.Info("Shutting down")

	i.mu.Lock()
	ids := make([]string, 0, len(i.channels))
	for id := range i.channels {
		ids = append(ids, id)
	}
	started := i.started
	i.mu.Unlock()
	sort.Strings(ids)

	var wg sync.WaitGroup
	reports := make([]*ChannelReport, len(ids))
	for n, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[n] = i.stopChannel(ctx, id)
		}()
	}
	wg.Wait()

	// channels are stopped first so the sessions the transport breaks on
	// close are not reported as devices going offline
	if c, ok := i.Transport.(io.Closer); ok {
		if err := c.Close(); err != nil {
			i.logger.Warn("Closing transport failed", zap.Error(err))
		}
	}

	for _, r := range reports {
		if r == nil {
			continue
		}
		report.Devices++
		report.Forwarded += r.Forwarded
		report.Dropped += r.Dropped
	}

	if started {
		i.cancel()
		<-i.flushDone
	}

	windows, err := i.Aggregator.Flush(context.WithoutCancel(ctx))
	report.Windows = len(windows)

	i.Dispatcher.Close()

	i.logger.Info("Shutdown complete",
		zap.Int("devices", report.Devices),
		zap.Int64("forwarded", report.Forwarded),
		zap.Int64("dropped", report.Dropped),
		zap.Int("windows", report.Windows),
	)
	return report, err
}

type channelHooks struct {
	i *IOT
}

func (h channelHooks) Forward(cfg models.DeviceConfig, r models.SensorReading) {
	h.i.Metrics.ReadingsAccepted.WithLabelValues(string(r.SensorType)).Inc()
	for _, alert := range h.i.Evaluator.Evaluate(cfg, r) {
		h.i.Dispatcher.Publish(alert)
	}
	h.i.Aggregator.Add(r)
}

func (h channelHooks) Offline(cfg models.DeviceConfig, at time.Time, silence time.Duration) {
	if alert := h.i.Evaluator.RaiseOffline(cfg, at, silence); alert != nil {
		h.i.Dispatcher.Publish(*alert)
	}
}

func (h channelHooks) Online(cfg models.DeviceConfig, at time.Time) {
	h.i.Evaluator.ClearOffline(cfg, at)
}

func (h channelHooks) DropRateExceeded(cfg models.DeviceConfig, at time.Time, fraction float64) {
	if alert := h.i.Evaluator.RaiseSensorError(cfg, at, fraction); alert != nil {
		h.i.Dispatcher.Publish(*alert)
	}
}

func (h channelHooks) DropRateRecovered(cfg models.DeviceConfig, at time.Time) {
	h.i.Evaluator.ClearSensorError(cfg, at)
}

func (h channelHooks) StateChanged(_ string, from, to ChannelState) {
	h.i.Metrics.StateChanged(string(from), string(to))
}
