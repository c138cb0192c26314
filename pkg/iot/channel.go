package iot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/metrics"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
	"liyu1981.xyz/agri-telemetry-service/pkg/validation"
)

type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateDegraded     ChannelState = "degraded"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffCap       = time.Minute
	DefaultBackoffJitter    = 0.2

	// silence, in transmission intervals, before a channel degrades and
	// before it is declared offline
	degradedAfterMisses = 2
	offlineAfterMisses  = 3
	// connection attempts failing in a row before an outage is reported
	offlineAfterFailures = 3
)

// ChannelHooks receives what a channel produces. Forward is called from the
// channel's forwarder goroutine in receipt order.
type ChannelHooks interface {
	Forward(cfg models.DeviceConfig, r models.SensorReading)
	Offline(cfg models.DeviceConfig, at time.Time, silence time.Duration)
	Online(cfg models.DeviceConfig, at time.Time)
	DropRateExceeded(cfg models.DeviceConfig, at time.Time, fraction float64)
	DropRateRecovered(cfg models.DeviceConfig, at time.Time)
	StateChanged(deviceID string, from, to ChannelState)
}

type ChannelOptions struct {
	IntervalUnit      time.Duration
	QueueSize         int
	HandshakeTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffJitter     float64
	MaxClockSkew      time.Duration
	DropAlertFraction float64
	DropWindow        int
	Clock             func() time.Time
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.IntervalUnit <= 0 {
		o.IntervalUnit = time.Minute
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.BackoffJitter <= 0 {
		o.BackoffJitter = DefaultBackoffJitter
	}
	if o.MaxClockSkew <= 0 {
		o.MaxClockSkew = validation.DefaultMaxClockSkew
	}
	if o.DropAlertFraction <= 0 {
		o.DropAlertFraction = 0.1
	}
	if o.DropWindow <= 0 {
		o.DropWindow = 100
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Channel owns the connection lifecycle of one device. Run connects, watches
// liveness, validates every sample and hands accepted readings to a bounded
// queue drained by the forwarder.
type Channel struct {
	cfg       atomic.Pointer[models.DeviceConfig]
	transport DeviceTransport
	hooks     ChannelHooks
	opts      ChannelOptions
	metrics   *metrics.Metrics
	logger    *zap.Logger

	queue *ReadingQueue
	drops *dropTracker

	mu    sync.Mutex
	state ChannelState
	// owned by the connect loop
	outage bool

	forwarded atomic.Int64
	dropped   atomic.Int64

	cancel      context.CancelFunc
	connDone    chan struct{}
	forwardDone chan struct{}
	abort       chan struct{}
}

func NewChannel(cfg models.DeviceConfig, transport DeviceTransport, hooks ChannelHooks, opts ChannelOptions, m *metrics.Metrics) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		transport: transport,
		hooks:     hooks,
		opts:      opts,
		metrics:   m,
		logger: common.GetLoggerWith(common.LoggerNameIOTCore,
			zap.String(common.LoggerFieldIOTCategory, common.LoggerCategoryIOTIngestion),
			zap.String("device_id", cfg.DeviceID),
		),
		queue: NewReadingQueue(opts.QueueSize),
		drops: newDropTracker(opts.DropWindow),
		state: StateDisconnected,
	}
	c.cfg.Store(&cfg)
	return c
}

func (c *Channel) Config() models.DeviceConfig {
	return *c.cfg.Load()
}

// UpdateConfig applies a reconfiguration to the running channel.
func (c *Channel) UpdateConfig(cfg models.DeviceConfig) {
	c.cfg.Store(&cfg)
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(to ChannelState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	c.logger.Info("Channel state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	if c.hooks != nil {
		c.hooks.StateChanged(c.Config().DeviceID, from, to)
	}
}

// Start launches the connection loop and the forwarder.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.connDone = make(chan struct{})
	c.forwardDone = make(chan struct{})
	c.abort = make(chan struct{})
	if c.hooks != nil {
		c.hooks.StateChanged(c.Config().DeviceID, "", StateDisconnected)
	}

	go func() {
		defer close(c.connDone)
		c.connectLoop(ctx)
	}()
	go func() {
		defer close(c.forwardDone)
		c.forwardLoop()
	}()
}

// Stop closes the connection, validates frames still waiting in the
// transport and lets the forwarder drain the queue until ctx is done. Readings still queued after that are counted as dropped.
func (c *Channel) Stop(ctx context.Context) ChannelReport {
	c.cancel()
	<-c.connDone
	if d, ok := c.transport.(Drainer); ok {
		for _, f := range d.Pending(c.Config().DeviceID) {
			c.handleFrame(f)
		}
	}
	c.queue.Close()

	select {
	case <-c.forwardDone:
	case <-ctx.Done():
		close(c.abort)
		leftover := c.queue.Drain()
		<-c.forwardDone
		if n := len(leftover); n > 0 {
			c.dropped.Add(int64(n))
			if c.metrics != nil {
				c.metrics.ReadingsDropped.WithLabelValues(metrics.ReasonShutdown).Add(float64(n))
			}
			c.logger.Warn("Dropped queued readings at shutdown", zap.Int("count", n))
		}
	}

	c.setState(StateDisconnected)
	if c.hooks != nil {
		c.hooks.StateChanged(c.Config().DeviceID, StateDisconnected, "")
	}
	return ChannelReport{
		DeviceID:  c.Config().DeviceID,
		Forwarded: c.forwarded.Load(),
		Dropped:   c.dropped.Load(),
	}
}

type ChannelReport struct {
	DeviceID  string
	Forwarded int64
	Dropped   int64
}

func (c *Channel) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.BackoffBase
	b.MaxInterval = c.opts.BackoffCap
	b.RandomizationFactor = c.opts.BackoffJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Channel) connectLoop(ctx context.Context) {
	b := c.newBackoff()
	failures := 0
	lastSeen := c.opts.Clock()

	for {
		if ctx.Err() != nil {
			return
		}
		cfg := c.Config()

		c.setState(StateConnecting)
		hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		sess, err := c.transport.Connect(hctx, cfg.DeviceID)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.setState(StateDisconnected)
			c.logger.Warn("Connection attempt failed", zap.Int("attempt", failures), zap.Error(err))
			if failures >= offlineAfterFailures {
				c.reportOffline(cfg, lastSeen)
			}
			if !c.sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		failures = 0
		b.Reset()
		c.setState(StateConnected)

		var serveErr error
		lastSeen, serveErr = c.serve(ctx, sess, lastSeen)
		if err := sess.Close(); err != nil {
			c.logger.Debug("Closing session failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}

		c.setState(StateDisconnected)
		c.logger.Warn("Connection lost", zap.Error(serveErr))
		c.reportOffline(c.Config(), lastSeen)
		if c.metrics != nil {
			c.metrics.Reconnects.Inc()
		}
		if !c.sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

// reportOffline raises device_offline once per outage. The outage ends with
// the next received frame.
func (c *Channel) reportOffline(cfg models.DeviceConfig, lastSeen time.Time) {
	if c.outage {
		return
	}
	c.outage = true
	now := c.opts.Clock()
	if c.hooks != nil {
		c.hooks.Offline(cfg, now, now.Sub(lastSeen))
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve reads frames until the session fails or the device stays silent for
// offlineAfterMisses transmission intervals. It returns the time of the last
// frame received, or lastSeen when none arrived.
func (c *Channel) serve(ctx context.Context, sess Session, lastSeen time.Time) (time.Time, error) {
	rctx, cancel := context.WithCancel(ctx)
	frames := make(chan Frame)
	errs := make(chan error, 1)
	leftover := make(chan Frame, 1)
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		for {
			f, err := sess.Receive(rctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case frames <- f:
			case <-rctx.Done():
				leftover <- f
				return
			}
		}
	}()
	defer func() {
		cancel()
		<-recvDone
		select {
		case f := <-leftover:
			c.handleFrame(f)
		default:
		}
	}()

	// silence is measured from connect until the first frame
	watch := c.opts.Clock()
	interval := c.Config().TransmissionInterval(c.opts.IntervalUnit)
	ticker := time.NewTicker(interval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return lastSeen, ctx.Err()
		case err := <-errs:
			if errors.Is(err, models.ErrConnectionLost) {
				return lastSeen, err
			}
			return lastSeen, fmt.Errorf("%w: %v", models.ErrConnectionLost, err)
		case f := <-frames:
			watch = c.opts.Clock()
			lastSeen = watch
			if c.outage {
				c.outage = false
				if c.hooks != nil {
					c.hooks.Online(c.Config(), watch)
				}
			}
			if c.State() == StateDegraded {
				c.setState(StateConnected)
			}
			c.handleFrame(f)
		case <-ticker.C:
			interval = c.Config().TransmissionInterval(c.opts.IntervalUnit)
			misses := int(c.opts.Clock().Sub(watch) / interval)
			switch {
			case misses >= offlineAfterMisses:
				return lastSeen, fmt.Errorf("%w: no frame for %d intervals", models.ErrConnectionLost, misses)
			case misses >= degradedAfterMisses:
				c.setState(StateDegraded)
			}
		}
	}
}

func (c *Channel) handleFrame(f Frame) {
	if f.Kind == FrameHeartbeat {
		return
	}
	cfg := c.Config()
	now := f.ReceivedAt
	if now.IsZero() {
		now = c.opts.Clock()
	}

	var r models.SensorReading
	if err := json.Unmarshal(f.Data, &r); err != nil {
		c.drop(cfg, metrics.ReasonMalformed, zap.Error(err))
		return
	}
	if r.DeviceID != cfg.DeviceID {
		c.drop(cfg, metrics.ReasonValidation, zap.String("reason", fmt.Sprintf("reading of device %q on channel of %q", r.DeviceID, cfg.DeviceID)))
		return
	}
	if res := validation.CheckFreshness(&r, now, c.opts.MaxClockSkew); !res.Accepted {
		c.drop(cfg, metrics.ReasonStale, zap.String("reason", res.Reason))
		return
	}
	if res := validation.Validate(&r); !res.Accepted {
		c.drop(cfg, metrics.ReasonValidation, zap.String("reason", res.Reason))
		return
	}

	c.record(cfg, false)
	if evicted := c.queue.Push(r); evicted != nil {
		c.drop(cfg, metrics.ReasonOverflow, zap.Time("evicted_timestamp", evicted.Timestamp))
	}
}

func (c *Channel) drop(cfg models.DeviceConfig, reason string, fields ...zap.Field) {
	c.dropped.Add(1)
	if c.metrics != nil {
		c.metrics.Dropped(reason)
	}
	c.logger.Warn("Dropped sample", append([]zap.Field{zap.String("drop_reason", reason)}, fields...)...)
	c.record(cfg, true)
}

func (c *Channel) record(cfg models.DeviceConfig, dropped bool) {
	switch c.drops.record(dropped, c.opts.DropAlertFraction) {
	case dropRateExceeded:
		if c.hooks != nil {
			c.hooks.DropRateExceeded(cfg, c.opts.Clock(), c.drops.fraction())
		}
	case dropRateRecovered:
		if c.hooks != nil {
			c.hooks.DropRateRecovered(cfg, c.opts.Clock())
		}
	}
}

func (c *Channel) forwardLoop() {
	for {
		r, ok := c.queue.Pop(c.abort)
		if !ok {
			return
		}
		if c.hooks != nil {
			c.hooks.Forward(c.Config(), r)
		}
		c.forwarded.Add(1)
	}
}

type dropTransition int

const (
	dropRateSteady dropTransition = iota
	dropRateExceeded
	dropRateRecovered
)

// dropTracker keeps the outcome of the last n samples.
type dropTracker struct {
	mu       sync.Mutex
	outcomes []bool
	next     int
	filled   int
	drops    int
	alerting bool
}

func newDropTracker(n int) *dropTracker {
	return &dropTracker{outcomes: make([]bool, n)}
}

func (t *dropTracker) record(dropped bool, limit float64) dropTransition {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filled == len(t.outcomes) {
		if t.outcomes[t.next] {
			t.drops--
		}
	} else {
		t.filled++
	}
	t.outcomes[t.next] = dropped
	if dropped {
		t.drops++
	}
	t.next = (t.next + 1) % len(t.outcomes)

	if t.filled < len(t.outcomes) {
		return dropRateSteady
	}
	over := float64(t.drops)/float64(t.filled) > limit
	switch {
	case over && !t.alerting:
		t.alerting = true
		return dropRateExceeded
	case !over && t.alerting:
		t.alerting = false
		return dropRateRecovered
	}
	return dropRateSteady
}

func (t *dropTracker) fraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.filled == 0 {
		return 0
	}
	return float64(t.drops) / float64(t.filled)
}
