package iot

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/dedup"
	"liyu1981.xyz/agri-telemetry-service/pkg/metrics"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// AllFarms subscribes to the alerts of every farm.
const AllFarms = "*"

type AlertCallback func(models.Alert) error

// Dispatcher fans alerts out to subscribers. Every subscriber owns a bounded
// queue and a goroutine, so a slow or failing callback never stalls Publish.
type Dispatcher struct {
	mu        sync.RWMutex
	subs      map[int]*Subscription
	nextID    int
	queueSize int
	closed    bool
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type Subscription struct {
	id       int
	farmID   string
	callback AlertCallback
	queue    chan models.Alert
	done     chan struct{}
	d        *Dispatcher
}

func NewDispatcher(queueSize int, m *metrics.Metrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		subs:      make(map[int]*Subscription),
		queueSize: queueSize,
		metrics:   m,
		logger:    common.GetCategoryLogger(common.LoggerNameIOTCore, common.LoggerCategoryIOTAlert),
	}
}

// Subscribe registers callback for the alerts of farmID, or of every farm when
// farmID is AllFarms.
func (d *Dispatcher) Subscribe(farmID string, callback AlertCallback) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("dispatcher closed")
	}

	d.nextID++
	sub := &Subscription{
		id:       d.nextID,
		farmID:   farmID,
		callback: callback,
		queue:    make(chan models.Alert, d.queueSize),
		done:     make(chan struct{}),
		d:        d,
	}
	d.subs[sub.id] = sub
	go sub.run()
	return sub, nil
}

// Unsubscribe stops delivery after the queued alerts have been handled.
func (s *Subscription) Unsubscribe() {
	d := s.d
	d.mu.Lock()
	if _, ok := d.subs[s.id]; ok {
		delete(d.subs, s.id)
		close(s.queue)
	}
	d.mu.Unlock()
	<-s.done
}

func (s *Subscription) run() {
	defer close(s.done)
	for alert := range s.queue {
		s.deliver(alert)
	}
}

func (s *Subscription) deliver(alert models.Alert) {
	defer func() {
		if r := recover(); r != nil {
			s.d.failed(alert, fmt.Errorf("subscriber panic: %v", r))
		}
	}()
	if err := s.callback(alert); err != nil {
		s.d.failed(alert, err)
	}
}

func (d *Dispatcher) failed(alert models.Alert, err error) {
	if d.metrics != nil {
		d.metrics.SubscriberFailures.Inc()
	}
	d.logger.Error("Alert subscriber failed", zap.String("alert_id", alert.ID), zap.Error(err))
}

// Publish enqueues alert for every matching subscriber without blocking. A full
// subscriber queue drops the alert for that subscriber only.
func (d *Dispatcher) Publish(alert models.Alert) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("Dropped alert published after close", zap.String("alert_id", alert.ID))
		return
	}

	if d.metrics != nil {
		d.metrics.AlertsPublished.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()
	}
	d.logger.Info("Publishing alert",
		zap.String("alert_id", alert.ID),
		zap.String("device_id", alert.DeviceID),
		zap.String("alert_type", string(alert.AlertType)),
		zap.String("severity", string(alert.Severity)),
	)

	for _, sub := range d.subs {
		if sub.farmID != AllFarms && sub.farmID != alert.FarmID {
			continue
		}
		select {
		case sub.queue <- alert:
		default:
			if d.metrics != nil {
				d.metrics.SubscriberDrops.Inc()
			}
			d.logger.Warn("Subscriber queue full, alert dropped for subscriber",
				zap.String("alert_id", alert.ID), zap.Int("subscription", sub.id))
		}
	}
}

// Close stops accepting alerts and waits until every subscriber drained its
// queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := make([]*Subscription, 0, len(d.subs))
	for id, sub := range d.subs {
		close(sub.queue)
		subs = append(subs, sub)
		delete(d.subs, id)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}

// DedupSubscriber wraps callback so alerts are delivered at most once per id
// within the deduper's ttl.
func DedupSubscriber(seen *dedup.Deduper, callback AlertCallback) AlertCallback {
	return func(alert models.Alert) error {
		if !seen.ShouldProcess(alert.ID) {
			return nil
		}
		if err := callback(alert); err != nil {
			seen.Forget(alert.ID)
			return err
		}
		return nil
	}
}
