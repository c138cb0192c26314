package iot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

const (
	BatteryLowLevel      = 20.0
	BatteryCriticalLevel = 10.0

	paramBattery    = "batteryLevel"
	paramConnection = "connection"
	paramStatus     = "connectionStatus"
	paramDropRate   = "dropRate"
)

var alertNamespace = uuid.MustParse("6f1d3c5e-2b7a-4f0e-9d8c-5a4b3c2d1e0f")

type alertKey struct {
	alertType models.AlertType
	parameter string
}

type openAlert struct {
	alert      models.Alert
	lastBreach time.Time
	inBreach   bool
}

type deviceAlerts struct {
	mu     sync.Mutex
	open   map[alertKey]*openAlert
	lastID map[alertKey]string
}

// Evaluator turns validated readings into alerts and keeps the open-alert
// table used for deduplication. It performs no I/O; callers publish what it
// returns.
type Evaluator struct {
	mu      sync.RWMutex
	devices map[string]*deviceAlerts
	byID    map[string]string
	unit    time.Duration
}

// NewEvaluator scales transmission intervals by unit, time.Minute in
// production.
func NewEvaluator(unit time.Duration) *Evaluator {
	if unit <= 0 {
		unit = time.Minute
	}
	return &Evaluator{
		devices: make(map[string]*deviceAlerts),
		byID:    make(map[string]string),
		unit:    unit,
	}
}

func (e *Evaluator) device(deviceID string) *deviceAlerts {
	e.mu.RLock()
	d, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if ok {
		return d
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok = e.devices[deviceID]; !ok {
		d = &deviceAlerts{open: make(map[alertKey]*openAlert), lastID: make(map[alertKey]string)}
		e.devices[deviceID] = d
	}
	return d
}

type condition struct {
	key       alertKey
	severity  models.Severity
	message   string
	action    string
	breached  bool
	reading   *models.SensorReading
	timestamp time.Time
}

// Evaluate checks battery, connection status and every configured threshold of
// cfg against r. It returns the alerts to publish: new alerts, alerts whose
// condition crossed back into breach within the dedup window and alerts whose
// severity escalated. Consecutive breaches only refresh the open alert.
func (e *Evaluator) Evaluate(cfg models.DeviceConfig, r models.SensorReading) []models.Alert {
	conditions := make([]condition, 0, len(cfg.AlertThresholds)+2)
	reading := r

	battery := condition{key: alertKey{models.AlertTypeBatteryLow, paramBattery}, reading: &reading, timestamp: r.Timestamp}
	switch {
	case r.BatteryLevel < BatteryCriticalLevel:
		battery.breached = true
		battery.severity = models.SeverityCritical
		battery.message = fmt.Sprintf("Battery %.2f below %.0f", r.BatteryLevel, BatteryCriticalLevel)
		battery.action = "Replace or recharge the battery immediately"
	case r.BatteryLevel < BatteryLowLevel:
		battery.breached = true
		battery.severity = models.SeverityMedium
		battery.message = fmt.Sprintf("Battery %.2f below %.0f", r.BatteryLevel, BatteryLowLevel)
		battery.action = "Schedule a battery replacement"
	}
	conditions = append(conditions, battery)

	conditions = append(conditions, condition{
		key:       alertKey{models.AlertTypeSensorError, paramStatus},
		breached:  r.ConnectionStatus == models.ConnectionError,
		severity:  models.SeverityHigh,
		message:   fmt.Sprintf("Device %s reports a sensor error", r.DeviceID),
		action:    "Inspect the sensor and its wiring",
		reading:   &reading,
		timestamp: r.Timestamp,
	})

	paths := make([]string, 0, len(cfg.AlertThresholds))
	for path := range cfg.AlertThresholds {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		th := cfg.AlertThresholds[path]
		v, ok := r.Field(path)
		if !ok {
			continue
		}
		c := condition{reading: &reading, timestamp: r.Timestamp}
		c.key = alertKey{models.AlertTypeThresholdExceeded, path}
		c.severity = models.SeverityMedium
		if th.Critical {
			c.key.alertType = models.AlertTypeCriticalReading
			c.severity = models.SeverityCritical
		}
		switch {
		case th.Min != nil && v < *th.Min:
			c.breached = true
			c.message = fmt.Sprintf("%s %.2f below minimum %.2f", path, v, *th.Min)
			c.action = fmt.Sprintf("Check %s on device %s", path, r.DeviceID)
		case th.Max != nil && v > *th.Max:
			c.breached = true
			c.message = fmt.Sprintf("%s %.2f above maximum %.2f", path, v, *th.Max)
			c.action = fmt.Sprintf("Check %s on device %s", path, r.DeviceID)
		}
		conditions = append(conditions, c)
	}

	return e.apply(cfg, conditions)
}

// RaiseOffline opens a device_offline alert. It returns nil while one is
// already open for the current outage.
func (e *Evaluator) RaiseOffline(cfg models.DeviceConfig, at time.Time, silence time.Duration) *models.Alert {
	out := e.apply(cfg, []condition{{
		key:       alertKey{models.AlertTypeDeviceOffline, paramConnection},
		breached:  true,
		severity:  models.SeverityMedium,
		message:   fmt.Sprintf("No data from device %s for %s", cfg.DeviceID, silence.Round(time.Second)),
		action:    "Check power and connectivity of the device",
		timestamp: at,
	}})
	if len(out) == 0 {
		return nil
	}
	return &out[0]
}

// ClearOffline ends the current outage so the next one raises a new alert.
func (e *Evaluator) ClearOffline(cfg models.DeviceConfig, at time.Time) {
	e.apply(cfg, []condition{{key: alertKey{models.AlertTypeDeviceOffline, paramConnection}, timestamp: at}})
}

// RaiseSensorError opens a sensor_error alert for a device whose samples are
// dropped faster than the configured fraction.
func (e *Evaluator) RaiseSensorError(cfg models.DeviceConfig, at time.Time, fraction float64) *models.Alert {
	out := e.apply(cfg, []condition{{
		key:       alertKey{models.AlertTypeSensorError, paramDropRate},
		breached:  true,
		severity:  models.SeverityHigh,
		message:   fmt.Sprintf("%.0f%% of recent samples from device %s were dropped", fraction*100, cfg.DeviceID),
		action:    "Check the device payload format, clock and transmission rate",
		timestamp: at,
	}})
	if len(out) == 0 {
		return nil
	}
	return &out[0]
}

func (e *Evaluator) ClearSensorError(cfg models.DeviceConfig, at time.Time) {
	e.apply(cfg, []condition{{key: alertKey{models.AlertTypeSensorError, paramDropRate}, timestamp: at}})
}

func (e *Evaluator) apply(cfg models.DeviceConfig, conditions []condition) []models.Alert {
	window := cfg.TransmissionInterval(e.unit)
	d := e.device(cfg.DeviceID)

	var publish []models.Alert
	var created, superseded []string

	d.mu.Lock()
	for _, c := range conditions {
		entry, open := d.open[c.key]
		if !c.breached {
			if open {
				entry.inBreach = false
			}
			continue
		}

		if open && c.timestamp.Sub(entry.lastBreach) <= window {
			recrossed := !entry.inBreach
			escalated := c.severity.Rank() > entry.alert.Severity.Rank()
			entry.inBreach = true
			entry.lastBreach = c.timestamp
			entry.alert.Timestamp = c.timestamp
			entry.alert.TriggeringReading = c.reading
			if escalated {
				entry.alert.Severity = c.severity
				entry.alert.Message = c.message
				entry.alert.ActionRequired = c.action
			}
			if recrossed || escalated {
				publish = append(publish, entry.alert)
			}
			continue
		}

		alert := models.Alert{
			ID:                e.nextID(d, cfg.DeviceID, c.key, c.timestamp.Truncate(window)),
			DeviceID:          cfg.DeviceID,
			FarmID:            cfg.FarmID,
			AlertType:         c.key.alertType,
			Severity:          c.severity,
			Parameter:         c.key.parameter,
			Message:           c.message,
			Timestamp:         c.timestamp,
			TriggeringReading: c.reading,
			ActionRequired:    c.action,
		}
		if open {
			superseded = append(superseded, entry.alert.ID)
		}
		d.open[c.key] = &openAlert{alert: alert, lastBreach: c.timestamp, inBreach: true}
		created = append(created, alert.ID)
		publish = append(publish, alert)
	}
	d.mu.Unlock()

	if len(created) > 0 {
		e.mu.Lock()
		for _, id := range superseded {
			delete(e.byID, id)
		}
		for _, id := range created {
			e.byID[id] = cfg.DeviceID
		}
		e.mu.Unlock()
	}
	return publish
}

// nextID derives the alert id from the device, the condition and the window
// bucket of the first breach. A bucket already used by this condition moves
// forward so ids never repeat.
func (e *Evaluator) nextID(d *deviceAlerts, deviceID string, key alertKey, bucket time.Time) string {
	id := alertID(deviceID, key, bucket)
	for id == d.lastID[key] {
		bucket = bucket.Add(time.Nanosecond)
		id = alertID(deviceID, key, bucket)
	}
	d.lastID[key] = id
	return id
}

func alertID(deviceID string, key alertKey, bucket time.Time) string {
	name := fmt.Sprintf("%s|%s|%s|%d", deviceID, key.alertType, key.parameter, bucket.UnixNano())
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

// Acknowledge marks an open alert as acknowledged and removes it from the
// dedup table, so the next breach of the same condition opens a new alert.
func (e *Evaluator) Acknowledge(alertID string) (*models.Alert, error) {
	return e.close(alertID, func(a *models.Alert) { a.Acknowledged = true })
}

func (e *Evaluator) Resolve(alertID string, at time.Time) (*models.Alert, error) {
	return e.close(alertID, func(a *models.Alert) { a.ResolvedAt = &at })
}

func (e *Evaluator) close(alertID string, mutate func(*models.Alert)) (*models.Alert, error) {
	e.mu.Lock()
	deviceID, ok := e.byID[alertID]
	if ok {
		delete(e.byID, alertID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, alertID)
	}

	d := e.device(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, entry := range d.open {
		if entry.alert.ID == alertID {
			delete(d.open, key)
			alert := entry.alert
			mutate(&alert)
			return &alert, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, alertID)
}

// OpenAlerts lists the open alerts of a device, newest first.
func (e *Evaluator) OpenAlerts(deviceID string) []models.Alert {
	e.mu.RLock()
	d, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	d.mu.Lock()
	out := make([]models.Alert, 0, len(d.open))
	for _, entry := range d.open {
		out = append(out, entry.alert)
	}
	d.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].Timestamp.Equal(out[b].Timestamp) {
			return out[a].ID < out[b].ID
		}
		return out[a].Timestamp.After(out[b].Timestamp)
	})
	return out
}

// Forget drops the state of a deactivated device.
func (e *Evaluator) Forget(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.devices, deviceID)
	for id, owner := range e.byID {
		if owner == deviceID {
			delete(e.byID, id)
		}
	}
}
