package iot

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

func (i *IOT) acknowledgeAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	logger := common.GetCategoryLogger(common.LoggerNameIOTCore, common.LoggerCategoryIOTAlert)

	alert, err := i.Evaluator.Acknowledge(alertID)
	if err == nil {
		logger.Info("Acknowledged open alert", zap.String("alert_id", alertID))
		return alert, i.AlertLog.Upsert(ctx, *alert)
	}
	if !errors.Is(err, models.ErrAlertNotFound) {
		return nil, err
	}

	if err := i.AlertLog.MarkAcknowledged(ctx, alertID); err != nil {
		return nil, err
	}
	logger.Info("Acknowledged stored alert", zap.String("alert_id", alertID))
	return i.AlertLog.Get(ctx, alertID)
}

func (i *IOT) resolveAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	logger := common.GetCategoryLogger(common.LoggerNameIOTCore, common.LoggerCategoryIOTAlert)
	now := time.Now()

	alert, err := i.Evaluator.Resolve(alertID, now)
	if err == nil {
		logger.Info("Resolved open alert", zap.String("alert_id", alertID))
		return alert, i.AlertLog.Upsert(ctx, *alert)
	}
	if !errors.Is(err, models.ErrAlertNotFound) {
		return nil, err
	}

	if err := i.AlertLog.MarkResolved(ctx, alertID, now); err != nil {
		return nil, err
	}
	logger.Info("Resolved stored alert", zap.String("alert_id", alertID))
	return i.AlertLog.Get(ctx, alertID)
}

// getDeviceAlerts merges the alert log with the open alerts held by the
// evaluator, which carry the latest refresh timestamps.
func (i *IOT) getDeviceAlerts(ctx context.Context, deviceID string) ([]models.Alert, error) {
	stored, err := i.AlertLog.ListByDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Alert, len(stored))
	for _, a := range stored {
		byID[a.ID] = a
	}
	for _, a := range i.Evaluator.OpenAlerts(deviceID) {
		byID[a.ID] = a
	}

	alerts := make([]models.Alert, 0, len(byID))
	for _, a := range byID {
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(x, y int) bool {
		if alerts[x].Timestamp.Equal(alerts[y].Timestamp) {
			return alerts[x].ID < alerts[y].ID
		}
		return alerts[x].Timestamp.After(alerts[y].Timestamp)
	})
	return alerts, nil
}

type IAlertImpl struct {
	iot *IOT
}

func (ia *IAlertImpl) Acknowledge(ctx context.Context, alertID string) (*models.Alert, error) {
	return ia.iot.acknowledgeAlert(ctx, alertID)
}

func (ia *IAlertImpl) Resolve(ctx context.Context, alertID string) (*models.Alert, error) {
	return ia.iot.resolveAlert(ctx, alertID)
}

func (ia *IAlertImpl) GetDeviceAlerts(ctx context.Context, deviceID string) ([]models.Alert, error) {
	return ia.iot.getDeviceAlerts(ctx, deviceID)
}

func (ia *IAlertImpl) OpenAlerts(deviceID string) []models.Alert {
	return ia.iot.Evaluator.OpenAlerts(deviceID)
}

func (i *IOT) GetIAlert() IAlert {
	return &IAlertImpl{iot: i}
}
