package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

// AlertLog keeps the latest version of every published alert.
type AlertLog struct {
	db *DB
}

func NewAlertLog(d *DB) *AlertLog {
	return &AlertLog{db: d}
}

// Upsert stores a published alert. Rows already acknowledged or resolved by an
// operator are not overwritten by late deliveries of the open version.
func (l *AlertLog) Upsert(ctx context.Context, alert models.Alert) error {
	return l.db.Conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "alerts.acknowledged = ? AND alerts.resolved_at IS NULL", Vars: []any{false}},
		}},
	}).Create(&alert).Error
}

func (l *AlertLog) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	var alert models.Alert
	err := l.db.Conn.WithContext(ctx).First(&alert, "id = ?", alertID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (l *AlertLog) ListByDevice(ctx context.Context, deviceID string) ([]models.Alert, error) {
	var alerts []models.Alert
	err := l.db.Conn.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp desc").
		Find(&alerts).Error
	return alerts, err
}

func (l *AlertLog) MarkAcknowledged(ctx context.Context, alertID string) error {
	return l.update(ctx, alertID, map[string]any{"acknowledged": true})
}

func (l *AlertLog) MarkResolved(ctx context.Context, alertID string, at time.Time) error {
	return l.update(ctx, alertID, map[string]any{"resolved_at": at})
}

func (l *AlertLog) update(ctx context.Context, alertID string, values map[string]any) error {
	res := l.db.Conn.WithContext(ctx).Model(&models.Alert{}).Where("id = ?", alertID).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrAlertNotFound
	}
	return nil
}
