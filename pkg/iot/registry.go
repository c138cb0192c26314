package iot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

func registryLogger() *zap.Logger {
	return common.GetCategoryLogger(common.LoggerNameIOTCore, common.LoggerCategoryIOTRegistry)
}

func (i *IOT) register(ctx context.Context, input *models.DeviceConfig) error {
	logger := registryLogger()

	logger.Info("Received device registration", zap.String("device_id", input.DeviceID), zap.String("farm_id", input.FarmID))

	return i.Db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.DeviceConfig
		err := tx.First(&existing, "device_id = ?", input.DeviceID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(input).Error; err != nil {
				return err
			}
			logger.Info("Registered device", zap.Reflect("config", input))
			return nil
		case err != nil:
			return err
		}

		if existing.SameAs(*input) {
			logger.Info("Device already registered with identical config", zap.String("device_id", input.DeviceID))
			if input.IsActive && !existing.IsActive {
				err := tx.Model(&models.DeviceConfig{}).
					Where("device_id = ?", input.DeviceID).
					Update("is_active", true).Error
				if err != nil {
					return err
				}
				logger.Info("Reactivated device on registration", zap.String("device_id", input.DeviceID))
			}
			return nil
		}

		logger.Warn("Refused registration with a different config", zap.String("device_id", input.DeviceID))
		return fmt.Errorf("%w: %s: %w", models.ErrDuplicateDevice, input.DeviceID, models.ErrConfigConflict)
	})
}

func (i *IOT) getDevice(ctx context.Context, deviceID string) (*models.DeviceConfig, error) {
	var config models.DeviceConfig
	err := i.Db.Conn.WithContext(ctx).First(&config, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return nil, err
	}
	return &config, nil
}

func (i *IOT) listByFarm(ctx context.Context, farmID string) ([]models.DeviceConfig, error) {
	var configs []models.DeviceConfig
	err := i.Db.Conn.WithContext(ctx).
		Where("farm_id = ?", farmID).
		Order("device_id asc").
		Find(&configs).Error
	return configs, err
}

func (i *IOT) listActive(ctx context.Context) ([]models.DeviceConfig, error) {
	var configs []models.DeviceConfig
	err := i.Db.Conn.WithContext(ctx).
		Where("is_active = ?", true).
		Order("device_id asc").
		Find(&configs).Error
	return configs, err
}

func (i *IOT) listActiveFarms(ctx context.Context) ([]string, error) {
	var farms []string
	err := i.Db.Conn.WithContext(ctx).
		Model(&models.DeviceConfig{}).
		Where("is_active = ?", true).
		Distinct("farm_id").
		Order("farm_id asc").
		Pluck("farm_id", &farms).Error
	return farms, err
}

func (i *IOT) setActive(ctx context.Context, deviceID string, active bool) error {
	res := i.Db.Conn.WithContext(ctx).
		Model(&models.DeviceConfig{}).
		Where("device_id = ?", deviceID).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrDeviceNotFound, deviceID)
	}
	registryLogger().Info("Changed device activation", zap.String("device_id", deviceID), zap.Bool("active", active))
	return nil
}

// reconfigure replaces every setting of an existing device except its
// activation state.
func (i *IOT) reconfigure(ctx context.Context, input *models.DeviceConfig) error {
	return i.Db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.DeviceConfig
		err := tx.First(&existing, "device_id = ?", input.DeviceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", models.ErrDeviceNotFound, input.DeviceID)
		}
		if err != nil {
			return err
		}

		input.IsActive = existing.IsActive
		if err := tx.Save(input).Error; err != nil {
			return err
		}
		registryLogger().Info("Reconfigured device", zap.Reflect("config", input))
		return nil
	})
}

type IRegistryImpl struct {
	iot *IOT
}

func (ir *IRegistryImpl) Register(ctx context.Context, config *models.DeviceConfig) error {
	return ir.iot.register(ctx, config)
}

func (ir *IRegistryImpl) Get(ctx context.Context, deviceID string) (*models.DeviceConfig, error) {
	return ir.iot.getDevice(ctx, deviceID)
}

func (ir *IRegistryImpl) ListByFarm(ctx context.Context, farmID string) ([]models.DeviceConfig, error) {
	return ir.iot.listByFarm(ctx, farmID)
}

func (ir *IRegistryImpl) ListActive(ctx context.Context) ([]models.DeviceConfig, error) {
	return ir.iot.listActive(ctx)
}

func (ir *IRegistryImpl) ListActiveFarms(ctx context.Context) ([]string, error) {
	return ir.iot.listActiveFarms(ctx)
}

func (ir *IRegistryImpl) Activate(ctx context.Context, deviceID string) error {
	return ir.iot.setActive(ctx, deviceID, true)
}

func (ir *IRegistryImpl) Deactivate(ctx context.Context, deviceID string) error {
	return ir.iot.setActive(ctx, deviceID, false)
}

func (ir *IRegistryImpl) Reconfigure(ctx context.Context, config *models.DeviceConfig) error {
	return ir.iot.reconfigure(ctx, config)
}

func (i *IOT) GetIRegistry() IRegistry {
	return &IRegistryImpl{iot: i}
}
