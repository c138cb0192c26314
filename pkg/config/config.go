// Package config loads the service settings from the environment, with an
// optional .env file for development.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/iot"
	"liyu1981.xyz/agri-telemetry-service/pkg/training"
)

const (
	TransportChan = "chan"
	TransportMQTT = "mqtt"
	TransportWS   = "ws"

	DBTypeFile   = "file"
	DBTypeMemory = "memory"
)

type Config struct {
	DBType string `mapstructure:"AGRI_DB_TYPE"`

	HttpHostPort string `mapstructure:"AGRI_HTTP_HOST_PORT"`
	GrpcHostPort string `mapstructure:"AGRI_GRPC_HOST_PORT"`
	JWTSecret    string `mapstructure:"AGRI_JWT_SECRET"`

	DefaultRate  float64 `mapstructure:"AGRI_DEFAULT_RATE"`
	DefaultBurst int     `mapstructure:"AGRI_DEFAULT_BURST"`

	DeviceTransport   string        `mapstructure:"AGRI_DEVICE_TRANSPORT"`
	QueueSize         int           `mapstructure:"AGRI_QUEUE_SIZE"`
	DropAlertFraction float64       `mapstructure:"AGRI_DROP_ALERT_FRACTION"`
	FlushInterval     time.Duration `mapstructure:"AGRI_FLUSH_INTERVAL"`
	WindowGranularity string        `mapstructure:"AGRI_WINDOW_GRANULARITY"`

	MQTTBroker   string `mapstructure:"AGRI_MQTT_BROKER"`
	MQTTClientID string `mapstructure:"AGRI_MQTT_CLIENT_ID"`

	InfluxURL    string `mapstructure:"AGRI_INFLUX_URL"`
	InfluxToken  string `mapstructure:"AGRI_INFLUX_TOKEN"`
	InfluxOrg    string `mapstructure:"AGRI_INFLUX_ORG"`
	InfluxBucket string `mapstructure:"AGRI_INFLUX_BUCKET"`

	RedisAddr    string `mapstructure:"AGRI_REDIS_ADDR"`
	UseTaskQueue bool   `mapstructure:"AGRI_USE_TASK_QUEUE"`

	TrainingURL     string        `mapstructure:"AGRI_TRAINING_URL"`
	TrainingTimeout time.Duration `mapstructure:"AGRI_TRAINING_TIMEOUT"`
	RetrainSchedule string        `mapstructure:"AGRI_RETRAIN_SCHEDULE"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(common.EnvKeyAgriDBType, DBTypeFile)
	v.SetDefault(common.EnvKeyAgriHttpHostPort, ":1080")
	v.SetDefault(common.EnvKeyAgriGrpcHostPort, "")
	v.SetDefault(common.EnvKeyAgriJWTSecret, "")
	v.SetDefault(common.EnvKeyAgriDefaultRate, 1.0)
	v.SetDefault(common.EnvKeyAgriDefaultBurst, 5)
	v.SetDefault(common.EnvKeyAgriDeviceTransport, TransportChan)
	v.SetDefault(common.EnvKeyAgriQueueSize, 256)
	v.SetDefault(common.EnvKeyAgriDropAlertFraction, 0.1)
	v.SetDefault(common.EnvKeyAgriFlushInterval, iot.DefaultFlushInterval)
	v.SetDefault(common.EnvKeyAgriWindowGranularity, string(iot.GranularityDay))
	v.SetDefault(common.EnvKeyAgriMQTTBroker, "")
	v.SetDefault(common.EnvKeyAgriMQTTClientID, "agri-telemetry")
	v.SetDefault(common.EnvKeyAgriInfluxURL, "")
	v.SetDefault(common.EnvKeyAgriInfluxToken, "")
	v.SetDefault(common.EnvKeyAgriInfluxOrg, "")
	v.SetDefault(common.EnvKeyAgriInfluxBucket, "")
	v.SetDefault(common.EnvKeyAgriRedisAddr, "")
	v.SetDefault(common.EnvKeyAgriUseTaskQueue, false)
	v.SetDefault(common.EnvKeyAgriTrainingURL, "")
	v.SetDefault(common.EnvKeyAgriTrainingTimeout, training.DefaultAttemptTimeout)
	v.SetDefault(common.EnvKeyAgriRetrainSchedule, training.DefaultSchedule)
}

// Load reads the .env file when present and then the process environment,
// which wins over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		common.GetLogger().Debug("No .env file loaded")
	}
	return FromViper(viper.New())
}

func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DBType {
	case DBTypeFile, DBTypeMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q", common.EnvKeyAgriDBType, c.DBType))
	}
	switch c.DeviceTransport {
	case TransportChan, TransportWS:
	case TransportMQTT:
		if c.MQTTBroker == "" {
			errs = append(errs, fmt.Errorf("%s is required for the mqtt transport", common.EnvKeyAgriMQTTBroker))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q", common.EnvKeyAgriDeviceTransport, c.DeviceTransport))
	}
	if _, err := iot.ParseGranularity(c.WindowGranularity); err != nil {
		errs = append(errs, err)
	}
	if c.DefaultRate <= 0 || c.DefaultBurst <= 0 {
		errs = append(errs, fmt.Errorf("%s and %s must be positive", common.EnvKeyAgriDefaultRate, common.EnvKeyAgriDefaultBurst))
	}
	if c.DropAlertFraction <= 0 || c.DropAlertFraction > 1 {
		errs = append(errs, fmt.Errorf("%s must be in (0, 1]", common.EnvKeyAgriDropAlertFraction))
	}
	if c.UseTaskQueue && c.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("%s requires %s", common.EnvKeyAgriUseTaskQueue, common.EnvKeyAgriRedisAddr))
	}
	return errors.Join(errs...)
}

func (c *Config) Granularity() iot.Granularity {
	g, _ := iot.ParseGranularity(c.WindowGranularity)
	return g
}

func (c *Config) InfluxEnabled() bool {
	return c.InfluxURL != ""
}

func (c *Config) TrainingEnabled() bool {
	return c.TrainingURL != ""
}
