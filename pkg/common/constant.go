package common

const (
	EnvKeyGoEnv string = "GO_ENV"

	EnvKeyRunIntegrationTests string = "RUN_INTEGRATION_TESTS"

	EnvKeyAgriLogDir string = "AGRI_LOG_DIR"

	EnvKeyAgriDBType string = "AGRI_DB_TYPE"
	EnvKeyAgriDbPath string = "AGRI_DB_PATH"

	EnvKeyAgriHttpHostPort string = "AGRI_HTTP_HOST_PORT"
	EnvKeyAgriGrpcHostPort string = "AGRI_GRPC_HOST_PORT"

	EnvKeyAgriDefaultRate  string = "AGRI_DEFAULT_RATE"
	EnvKeyAgriDefaultBurst string = "AGRI_DEFAULT_BURST"

	EnvKeyAgriDeviceTransport   string = "AGRI_DEVICE_TRANSPORT"
	EnvKeyAgriQueueSize         string = "AGRI_QUEUE_SIZE"
	EnvKeyAgriDropAlertFraction string = "AGRI_DROP_ALERT_FRACTION"
	EnvKeyAgriFlushInterval     string = "AGRI_FLUSH_INTERVAL"
	EnvKeyAgriWindowGranularity string = "AGRI_WINDOW_GRANULARITY"
	EnvKeyAgriRetrainSchedule   string = "AGRI_RETRAIN_SCHEDULE"
	EnvKeyAgriTrainingURL       string = "AGRI_TRAINING_URL"
	EnvKeyAgriTrainingTimeout   string = "AGRI_TRAINING_TIMEOUT"
	EnvKeyAgriMQTTBroker        string = "AGRI_MQTT_BROKER"
	EnvKeyAgriMQTTClientID      string = "AGRI_MQTT_CLIENT_ID"
	EnvKeyAgriInfluxURL         string = "AGRI_INFLUX_URL"
	EnvKeyAgriInfluxToken       string = "AGRI_INFLUX_TOKEN"
	EnvKeyAgriInfluxOrg         string = "AGRI_INFLUX_ORG"
	EnvKeyAgriInfluxBucket      string = "AGRI_INFLUX_BUCKET"
	EnvKeyAgriRedisAddr         string = "AGRI_REDIS_ADDR"
	EnvKeyAgriUseTaskQueue      string = "AGRI_USE_TASK_QUEUE"
	EnvKeyAgriJWTSecret         string = "AGRI_JWT_SECRET"

	LoggerNameIOTCore       string = "iot_core"
	LoggerNameRestfulServer string = "restful_server"
	LoggerNameGrpcServer    string = "grpc_server"
	LoggerNameTraining      string = "training"
	LoggerNameTransport     string = "transport"
	LoggerNameSink          string = "sink"

	LoggerFieldIOTCategory string = "category"

	LoggerCategoryIOTRegistry  string = "registry"
	LoggerCategoryIOTIngestion string = "ingestion"
	LoggerCategoryIOTAlert     string = "alert"
	LoggerCategoryIOTAggregate string = "aggregate"
	LoggerCategoryExport       string = "export"
	LoggerCategorySchedule     string = "schedule"
)
