package db

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"liyu1981.xyz/agri-telemetry-service/pkg/common"
	"liyu1981.xyz/agri-telemetry-service/pkg/models"
)

type DB struct {
	Conn *gorm.DB
}

// Open connects and migrates. Each call yields an independent handle so
// several services (and tests) can live in one process.
func Open(dialector gorm.Dialector) (*DB, error) {
	log := common.GetLogger()

	conn, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Info("Connected to database with dialector:", zap.String("dialector", dialector.Name()))

	if err := conn.AutoMigrate(&models.DeviceConfig{}, &models.Alert{}, &ReadingRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log.Info("Database migration completed")

	if dialector.Name() == "sqlite" {
		if err := conn.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
			return nil, fmt.Errorf("set sqlite journal mode: %w", err)
		}
		if err := conn.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
			return nil, fmt.Errorf("set sqlite busy timeout: %w", err)
		}
	}

	return &DB{Conn: conn}, nil
}

// MustOpen is Open for tests and wiring code that cannot continue without a
// database.
func MustOpen(dialector gorm.Dialector) *DB {
	d, err := Open(dialector)
	if err != nil {
		panic(err)
	}
	return d
}

func UseSqliteDialector() gorm.Dialector {
	var dbPath string
	var found bool
	if dbPath, found = os.LookupEnv(common.EnvKeyAgriDbPath); !found {
		dbPath = "agri.db"
	}
	return sqlite.Open(dbPath)
}

// UseMemorySqliteDialector names every in-memory database uniquely; the shared
// cache keeps it alive across the pool's connections.
func UseMemorySqliteDialector() gorm.Dialector {
	return sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
}
