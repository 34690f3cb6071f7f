package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TypeSQLite = "sqlite"
	TypeMySQL  = "mysql"

	DefaultSQLiteDSN = "fetch.db"
	DefaultMySQLDSN  = "root:@tcp(127.0.0.1:3306)/background_fetch?charset=utf8mb4&parseTime=True&loc=UTC"
)

// NewGormDB opens a GORM DB for dbType ("mysql" or "sqlite"; anything else is
// treated as sqlite). An empty dsn selects the default for the type.
func NewGormDB(dbType, dsn string, verbose bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dbType {
	case TypeMySQL:
		if dsn == "" {
			dsn = DefaultMySQLDSN
			log.Println("Using default MySQL DSN: ", dsn)
		}
		dialector = mysql.Open(dsn)
	default:
		if dsn == "" {
			dsn = DefaultSQLiteDSN
			log.Println("Using default SQLite DSN: ", dsn)
		}
		dialector = sqlite.Open(dsn)
	}

	level := logger.Warn
	if verbose {
		level = logger.Info
	}
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Printf("Database connection established (%s).", dialector.Name())
	return db, nil
}

// AutoMigrate performs auto-migration for the given GORM models.
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	log.Println("Database migration completed successfully for provided models.")
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
