package database

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/metal0/mailpilot-sub001/internal/config"
)

// NewConnection opens the single Postgres connection backing the Persistent
// State Store.
func NewConnection(dbConfig *config.DatabaseConfig) (*gorm.DB, error) {
	if err := validateConfig(dbConfig); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		dbConfig.Host, dbConfig.Port, dbConfig.User, dbConfig.DBName, dbConfig.Password, dbConfig.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		AllowGlobalUpdate: true,
		Logger:            initLog(dbConfig.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dbConfig.MaxConn > 0 {
		sqlDB.SetMaxOpenConns(dbConfig.MaxConn)
	}
	if dbConfig.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConn)
	}
	if dbConfig.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Hour)
	}

	return db, nil
}

func validateConfig(dbConfig *config.DatabaseConfig) error {
	switch {
	case dbConfig.Host == "":
		return fmt.Errorf("database host is required")
	case dbConfig.Port == "":
		return fmt.Errorf("database port is required")
	case dbConfig.User == "":
		return fmt.Errorf("database user is required")
	case dbConfig.DBName == "":
		return fmt.Errorf("database name is required")
	}
	return nil
}

func initLog(logLevel string) gormlogger.Interface {
	var level gormlogger.LogLevel
	switch logLevel {
	case "ERROR":
		level = gormlogger.Error
	case "WARN":
		level = gormlogger.Warn
	case "INFO":
		level = gormlogger.Info
	default:
		level = gormlogger.Silent
	}

	return gormlogger.New(
		log.New(io.MultiWriter(os.Stdout), "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
