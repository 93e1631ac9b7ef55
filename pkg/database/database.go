package database

import (
	"vmfuzz/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens the campaign database. It returns nil when no
// DATABASE_URL is configured, which disables the database journal and sink.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		logger.Info("no database configured, using file journal")
		return nil
	}
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	if err := Migrate(db); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	logger.Debug("connected to database")
	return db
}
