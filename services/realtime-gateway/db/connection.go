package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chorus/services/realtime-gateway/config"
	"chorus/services/realtime-gateway/models"
)

// Connect opens the PostgreSQL pool the gateway reads participants and
// messages from.
func Connect(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Environment == "production" {
		level = logger.Silent
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(level),
		// Reads only; no implicit write transactions.
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Every socket handshake and pagination call hits the pool, so it is
	// sized from config rather than fixed.
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Tables are owned by the chat API; only create them for local development.
	if cfg.Environment == "development" {
		if err := Migrate(gdb); err != nil {
			return nil, fmt.Errorf("failed to auto-migrate: %w", err)
		}
	}

	return gdb, nil
}

// Migrate creates the tables this service reads.
func Migrate(gdb *gorm.DB) error {
	for _, model := range []interface{}{
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
	} {
		if err := gdb.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}
