package database

import (
	"context"
	"time"

	"github.com/grantlinehq/grantline/internal/config"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("database",
	fx.Provide(NewDB),
	fx.Provide(NewTxRunner),
)

func NewDB(cfg config.Config) (*gorm.DB, error) {
	level := gormlogger.Warn
	if !cfg.IsProduction() {
		level = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// TxRunner wraps gorm transactions with the environment's timeout bound.
// Callers pass their own *gorm.DB when already inside a transaction, or let
// WithTransaction open one.
type TxRunner struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewTxRunner(db *gorm.DB, cfg config.Config) *TxRunner {
	return &TxRunner{db: db, timeout: cfg.Database.TxTimeout}
}

func NewTxRunnerWithTimeout(db *gorm.DB, timeout time.Duration) *TxRunner {
	return &TxRunner{db: db, timeout: timeout}
}

// WithTransaction runs fn inside a single transaction bounded by the
// configured timeout. Any error from fn rolls the whole transaction back.
func (r *TxRunner) WithTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.WithContext(ctx).Transaction(fn)
}

func (r *TxRunner) DB() *gorm.DB { return r.db }
