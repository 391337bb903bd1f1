// Package store persists the gateway's entities with gorm. Every read that
// serves a user request is scoped by tenant id.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"recapflow/api-gateway/config"
	"recapflow/api-gateway/models"
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to another tenant.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned on unique constraint violations and lost state races.
	ErrConflict = errors.New("record conflict")
)

// Store wraps a gorm handle. A Store obtained inside Transaction is bound to that transaction.
type Store struct {
	db *gorm.DB
}

// New wraps an existing gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GormConfig is the gorm configuration shared by every dialect the gateway runs on.
func GormConfig(log *logrus.Logger) *gorm.Config {
	level := gormlogger.Warn
	if log.IsLevelEnabled(logrus.DebugLevel) {
		level = gormlogger.Info
	}
	return &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.New(log, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// Open connects to Postgres and applies the pool settings from cfg.
func Open(cfg *config.Config, log *logrus.Logger) (*Store, error) {
	if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), GormConfig(log))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("retrieve sql db: %w", err)
	}
	if cfg.DBMaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
	if cfg.DBMaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBConnLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.DBConnLifetime)
	}
	return New(db), nil
}

// Migrate applies the schema of every model.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction. fn must only use the Store it is given.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// forUpdate adds a row lock when the dialect supports it. SQLite serializes writers anyway.
func (s *Store) forUpdate(q *gorm.DB, skipLocked bool) *gorm.DB {
	if s.db.Dialector.Name() != "postgres" {
		return q
	}
	lock := clause.Locking{Strength: "UPDATE"}
	if skipLocked {
		lock.Options = "SKIP LOCKED"
	}
	return q.Clauses(lock)
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(q *gorm.DB) *gorm.DB {
	return p.applyMax(q, 100)
}

func (p Page) applyMax(q *gorm.DB, maxLimit int) *gorm.DB {
	limit := p.Limit
	if limit <= 0 || limit > maxLimit {
		limit = 20
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	return q.Limit(limit).Offset(offset)
}
