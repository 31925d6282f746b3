package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transit511/pkg/otel"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DefaultSlowThreshold = 500 * time.Millisecond

	insertBatchSize = 500
)

type Config struct {
	DSN           string
	SlowThreshold time.Duration
	// Debug logs every statement instead of only slow ones and errors.
	Debug         bool
	// Log receives GORM output. Defaults to the logrus standard logger.
	Log           *logrus.Logger
}

// Store is the persistence gateway. It owns a single long-lived connection
// and is the only writer of the schema.
type Store struct {
	db     *gorm.DB
	tracer trace.Tracer
	now    func() time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: newLogger(cfg),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// One ingestion writer plus the read-only facade.
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db), nil
}

// New wraps an already opened connection.
func New(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		tracer: otelapi.Tracer("store"),
		now:    time.Now,
	}
}

func newLogger(cfg Config) logger.Interface {
	out := cfg.Log
	if out == nil {
		out = logrus.StandardLogger()
	}

	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = DefaultSlowThreshold
	}

	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}

	return logger.New(out, logger.Config{
		SlowThreshold:             slow,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Migrate creates any missing table, column or index. It is safe to run
// against a database that already has the schema.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "store.migrate")
	defer span.End()

	err := s.db.WithContext(ctx).AutoMigrate(
		&VehiclePosition{},
		&Route{},
		&TransitAlert{},
		&RouteStatistic{},
	)
	if err != nil {
		recordFailure(span, err)
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	slog.Debug("Database schema ready")
	otel.SetSpanOk(span)
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB.Close()
}

// recordFailure records a database error on span.
func recordFailure(span trace.Span, err error) {
	otel.RecordError(span, err, otel.ErrorTypeDatabase, isTransient(err))
}

// isTransient reports whether a failed statement may succeed when retried on
// the next pass: connection loss, serialization conflicts, exhausted
// resources and operator intervention.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	return otel.IsTransientNetwork(err)
}
