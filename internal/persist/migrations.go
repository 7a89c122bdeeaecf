package persist

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// gooseLogger routes goose output through zap at debug level.
type gooseLogger struct{ log *zap.SugaredLogger }

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Errorf(strings.TrimSuffix(format, "\n"), v...)
}

// Migrate applies pending diagnostics migrations and returns the resulting
// schema version.
func (db *DB) Migrate(ctx context.Context) (int64, error) {
	goose.SetLogger(gooseLogger{log: db.log.Named("goose").Sugar()})
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("set dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	db.log.Info("diagnostics schema ready", zap.Int64("version", version))
	return version, nil
}
