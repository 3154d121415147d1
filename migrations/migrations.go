package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed *.sql
var files embed.FS

// Up applies every pending migration against the pool's database.
func Up(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetLogger(&logger{})
	goose.SetBaseFS(files)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// logger adapts goose output to the global zap logger.
type logger struct{}

func (l *logger) Printf(format string, v ...interface{}) {
	zap.S().Named("migrations").Infof(format, v...)
}
func (l *logger) Fatalf(format string, v ...interface{}) {
	zap.S().Named("migrations").Fatalf(format, v...)
}
