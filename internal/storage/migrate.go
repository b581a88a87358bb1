package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	logx "jarvis/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrate applies pending migrations from migrations/<dir>. It uses a goose
// Provider rather than the package-level API so concurrent opens do not share
// global state.
func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string, log logx.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	res, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range res {
		log.Info("migration applied", logx.String("source", r.Source.Path), logx.Duration("took", r.Duration))
	}
	return nil
}
