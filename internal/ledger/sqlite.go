package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/imamik/vmpilot/internal/deployment"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore is a ConsumedStore backed by SQLite.
type SQLiteStore struct {
	DB *sql.DB
}

// OpenSQLite opens a SQLite database at the given path and runs all pending
// migrations. Use ":memory:" for an in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Consumed, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT class, value, plan_id, consumed_at FROM consumed_identifiers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list consumed identifiers: %w", err)
	}
	defer rows.Close()

	var out []Consumed
	for rows.Next() {
		var (
			c         Consumed
			class, at string
		)
		if err := rows.Scan(&class, &c.Value, &c.PlanID, &at); err != nil {
			return nil, fmt.Errorf("scan consumed identifier: %w", err)
		}
		c.Class = deployment.IdentifierClass(class)
		c.ConsumedAt, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse consumed_at %q: %w", at, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, c Consumed) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO consumed_identifiers (class, value, plan_id, consumed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (class, value) DO NOTHING`,
		string(c.Class), c.Value, c.PlanID, c.ConsumedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert consumed identifier: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}
