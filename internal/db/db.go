package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sentinelops/internal/errs"
)

//go:embed migrations
var migrationsFS embed.FS

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open connects and pings. SQLite is limited to one open connection so
// writers serialize instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, dialect Dialect, dsn string, maxOpenConns int) (*sql.DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch dialect {
	case Postgres:
		conn, err = sql.Open("postgres", dsn)
		if err == nil && maxOpenConns > 0 {
			conn.SetMaxOpenConns(maxOpenConns)
		}
	case SQLite:
		conn, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			conn.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	if err != nil {
		return nil, errs.Wrap(err, "open db")
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, errs.Wrap(err, "ping db")
	}
	return conn, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Migrate applies the embedded goose migrations for the dialect.
func Migrate(ctx context.Context, conn *sql.DB, dialect Dialect) error {
	var gooseDialect goose.Dialect
	switch dialect {
	case Postgres:
		gooseDialect = goose.DialectPostgres
	case SQLite:
		gooseDialect = goose.DialectSQLite3
	default:
		return fmt.Errorf("unsupported database dialect %q", dialect)
	}
	dir, err := fs.Sub(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return errs.Wrap(err, "migrations dir")
	}
	provider, err := goose.NewProvider(gooseDialect, conn, dir)
	if err != nil {
		return errs.Wrap(err, "goose provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return errs.Wrap(err, "apply migrations")
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint failure
// from either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		// Without extended result codes only the primary code is set.
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}
