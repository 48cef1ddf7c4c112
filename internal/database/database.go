package database

import (
	"embed"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Dialect names the SQL flavour behind a *sqlx.DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open opens a SQLite database at the given path and runs migrations.
func Open(dbPath string) (*sqlx.DB, error) {
	return OpenDialect(SQLite, dbPath)
}

// OpenDialect opens a database for the given dialect and runs migrations.
// For SQLite the dsn is a file path (or ":memory:"); for Postgres it is a
// connection URL.
func OpenDialect(dialect Dialect, dsn string) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch dialect {
	case SQLite:
		db, err = sqlx.Open("sqlite", sqliteDSN(dsn))
		if err == nil && isMemory(dsn) {
			// Every connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}
	case Postgres:
		db, err = sqlx.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
		}
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// DialectOf reports the dialect of an open handle.
func DialectOf(db *sqlx.DB) Dialect {
	if db.DriverName() == "pgx" {
		return Postgres
	}
	return SQLite
}

// sqliteDSN adds the pragmas every connection needs. _txlock=immediate makes
// BeginTx take the write lock up front, so a transaction that reads a row
// and then writes it cannot interleave with another writer.
func sqliteDSN(path string) string {
	params := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite&_txlock=immediate"
	if !isMemory(path) {
		params += "&_pragma=journal_mode(WAL)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

func isMemory(path string) bool {
	return strings.HasPrefix(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func runMigrations(db *sqlx.DB, dialect Dialect) error {
	goose.SetBaseFS(migrations)

	gooseDialect := "sqlite3"
	if dialect == Postgres {
		gooseDialect = "postgres"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations/"+string(dialect)); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}
