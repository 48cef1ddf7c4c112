package database

import (
	"path/filepath"
	"testing"
)

func TestOpenMemoryRunsMigrations(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tables := []string{
		"users", "trusted_contacts", "recipients", "recipient_keys", "messages",
		"message_recipients", "magic_links", "delivery_tokens", "audit_logs", "backups",
	}
	for _, name := range tables {
		var got string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&got)
		if err != nil {
			t.Errorf("table %s missing: %v", name, err)
		}
	}
}

func TestOpenFileUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lastsignal.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if DialectOf(db) != SQLite {
		t.Errorf("dialect = %q, want sqlite", DialectOf(db))
	}
}

func TestOpenUnknownDialect(t *testing.T) {
	if _, err := OpenDialect("oracle", "x"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN(":memory:")
	want := ":memory:?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite&_txlock=immediate"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}
