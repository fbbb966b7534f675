package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// busyTimeout bounds how long a connection waits on a lock before
	// surfacing SQLITE_BUSY.
	busyTimeout = 5 * time.Second
	// readerConns is the size of the read-only pool. WAL allows many readers
	// beside the one writer.
	readerConns = 4
)

// Open opens (creating if needed) the SQLite database at path and returns a
// writer/reader Pool. The writer holds exactly one connection, which
// serializes writes and keeps SQLITE_BUSY out of the write path.
func Open(path string) (*Pool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	writer, err := sqlx.Open("sqlite3", dsn(abs, false))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// The writer must create the file and switch on WAL before any read-only
	// connection touches it.
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	reader, err := sqlx.Open("sqlite3", dsn(abs, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening read-only pool: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)
	reader.SetMaxIdleConns(readerConns)

	return NewPool(writer, reader), nil
}

// dsn builds the connection string. The writer creates the file, enables WAL
// and relaxes synchronous to NORMAL; journal settings are database-level, so
// readers inherit them.
func dsn(path string, readOnly bool) string {
	mode := "rwc"
	extra := "&_journal_mode=WAL&_synchronous=NORMAL"
	if readOnly {
		mode = "ro"
		extra = ""
	}
	return fmt.Sprintf("file:%s?_mode=%s&_foreign_keys=on&_busy_timeout=%d&_cache=shared%s",
		path, mode, int(busyTimeout/time.Millisecond), extra)
}
