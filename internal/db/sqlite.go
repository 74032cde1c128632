// Package db opens the SQL connections backing the job history store.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second
	sqliteReaderConns = 4
)

// openSQLite returns a single-connection writer and a small read-only pool
// over the same WAL-mode file. The file and its directory are created first.
func openSQLite(path string) (writer, reader *sql.DB, err error) {
	if path == "" {
		return nil, nil, fmt.Errorf("sqlite: database.path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: resolve %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, nil, fmt.Errorf("sqlite: create directory: %w", err)
	}

	writer, err = sql.Open(SQLite3, sqliteDSN(abs, "rwc", "WAL"))
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	// Force the file into existence before a read-only handle is opened on it.
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("sqlite: create %s: %w", abs, err)
	}

	reader, err = sql.Open(SQLite3, sqliteDSN(abs, "ro", ""))
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("sqlite: open reader: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)
	return writer, reader, nil
}

func sqliteDSN(path, mode, journal string) string {
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeout.Milliseconds()))
	if mode == "ro" {
		q.Set("_query_only", "true")
	}
	if journal != "" {
		q.Set("_journal_mode", journal)
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + path + "?" + q.Encode()
}
