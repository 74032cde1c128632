package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/devbridge/internal/common/config"
)

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// Pool provides separate read and write connections.
//
// For SQLite the writer is limited to one connection and the reader pool
// uses WAL snapshots. For PostgreSQL both return the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open builds a Pool for the configured driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "", "sqlite":
		writer, reader, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, SQLite3), sqlx.NewDb(reader, SQLite3)), nil
	case "postgres":
		conn, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(conn, PGX)
		return NewPool(x, x), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Writer returns the connection used for INSERT, UPDATE and DELETE.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// IsPostgres reports whether the pool talks to PostgreSQL.
func (p *Pool) IsPostgres() bool { return p.writer.DriverName() == PGX }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
