// Package db provides database pool handling for the A2A server.
// SQLite runs with a single-connection writer and a read-only reader pool;
// Postgres uses one pool for both roles.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantum-forge/a2a-server/internal/common/config"
	"github.com/quantum-forge/a2a-server/internal/db/dialect"
)

// Pool holds the writer and reader handles for the active database.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens the database selected by the configuration.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case dialect.SQLite3:
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{
			writer: sqlx.NewDb(writer, dialect.SQLite3),
			reader: sqlx.NewDb(reader, dialect.SQLite3),
		}, nil

	case dialect.PGX:
		conn, err := OpenPostgres(cfg)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, dialect.PGX)
		return &Pool{writer: shared, reader: shared}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Writer returns the handle used for writes and schema changes.
func (p *Pool) Writer() *sqlx.DB {
	return p.writer
}

// Reader returns the handle used for queries.
func (p *Pool) Reader() *sqlx.DB {
	return p.reader
}

// Close closes both handles. When the writer and reader share a connection
// (Postgres) it is closed once.
func (p *Pool) Close() error {
	if p.reader != nil && p.reader != p.writer {
		if err := p.reader.Close(); err != nil {
			_ = p.writer.Close()
			return err
		}
	}
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
