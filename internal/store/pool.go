package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const defaultPoolSize = 2

// pragmas applied to every pooled connection.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

const schema = `
CREATE TABLE IF NOT EXISTS services (
	service_type  TEXT    NOT NULL,
	instance_name TEXT    NOT NULL,
	hostname      TEXT    NOT NULL,
	addresses     BLOB    NOT NULL,
	port          INTEGER NOT NULL,
	txt           BLOB    NOT NULL,
	alive         INTEGER NOT NULL DEFAULT 1,
	first_seen    INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL,
	ttl           INTEGER NOT NULL,
	PRIMARY KEY (service_type, instance_name)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS idx_services_last_seen ON services (last_seen);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type pool struct {
	inner  *sqlitex.Pool
	logger *zap.Logger
	path   string
}

func openPool(path string, size int, logger *zap.Logger) (*pool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	logger.Debug("SQLite pool opened",
		zap.String("path", path),
		zap.Int("pool_size", size),
	)

	return &pool{inner: inner, logger: logger, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to take connection: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("SQLite pool close error", zap.String("path", p.path), zap.Error(err))
		return fmt.Errorf("failed to close database %s: %w", p.path, err)
	}
	p.logger.Debug("SQLite pool closed", zap.String("path", p.path))
	return nil
}

// prepareConnection runs once per pooled connection on first use.
func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
