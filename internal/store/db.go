// Package store provides durable persistence of PR records, per-builder
// build results, and the mergeability cache. It backs the merge queue's
// crash-safe recovery and is written synchronously on every semantically
// meaningful state transition.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// DB wraps dual reader/writer connections, mirroring the single-writer
// discipline the spec requires ("Store is expected to linearize writes per
// connection") without needing a connection-pool implementation of our own.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
}

// maxPoolRetries and poolRetryDelay implement the spec's "Transient Store
// pool exhaustion" policy: retry 20 times at 0.2s intervals, then propagate.
const (
	maxPoolRetries = 20
	poolRetryDelay = 200 * time.Millisecond
)

// Open creates a new dual-connection SQLite database in WAL mode with a
// single writer connection and a small reader pool.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open writer")
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, errors.Wrap(err, "ping writer")
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, errors.Wrap(err, "open reader")
	}
	reader.SetMaxOpenConns(4)
	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, errors.Wrap(err, "ping reader")
	}

	return &DB{Writer: writer, Reader: reader}, nil
}

// Close closes both connections, returning the first error encountered.
func (db *DB) Close() error {
	var firstErr error
	if err := db.Reader.Close(); err != nil {
		firstErr = err
	}
	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// isBusy reports whether err looks like a SQLite busy/locked error, the
// SQLite analogue of the original MySQL pool's PoolError.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

// withRetry runs fn, retrying up to maxPoolRetries times with poolRetryDelay
// between attempts when fn fails with a busy/locked error.
func withRetry(fn func() error) error {
	err := fn()
	for attempt := 0; attempt < maxPoolRetries && isBusy(err); attempt++ {
		time.Sleep(poolRetryDelay)
		err = fn()
	}
	return err
}
