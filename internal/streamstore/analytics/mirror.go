// Package analytics wraps a streamstore.Store with a DuckDB mirror table,
// giving operators SQL access over stream activity without putting a SQL
// engine on the append hot path's correctness. Every successfully
// committed append is also recorded as one row of
// (stream_path, offset_str, committed_at, content_type, byte_len); the mirror
// write happens after the underlying Store has already durably accepted
// the append, so a mirror failure is logged and swallowed rather than
// failing the caller's append.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/dstreamsio/dstreams/internal/streamstore"
)

// MirrorStore decorates a streamstore.Store, recording committed appends
// into a DuckDB table for analytical queries.
type MirrorStore struct {
	streamstore.Store
	db     *sql.DB
	logger *zap.Logger
}

// Open wraps backing with a DuckDB mirror persisted at dbPath (use ":memory:"
// for an ephemeral mirror). logger may be nil, in which case mirror-insert
// failures are swallowed silently.
func Open(backing streamstore.Store, dbPath string, logger *zap.Logger) (*MirrorStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("analytics: open duckdb: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS records (
		stream_path TEXT,
		offset_str TEXT,
		committed_at TIMESTAMP,
		content_type TEXT,
		byte_len BIGINT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("analytics: create table: %w", err)
	}
	return &MirrorStore{Store: backing, db: db, logger: logger}, nil
}

// Append records the append in the underlying store, then mirrors it into
// DuckDB. Mirror failures never fail the caller's append: the durable
// store already accepted the record by the time the mirror insert runs.
func (m *MirrorStore) Append(path string, data []byte, opts streamstore.AppendOptions) (streamstore.AppendResult, error) {
	res, err := m.Store.Append(path, data, opts)
	if err != nil {
		return res, err
	}
	if res.ProducerResult == streamstore.ProducerResultDuplicate {
		return res, nil
	}

	contentType := opts.ContentType
	if meta, merr := m.Store.Get(path); merr == nil {
		contentType = meta.ContentType
	}

	if _, insertErr := m.db.Exec(
		`INSERT INTO records (stream_path, offset_str, committed_at, content_type, byte_len) VALUES (?, ?, ?, ?, ?)`,
		path, res.Offset.String(), time.Now().UTC(), contentType, len(data),
	); insertErr != nil {
		if m.logger != nil {
			m.logger.Error("analytics mirror insert failed", zap.String("path", path), zap.Error(insertErr))
		}
	}
	return res, nil
}

// Close closes both the mirror's DuckDB handle and the backing store.
func (m *MirrorStore) Close() error {
	dbErr := m.db.Close()
	storeErr := m.Store.Close()
	if storeErr != nil {
		return storeErr
	}
	return dbErr
}

// StreamCounts returns the number of mirrored records per stream path, a
// representative query the hot append path never needs to support
// itself.
func (m *MirrorStore) StreamCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT stream_path, count(*) FROM records GROUP BY stream_path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var path string
		var count int64
		if err := rows.Scan(&path, &count); err != nil {
			return nil, err
		}
		out[path] = count
	}
	return out, rows.Err()
}

var _ streamstore.Store = (*MirrorStore)(nil)
