package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tt2tg/internal/item"
	logx "tt2tg/pkg/logx"
)

const (
	statePending  = "pending"
	stateInflight = "inflight"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_items (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	key        TEXT    NOT NULL UNIQUE,
	payload    TEXT    NOT NULL,
	state      TEXT    NOT NULL DEFAULT 'pending',
	batch      TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_state ON queue_items(state, seq);
CREATE TABLE IF NOT EXISTS parked_items (
	seq       INTEGER PRIMARY KEY,
	key       TEXT    NOT NULL,
	payload   TEXT    NOT NULL,
	batch     TEXT    NOT NULL,
	parked_at INTEGER NOT NULL
);
`

// sqliteStore keeps the queue in one table. Claimed rows are stamped with
// a batch id and deleted once the batch snapshot is in the archive. When
// the archive fails the rows move to parked_items, which has no unique key,
// so their keys can be ingested again.
type sqliteStore struct {
	db      *sql.DB
	log     logx.Logger
	archive archiver

	mu     sync.Mutex
	closed bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &sqliteStore{db: db, log: log, archive: newArchiver(cfg.ArchiveDir, path)}
	if n, err := s.countState(context.Background(), stateInflight); err == nil && n > 0 {
		log.Warn("found unfinished drain; batch will be re-sent on next drain", logx.Int("items", n))
	}
	return s, nil
}

func (s *sqliteStore) AppendIfAbsent(ctx context.Context, it item.Item) (Result, error) {
	key, ok := item.Identity(it)
	if !ok {
		return 0, errors.New("item has no identity key")
	}
	payload, err := json.Marshal(it)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items(key, payload, state, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO NOTHING`,
		key, string(payload), statePending, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM queue_items WHERE state IN (?, ?)
		 ORDER BY CASE state WHEN ? THEN 0 ELSE 1 END, seq`,
		stateInflight, statePending, stateInflight,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) Pending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE state IN (?, ?)`, statePending, stateInflight,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) countState(ctx context.Context, state string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE state = ?`, state).Scan(&n)
	return n, err
}

func (s *sqliteStore) Claim(ctx context.Context) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var batchID string
	err := s.db.QueryRowContext(ctx,
		`SELECT batch FROM queue_items WHERE state = ? ORDER BY seq LIMIT 1`, stateInflight,
	).Scan(&batchID)
	switch {
	case err == nil:
		items, err := s.batchItems(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return s.newBatch(batchID, items, true), nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	batchID = uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET state = ?, batch = ? WHERE state = ?`,
		stateInflight, batchID, statePending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim queue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	items, err := s.batchItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.newBatch(batchID, items, false), nil
}

func (s *sqliteStore) batchItems(ctx context.Context, batchID string) ([]item.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM queue_items WHERE batch = ? AND state = ? ORDER BY seq`,
		batchID, stateInflight,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []item.Item
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var it item.Item
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			s.log.Warn("dropping undecodable queue row", logx.Int64("seq", seq), logx.Err(err))
			continue
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *sqliteStore) newBatch(id string, items []item.Item, recovered bool) *Batch {
	return &Batch{
		ID:        id,
		Items:     items,
		Recovered: recovered,
		commit: func(ctx context.Context) (string, error) {
			return s.commit(ctx, id, items)
		},
	}
}

func (s *sqliteStore) commit(ctx context.Context, id string, items []item.Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	b, err := encodeItems(items)
	if err != nil {
		return "", err
	}
	dst, archErr := s.archive.writeSnapshot(b)
	if archErr != nil {
		if err := s.parkLocked(ctx, id); err != nil {
			return "", fmt.Errorf("archive batch: %w (parking failed: %v)", archErr, err)
		}
		return "", fmt.Errorf("archive batch (rows parked as %s): %w", id, archErr)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE batch = ? AND state = ?`, id, stateInflight,
	); err != nil {
		return dst, fmt.Errorf("remove archived rows: %w", err)
	}
	return dst, nil
}

func (s *sqliteStore) parkLocked(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO parked_items(seq, key, payload, batch, parked_at)
		 SELECT seq, key, payload, batch, ? FROM queue_items WHERE batch = ? AND state = ?`,
		time.Now().UnixMilli(), id, stateInflight,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE batch = ? AND state = ?`, id, stateInflight,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
