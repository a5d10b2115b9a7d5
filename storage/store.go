package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"payrelay/relay"
	"payrelay/signer"
)

// Store persists channels, the transaction dedup pool, the co-signature audit
// trail, and observed block heights in a single SQLite database. It is the
// concurrency boundary of the relay: the unique constraints below make the
// check-then-act sequences of the processing pipeline atomic, also across
// multiple bot processes sharing one database file.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS channels (
            id TEXT PRIMARY KEY,
            payer TEXT NOT NULL,
            recipient TEXT NOT NULL,
            message TEXT NOT NULL,
            asset TEXT NOT NULL,
            amount INTEGER NOT NULL,
            amount_paid INTEGER NOT NULL DEFAULT 0,
            amount_unconfirmed INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            is_paid INTEGER NOT NULL DEFAULT 0,
            paid_at TIMESTAMP,
            confirmed_hashes TEXT NOT NULL DEFAULT '[]',
            unconfirmed_hashes TEXT NOT NULL DEFAULT '[]',
            connections TEXT NOT NULL DEFAULT '[]',
            archived INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_channels_recipient ON channels(recipient, archived);`,
		`CREATE TABLE IF NOT EXISTS tx_pool (
            status TEXT NOT NULL,
            tx_hash TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL,
            PRIMARY KEY (status, tx_hash)
        );`,
		`CREATE TABLE IF NOT EXISTS signed_tx (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            multisig TEXT NOT NULL,
            cosignatory TEXT NOT NULL,
            tx_hash TEXT NOT NULL UNIQUE,
            amount INTEGER NOT NULL,
            raw_response TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS block_heights (
            module TEXT NOT NULL,
            height INTEGER NOT NULL,
            observed_at TIMESTAMP NOT NULL,
            PRIMARY KEY (module, height)
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Transaction pool ---

// MarkSeen claims a (status, hash) pool entry. The insert-or-ignore against
// the primary key is the atomic insert-if-absent gate: exactly one of two
// racing callers observes inserted=true.
func (s *Store) MarkSeen(ctx context.Context, status relay.TxStatus, hash string) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO tx_pool(status, tx_hash, observed_at) VALUES (?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, string(status), hash, time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Seen reports whether a (status, hash) entry exists.
func (s *Store) Seen(ctx context.Context, status relay.TxStatus, hash string) (bool, error) {
	const query = `SELECT 1 FROM tx_pool WHERE status = ? AND tx_hash = ? LIMIT 1`
	return s.exists(ctx, query, string(status), hash)
}

// SeenAny reports whether the hash exists with any status.
func (s *Store) SeenAny(ctx context.Context, hash string) (bool, error) {
	const query = `SELECT 1 FROM tx_pool WHERE tx_hash = ? LIMIT 1`
	return s.exists(ctx, query, hash)
}

// Unmark releases a claimed pool entry after a downstream failure.
func (s *Store) Unmark(ctx context.Context, status relay.TxStatus, hash string) error {
	const stmt = `DELETE FROM tx_pool WHERE status = ? AND tx_hash = ?`
	_, err := s.db.ExecContext(ctx, stmt, string(status), hash)
	return err
}

func (s *Store) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- Signed transaction audit trail ---

func (s *Store) HasSigned(ctx context.Context, hash string) (bool, error) {
	const query = `SELECT 1 FROM signed_tx WHERE tx_hash = ? LIMIT 1`
	return s.exists(ctx, query, hash)
}

// SignedTotal sums the signed amounts since the given time. The zero time
// sums the whole trail.
func (s *Store) SignedTotal(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	if since.IsZero() {
		const query = `SELECT COALESCE(SUM(amount), 0) FROM signed_tx`
		if err := s.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
			return 0, err
		}
		return total, nil
	}
	const query = `SELECT COALESCE(SUM(amount), 0) FROM signed_tx WHERE created_at >= ?`
	if err := s.db.QueryRowContext(ctx, query, since.UTC()).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) RecordSigned(ctx context.Context, rec signer.SignedRecord) error {
	const stmt = `INSERT INTO signed_tx(multisig, cosignatory, tx_hash, amount, raw_response, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		rec.Multisig, rec.Cosignatory, rec.Hash, rec.Amount, rec.RawResponse, rec.CreatedAt.UTC())
	return err
}

// ListSigned returns the newest audit entries, most recent first.
func (s *Store) ListSigned(ctx context.Context, limit int) ([]signer.SignedRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT multisig, cosignatory, tx_hash, amount, raw_response, created_at
        FROM signed_tx ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []signer.SignedRecord
	for rows.Next() {
		var rec signer.SignedRecord
		var raw sql.NullString
		if err := rows.Scan(&rec.Multisig, &rec.Cosignatory, &rec.Hash, &rec.Amount, &raw, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.RawResponse = raw.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Block heights ---

// RecordHeight is idempotent per (module, height); re-observing a height does
// not refresh its timestamp, so a stalled chain still reads as stale.
func (s *Store) RecordHeight(ctx context.Context, module string, height int64, observedAt time.Time) error {
	const stmt = `INSERT OR IGNORE INTO block_heights(module, height, observed_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, module, height, observedAt.UTC())
	return err
}

// LatestHeight returns the most recent record for a module, or zero values
// when none exists yet.
func (s *Store) LatestHeight(ctx context.Context, module string) (int64, time.Time, error) {
	const query = `SELECT height, observed_at FROM block_heights
        WHERE module = ? ORDER BY observed_at DESC, height DESC LIMIT 1`
	var height int64
	var observedAt time.Time
	err := s.db.QueryRowContext(ctx, query, module).Scan(&height, &observedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	return height, observedAt, nil
}
