package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KVStore persists blobs in the kv_store table. It satisfies
// storage.Store.
type KVStore struct {
	db *DB
}

func NewKVStore(db *DB) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.conn.QueryRowContext(ctx,
		s.db.rebind(`SELECT value FROM kv_store WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading key %s: %w", key, err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	query := s.db.rebind(`
		INSERT INTO kv_store (key, value, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`)
	if _, err := s.db.conn.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("writing key %s: %w", key, err)
	}
	s.db.logger.Debug("Stored value", "key", key, "bytes", len(value))
	return nil
}
