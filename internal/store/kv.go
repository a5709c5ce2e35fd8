package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// KVStore is the generic key/value config table for process state that must
// survive restarts (scan cooldown stamps, provider profile, watermarks).
type KVStore struct {
	db *DB
}

func NewKVStore(db *DB) *KVStore {
	return &KVStore{db: db}
}

// Get returns the value for key, or "" when unset.
func (s *KVStore) Get(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

// Set upserts a value.
func (s *KVStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// GetInt64 returns the value for key parsed as int64, or 0 when unset.
func (s *KVStore) GetInt64(key string) (int64, error) {
	v, err := s.Get(key)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv %s is not an integer: %w", key, err)
	}
	return n, nil
}

// SetInt64 stores an int64 value.
func (s *KVStore) SetInt64(key string, v int64) error {
	return s.Set(key, strconv.FormatInt(v, 10))
}

// CheckCooldown reads and, if expired, re-arms the cooldown stamp for key in
// one read-modify-write under the writer connection. Returns the remaining
// wait when still cooling down. The stamp lives in this table, not process
// memory, so the window holds across restarts.
func (s *KVStore) CheckCooldown(key string, cooldown time.Duration, now time.Time) (time.Duration, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin cooldown check: %w", err)
	}
	defer tx.Rollback()

	var stamp int64
	err = tx.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&stampScanner{&stamp})
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read cooldown: %w", err)
	}

	if stamp > 0 {
		elapsed := now.Sub(time.Unix(stamp, 0))
		if elapsed < cooldown {
			return cooldown - elapsed, nil
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, strconv.FormatInt(now.Unix(), 10), now.Unix()); err != nil {
		return 0, fmt.Errorf("arm cooldown: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return 0, nil
}

// stampScanner parses a kv text value into an int64 during Scan.
type stampScanner struct{ v *int64 }

func (s *stampScanner) Scan(src any) error {
	switch t := src.(type) {
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return err
		}
		*s.v = n
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		if err != nil {
			return err
		}
		*s.v = n
	case int64:
		*s.v = t
	default:
		return fmt.Errorf("unexpected cooldown stamp type %T", src)
	}
	return nil
}
