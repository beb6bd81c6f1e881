// Package sqlite хранит локальные данные устройства (гостевую сессию и гостевые корзины) в файле SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

const (
	driverName = "sqlite"
	tableName  = "kv"
)

// KVStore реализует domain.KeyValueStore поверх таблицы kv.
type KVStore struct {
	db *sql.DB
}

// Open открывает (или создаёт) файл базы и гарантирует схему.
func Open(ctx context.Context, path string) (*KVStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Одно соединение: SQLite не любит конкурентных писателей ("database is locked")
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	store := &KVStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *KVStore) ensureSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}
	return nil
}

// Get возвращает значение или domain.ErrKeyNotFound.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM `+tableName+` WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrKeyNotFound
		}
		return nil, fmt.Errorf("select %q: %w", key, err)
	}
	return value, nil
}

// Set перезаписывает значение.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	const query = `INSERT INTO ` + tableName + ` (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

// Delete удаляет значение; отсутствие ключа не ошибка.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+tableName+` WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Ping проверяет доступность файла базы.
func (s *KVStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает соединение.
func (s *KVStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ domain.KeyValueStore = (*KVStore)(nil)
