package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

const opTimeout = 5 * time.Second

// Коды SQLSTATE, которые классифицируются отдельно.
const (
	sqlStateUndefinedTable = "42P01"
	sqlStateClassConn      = "08"
)

// ErrSchemaNotMigrated: таблица cart_documents отсутствует (миграции не применены).
var ErrSchemaNotMigrated = errors.New("cart_documents table is missing, run migrations")

// DocumentStore реализует domain.DocumentStore поверх таблицы cart_documents.
type DocumentStore struct {
	db *sql.DB
}

// NewDocumentStore создаёт PostgreSQL-реализацию хранилища документов корзин.
func NewDocumentStore(store *Store) *DocumentStore {
	return &DocumentStore{db: store.DB()}
}

// Get читает документ по пути; отсутствие строки: domain.ErrCartNotFound.
func (s *DocumentStore) Get(ctx context.Context, path string) (domain.CartRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT items::text
		FROM cart_documents
		WHERE path = $1
	`, path).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CartRecord{}, domain.ErrCartNotFound
		}
		return domain.CartRecord{}, classify("select cart document", err)
	}

	items := []domain.CartItem{}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return domain.CartRecord{}, fmt.Errorf("decode cart document %s: %w", path, err)
	}
	return domain.CartRecord{Items: items}, nil
}

// Set перезаписывает документ целиком (upsert) и увеличивает ревизию.
func (s *DocumentStore) Set(ctx context.Context, path string, record domain.CartRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	items := record.Items
	if items == nil {
		items = []domain.CartItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode cart document %s: %w", path, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cart_documents (path, items, created_at, updated_at)
		VALUES ($1, $2::jsonb, NOW(), NOW())
		ON CONFLICT (path) DO UPDATE SET
			items = EXCLUDED.items,
			updated_at = NOW(),
			revision = cart_documents.revision + 1
	`, path, string(raw))
	if err != nil {
		return classify("upsert cart document", err)
	}
	return nil
}

// Delete удаляет документ; отсутствие строки не ошибка.
func (s *DocumentStore) Delete(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cart_documents WHERE path = $1`, path); err != nil {
		return classify("delete cart document", err)
	}
	return nil
}

// Revision возвращает число перезаписей документа (1 после первой записи).
func (s *DocumentStore) Revision(ctx context.Context, path string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM cart_documents WHERE path = $1`, path).Scan(&revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrCartNotFound
		}
		return 0, classify("select cart revision", err)
	}
	return revision, nil
}

func classify(op string, err error) error {
	if isUndefinedTable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrSchemaNotMigrated, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUndefinedTable
}

// IsConnectionError сообщает, что сбой произошёл на уровне соединения (класс SQLSTATE 08).
func IsConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == sqlStateClassConn
	}
	return false
}

// ShouldRetry решает, имеет ли смысл повторять операцию. Из ошибок PostgreSQL повторяются
// только сбои соединения; отсутствующая схема и прочие SQLSTATE повтором не исправятся.
// Ошибки вне PostgreSQL (сеть, таймаут установки соединения) повторяются.
func ShouldRetry(err error) bool {
	if errors.Is(err, ErrSchemaNotMigrated) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return IsConnectionError(err)
	}
	return true
}

var _ domain.DocumentStore = (*DocumentStore)(nil)
