package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/vgap/internal/domain"
)

// PGStore — реализация Store поверх PostgreSQL.
//
// Мутации выполняются в транзакциях с блокировкой строк (SELECT ... FOR UPDATE).
// Обновление sample блокирует только строку sample, поэтому samples
// одного run не сериализуются друг с другом.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore создаёт новый PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

// querier — общее подмножество pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Helpers ---

// uniqueViolation — код ошибки PostgreSQL для нарушения уникальности.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// marshalJSON сериализует значение для jsonb колонки.
func marshalJSON(name string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}
	return data, nil
}

// errorJSON сериализует ErrorDetail; nil превращается в NULL.
func errorJSON(d *domain.ErrorDetail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return marshalJSON("error", d)
}

// unmarshalJSON разбирает jsonb колонку; NULL оставляет v без изменений.
func unmarshalJSON(name string, data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

func unmarshalError(data []byte) (*domain.ErrorDetail, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var d domain.ErrorDetail
	if err := unmarshalJSON("error", data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
