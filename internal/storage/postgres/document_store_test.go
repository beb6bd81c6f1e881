package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestClassify_UndefinedTable(t *testing.T) {
	err := classify("select cart document", &pgconn.PgError{Code: "42P01"})
	require.ErrorIs(t, err, ErrSchemaNotMigrated)

	err = classify("select cart document", errors.New("boom"))
	require.NotErrorIs(t, err, ErrSchemaNotMigrated)
}

func TestIsConnectionError(t *testing.T) {
	require.True(t, IsConnectionError(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "08006"})))
	require.False(t, IsConnectionError(&pgconn.PgError{Code: "23505"}))
	require.False(t, IsConnectionError(errors.New("plain")))
}

func TestShouldRetry(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"connection failure":  {err: fmt.Errorf("upsert cart document: %w", &pgconn.PgError{Code: "08006"}), want: true},
		"connection refused":  {err: &pgconn.PgError{Code: "08001"}, want: true},
		"unique violation":    {err: &pgconn.PgError{Code: "23505"}, want: false},
		"schema not migrated": {err: classify("select cart document", &pgconn.PgError{Code: "42P01"}), want: false},
		"network error":       {err: errors.New("dial tcp: connection reset"), want: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, ShouldRetry(tt.err))
		})
	}
}
