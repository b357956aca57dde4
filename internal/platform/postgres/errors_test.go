package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/forge-api/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505"}, store.ErrDuplicate},
		{
			"check violation",
			&pgconn.PgError{Code: "23514", ConstraintName: "build_tasks_state_check"},
			store.ErrInvalidEntity,
		},
		{
			"not null violation",
			&pgconn.PgError{Code: "23502", ColumnName: "queued_at"},
			store.ErrInvalidEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapError(tt.err)
			assert.ErrorIs(t, mapped, tt.want)
			assert.Contains(t, mapped.Error(), tt.err.Error(), "the original error stays inspectable")
		})
	}
}

func TestMapErrorPassthrough(t *testing.T) {
	assert.NoError(t, MapError(nil))

	plain := fmt.Errorf("connection reset")
	assert.Equal(t, plain, MapError(plain))

	// Unmapped postgres codes pass through unchanged too.
	pgErr := &pgconn.PgError{Code: "57014"}
	assert.Equal(t, error(pgErr), MapError(pgErr))
	assert.False(t, errors.Is(MapError(pgErr), store.ErrInvalidEntity))
}
