package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/warp/bakehouse/store/sqlstore"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want sqlstore.ErrorClass
	}{
		{"55P03", sqlstore.ClassLockTimeout},
		{"40001", sqlstore.ClassConflict},
		{"40P01", sqlstore.ClassConflict},
		{"23505", sqlstore.ClassUnique},
		{"23503", sqlstore.ClassForeignKey},
		{"23514", sqlstore.ClassCheck},
		{"08006", sqlstore.ClassUnavailable},
		{"57P01", sqlstore.ClassUnavailable},
		{"42P01", sqlstore.ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: tt.code})
			assert.Equal(t, tt.want, classify(err))
		})
	}

	assert.Equal(t, sqlstore.ClassOther, classify(errors.New("plain")))
}
