package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "users_email_key"}
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsForeignKeyViolation(err))
	assert.Equal(t, "users_email_key", GetConstraintName(err))
}

func TestIsForeignKeyViolation(t *testing.T) {
	err := &pgconn.PgError{Code: pgForeignKeyViolation}
	assert.True(t, IsForeignKeyViolation(err))
}

func TestIsCheckViolation(t *testing.T) {
	err := &pgconn.PgError{Code: pgCheckViolation}
	assert.True(t, IsCheckViolation(err))
}

func TestGetConstraintName_NonPgError(t *testing.T) {
	assert.Equal(t, "", GetConstraintName(errors.New("boom")))
}

func TestMapPgError_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apierr.Code
	}{
		{"unique", &pgconn.PgError{Code: pgUniqueViolation}, apierr.CodeSchemaViolation},
		{"fk", &pgconn.PgError{Code: pgForeignKeyViolation}, apierr.CodeSchemaViolation},
		{"check", &pgconn.PgError{Code: pgCheckViolation}, apierr.CodeSchemaViolation},
		{"serialization", &pgconn.PgError{Code: pgSerializationFail}, apierr.CodeStorageFailure},
		{"deadlock", &pgconn.PgError{Code: pgDeadlockDetected}, apierr.CodeStorageFailure},
		{"unknown", &pgconn.PgError{Code: "99999"}, apierr.CodeStorageFailure},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			mapped := mapPgError(c.err)
			apiErr, ok := apierr.As(mapped)
			require.True(t, ok)
			assert.Equal(t, c.want, apiErr.Code)
		})
	}
}

func TestMapPgError_Nil(t *testing.T) {
	assert.Nil(t, mapPgError(nil))
}
