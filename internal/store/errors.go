package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexusdb/nexus/internal/apierr"
)

// PostgreSQL error codes this package classifies. See
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgUndefinedTable      = "42P01"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
	pgLockNotAvailable    = "55P03"
)

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool { return pgCode(err) == pgUniqueViolation }

// IsForeignKeyViolation reports whether err is a foreign key violation.
func IsForeignKeyViolation(err error) bool { return pgCode(err) == pgForeignKeyViolation }

// IsCheckViolation reports whether err is a check constraint violation.
func IsCheckViolation(err error) bool { return pgCode(err) == pgCheckViolation }

// GetConstraintName returns the violated constraint's name, if any.
func GetConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUndefinedTable(err error) bool {
	return pgCode(err) == pgUndefinedTable || strings.Contains(err.Error(), "does not exist")
}

// mapPgError classifies a raw driver error into the taxonomy. Transient
// classes (serialization failure, lock timeout, deadlock) are surfaced
// as StorageFailure since the storage layer here does not itself retry
// them; callers that need retry semantics wrap Transaction in their
// own bounded loop.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case pgUniqueViolation:
		return apierr.Newf(apierr.CodeSchemaViolation, "unique constraint violated: %s", err).WithData(map[string]string{
			"constraint": GetConstraintName(err),
		})
	case pgForeignKeyViolation:
		return apierr.Newf(apierr.CodeSchemaViolation, "foreign key violated: %s", err).WithData(map[string]string{
			"constraint": GetConstraintName(err),
		})
	case pgCheckViolation:
		return apierr.Newf(apierr.CodeSchemaViolation, "check constraint violated: %s", err).WithData(map[string]string{
			"constraint": GetConstraintName(err),
		})
	case pgSerializationFail, pgDeadlockDetected, pgLockNotAvailable:
		return apierr.Newf(apierr.CodeStorageFailure, "transient storage contention: %s", err)
	default:
		return apierr.Newf(apierr.CodeStorageFailure, "storage error: %s", err)
	}
}
