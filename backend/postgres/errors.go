package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/akinalp/chatsync/pkg"
)

// SQLSTATE codes mapped onto the pkg sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeInsufficientPriv    = "42501"
)

// mapError wraps err with the matching pkg sentinel. op names the failed
// operation for the message.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", pkg.ErrNotFound, op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("%w: %s: %s", pkg.ErrConflict, op, pgErr.ConstraintName)
		case pgErr.Code == codeForeignKeyViolation:
			return fmt.Errorf("%w: %s: %s", pkg.ErrNotFound, op, pgErr.ConstraintName)
		case pgErr.Code == codeCheckViolation, len(pgErr.Code) == 5 && pgErr.Code[:2] == "22":
			return fmt.Errorf("%w: %s: %s", pkg.ErrValidation, op, pgErr.Message)
		case pgErr.Code == codeInsufficientPriv:
			return fmt.Errorf("%w: %s", pkg.ErrPermissionDenied, op)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", pkg.ErrBackendUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
