package xerrors

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Caller errors. These are routine outcomes of an approval link being
// clicked late, twice, or with a bad secret, and callers branch on them
// to render the right message.
var (
	ErrTokenNotFound         = errors.New("approval token not found")
	ErrTokenExpired          = errors.New("approval token expired")
	ErrAlreadyDecided        = errors.New("approval token already decided")
	ErrExecutionNotFound     = errors.New("gift execution not found")
	ErrInvalidExecutionState = errors.New("gift execution is not awaiting approval")
)

// Generic
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalServer = errors.New("internal server error")
)

func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

func IsUniqueViolation(err error) bool {
	return ParsePGErrorCode(err) == "23505"
}
