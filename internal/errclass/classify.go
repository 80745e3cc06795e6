// Package errclass decides whether a failure is worth retrying.
package errclass

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"review-orchestrator/internal/models"
)

// ErrTimeout marks an operation that ran past its deadline.
var ErrTimeout = errors.New("operation timed out")

type marked struct {
	err   error
	class models.ErrorClassification
}

func (m *marked) Error() string { return m.err.Error() }
func (m *marked) Unwrap() error { return m.err }

// Retryable wraps err so Classify reports RETRYABLE regardless of the heuristic.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, class: models.ErrorRetryable}
}

// Permanent wraps err so Classify reports PERMANENT regardless of the heuristic.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, class: models.ErrorPermanent}
}

// Classify maps err to RETRYABLE for timeouts and transient infrastructure
// failures, PERMANENT for everything else.
func Classify(err error) models.ErrorClassification {
	if err == nil {
		return models.ErrorPermanent
	}
	var m *marked
	if errors.As(err, &m) {
		return m.class
	}
	if IsTransient(err) {
		return models.ErrorRetryable
	}
	return models.ErrorPermanent
}

// IsTransient reports whether err looks like a timeout or a flaky dependency.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, redis.ErrPoolTimeout):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLState(pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}
	return false
}

// transientSQLState covers connection exceptions, serialization failures,
// deadlocks, resource exhaustion and operator intervention.
func transientSQLState(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "53", "57":
		return true
	}
	switch code {
	case "40001", "40P01":
		return true
	}
	return false
}
