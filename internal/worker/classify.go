package worker

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"
)

// Classification buckets for failed remote writes.
type Classification int

const (
	// ClassTransient covers network failures, timeouts and 5xx-grade
	// remote errors; retried with backoff.
	ClassTransient Classification = iota
	// ClassConflict is an optimistic-version mismatch; resolved by
	// last-write-wins, never retried as-is.
	ClassConflict
	// ClassPermanent covers validation, authorization and malformed
	// payloads; parked for manual retry.
	ClassPermanent
)

func (c Classification) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrVersionConflict signals that a version-guarded write matched zero rows.
var ErrVersionConflict = errors.New("optimistic version conflict")

// ClassifyError buckets a remote write failure. Unknown errors classify as
// transient: retrying a permanent error wastes a few attempts, dropping a
// transient one loses a user's write.
func ClassifyError(err error) Classification {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, ErrVersionConflict) {
		return ClassConflict
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "invalid payload"),
		strings.Contains(msg, "validation"):
		return ClassPermanent
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return ClassTransient
	}

	return ClassTransient
}

// classifyPostgres maps SQLSTATE classes: connectivity and resource classes
// retry, integrity/authorization/data classes do not.
func classifyPostgres(err *pq.Error) Classification {
	class := string(err.Code.Class())
	switch class {
	case "08", "53", "57", "58", "XX":
		return ClassTransient
	case "22", "23", "28", "42":
		return ClassPermanent
	case "40":
		// serialization failure / deadlock: safe to retry
		return ClassTransient
	default:
		return ClassTransient
	}
}

// RetryConfigFor returns the backoff policy for a classification, or nil for
// classes that never retry automatically.
func RetryConfigFor(class Classification, policy RetryPolicy) *RetryPolicy {
	switch class {
	case ClassTransient:
		p := policy
		return &p
	default:
		return nil
	}
}
