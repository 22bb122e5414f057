package store

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// retryPolicy bounds how long a write keeps retrying under lock contention
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var writePolicy = retryPolicy{
	attempts:  4,
	baseDelay: 25 * time.Millisecond,
	maxDelay:  400 * time.Millisecond,
}

// transient reports whether err is lock contention that a retry can clear
func transient(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return se.Code() == sqlite3.SQLITE_IOERR_SHORT_READ
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// withRetry runs fn until it succeeds, fails permanently, runs out of
// attempts, or ctx is done.
func withRetry(ctx context.Context, p retryPolicy, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if err = fn(); !transient(err) {
			return err
		}
		if attempt == p.attempts-1 {
			break
		}
		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// delay is exponential backoff capped at maxDelay plus up to baseDelay jitter
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << uint(attempt)
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d + time.Duration(rand.Int63n(int64(p.baseDelay)))
}
