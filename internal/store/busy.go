package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ibeckermayer/pinscrape/internal/retry"
)

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// TxPolicy is the retry policy RunTx applies to busy errors.
var TxPolicy = retry.Policy{
	MaxAttempts: 3,
	Initial:     100 * time.Millisecond,
	Max:         time.Second,
	Multiplier:  2,
	Retryable:   IsBusy,
}

// RunTx runs fn inside a transaction, committing on success and rolling
// back on any error. The whole transaction is retried when SQLite reports
// lock contention.
func RunTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	_, err := retry.Do(ctx, TxPolicy, func(ctx context.Context) error {
		return runTxOnce(ctx, db, fn)
	})
	return err
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
