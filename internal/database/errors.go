package database

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store error kinds
var (
	ErrQuotaExceeded      = errors.New("store quota exceeded")
	ErrCorruptRecord      = errors.New("corrupt record")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnknownTable       = errors.New("unknown table")
	ErrUnknownIndex       = errors.New("unknown index")
)

// IsQuotaExceeded reports whether err means the store is full
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsCorruptRecord reports whether err came from an undecodable row
func IsCorruptRecord(err error) bool {
	return errors.Is(err, ErrCorruptRecord)
}

// IsStoreUnavailable reports whether the backing file could not be used
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// classify maps SQLite result codes onto the store error kinds
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}

	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	// Extended result codes carry the primary code in the low byte
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_FULL:
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
		sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
