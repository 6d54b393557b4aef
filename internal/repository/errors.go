// Package repository defines the persistence contract of the reservation
// core and its MySQL implementation.  The sentinel errors below let the
// service layer distinguish lock contention, optimistic version conflicts
// and missing rows without knowing which backend produced them.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when the requested row does not exist (or is not
// visible to the caller, for user-scoped lookups).
var ErrNotFound = errors.New("not found")

// ErrContended is returned when a row lock is already held by another
// transaction.  Lock acquisition never waits, so this is returned
// immediately and the caller may retry later.
var ErrContended = errors.New("row lock contended")

// ErrConflict is returned when an optimistic version check fails: the row
// changed since it was read.
var ErrConflict = errors.New("version conflict")

// ErrDuplicate is returned when an insert or update violates a unique key,
// such as a reused idempotency key.
var ErrDuplicate = errors.New("duplicate key")

// MySQL server error numbers mapped onto the sentinels above.
const (
	mysqlDuplicateEntry   = 1062
	mysqlLockWaitTimeout  = 1205
	mysqlLockNowaitFailed = 3572
)

// classify translates driver errors into repository sentinels.  Errors it
// does not recognise are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlLockNowaitFailed, mysqlLockWaitTimeout:
			return ErrContended
		case mysqlDuplicateEntry:
			return ErrDuplicate
		}
	}
	return err
}
