package main

import "errors"

var (
	// ErrEntityNotFound is returned when an operation references an entity
	// that does not exist (or no longer exists).
	ErrEntityNotFound = errors.New("entity not found")
	// ErrAccountExists is returned when an account is created for an
	// identity that already owns one.
	ErrAccountExists = errors.New("account already exists")
	// ErrUsernameTaken is returned when no free default username could be
	// generated for a new account.
	ErrUsernameTaken = errors.New("username taken")
	// ErrSchedulerNotRunning is returned by stop operations on a job that is
	// not registered. Callers treat it as success.
	ErrSchedulerNotRunning = errors.New("scheduler not running")
	// ErrUnauthorized is returned when a tick-only operation is invoked by
	// anyone but the scheduler.
	ErrUnauthorized = errors.New("unauthorized")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
