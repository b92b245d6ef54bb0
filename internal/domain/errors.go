package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrSigningFailed       = errors.New("signing failed")
	ErrLockHeld            = errors.New("lock already held")
	ErrLockLost            = errors.New("lock lost")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoOrderID           = errors.New("no order id in response")
	ErrConnectionFailed    = errors.New("execution service connection test failed")
	ErrAPIUnreachable      = errors.New("market api unreachable")
	ErrTaskExited          = errors.New("task exited unexpectedly")
)
