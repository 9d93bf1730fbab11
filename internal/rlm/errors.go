package rlm

import "errors"

var (
	// ErrCancelled is the cause of a session that stopped because its
	// context was cancelled.
	ErrCancelled = errors.New("session cancelled")

	// ErrInterpreter is the cause of a session whose interpreter could not
	// be started or seeded with its context.
	ErrInterpreter = errors.New("interpreter unavailable")
)
