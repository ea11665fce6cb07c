// Package domain contains the retry engine's core entities and their state transitions.
package domain

import "errors"

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates no retry record exists for the requested webhook.
	ErrNotFound = errors.New("retry record not found")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPolicy indicates a retry policy that cannot be enforced.
	ErrInvalidPolicy = errors.New("invalid retry policy")

	// ErrTerminal indicates the record reached a terminal state and accepts no further attempts.
	ErrTerminal = errors.New("retry record is terminal")

	// ErrBusy indicates another engine instance holds the record's claim.
	ErrBusy = errors.New("retry record is claimed by another instance")
)
