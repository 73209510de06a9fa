// Package common defines shared helpers and sentinel errors used across
// the cloudvert server layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// Ledger errors.
	ErrorInsufficientCredits = errors.New("insufficient credits")
	ErrorInvalidAmount       = errors.New("invalid amount")

	// Admission errors.
	ErrorEmptySelection = errors.New("no files selected")
	ErrorMissingToken   = errors.New("missing auth token")

	// Collaborator errors (drive-side auth).
	ErrorTokenExpired = errors.New("token expired")
)
