package types

import "errors"

// Sentinel errors for common error conditions.
var (
	// ErrValidation is returned when a fact or request fails validation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a requested fact is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidTarget is returned when an operation names an unknown
	// table or embedding model.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrEmbeddingUnavailable is returned when the embedding provider
	// cannot produce a vector.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrInconsistentState is returned when the record store and the
	// vector index disagree about a fact.
	ErrInconsistentState = errors.New("inconsistent store state")

	// ErrMigrationPartial is returned when a migration finished with
	// per-fact failures and the swap was not performed.
	ErrMigrationPartial = errors.New("migration completed with failures")

	// ErrStoreClosed is returned when the store is used after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrProviderNotAvailable is returned when a provider is not available.
	ErrProviderNotAvailable = errors.New("provider not available")
)
