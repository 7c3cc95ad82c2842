package domain

import "errors"

// Error taxonomy shared by the store, the sources and the orchestrator.
var (
	// ErrSourceUnavailable: the remote fetch failed. Nothing was written.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrStoreUnavailable: the local cache could not be opened, created or read.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSchemaViolation: a coerced row could not be persisted. The row is skipped.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrMalformedRecord: a raw record could not be mapped onto the schema.
	ErrMalformedRecord = errors.New("malformed record")
)
