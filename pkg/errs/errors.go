package errs

import "errors"

var (
	// ErrInvalidArgument marks malformed input to a core operation. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a missing knowledge/entity id or an owner mismatch.
	ErrNotFound = errors.New("not found")

	// ErrExtractionFailure marks unusable output from the LLM-backed extractor.
	ErrExtractionFailure = errors.New("extraction failure")

	// ErrEmbeddingUnavailable marks an unreachable embedding provider.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrVectorStoreUnavailable marks an unreachable vector store. Retrieval
	// degrades to the remaining signal sources instead of failing.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")

	// ErrGraphStoreUnavailable marks an unreachable graph store. The graph is
	// the source of truth, so this is fatal for both ingestion and retrieval.
	ErrGraphStoreUnavailable = errors.New("graph store unavailable")
)
