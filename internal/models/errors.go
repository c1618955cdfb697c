package models

import "errors"

// Error kinds shared by the ingestion and query paths. Callers match them
// with errors.Is; producers wrap them with fmt.Errorf("...: %w", ...).
var (
	// ErrExtractionEmpty indicates a source yielded no usable text.
	// Non-fatal: the source is skipped and reported.
	ErrExtractionEmpty = errors.New("no text could be extracted")

	// ErrEmbeddingUnavailable indicates the embedding model failed or
	// returned output that violates the gateway contract.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrCompletionUnavailable indicates the completion service failed.
	ErrCompletionUnavailable = errors.New("completion service unavailable")

	// ErrCorruptIndex indicates the persisted vectors and metadata are
	// inconsistent or unreadable.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrIndexNotFound indicates no persisted index exists yet.
	ErrIndexNotFound = errors.New("index not found")

	// ErrInvalidChunkBatch indicates a length or dimension mismatch on add.
	ErrInvalidChunkBatch = errors.New("invalid chunk batch")

	// ErrDimensionMismatch indicates a vector whose size differs from the
	// store's fixed dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupportedFormat indicates a file type the parser cannot read.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrUploadTooLarge indicates an upload above the configured limit.
	ErrUploadTooLarge = errors.New("upload exceeds size limit")

	// ErrSourceNotFound indicates no chunks exist for a source name.
	ErrSourceNotFound = errors.New("source not found")
)
