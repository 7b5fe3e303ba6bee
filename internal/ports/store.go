package ports

import (
	"context"
	"encoding/json"
)

// Store defines a document store addressed by slash-separated paths, with an
// append-only collection primitive for immutable records. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get retrieves the raw JSON document at path.
	// Returns ErrNotFound when no document exists there.
	Get(ctx context.Context, path string) (json.RawMessage, error)

	// Set replaces the document at path with the JSON encoding of value.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into the document rooted at path. Each field key is
	// a slash-separated path relative to the root; intermediate objects are
	// created as needed.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Push appends record to a collection under a generated, time-ordered key
	// and returns that key.
	Push(ctx context.Context, collection string, record any) (string, error)

	// Close releases the underlying storage resources.
	Close() error
}
