// Package objectstore is the thin staging-object abstraction the
// engine calls out to (the engine's two external seams: object-store
// upload/delete, warehouse SQL
// execute/copy"). Everything else in this repo only depends on the
// Store interface; internal/warehouse never imports the AWS SDK
// directly.
package objectstore

import (
	"context"
	"io"
)

// Store uploads and deletes staged objects. Implementations must be
// safe for concurrent use: the flush orchestrator shares one Store
// across its worker pool.
type Store interface {
	// Upload streams r (size bytes) to key and returns the URI the
	// warehouse driver's COPY statement should reference.
	Upload(ctx context.Context, key string, r io.Reader, size int64) (uri string, err error)
	// Delete removes a previously uploaded object. Deleting an object
	// that no longer exists is not an error.
	Delete(ctx context.Context, key string) error
}
