package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// PositionArchiver copies terminal Positions to cold storage. Positions stay
// in the primary store.
type PositionArchiver interface {
	ArchivePositions(ctx context.Context, since, until time.Time) (int64, error)
}
