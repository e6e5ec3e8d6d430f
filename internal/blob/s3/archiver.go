package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
)

// PositionSource is the slice of the Position store the archiver reads.
type PositionSource interface {
	ListTerminalBetween(ctx context.Context, since, until time.Time) ([]domain.Position, error)
}

// Archiver implements domain.PositionArchiver. Each run writes one JSONL
// object per UTC day of since, at archive/positions/YYYY-MM-DD.jsonl.
// Re-running a day overwrites the same object.
type Archiver struct {
	writer    domain.BlobWriter
	positions PositionSource
	audit     domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, positions PositionSource, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, positions: positions, audit: audit}
}

// ArchivePath returns the object key for Positions archived for day.
func ArchivePath(day time.Time) string {
	return "archive/positions/" + day.UTC().Format("2006-01-02") + ".jsonl"
}

// ArchivePositions uploads terminal Positions updated in [since, until) and
// returns how many were written. Nothing is uploaded for an empty range.
func (a *Archiver) ArchivePositions(ctx context.Context, since, until time.Time) (int64, error) {
	positions, err := a.positions.ListTerminalBetween(ctx, since, until)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list positions for archive: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range positions {
		if err := enc.Encode(p); err != nil {
			return 0, fmt.Errorf("s3blob: encode position %s: %w", p.ID, err)
		}
	}

	path := ArchivePath(since)
	size := int64(buf.Len())
	if size > minPartSize {
		err = a.writer.PutMultipart(ctx, path, &buf, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, &buf, "application/x-ndjson")
	}
	if err != nil {
		return 0, err
	}

	n := int64(len(positions))
	if a.audit != nil {
		_ = a.audit.Log(ctx, "positions_archived", map[string]any{
			"path":  path,
			"count": n,
			"bytes": size,
			"since": since.UTC().Format(time.RFC3339),
			"until": until.UTC().Format(time.RFC3339),
		})
	}
	return n, nil
}

var _ domain.PositionArchiver = (*Archiver)(nil)
