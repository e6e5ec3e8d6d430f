package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/onramp/internal/domain"
)

const archiveLockKey = "archive:positions"

// ArchiveJob copies one UTC day of terminal Positions to cold storage: the
// day that has just aged past the retention window. A distributed lock keeps
// replicas from uploading the same day concurrently.
type ArchiveJob struct {
	archiver  domain.PositionArchiver
	locks     domain.LockManager
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiveJob creates an ArchiveJob. locks may be nil on single-replica
// deployments.
func NewArchiveJob(archiver domain.PositionArchiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *ArchiveJob {
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &ArchiveJob{
		archiver:  archiver,
		locks:     locks,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "archive")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Window returns the [since, until) range the next run archives.
func (j *ArchiveJob) Window() (since, until time.Time) {
	today := j.now().Truncate(24 * time.Hour)
	until = today.Add(-j.retention)
	return until.Add(-24 * time.Hour), until
}

// Run archives the current window. It returns nil without work when another
// replica holds the lock.
func (j *ArchiveJob) Run(ctx context.Context) error {
	if j.locks != nil {
		unlock, err := j.locks.Acquire(ctx, archiveLockKey, 10*time.Minute)
		if errors.Is(err, domain.ErrLockHeld) {
			j.logger.InfoContext(ctx, "archive already running elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: lock: %w", err)
		}
		defer unlock()
	}

	since, until := j.Window()
	start := time.Now()
	n, err := j.archiver.ArchivePositions(ctx, since, until)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	j.logger.InfoContext(ctx, "positions archived",
		slog.Int64("count", n),
		slog.String("day", since.Format("2006-01-02")),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
