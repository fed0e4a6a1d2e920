package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService removes terminal jobs past the retention window. Results,
// tool tasks, and execution logs cascade with their jobs.
type CleanupService struct {
	Pool          *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData deletes terminal jobs (and, by cascade, their results and
// tool traces) older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled') AND created_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	if tag.RowsAffected() > 0 {
		slog.Info("cleanup removed old jobs", slog.Int64("count", tag.RowsAffected()))
	}

	// Orphaned execution logs with no task reference age out on the same window.
	if _, err := s.Pool.Exec(ctx, `DELETE FROM execution_logs WHERE task_id IS NULL AND created_at < $1`, cutoff); err != nil {
		return fmt.Errorf("op=cleanup.execlogs: %w", err)
	}
	return nil
}

// Run starts the periodic cleanup loop; it returns when ctx is done.
func (s *CleanupService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("cleanup failed", slog.Any("error", err))
			}
		}
	}
}
