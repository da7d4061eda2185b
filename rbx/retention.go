package rbx

import (
	"context"
	"fmt"
	"time"
)

// RetentionSweep deletes processed records past the retention window.
type RetentionSweep struct {
	settings   Settings
	repository Repository
	clock      Clock
	logger     Logger
}

func (s *RetentionSweep) name() string { return "retention" }

// RunOnce applies the configured retention window.
func (s *RetentionSweep) RunOnce(ctx context.Context) error {
	_, err := s.DeleteOlderThan(ctx, s.settings.RetentionDays)
	return err
}

// DeleteOlderThan deletes processed records created more than days ago and
// returns how many were removed. Pending records are kept regardless of age.
func (s *RetentionSweep) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention days must be greater than zero", ErrInvalidSettings)
	}
	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	batchSize := s.settings.MaxEventsPerInterval

	var total int64
	for {
		n, err := s.repository.DeleteProcessedBefore(ctx, cutoff, batchSize)
		total += n
		if err != nil {
			return total, fmt.Errorf("deleting processed records before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		if batchSize == -1 || n < int64(batchSize) || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.logger.Info(fmt.Sprintf("%d processed records older than %d days were deleted", total, days))
	}
	return total, nil
}
