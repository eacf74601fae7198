package pipeline

import (
	"context"
	"fmt"

	"ingestor/packages/domain"
	"ingestor/packages/metrics"
)

type BacklogCounter interface {
	CountPendingFetch(ctx context.Context) (int64, error)
}

type PendingJobs interface {
	Pending() []domain.JobRecord
}

// RefreshGauges sets the fetch backlog gauge and, when jobs is non-nil, the
// pending batch job gauge.
func RefreshGauges(ctx context.Context, store BacklogCounter, jobs PendingJobs) error {
	if jobs != nil {
		metrics.PendingBatchJobs.Set(float64(len(jobs.Pending())))
	}
	n, err := store.CountPendingFetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending pages: %w", err)
	}
	metrics.PendingFetchPages.Set(float64(n))
	return nil
}
