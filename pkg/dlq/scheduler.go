package dlq

import (
	"context"
	"time"
)

// Scheduler polls the queue and replays due items until ctx is cancelled.
type Scheduler struct {
	queue    *Queue
	interval time.Duration
}

func NewScheduler(q *Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{queue: q, interval: interval}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.queue.ReplayDue(ctx); err != nil && ctx.Err() == nil {
				s.queue.logger.ErrorContext(ctx, "scheduled replay failed", "error", err)
			}
		}
	}
}
