package queue

import "time"

// Statistics is a point-in-time projection of queue state. It is always a
// copy; mutating it has no effect on the queue.
type Statistics struct {
	Name           string `json:"name"`
	Size           int    `json:"size"`
	MemoryBytes    int64  `json:"memory_bytes"`
	Enqueued       int64  `json:"enqueued"`
	Dequeued       int64  `json:"dequeued"`
	Dropped        int64  `json:"dropped"`
	Failed         int64  `json:"failed"`
	PendingRetries int    `json:"pending_retries"`

	// LastBatchTime is how long the most recent batch handler ran.
	LastBatchTime time.Duration `json:"last_batch_time"`

	// LastBatchRate is the most recent batch throughput in events/second.
	LastBatchRate float64 `json:"last_batch_rate"`

	// PerPriority is the current item count per lane, index 0 = lowest.
	PerPriority []int `json:"per_priority"`

	// OldestAge is the age of the oldest queued item, zero when empty.
	OldestAge time.Duration `json:"oldest_age"`
}

// Stats computes a snapshot of the queue's current state.
func (q *Queue) Stats() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Statistics{
		Name:           q.cfg.Name,
		Size:           q.size,
		MemoryBytes:    q.memoryBytes,
		Enqueued:       q.enqueued,
		Dequeued:       q.dequeued,
		Dropped:        q.dropped,
		Failed:         q.failed,
		PendingRetries: len(q.retryTimers),
		LastBatchTime:  q.lastBatchTime,
		LastBatchRate:  q.lastBatchRate,
		PerPriority:    make([]int, q.cfg.PriorityLevels),
	}

	now := time.Now()
	var oldest time.Time
	for lane, items := range q.lanes {
		stats.PerPriority[lane] = len(items)
		if len(items) > 0 {
			front := items[0].enqueuedAt
			if oldest.IsZero() || front.Before(oldest) {
				oldest = front
			}
		}
	}
	if !oldest.IsZero() {
		stats.OldestAge = now.Sub(oldest)
	}

	return stats
}
