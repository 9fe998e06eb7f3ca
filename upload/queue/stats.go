package queue

import (
	"time"
)

// Statistics returns aggregate counts, mean progress, the current bandwidth and
// the estimated remaining time.
func (q *Queue) Statistics() Statistics {
	bandwidth := q.opts.Monitor.Current()

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Statistics{
		Total:            len(q.tasks),
		Restored:         len(q.restored),
		CurrentBandwidth: bandwidth,
	}

	var progressSum, remainingBytes float64
	for _, t := range q.tasks {
		progressSum += t.Progress

		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusUploading:
			stats.Uploading++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusPaused:
			stats.Paused++
		}

		if t.Status == StatusPending || t.Status == StatusUploading {
			remainingBytes += float64(t.File.Size()) * (1 - t.Progress/100)
		}
	}

	if stats.Total > 0 {
		stats.TotalProgress = progressSum / float64(stats.Total)
	}
	if bandwidth > 0 {
		stats.EstimatedTime = time.Duration(remainingBytes / bandwidth * float64(time.Second))
	}

	return stats
}
