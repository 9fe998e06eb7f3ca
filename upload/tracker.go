package upload

import (
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/queue"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(envRepo env.Repository, logger log.Logger) uploadTracker {
	p := analytics.Properties{
		"build_slug": envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":   envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":   envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
	}
	return uploadTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *uploadTracker) logTaskCompleted(task queue.Task) {
	properties := analytics.Properties{
		"upload_size_bytes": task.File.Size(),
		"retries":           task.Retries,
		"priority":          task.Priority,
	}
	if !task.StartedAt.IsZero() && !task.CompletedAt.IsZero() {
		properties["upload_time_s"] = task.CompletedAt.Sub(task.StartedAt).Truncate(time.Second).Seconds()
	}
	t.tracker.Enqueue("upload_queue_task_completed", properties)
}

func (t *uploadTracker) logTaskFailed(task queue.Task, err error) {
	properties := analytics.Properties{
		"upload_size_bytes": task.File.Size(),
		"retries":           task.Retries,
		"error":             err.Error(),
	}
	t.tracker.Enqueue("upload_queue_task_failed", properties)
}

func (t *uploadTracker) wait() {
	t.tracker.Wait()
}
