package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-uploadqueue/upload/resumable"
	"github.com/bitrise-io/go-uploadqueue/upload/source"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidState is returned when a control is not valid in the task's current status.
	ErrInvalidState = errors.New("invalid task state")
)

// Status of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Engine uploads one file. *resumable.Engine implements it.
type Engine interface {
	Upload(ctx context.Context, file source.File, opts resumable.Options) (*network.UploadedFile, error)
	Pause()
	Resume()
	Cancel()
	CancelSession(ctx context.Context, sessionID string) error
}

// EngineFactory creates a fresh engine for every upload attempt.
type EngineFactory func() Engine

// Task is a snapshot of one queued upload.
type Task struct {
	ID       string
	File     source.File
	Priority int
	Status   Status
	// Progress 0-100 of the current attempt.
	Progress    float64
	AddedAt     time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	// Retries counts failed attempts.
	Retries int
	Error   string
	// SessionID is the server session id, empty until the session is prepared.
	SessionID string
	Result    *network.UploadedFile
	Options   resumable.Options
}

// FileInfo is the persistable description of a task's file.
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Type         string    `json:"type"`
	LastModified time.Time `json:"lastModified"`
}

// TaskRecord is the persisted projection of a task. The file content itself is
// not persisted, so a record alone cannot resume an upload.
type TaskRecord struct {
	ID          string                `json:"id"`
	Priority    int                   `json:"priority"`
	Status      Status                `json:"status"`
	Progress    float64               `json:"progress"`
	AddedAt     time.Time             `json:"addedAt"`
	StartedAt   *time.Time            `json:"startedAt,omitempty"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Error       string                `json:"error,omitempty"`
	Retries     int                   `json:"retries"`
	SessionID   string                `json:"serverTaskId,omitempty"`
	Result      *network.UploadedFile `json:"result,omitempty"`
	FileInfo    FileInfo              `json:"fileInfo"`
}

// Statistics aggregates the state of the queue.
type Statistics struct {
	Total     int
	Pending   int
	Uploading int
	Completed int
	Failed    int
	Paused    int
	// Restored is the number of task records loaded from the store on construction.
	Restored int
	// TotalProgress is the mean progress of all tasks.
	TotalProgress float64
	// CurrentBandwidth in bytes per second.
	CurrentBandwidth float64
	// EstimatedTime is 0 while bandwidth is unmeasured.
	EstimatedTime time.Duration
}

func (t Task) record() TaskRecord {
	r := TaskRecord{
		ID:        t.ID,
		Priority:  t.Priority,
		Status:    t.Status,
		Progress:  t.Progress,
		AddedAt:   t.AddedAt,
		Error:     t.Error,
		Retries:   t.Retries,
		SessionID: t.SessionID,
		Result:    t.Result,
	}
	if !t.StartedAt.IsZero() {
		startedAt := t.StartedAt
		r.StartedAt = &startedAt
	}
	if !t.CompletedAt.IsZero() {
		completedAt := t.CompletedAt
		r.CompletedAt = &completedAt
	}
	if t.File != nil {
		r.FileInfo = FileInfo{
			Name:         t.File.Name(),
			Size:         t.File.Size(),
			Type:         t.File.ContentType(),
			LastModified: t.File.LastModified(),
		}
	}
	return r
}
