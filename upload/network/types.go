package network

import (
	"context"
	"fmt"
)

// API is the remote upload surface used by the upload engine.
type API interface {
	Prepare(ctx context.Context, req PrepareRequest) (*Session, error)
	UploadChunk(ctx context.Context, req ChunkRequest, progress ProgressFunc) (*ChunkResult, error)
	Complete(ctx context.Context, sessionID string) (*UploadedFile, error)
	Cancel(ctx context.Context, sessionID string) error
}

// ProgressFunc receives the number of request bytes sent so far.
type ProgressFunc func(sent, total int64)

// PrepareRequest identifies the content to upload.
type PrepareRequest struct {
	FileName string
	FileSize int64
	FileHash string
}

// Session is the upload plan negotiated with the server for one content digest.
type Session struct {
	SessionID      string  `json:"taskId"`
	Resumable      bool    `json:"resumable"`
	Completed      bool    `json:"completed"`
	TotalChunks    int     `json:"totalChunks"`
	UploadedChunks []int   `json:"uploadedChunks"`
	ChunkSize      int64   `json:"chunkSize"`
	FinalFileID    string  `json:"finalFileId,omitempty"`
	DownloadURL    string  `json:"downloadUrl,omitempty"`
	UploadedSize   int64   `json:"uploadedSize,omitempty"`
	UploadProgress float64 `json:"uploadProgress,omitempty"`
}

// ChunkRequest is a single chunk of a session.
type ChunkRequest struct {
	SessionID string
	Index     int
	Data      []byte
	// Hash is an optional digest of Data the server may verify.
	Hash string
}

// ChunkResult is the server acknowledgement of a chunk.
type ChunkResult struct {
	SessionID           string  `json:"taskId"`
	ChunkIndex          int     `json:"chunkIndex"`
	ChunkFileID         string  `json:"chunkFileId"`
	Success             bool    `json:"success"`
	Message             string  `json:"message"`
	UploadedChunksCount int     `json:"uploadedChunksCount"`
	ProgressPercentage  float64 `json:"progressPercentage"`
}

// UploadedFile is the final artifact reference.
type UploadedFile struct {
	FileID       string `json:"fileId"`
	FileName     string `json:"fileName"`
	DownloadLink string `json:"downloadLink"`
	Size         int64  `json:"size,omitempty"`
}

// SessionInfo describes a server side upload session of the current user.
type SessionInfo struct {
	ID             string  `json:"id"`
	FileName       string  `json:"fileName"`
	FileSize       int64   `json:"fileSize"`
	TotalChunks    int     `json:"totalChunks"`
	UploadedChunks int     `json:"uploadedChunks"`
	Progress       float64 `json:"progress"`
	Status         string  `json:"status"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`
	Resumable      bool    `json:"resumable"`
	RemainingSize  int64   `json:"remainingSize"`
	CreatedAt      string  `json:"createdAt,omitempty"`
	ExpiresAt      string  `json:"expiresAt,omitempty"`
}

const successCode = 1

type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIError is a failure envelope returned by the server.
type APIError struct {
	Operation string
	Code      int
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %s", e.Operation, e.Code, e.Message)
}
