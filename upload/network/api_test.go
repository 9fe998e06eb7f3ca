package network_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bitrise-io/go-uploadqueue/internal/fakeserver"
	"github.com/bitrise-io/go-uploadqueue/upload/digest"
	"github.com/bitrise-io/go-uploadqueue/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, baseURL string) *network.Client {
	client, err := network.NewClient(network.ClientParams{BaseURL: baseURL, Token: "secret", MaxRetries: 1}, log.NewLogger())
	require.NoError(t, err)
	return client
}

func TestNewClient_EmptyBaseURL(t *testing.T) {
	_, err := network.NewClient(network.ClientParams{}, nil)
	assert.Error(t, err)
}

func TestClient_FullUpload(t *testing.T) {
	server := fakeserver.New()
	defer server.Close()
	server.ChunkSize = 4

	content := []byte("0123456789")
	client := newClient(t, server.URL)
	ctx := context.Background()

	session, err := client.Prepare(ctx, network.PrepareRequest{FileName: "digits.txt", FileSize: int64(len(content)), FileHash: digest.Bytes(content)})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.False(t, session.Completed)
	assert.Equal(t, 3, session.TotalChunks)
	assert.Equal(t, int64(4), session.ChunkSize)
	assert.Empty(t, session.UploadedChunks)

	var mu sync.Mutex
	var lastSent, lastTotal int64
	for i := 0; i < session.TotalChunks; i++ {
		end := (i + 1) * 4
		if end > len(content) {
			end = len(content)
		}
		data := content[i*4 : end]
		result, err := client.UploadChunk(ctx, network.ChunkRequest{
			SessionID: session.SessionID,
			Index:     i,
			Data:      data,
			Hash:      digest.Bytes(data),
		}, func(sent, total int64) {
			mu.Lock()
			defer mu.Unlock()
			lastSent, lastTotal = sent, total
		})
		require.NoError(t, err)
		assert.Equal(t, i, result.ChunkIndex)
		assert.Equal(t, i+1, result.UploadedChunksCount)
		assert.True(t, result.Success)
	}
	mu.Lock()
	assert.Equal(t, lastTotal, lastSent)
	assert.NotZero(t, lastTotal)
	mu.Unlock()

	file, err := client.Complete(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "digits.txt", file.FileName)

	stored, ok := server.Content(file.FileID)
	require.True(t, ok)
	assert.Equal(t, content, stored)

	again, err := client.Prepare(ctx, network.PrepareRequest{FileName: "copy.txt", FileSize: int64(len(content)), FileHash: digest.Bytes(content)})
	require.NoError(t, err)
	assert.True(t, again.Completed)
	assert.Equal(t, file.FileID, again.FinalFileID)
}

func TestClient_PrepareFailureEnvelope(t *testing.T) {
	server := fakeserver.New()
	defer server.Close()
	server.FailPrepare = "quota exceeded"

	_, err := newClient(t, server.URL).Prepare(context.Background(), network.PrepareRequest{FileName: "a", FileSize: 1, FileHash: digest.Bytes([]byte("a"))})
	require.Error(t, err)

	var apiErr *network.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "prepare", apiErr.Operation)
	assert.Equal(t, "quota exceeded", apiErr.Message)
}

func TestClient_UploadChunk_ServerError(t *testing.T) {
	server := fakeserver.New()
	defer server.Close()
	server.FailChunk = func(string, int, int) bool { return true }

	content := []byte("abc")
	client := newClient(t, server.URL)
	session, err := client.Prepare(context.Background(), network.PrepareRequest{FileName: "a", FileSize: 3, FileHash: digest.Bytes(content)})
	require.NoError(t, err)

	_, err = client.UploadChunk(context.Background(), network.ChunkRequest{SessionID: session.SessionID, Index: 0, Data: content}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.Equal(t, 1, server.ChunkRequests(), "chunk requests must not be retried by the client")
}

func TestClient_UploadChunk_HashMismatch(t *testing.T) {
	server := fakeserver.New()
	defer server.Close()

	content := []byte("abc")
	client := newClient(t, server.URL)
	session, err := client.Prepare(context.Background(), network.PrepareRequest{FileName: "a", FileSize: 3, FileHash: digest.Bytes(content)})
	require.NoError(t, err)

	_, err = client.UploadChunk(context.Background(), network.ChunkRequest{SessionID: session.SessionID, Index: 0, Data: content, Hash: "bogus"}, nil)
	var apiErr *network.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "hash mismatch")
}

func TestClient_UploadChunk_Cancelled(t *testing.T) {
	server := fakeserver.New()
	defer server.Close()

	content := []byte("abc")
	client := newClient(t, server.URL)
	session, err := client.Prepare(context.Background(), network.PrepareRequest{FileName: "a", FileSize: 3, FileHash: digest.Bytes(content)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.UploadChunk(ctx, network.ChunkRequest{SessionID: session.SessionID, Index: 0, Data: content}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_SessionManagement(t *testing.T) {
	server := fakeserver.New()
	defer server.Close()
	server.ChunkSize = 2

	content := []byte("abcdef")
	id := server.Seed("letters.txt", content, 0, 2)
	other := server.Seed("other.txt", []byte("zz"))

	client := newClient(t, server.URL)
	ctx := context.Background()

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, 2, sessions[0].UploadedChunks)
	assert.Equal(t, int64(2), sessions[0].RemainingSize)

	resumed, err := client.ResumeSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, resumed.Resumable)
	assert.Equal(t, []int{0, 2}, resumed.UploadedChunks)

	require.NoError(t, client.Cancel(ctx, id))
	assert.Equal(t, []string{id}, server.Cancelled())

	_, err = client.ResumeSession(ctx, id)
	assert.ErrorIs(t, err, network.ErrSessionNotFound)

	require.NoError(t, client.DeleteSessions(ctx, []string{other}))
	sessions, err = client.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestClient_DeleteSessionsSendsQueryParams(t *testing.T) {
	var gotMethod, gotPath string
	var gotIDs []string
	var gotBodyLen int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotIDs = r.URL.Query()["taskIds"]
		gotBodyLen = r.ContentLength
		_, _ = w.Write([]byte(`{"code":1,"msg":"success","data":null}`))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	require.NoError(t, client.DeleteSessions(context.Background(), []string{"a", "b c"}))

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/resumable/tasks", gotPath)
	assert.Equal(t, []string{"a", "b c"}, gotIDs)
	assert.Zero(t, gotBodyLen)
}

func TestClient_ControlRequestRetries(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		wantCalls  int32
	}{
		{name: "Retries disabled", maxRetries: -1, wantCalls: 1},
		{name: "One retry", maxRetries: 1, wantCalls: 2},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer server.Close()

			client, err := network.NewClient(network.ClientParams{BaseURL: server.URL, MaxRetries: testCase.maxRetries}, log.NewLogger())
			require.NoError(t, err)

			_, err = client.ListSessions(context.Background())
			assert.Error(t, err)
			assert.Equal(t, testCase.wantCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"code":1,"msg":"success","data":null}`))
	}))
	defer server.Close()

	require.NoError(t, newClient(t, server.URL).Cancel(context.Background(), "session-1"))
	assert.Equal(t, "Bearer secret", gotAuth)
}
