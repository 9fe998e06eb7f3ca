package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrSessionNotFound is returned when the server does not know the session.
var ErrSessionNotFound = errors.New("upload session not found")

// ClientParams ...
type ClientParams struct {
	// BaseURL is the API root, for example https://drive.example.com/api
	BaseURL string
	// Token is sent as a bearer token when not empty.
	Token string
	// MaxRetries of control requests (prepare, complete, cancel). 0 keeps the
	// retryhttp default, a negative value disables retries. Chunk requests are never
	// retried by the client, the chunk uploader owns that policy.
	MaxRetries int
}

// Client talks to the resumable upload API.
type Client struct {
	httpClient  *retryablehttp.Client
	chunkClient *retryablehttp.Client
	baseURL     string
	token       string
	logger      log.Logger
}

// NewClient ...
func NewClient(params ClientParams, logger log.Logger) (*Client, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if _, err := url.Parse(params.BaseURL); err != nil {
		return nil, fmt.Errorf("parse API base URL: %w", err)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	httpClient := retryhttp.NewClient(logger)
	switch {
	case params.MaxRetries > 0:
		httpClient.RetryMax = params.MaxRetries
	case params.MaxRetries < 0:
		httpClient.RetryMax = 0
	}

	chunkClient := retryhttp.NewClient(logger)
	chunkClient.RetryMax = 0
	chunkClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		httpClient:  httpClient,
		chunkClient: chunkClient,
		baseURL:     strings.TrimSuffix(params.BaseURL, "/"),
		token:       params.Token,
		logger:      logger,
	}, nil
}

// Prepare registers the content digest and returns the upload plan.
func (c *Client) Prepare(ctx context.Context, req PrepareRequest) (*Session, error) {
	query := url.Values{}
	query.Set("fileName", req.FileName)
	query.Set("fileSize", strconv.FormatInt(req.FileSize, 10))
	query.Set("fileHash", req.FileHash)
	apiURL := fmt.Sprintf("%s/resumable/prepare?%s", c.baseURL, query.Encode())

	var session Session
	if err := c.call(ctx, "prepare", http.MethodPost, apiURL, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UploadChunk sends one chunk as a multipart form. progress is called while the
// request body is written to the connection.
func (c *Client) UploadChunk(ctx context.Context, chunk ChunkRequest, progress ProgressFunc) (*ChunkResult, error) {
	body, contentType, err := chunkForm(chunk)
	if err != nil {
		return nil, fmt.Errorf("build chunk form: %w", err)
	}

	apiURL := fmt.Sprintf("%s/resumable/chunk", c.baseURL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return newProgressReader(body, progress), nil
	}))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	var result ChunkResult
	if err := c.decode("chunk", resp, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, &APIError{Operation: "chunk", Code: successCode, Message: result.Message}
	}
	return &result, nil
}

// Complete asks the server to assemble the uploaded chunks.
func (c *Client) Complete(ctx context.Context, sessionID string) (*UploadedFile, error) {
	apiURL := fmt.Sprintf("%s/resumable/complete?taskId=%s", c.baseURL, url.QueryEscape(sessionID))

	var file UploadedFile
	if err := c.call(ctx, "complete", http.MethodPost, apiURL, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// Cancel tells the server to discard a prepared session.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	apiURL := fmt.Sprintf("%s/resumable/cancel/%s", c.baseURL, url.PathEscape(sessionID))
	return c.call(ctx, "cancel", http.MethodDelete, apiURL, nil)
}

// ListSessions returns the unfinished sessions known by the server.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	apiURL := fmt.Sprintf("%s/resumable/tasks", c.baseURL)

	var sessions []SessionInfo
	if err := c.call(ctx, "list sessions", http.MethodGet, apiURL, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ResumeSession returns the current upload plan of an existing session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (*Session, error) {
	apiURL := fmt.Sprintf("%s/resumable/resume/%s", c.baseURL, url.PathEscape(sessionID))

	var session Session
	if err := c.call(ctx, "resume session", http.MethodPost, apiURL, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSessions removes sessions from the server. The ids are sent as repeated
// taskIds query parameters.
func (c *Client) DeleteSessions(ctx context.Context, sessionIDs []string) error {
	query := url.Values{}
	for _, id := range sessionIDs {
		query.Add("taskIds", id)
	}
	apiURL := fmt.Sprintf("%s/resumable/tasks?%s", c.baseURL, query.Encode())
	return c.call(ctx, "delete sessions", http.MethodDelete, apiURL, nil)
}

func (c *Client) call(ctx context.Context, operation, method, apiURL string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, apiURL, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", operation, string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer c.closeBody(resp.Body)

	return c.decode(operation, resp, out)
}

func (c *Client) decode(operation string, resp *http.Response, out interface{}) error {
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", operation, ErrSessionNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", operation, unwrapError(resp))
	}

	var env struct {
		envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}
	c.logger.Debugf("%s response: code=%d msg=%q", operation, env.Code, env.Msg)

	if env.Code != successCode {
		message := env.Msg
		if message == "" {
			message = "unknown error"
		}
		return &APIError{Operation: operation, Code: env.Code, Message: message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", operation, err)
	}
	return nil
}

func (c *Client) authorize(req *retryablehttp.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("close response body: %s", err)
	}
}

func chunkForm(chunk ChunkRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("taskId", chunk.SessionID); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("chunkIndex", strconv.Itoa(chunk.Index)); err != nil {
		return nil, "", err
	}
	if chunk.Hash != "" {
		if err := w.WriteField("chunkHash", chunk.Hash); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", chunk.Index))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
