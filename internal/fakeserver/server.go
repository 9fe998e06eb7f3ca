// Package fakeserver is an in-process implementation of the resumable upload API
// used by tests.
package fakeserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-uploadqueue/upload/digest"
	"github.com/bitrise-io/go-uploadqueue/upload/network"
)

// DefaultChunkSize of sessions created by the server.
const DefaultChunkSize = 1024

// FailFunc decides whether a chunk request fails. attempt starts at 1.
type FailFunc func(sessionID string, index, attempt int) bool

// Server is a fake upload API.
type Server struct {
	*httptest.Server

	// ChunkSize of new sessions.
	ChunkSize int64
	// ChunkDelay is slept before a chunk request is answered.
	ChunkDelay time.Duration
	// FailChunk injects chunk failures.
	FailChunk FailFunc
	// FailPrepare makes prepare return a failure envelope with this message.
	FailPrepare string
	// FailPrepareFile restricts FailPrepare to uploads of this file name.
	FailPrepareFile string
	// FailComplete makes complete return a failure envelope with this message.
	FailComplete string

	mu            sync.Mutex
	nextID        int
	sessions      map[string]*session
	byHash        map[string]string
	files         map[string]storedFile
	chunkAttempts map[string]int
	chunkRequests int
	prepareCalls  int
	cancelled     []string
}

type session struct {
	id          string
	fileName    string
	fileSize    int64
	fileHash    string
	chunkSize   int64
	totalChunks int
	chunks      map[int][]byte
}

type storedFile struct {
	file    network.UploadedFile
	content []byte
}

type envelope struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data"`
}

// New starts a fake server.
func New() *Server {
	s := &Server{
		ChunkSize:     DefaultChunkSize,
		sessions:      map[string]*session{},
		byHash:        map[string]string{},
		files:         map[string]storedFile{},
		chunkAttempts: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/resumable/prepare", s.handlePrepare)
	mux.HandleFunc("/resumable/chunk", s.handleChunk)
	mux.HandleFunc("/resumable/complete", s.handleComplete)
	mux.HandleFunc("/resumable/cancel/", s.handleCancel)
	mux.HandleFunc("/resumable/resume/", s.handleResume)
	mux.HandleFunc("/resumable/tasks", s.handleTasks)
	s.Server = httptest.NewServer(mux)

	return s
}

// Seed registers a partially uploaded session for content, with the given chunk
// indices already received. It returns the session id.
func (s *Server) Seed(name string, content []byte, uploaded ...int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.newSession(name, int64(len(content)), digest.Bytes(content))
	for _, index := range uploaded {
		start := int64(index) * sess.chunkSize
		end := start + sess.chunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		sess.chunks[index] = append([]byte(nil), content[start:end]...)
	}
	return sess.id
}

// SeedCompleted registers content as already stored on the server.
func (s *Server) SeedCompleted(name string, content []byte) network.UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := digest.Bytes(content)
	file := network.UploadedFile{
		FileID:       "file-" + hash[:8],
		FileName:     name,
		DownloadLink: "/d/" + hash[:8],
		Size:         int64(len(content)),
	}
	s.files[hash] = storedFile{file: file, content: content}
	return file
}

// Content returns the assembled content of a completed upload.
func (s *Server) Content(fileID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.files {
		if f.file.FileID == fileID {
			return f.content, true
		}
	}
	return nil, false
}

// ChunkRequests returns the number of chunk requests received.
func (s *Server) ChunkRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkRequests
}

// PrepareCalls returns the number of prepare requests received.
func (s *Server) PrepareCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepareCalls
}

// Cancelled returns the ids of the cancelled sessions.
func (s *Server) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// UploadedChunks returns the received chunk indices of a session.
func (s *Server) UploadedChunks(sessionID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return sess.uploaded()
}

func (s *Server) newSession(name string, size int64, hash string) *session {
	s.nextID++
	chunkSize := s.ChunkSize
	total := int((size + chunkSize - 1) / chunkSize)
	sess := &session{
		id:          fmt.Sprintf("session-%d", s.nextID),
		fileName:    name,
		fileSize:    size,
		fileHash:    hash,
		chunkSize:   chunkSize,
		totalChunks: total,
		chunks:      map[int][]byte{},
	}
	s.sessions[sess.id] = sess
	s.byHash[hash] = sess.id
	return sess
}

func (sess *session) uploaded() []int {
	indices := make([]int, 0, len(sess.chunks))
	for index := range sess.chunks {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

func (sess *session) plan() network.Session {
	uploaded := sess.uploaded()
	var uploadedSize int64
	for _, index := range uploaded {
		uploadedSize += int64(len(sess.chunks[index]))
	}
	progress := 0.0
	if sess.totalChunks > 0 {
		progress = float64(len(uploaded)) / float64(sess.totalChunks) * 100
	}
	return network.Session{
		SessionID:      sess.id,
		Resumable:      len(uploaded) > 0,
		TotalChunks:    sess.totalChunks,
		UploadedChunks: uploaded,
		ChunkSize:      sess.chunkSize,
		UploadedSize:   uploadedSize,
		UploadProgress: progress,
	}
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("fileName")
	hash := query.Get("fileHash")
	size, err := strconv.ParseInt(query.Get("fileSize"), 10, 64)
	if err != nil || name == "" || hash == "" {
		writeError(w, "invalid prepare request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepareCalls++

	if s.FailPrepare != "" && (s.FailPrepareFile == "" || s.FailPrepareFile == name) {
		writeError(w, s.FailPrepare)
		return
	}

	if stored, ok := s.files[hash]; ok {
		writeData(w, network.Session{
			Completed:   true,
			FinalFileID: stored.file.FileID,
			DownloadURL: stored.file.DownloadLink,
		})
		return
	}

	if id, ok := s.byHash[hash]; ok {
		if sess, ok := s.sessions[id]; ok {
			writeData(w, sess.plan())
			return
		}
	}

	sess := s.newSession(name, size, hash)
	writeData(w, sess.plan())
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, "invalid multipart form")
		return
	}
	sessionID := r.FormValue("taskId")
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		writeError(w, "invalid chunk index")
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, "missing chunk")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, "read chunk")
		return
	}

	s.mu.Lock()
	s.chunkRequests++
	key := fmt.Sprintf("%s/%d", sessionID, index)
	s.chunkAttempts[key]++
	attempt := s.chunkAttempts[key]
	failChunk := s.FailChunk
	delay := s.ChunkDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if failChunk != nil && failChunk(sessionID, index, attempt) {
		http.Error(w, fmt.Sprintf("injected failure for chunk %d", index), http.StatusInternalServerError)
		return
	}

	if hash := r.FormValue("chunkHash"); hash != "" && hash != digest.Bytes(data) {
		writeError(w, fmt.Sprintf("chunk %d hash mismatch", index))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		writeError(w, "unknown session")
		return
	}
	if index < 0 || index >= sess.totalChunks {
		writeError(w, "chunk index out of range")
		return
	}
	sess.chunks[index] = data

	writeData(w, network.ChunkResult{
		SessionID:           sess.id,
		ChunkIndex:          index,
		ChunkFileID:         fmt.Sprintf("%s-chunk-%d", sess.id, index),
		Success:             true,
		Message:             "ok",
		UploadedChunksCount: len(sess.chunks),
		ProgressPercentage:  float64(len(sess.chunks)) / float64(sess.totalChunks) * 100,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("taskId")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailComplete != "" {
		writeError(w, s.FailComplete)
		return
	}

	sess, ok := s.sessions[sessionID]
	if !ok {
		writeError(w, "unknown session")
		return
	}
	if len(sess.chunks) != sess.totalChunks {
		writeError(w, fmt.Sprintf("missing chunks: %d of %d received", len(sess.chunks), sess.totalChunks))
		return
	}

	var content []byte
	for i := 0; i < sess.totalChunks; i++ {
		content = append(content, sess.chunks[i]...)
	}
	if digest.Bytes(content) != sess.fileHash {
		writeError(w, "content hash mismatch")
		return
	}

	file := network.UploadedFile{
		FileID:       "file-" + sess.fileHash[:8],
		FileName:     sess.fileName,
		DownloadLink: "/d/" + sess.fileHash[:8],
		Size:         int64(len(content)),
	}
	s.files[sess.fileHash] = storedFile{file: file, content: content}
	delete(s.sessions, sess.id)
	delete(s.byHash, sess.fileHash)

	writeData(w, file)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/resumable/cancel/")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled = append(s.cancelled, id)
	if sess, ok := s.sessions[id]; ok {
		delete(s.byHash, sess.fileHash)
		delete(s.sessions, id)
	}
	writeData(w, nil)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/resumable/resume/")

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeData(w, sess.plan())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		infos := make([]network.SessionInfo, 0, len(s.sessions))
		for _, sess := range s.sessions {
			plan := sess.plan()
			infos = append(infos, network.SessionInfo{
				ID:             sess.id,
				FileName:       sess.fileName,
				FileSize:       sess.fileSize,
				TotalChunks:    sess.totalChunks,
				UploadedChunks: len(sess.chunks),
				Progress:       plan.UploadProgress,
				Status:         "uploading",
				Resumable:      true,
				RemainingSize:  sess.fileSize - plan.UploadedSize,
			})
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
		writeData(w, infos)
	case http.MethodDelete:
		ids := r.URL.Query()["taskIds"]
		if len(ids) == 0 {
			http.Error(w, "required request parameter 'taskIds' is not present", http.StatusBadRequest)
			return
		}
		for _, id := range ids {
			if sess, ok := s.sessions[id]; ok {
				delete(s.byHash, sess.fileHash)
				delete(s.sessions, id)
			}
		}
		writeData(w, nil)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeEnvelope(w, envelope{Code: 1, Msg: "success", Data: data})
}

func writeError(w http.ResponseWriter, msg string) {
	writeEnvelope(w, envelope{Code: 0, Msg: msg})
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}
