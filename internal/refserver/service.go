// Package refserver is a reference implementation of the §6.2 HTTP wire
// protocol's server side: chunk ingestion, merge/complete, and the
// optional resume pre-check. spec.md treats the receiving endpoint as an
// external collaborator out of scope for the engine itself; this package
// exists so cmd/refserver has something real to upload against.
//
// It is grounded on the teacher's internal/orchestrator.Service — the
// same net/http.ServeMux-plus-writeJSON shape and sync.RWMutex-guarded
// in-memory map — with the session-registry semantics replaced by the
// chunk receipt/assembly semantics spec.md §6.2 actually describes, and
// the sorted-by-offset join from internal/transport.TCPReceiver.AssembleFile
// adapted into the merge handler.
package refserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trackshift/upload/pkg/wire"
)

// session is the server's in-progress view of one file's upload.
type session struct {
	mu         sync.Mutex
	Fingerprint string
	Filename    string
	Size        int64
	ChunkCount  int
	SessionID   string
	Received    map[int]bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Service implements the §6.2 wire protocol. One Service instance can
// serve any number of concurrent fingerprints.
type Service struct {
	tempDir   string
	outputDir string

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewService creates a Service that stages chunks under tempDir and
// writes assembled files under outputDir, creating both if missing.
func NewService(tempDir, outputDir string) (*Service, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("refserver: create temp dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("refserver: create output dir: %w", err)
	}
	return &Service{
		tempDir:   tempDir,
		outputDir: outputDir,
		sessions:  make(map[string]*session),
	}, nil
}

// RegisterRoutes wires the chunk/resume-check endpoint at basePath and the
// merge endpoint at basePath+"/complete", matching spec.md §6.2's
// "POST {target}", "GET {target}?fingerprint=" and "POST {target}/complete".
func (s *Service) RegisterRoutes(mux *http.ServeMux, basePath string) {
	mux.HandleFunc(basePath, s.handleChunkOrResumeCheck)
	mux.HandleFunc(basePath+"/complete", s.handleComplete)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("refserver: writeJSON: %v", err)
	}
}

func (s *Service) sessionFor(fingerprint, filename string, size int64, chunkCount int) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[fingerprint]
	if !ok {
		now := time.Now()
		sess = &session{
			Fingerprint: fingerprint,
			Filename:    filename,
			Size:        size,
			ChunkCount:  chunkCount,
			Received:    make(map[int]bool),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.sessions[fingerprint] = sess
	}
	return sess
}

func (s *Service) handleChunkOrResumeCheck(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleResumeCheck(w, r)
	case http.MethodPost:
		s.handleChunkUpload(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleResumeCheck(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.URL.Query().Get("fingerprint")
	if fingerprint == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.RLock()
	sess, ok := s.sessions[fingerprint]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusOK, wire.ResumeCheckResponse{Uploaded: []int{}})
		return
	}
	sess.mu.Lock()
	uploaded := make([]int, 0, len(sess.Received))
	for idx := range sess.Received {
		uploaded = append(uploaded, idx)
	}
	sess.mu.Unlock()
	sort.Ints(uploaded)
	writeJSON(w, http.StatusOK, wire.ResumeCheckResponse{Uploaded: uploaded})
}

func (s *Service) handleChunkUpload(w http.ResponseWriter, r *http.Request) {
	fingerprint := r.Header.Get(wire.HeaderFingerprint)
	index, err1 := strconv.Atoi(r.Header.Get(wire.HeaderChunkIndex))
	count, err2 := strconv.Atoi(r.Header.Get(wire.HeaderChunkCount))
	if fingerprint == "" || err1 != nil || err2 != nil || index < 0 || index >= count {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess := s.sessionFor(fingerprint, fingerprint, 0, count)
	sess.mu.Lock()
	if sess.SessionID == "" {
		if sid := r.Header.Get(wire.HeaderSessionID); sid != "" {
			sess.SessionID = sid
		} else {
			sess.SessionID = uuid.NewString()
		}
	}
	sessionID := sess.SessionID
	sess.Received[index] = true
	sess.UpdatedAt = time.Now()
	sess.mu.Unlock()

	path := s.chunkPath(fingerprint, index)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		log.Printf("refserver: write chunk %s[%d]: %v", fingerprint, index, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, wire.ChunkResponse{OK: true, SessionID: sessionID})
}

func (s *Service) chunkPath(fingerprint string, index int) string {
	return filepath.Join(s.tempDir, fmt.Sprintf("%s_%d.part", fingerprint, index))
}

func (s *Service) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req wire.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	sess, ok := s.sessions[req.Fingerprint]
	s.mu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	sess.mu.Lock()
	complete := len(sess.Received) == req.ChunkCount
	sess.mu.Unlock()
	if !complete {
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "not all chunks received"})
		return
	}

	outPath, err := s.assemble(req.Fingerprint, req.Filename, req.ChunkCount)
	if err != nil {
		log.Printf("refserver: assemble %s: %v", req.Fingerprint, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	delete(s.sessions, req.Fingerprint)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": outPath})
}

// assemble joins every chunk file for fingerprint into outputDir/filename,
// ordered by chunk index — the same sorted-join shape as the teacher's
// TCPReceiver.AssembleFile, keyed by index instead of offset since the
// HTTP wire protocol carries index, not a raw byte offset.
func (s *Service) assemble(fingerprint, filename string, chunkCount int) (string, error) {
	outPath := filepath.Join(s.outputDir, filename)
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open output file: %w", err)
	}
	defer out.Close()

	for index := 0; index < chunkCount; index++ {
		path := s.chunkPath(fingerprint, index)
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read chunk %d: %w", index, err)
		}
		if _, err := out.Write(data); err != nil {
			return "", fmt.Errorf("write output: %w", err)
		}
		_ = os.Remove(path)
	}
	return outPath, nil
}
