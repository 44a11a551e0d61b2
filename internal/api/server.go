// Package api exposes the session coordinator over HTTP and streams session
// events to WebSocket subscribers.
//
//	POST   /v1/session         start a session, body {"mode": "streaming"|"batch"}
//	GET    /v1/session         current record and live transcript
//	DELETE /v1/session         cancel the session
//	POST   /v1/session/audio   raw PCM in the configured format
//	POST   /v1/session/end     flush, wait for processing, return the summary
//	GET    /v1/retry           retry queue status
//	GET    /v1/events          WebSocket event stream
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/stenograph/internal/ingest"
	"github.com/MrWong99/stenograph/internal/retry"
	"github.com/MrWong99/stenograph/internal/segment"
	"github.com/MrWong99/stenograph/internal/session"
	"github.com/MrWong99/stenograph/pkg/types"
)

// DefaultMaxAudioBytes caps a single audio upload.
const DefaultMaxAudioBytes = 16 << 20

// DetectorFactory creates the segment detector for a new session.
type DetectorFactory func() (*segment.Detector, error)

// RetryStatus reports the retry queue. [retry.Queue] satisfies it.
type RetryStatus interface {
	Status() retry.Summary
}

// Server serves the control API.
type Server struct {
	coord       *session.Coordinator
	newDetector DetectorFactory
	frameMs     int
	mode        types.SessionMode
	retry       RetryStatus
	hub         *Hub
	maxAudio    int64
	logger      *slog.Logger

	// mu guards stream and serialises session transitions.
	mu     sync.Mutex
	stream *ingest.Stream
}

// Option configures a [Server].
type Option func(*Server)

// WithFrameMs sets the detector frame size. Default: 20.
func WithFrameMs(ms int) Option {
	return func(s *Server) {
		if ms > 0 {
			s.frameMs = ms
		}
	}
}

// WithDefaultMode sets the mode used when a start request names none.
func WithDefaultMode(m types.SessionMode) Option {
	return func(s *Server) {
		if m.IsValid() {
			s.mode = m
		}
	}
}

// WithRetryStatus exposes the retry queue on GET /v1/retry.
func WithRetryStatus(r RetryStatus) Option {
	return func(s *Server) { s.retry = r }
}

// WithHub serves the event stream from h on GET /v1/events.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMaxAudioBytes caps the body of a single audio upload.
func WithMaxAudioBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxAudio = n
		}
	}
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer returns a Server driving coord. newDetector is called once per
// session.
func NewServer(coord *session.Coordinator, newDetector DetectorFactory, opts ...Option) *Server {
	s := &Server{
		coord:       coord,
		newDetector: newDetector,
		frameMs:     20,
		mode:        types.ModeStreaming,
		maxAudio:    DefaultMaxAudioBytes,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/session", s.handleStart)
	mux.HandleFunc("GET /v1/session", s.handleCurrent)
	mux.HandleFunc("DELETE /v1/session", s.handleCancel)
	mux.HandleFunc("POST /v1/session/audio", s.handleAudio)
	mux.HandleFunc("POST /v1/session/end", s.handleEnd)
	mux.HandleFunc("GET /v1/retry", s.handleRetry)
	if s.hub != nil {
		mux.Handle("GET /v1/events", s.hub)
	}
}

// Handler returns a mux serving only the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Close cancels any open session and releases its detector.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeStreamLocked()
	if err := s.coord.CancelSession(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
		s.logger.Warn("api: cancel session on close", "err", err)
	}
}

type startRequest struct {
	Mode types.SessionMode `json:"mode"`
}

type currentResponse struct {
	Session    types.SessionRecord `json:"session"`
	Transcript string              `json:"transcript"`
}

type audioResponse struct {
	Segments int     `json:"segments"`
	Received float64 `json:"received_seconds"`
}

type endResponse struct {
	session.Summary
	Error string `json:"error,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req := startRequest{Mode: s.mode}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Mode == "" {
			req.Mode = s.mode
		}
	}
	if !req.Mode.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mode %q", req.Mode))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	det, err := s.newDetector()
	if err != nil {
		s.logger.Error("api: create detector", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create segment detector")
		return
	}
	rec, err := s.coord.StartSession(r.Context(), req.Mode)
	if err != nil {
		_ = det.Close()
		writeError(w, statusOf(err), err.Error())
		return
	}
	s.closeStreamLocked()
	s.stream = ingest.New(det, s.frameMs, s.coord)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, currentResponse{
		Session:    s.coord.Current(),
		Transcript: s.coord.Transcript(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.coord.CancelSession(r.Context()); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	s.closeStreamLocked()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		writeError(w, http.StatusConflict, session.ErrNotRecording.Error())
		return
	}

	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxAudio))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "audio body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read audio body")
		return
	}

	n, err := stream.Write(r.Context(), pcm)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, audioResponse{Segments: n, Received: stream.Received().Seconds()})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ending commits the session even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	if s.stream != nil {
		if _, err := s.stream.Flush(ctx); err != nil {
			s.logger.Warn("api: flush detector", "err", err)
		}
		s.closeStreamLocked()
	}

	sum, err := s.coord.EndSession(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, endResponse{Summary: sum})
	case sum.Record.ID != "":
		writeJSON(w, http.StatusBadGateway, endResponse{Summary: sum, Error: err.Error()})
	default:
		writeError(w, statusOf(err), err.Error())
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, _ *http.Request) {
	if s.retry == nil {
		writeJSON(w, http.StatusOK, retry.Summary{Tasks: []retry.Task{}})
		return
	}
	writeJSON(w, http.StatusOK, s.retry.Status())
}

func (s *Server) closeStreamLocked() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		s.logger.Warn("api: close detector", "err", err)
	}
	s.stream = nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, ingest.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrOutOfOrder):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrCancelled):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
