package enginestub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Options describes how the fake engine should behave.
type Options struct {
	// Token, when set, is required as a bearer credential on every request.
	Token string

	// FailPushStarts causes the first N push start requests to return
	// HTTP 503. Subsequent attempts succeed.
	FailPushStarts int

	// Health is the verdict served for every health probe. Defaults to
	// "healthy".
	Health string
}

// Server is a fake media engine control API bound to an httptest server.
type Server struct {
	httpServer *httptest.Server

	mu         sync.Mutex
	opts       Options
	startCalls int
	active     map[string]pushRecord
	stopped    []string
}

type pushRecord struct {
	SessionID string `json:"sessionId"`
	Protocol  string `json:"protocol"`
	URL       string `json:"url"`
}

// New starts the fake engine. Callers must Close it when done.
func New(opts Options) *Server {
	if opts.Health == "" {
		opts.Health = "healthy"
	}
	s := &Server{
		opts:   opts,
		active: make(map[string]pushRecord),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the base URL of the fake engine API.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts the underlying httptest server down.
func (s *Server) Close() {
	s.httpServer.Close()
}

// StartCalls reports how many push start requests were received, including
// rejected ones.
func (s *Server) StartCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls
}

// ActivePushes lists the target ids with a started, unstopped push.
func (s *Server) ActivePushes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Stopped lists target ids in the order their pushes were stopped.
func (s *Server) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

// SetHealth changes the verdict served for subsequent health probes.
func (s *Server) SetHealth(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Health = status
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/push":
		s.handleStart(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/v1/push/"):
		s.handleStop(w, strings.TrimPrefix(r.URL.Path, "/v1/push/"))
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/health"):
		s.handleHealth(w)
	default:
		http.Error(w, fmt.Sprintf("unexpected %s %s", r.Method, r.URL.Path), http.StatusNotFound)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TargetID  string `json:"targetId"`
		SessionID string `json:"sessionId"`
		Protocol  string `json:"protocol"`
		URL       string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.opts.FailPushStarts > 0 {
		s.opts.FailPushStarts--
		http.Error(w, "engine overloaded", http.StatusServiceUnavailable)
		return
	}
	s.active[payload.TargetID] = pushRecord{
		SessionID: payload.SessionID,
		Protocol:  payload.Protocol,
		URL:       payload.URL,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true})
}

func (s *Server) handleStop(w http.ResponseWriter, targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[targetID]; !ok {
		http.Error(w, "unknown push", http.StatusNotFound)
		return
	}
	delete(s.active, targetID)
	s.stopped = append(s.stopped, targetID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	s.mu.Lock()
	status := s.opts.Health
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
