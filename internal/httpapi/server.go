// Package httpapi is the collector's admin surface: health, liveness
// listing, reading queries, and manual enqueue of outbound messages.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/peppasd/fog-hw/internal/store"
)

type Server struct {
	repo *store.Repo
}

func NewServer(repo *store.Repo) *Server {
	return &Server{repo: repo}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/relay/connections", s.handleConnections)
	mux.HandleFunc("/api/relay/readings", s.handleReadings)
	mux.HandleFunc("/api/relay/messages", s.handleMessages)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conns, err := s.repo.ListConnections(r.Context())
	if err != nil {
		slog.Error("connection list query failed", "error", err)
		http.Error(w, "failed to load connections", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var (
		rows []store.ReceivedReading
		err  error
	)
	if clientID := strings.TrimSpace(r.URL.Query().Get("client_id")); clientID != "" {
		rows, err = s.repo.ReadingsForClient(r.Context(), clientID, limit)
	} else {
		rows, err = s.repo.RecentReadings(r.Context(), limit)
	}
	if err != nil {
		slog.Error("reading query failed", "error", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type enqueueRequest struct {
	Payload string `json:"payload"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Payload) == "" {
		http.Error(w, "payload required", http.StatusBadRequest)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), req.Payload, time.Now())
	if err != nil {
		slog.Error("enqueue failed", "error", err)
		http.Error(w, "failed to enqueue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
