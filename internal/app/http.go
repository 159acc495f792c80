package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (h *HTTPServer) Handler() http.Handler {
	return h.withMiddleware(http.HandlerFunc(h.handle))
}

func (h *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.URL.Path {
	case "/api/health":
		h.handleHealth(w, r)
		return
	case "/api/ready":
		h.handleReady(w, r)
		return
	case "/api/sessions":
		if !requirePost(w, r) {
			return
		}
		h.handleCreateSession(w, r)
		return
	case "/api/sessions/join":
		if !requirePost(w, r) {
			return
		}
		h.handleJoinSession(w, r)
		return
	case "/api/identity/add":
		if !requirePost(w, r) {
			return
		}
		h.handleAddItems(w, r)
		return
	case "/api/identity/list":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}
		h.handleListItems(w, r)
		return
	case "/api/participants/visibility":
		if !requirePost(w, r) {
			return
		}
		h.handleSetVisibility(w, r)
		return
	case "/api/participants/delete":
		if !requirePost(w, r) {
			return
		}
		h.handleDeleteParticipant(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "sessions" {
		sessionID := parts[2]
		switch parts[3] {
		case "participants":
			if r.Method != http.MethodGet {
				w.Header().Set("Allow", http.MethodGet)
				writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
				return
			}
			payload, err := h.service.SessionParticipants(r.Context(), sessionID)
			respond(w, http.StatusOK, payload, err)
			return
		case "export":
			if !requirePost(w, r) {
				return
			}
			payload, err := h.service.ExportSession(r.Context(), sessionID)
			respond(w, http.StatusOK, payload, err)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found")
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := h.service.Ping(ctx); err != nil {
		log.Printf("readiness check failed: %v", err)
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"checks": checks}
	if status != http.StatusOK {
		body["error"] = "not_ready"
	}
	writeJSON(w, status, body)
}

func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title            string `json:"title"`
		FacilitatorEmail string `json:"facilitatorEmail"`
		ExpiresAt        string `json:"expiresAt"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	payload, err := h.service.CreateSession(r.Context(), req.Title, req.FacilitatorEmail, req.ExpiresAt)
	respond(w, http.StatusOK, payload, err)
}

func (h *HTTPServer) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var req JoinSessionInput
	if !decodeBody(w, r, &req) {
		return
	}
	payload, err := h.service.JoinSession(r.Context(), req)
	respond(w, http.StatusOK, payload, err)
}

func (h *HTTPServer) handleAddItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string              `json:"participantId"`
		Items         []IdentityItemInput `json:"items"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	payload, err := h.service.AddItems(r.Context(), req.ParticipantID, req.Items)
	respond(w, http.StatusOK, payload, err)
}

func (h *HTTPServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participantId")
	payload, err := h.service.ListItems(r.Context(), participantID)
	respond(w, http.StatusOK, payload, err)
}

func (h *HTTPServer) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
		IsVisible     *bool  `json:"isVisible"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IsVisible == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "isVisible is required")
		return
	}
	payload, err := h.service.SetVisibility(r.Context(), req.ParticipantID, *req.IsVisible)
	respond(w, http.StatusOK, payload, err)
}

func (h *HTTPServer) handleDeleteParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	payload, err := h.service.DeleteParticipant(r.Context(), req.ParticipantID)
	respond(w, http.StatusOK, payload, err)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return false
	}
	return true
}

func respond(w http.ResponseWriter, okStatus int, payload any, err error) {
	if err != nil {
		status, kind, message := mapError(err)
		writeError(w, status, kind, message)
		return
	}
	writeJSON(w, okStatus, payload)
}

func mapError(err error) (int, string, string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Kind, domainErr.Message
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "not_found", "Not found"
	}
	log.Printf("internal error: %v", err)
	return http.StatusInternalServerError, "server_error", "Internal server error"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Printf("write response: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	body := map[string]any{"error": kind}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (h *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)
		w.Header().Set("Access-Control-Allow-Origin", h.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		w.Header().Set("Cache-Control", "no-store")

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		line, err := json.Marshal(map[string]any{
			"time":       start.UTC().Format(time.RFC3339),
			"requestId":  requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.status,
			"durationMs": time.Since(start).Milliseconds(),
		})
		if err == nil {
			log.Println(string(line))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
