package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/nekomiya-kasane/metasock/pkg/journal"
	"github.com/nekomiya-kasane/metasock/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler exposes the registry over HTTP for the hosting application
type AdminHandler struct {
	registry  *Registry
	journal   *journal.Journal // optional
	startTime time.Time
}

// NewAdminHandler creates the admin surface. j may be nil.
func NewAdminHandler(registry *Registry, j *journal.Journal) *AdminHandler {
	return &AdminHandler{
		registry:  registry,
		journal:   j,
		startTime: time.Now(),
	}
}

// Routes returns the admin mux, including /metrics and the WebSocket ingress
func (h *AdminHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthHandler)
	mux.HandleFunc("GET /servers", h.ListServersHandler)
	mux.HandleFunc("POST /servers", h.CreateServerHandler)
	mux.HandleFunc("DELETE /servers/{name}", h.StopServerHandler)
	mux.HandleFunc("GET /servers/{name}/status", h.StatusHandler)
	mux.HandleFunc("GET /servers/{name}/sessions", h.SessionsHandler)
	mux.HandleFunc("DELETE /servers/{name}/sessions/{id}", h.DisconnectHandler)
	mux.HandleFunc("POST /servers/{name}/broadcast", h.BroadcastHandler)
	mux.HandleFunc("POST /servers/{name}/sessions/{id}/send", h.SendHandler)
	mux.HandleFunc("GET /journal", h.JournalHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/{name}", h.registry.HandleWebSocket)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding admin response: %v", err)
	}
}

// HealthHandler serves health check status
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	servers := h.registry.Servers()
	sessions := 0
	for _, name := range servers {
		if st := h.registry.Status(name); st != nil {
			sessions += st.SessionCount
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"uptime_seconds":   int64(time.Since(h.startTime).Seconds()),
		"servers":          len(servers),
		"active_sessions":  sessions,
		"journal_enabled":  h.journal != nil,
		"listen_overflows": ListenOverflows(),
	})
}

// ListServersHandler returns the status of every server
func (h *AdminHandler) ListServersHandler(w http.ResponseWriter, r *http.Request) {
	statuses := make([]*Status, 0)
	for _, name := range h.registry.Servers() {
		if st := h.registry.Status(name); st != nil {
			statuses = append(statuses, st)
		}
	}
	writeJSON(w, http.StatusOK, statuses)
}

type createServerRequest struct {
	Name           string `json:"name"`
	Port           int    `json:"port"`
	Host           string `json:"host,omitempty"`
	MaxConnections int    `json:"maxConnections,omitempty"`
}

// CreateServerHandler creates a server and answers with a Result
func (h *AdminHandler) CreateServerHandler(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Error: "invalid request body: " + err.Error()})
		return
	}

	err := h.registry.CreateServer(req.Name, req.Port, WithHost(req.Host), WithMaxConnections(req.MaxConnections))
	status := http.StatusOK
	switch {
	case errors.Is(err, ErrServerExists):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidName):
		status = http.StatusBadRequest
	case err != nil:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, ResultFrom(err))
}

// StopServerHandler stops a server; unknown names succeed
func (h *AdminHandler) StopServerHandler(w http.ResponseWriter, r *http.Request) {
	err := h.registry.StopServer(r.PathValue("name"))
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, ResultFrom(err))
}

// StatusHandler returns a Status, or null for an unknown server
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Status(r.PathValue("name")))
}

// SessionsHandler returns the live sessions of a server
func (h *AdminHandler) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Sessions(r.PathValue("name")))
}

// DisconnectHandler forcibly closes one session
func (h *AdminHandler) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Disconnect(r.PathValue("name"), r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, Result{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, Result{Success: true})
}

func decodeMessage(r *http.Request) (protocol.Message, error) {
	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return msg, err
	}
	return msg, msg.Validate()
}

// BroadcastHandler sends a message to every session of a server
func (h *AdminHandler) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}

	name := r.PathValue("name")
	if _, ok := h.registry.Server(name); !ok {
		writeJSON(w, http.StatusNotFound, Result{Error: ErrServerNotFound.Error()})
		return
	}

	delivered := h.registry.Broadcast(name, msg)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "delivered": delivered})
}

// SendHandler sends a message to one session
func (h *AdminHandler) SendHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}

	if !h.registry.Send(r.PathValue("name"), r.PathValue("id"), msg) {
		writeJSON(w, http.StatusNotFound, Result{Error: "session not found or not connected"})
		return
	}
	writeJSON(w, http.StatusOK, Result{Success: true})
}

// JournalHandler returns recent journal events. Query parameters: server,
// session, kind, limit.
func (h *AdminHandler) JournalHandler(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "journal not enabled", http.StatusNotImplemented)
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	events, err := h.journal.Recent(r.Context(), journal.Filter{
		Server:    q.Get("server"),
		SessionID: q.Get("session"),
		Kind:      q.Get("kind"),
		Limit:     limit,
	})
	if err != nil {
		log.Printf("Error reading journal: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
