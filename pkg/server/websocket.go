package server

import (
	"net/http"

	"github.com/nekomiya-kasane/metasock/pkg/wsconn"
)

// HandleWebSocket upgrades the request and attaches the connection to the
// server named by the {name} path value. WebSocket sessions share the TCP
// sessions' table, capacity and framing.
func (r *Registry) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	srv, ok := r.Server(name)
	if !ok || !srv.IsRunning() {
		http.Error(w, "unknown server", http.StatusNotFound)
		return
	}

	conn, err := wsconn.Upgrade(w, req)
	if err != nil {
		// Upgrade has already written the HTTP error
		debugLog.Printf("WebSocket upgrade for %q failed: %v", name, err)
		return
	}

	srv.admit(conn, "websocket")
}
