package server

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"

	relayerrors "github.com/coderelay/host/internal/errors"
)

// createMux creates the HTTP mux with all endpoints.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket connections at the /ws endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Health check endpoint for monitoring.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Pairing endpoints, optional.
	if s.pairHandler != nil {
		mux.Handle("/pair", s.pairHandler)
		mux.Handle("/pair/generate", s.pairHandler)
		log.Printf("server: pairing endpoints registered at /pair")
	}

	// Full-content fetch for degraded notifications: /messages/{id}.
	mux.HandleFunc("/messages/", s.handleFetchMessage)

	// Device revocation: /devices/{id}/revoke. Lets the CLI signal the
	// running host to drop a revoked device's connection immediately.
	mux.HandleFunc("/devices/", s.handleDeviceRevoke)

	// Session kill: /sessions/{id}/kill. Lets the CLI terminate a
	// session on the running host.
	mux.HandleFunc("/sessions/", s.handleSessionKillHTTP)

	return mux
}

// handleWebSocket upgrades an HTTP connection to a WebSocket connection
// and starts the client's pump goroutines.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var deviceID string

	if s.requireAuth && s.tokenValidator != nil {
		token := extractBearerToken(r)
		if token == "" {
			log.Printf("server: connection rejected: missing authorization token")
			http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
			return
		}

		var err error
		deviceID, err = s.tokenValidator(token)
		if err != nil {
			log.Printf("server: connection rejected: invalid token: %v", err)
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		log.Printf("server: connection authenticated for device %s", deviceID)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade failed: %v", err)
		return
	}

	client := newClient(s, conn, deviceID)
	s.register(client)

	log.Printf("server: client connected (%d total)", s.ClientCount())

	go client.writePump()
	go client.readPump()
}

// handleFetchMessage serves GET /messages/{id}: the pull path for
// notifications that were degraded to requiresFetch. The response
// carries the full, untruncated content.
func (s *Server) handleFetchMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.requireAuth && s.tokenValidator != nil {
		token := extractBearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized: missing token", http.StatusUnauthorized)
			return
		}
		if _, err := s.tokenValidator(token); err != nil {
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}
	}

	messageID := strings.TrimPrefix(r.URL.Path, "/messages/")
	if messageID == "" || strings.Contains(messageID, "/") {
		http.Error(w, "bad message id", http.StatusBadRequest)
		return
	}

	msg, err := s.coord.Fetch(messageID)
	if err != nil {
		if relayerrors.IsCode(err, relayerrors.CodeMessageNotFound) {
			http.Error(w, "message not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"messageId":  msg.ID,
		"sessionId":  msg.SessionID,
		"content":    msg.Content,
		"enqueuedAt": msg.EnqueuedAt,
	})
}

// handleDeviceRevoke serves POST /devices/{id}/revoke by closing the
// device's live connection, if any. Token deletion itself happens in
// storage before this is called.
func (s *Server) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/devices/")
	deviceID, ok := strings.CutSuffix(rest, "/revoke")
	if !ok || deviceID == "" || strings.Contains(deviceID, "/") {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	s.DisconnectDevice(deviceID)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleSessionKillHTTP serves POST /sessions/{id}/kill for local CLI
// control of a running host. Restricted to loopback callers; the
// WebSocket protocol is the path for devices.
func (s *Server) handleSessionKillHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	sessionID, ok := strings.CutSuffix(rest, "/kill")
	if !ok || sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	if err := s.coord.HandleKill("local-cli", sessionID, "killed"); err != nil {
		if relayerrors.IsCode(err, relayerrors.CodeSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// isLoopback reports whether an addr string is a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// extractBearerToken extracts the token from an Authorization header.
// Returns empty string if no valid bearer token is found. Supports a
// "token" query parameter as a fallback for WebSocket clients that
// cannot set custom headers.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		const bearerPrefix = "Bearer "
		if len(auth) > len(bearerPrefix) {
			prefix := auth[:len(bearerPrefix)]
			if prefix == bearerPrefix || prefix == "bearer " {
				return auth[len(bearerPrefix):]
			}
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}
